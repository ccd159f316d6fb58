// Command breepnode runs a single overlay mesh node: it joins (or
// starts) a mesh, prints membership changes and incoming messages, and
// broadcasts every line typed on stdin.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/awhoiswho/Breep"
	"github.com/awhoiswho/Breep/peer"
)

func main() {
	cfg := defaultConfig()
	var configFile, envFile string

	root := &cobra.Command{
		Use:   "breepnode",
		Short: "Run a peer of a breep overlay mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.loadYAML(configFile); err != nil {
				return err
			}
			if err := cfg.loadEnv(envFile); err != nil {
				return err
			}
			// Flags win over file and env settings.
			if cmd.Flags().Changed("port") {
				port, _ := cmd.Flags().GetUint16("port")
				cfg.Port = port
			}
			if cmd.Flags().Changed("connect") {
				cfg.Connect, _ = cmd.Flags().GetString("connect")
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
			}
			if cmd.Flags().Changed("log-file") {
				cfg.LogFile, _ = cmd.Flags().GetString("log-file")
			}
			return run(cfg)
		},
	}

	root.Flags().Uint16("port", cfg.Port, "TCP listening port")
	root.Flags().String("connect", "", "host:port of a mesh member to join")
	root.Flags().String("metrics-addr", "", "address for the debug HTTP server (metrics + peers)")
	root.Flags().String("log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")
	root.Flags().String("log-file", "", "rotating log file (default: stderr)")
	root.Flags().StringVar(&configFile, "config", "", "YAML configuration file")
	root.Flags().StringVar(&envFile, "env-file", "", ".env file with BREEP_* variables")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	if err := setupLogging(cfg); err != nil {
		return err
	}

	opts := breep.NewOptions()
	opts.Port = cfg.Port
	m := breep.New(opts)

	m.AddConnectionListener(func(_ *breep.Manager, p peer.Peer) {
		fmt.Printf("* %s joined (%s)\n", p.ID, routeOf(p))
	})
	m.AddDisconnectionListener(func(_ *breep.Manager, p peer.Peer) {
		fmt.Printf("* %s left\n", p.ID)
	})
	m.AddDataListener(func(_ *breep.Manager, source peer.Peer, data []byte, broadcast bool) {
		if broadcast {
			fmt.Printf("<%s> %s\n", source.ID, data)
		} else {
			fmt.Printf("<%s (private)> %s\n", source.ID, data)
		}
	})

	if cfg.Connect != "" {
		host, portStr, err := net.SplitHostPort(cfg.Connect)
		if err != nil {
			return fmt.Errorf("invalid --connect address: %w", err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid --connect port: %w", err)
		}
		if err := m.Connect(host, uint16(port)); err != nil {
			return err
		}
	} else {
		if err := m.Run(); err != nil {
			return err
		}
	}
	defer m.Disconnect()

	fmt.Printf("node %s listening on port %d\n", m.Self().ID, m.Port())

	if cfg.MetricsAddr != "" {
		go serveDebug(cfg.MetricsAddr, m)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigs:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line != "" {
				m.SendToAll([]byte(line))
			}
		}
	}
}

func setupLogging(cfg *Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)

	if cfg.LogFile != "" {
		logrus.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		})
	}
	return nil
}

// serveDebug exposes prometheus metrics and a JSON view of the peer
// table.
func serveDebug(addr string, m *breep.Manager) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/peers", func(w http.ResponseWriter, _ *http.Request) {
		type peerView struct {
			ID       string `json:"id"`
			Addr     string `json:"addr,omitempty"`
			Port     uint16 `json:"port"`
			Direct   bool   `json:"direct"`
			Distance uint8  `json:"distance"`
		}
		peers := m.Peers()
		views := make([]peerView, 0, len(peers))
		for _, p := range peers {
			v := peerView{
				ID:       p.ID.String(),
				Port:     p.Port,
				Direct:   p.IsDirect(),
				Distance: p.Distance(),
			}
			if p.Addr != nil {
				v.Addr = p.Addr.String()
			}
			views = append(views, v)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	})

	logrus.WithFields(logrus.Fields{
		"function": "serveDebug",
		"addr":     addr,
	}).Info("Debug HTTP server listening")
	if err := http.ListenAndServe(addr, r); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serveDebug",
			"error":    err,
		}).Error("Debug HTTP server failed")
	}
}

func routeOf(p peer.Peer) string {
	if p.IsDirect() {
		return "direct"
	}
	if bridge, ok := p.Bridge(); ok {
		return fmt.Sprintf("via %s, %d hops", bridge, p.Distance())
	}
	return "unknown route"
}
