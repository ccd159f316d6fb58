package peer

import (
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDirectPeerHasDistanceZero(t *testing.T) {
	p := NewDirect(uuid.New(), net.ParseIP("192.0.2.1"), 3479)

	assert.True(t, p.IsDirect())
	assert.Equal(t, uint8(0), p.Distance())

	_, bridged := p.Bridge()
	assert.False(t, bridged)
}

func TestIndirectPeerRoute(t *testing.T) {
	bridge := uuid.New()
	p := NewIndirect(uuid.New(), nil, 0, bridge, 2)

	assert.False(t, p.IsDirect())
	assert.Equal(t, uint8(2), p.Distance())

	got, bridged := p.Bridge()
	assert.True(t, bridged)
	assert.Equal(t, bridge, got)
}

func TestSetRouteReplacesBridge(t *testing.T) {
	first, second := uuid.New(), uuid.New()
	p := NewIndirect(uuid.New(), nil, 0, first, 3)

	p.SetRoute(second, 1)

	got, _ := p.Bridge()
	assert.Equal(t, second, got)
	assert.Equal(t, uint8(1), p.Distance())
}

func TestPromoteDirect(t *testing.T) {
	p := NewIndirect(uuid.New(), net.ParseIP("192.0.2.2"), 3480, uuid.New(), 4)

	p.PromoteDirect()

	assert.True(t, p.IsDirect())
	assert.Equal(t, uint8(0), p.Distance())
	_, bridged := p.Bridge()
	assert.False(t, bridged)
}

func TestSetDistanceIgnoredForDirect(t *testing.T) {
	p := NewDirect(uuid.New(), nil, 3479)

	p.SetDistance(7)

	assert.Equal(t, uint8(0), p.Distance())
}
