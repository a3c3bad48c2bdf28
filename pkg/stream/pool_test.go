package stream

import (
	"io"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speechrnt-accel/pkg/cuda"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)

	return logger
}

func newTestPool(t *testing.T, count int) (*Pool, *cuda.SimRuntime) {
	t.Helper()

	rt := cuda.NewSimRuntime(cuda.DefaultSimDevice())
	require.NoError(t, rt.SetDevice(0))

	p, err := NewPool(rt, testLogger(), count)
	require.NoError(t, err)

	return p, rt
}

func TestLeaseAndRelease(t *testing.T) {
	p, _ := newTestPool(t, 4)

	h, ok := p.Lease()
	require.True(t, ok)
	require.NotEqual(t, None, h)

	assert.Equal(t, 1, p.Busy())
	assert.True(t, p.IsLeased(h))

	p.Release(h)
	assert.Zero(t, p.Busy())
	assert.False(t, p.IsLeased(h))
}

func TestLeaseExhaustionIsNonBlocking(t *testing.T) {
	p, _ := newTestPool(t, 2)

	_, ok := p.Lease()
	require.True(t, ok)
	_, ok = p.Lease()
	require.True(t, ok)

	h, ok := p.Lease()
	assert.False(t, ok)
	assert.Equal(t, None, h)
}

func TestCapacityInvariant(t *testing.T) {
	p, _ := newTestPool(t, 4)

	var leased []Handle
	for {
		h, ok := p.Lease()
		if !ok {
			break
		}
		leased = append(leased, h)

		assert.Equal(t, p.Capacity(), p.Busy()+(p.Capacity()-len(leased)))
	}

	require.Len(t, leased, 4)

	for _, h := range leased {
		p.Release(h)
	}
	assert.Zero(t, p.Busy())
}

func TestReleaseIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, 2)

	h, ok := p.Lease()
	require.True(t, ok)

	p.Release(h)
	p.Release(h)
	p.Release(None)
	p.Release(Handle(424242))

	assert.Zero(t, p.Busy())
	assert.Equal(t, 2, p.Capacity())

	// The double release must not have duplicated the stream.
	h1, ok := p.Lease()
	require.True(t, ok)
	h2, ok := p.Lease()
	require.True(t, ok)
	assert.NotEqual(t, h1, h2)

	_, ok = p.Lease()
	assert.False(t, ok)
}

func TestZeroCapacityPool(t *testing.T) {
	p, rt := newTestPool(t, 0)

	assert.Zero(t, p.Capacity())
	assert.Equal(t, 0, rt.LiveStreams())

	h, ok := p.Lease()
	assert.False(t, ok)
	assert.Equal(t, None, h)
}

func TestSynchronizeAll(t *testing.T) {
	p, _ := newTestPool(t, 3)

	h, ok := p.Lease()
	require.True(t, ok)

	// Synchronizes both available and busy streams.
	require.NoError(t, p.SynchronizeAll())

	p.Release(h)
	require.NoError(t, p.SynchronizeAll())
}

func TestRebuildReplacesStreams(t *testing.T) {
	p, rt := newTestPool(t, 4)
	require.Equal(t, 4, rt.LiveStreams())

	require.NoError(t, p.Rebuild(2))
	assert.Equal(t, 2, p.Capacity())
	assert.Equal(t, 2, rt.LiveStreams())
	assert.Zero(t, p.Busy())
}

func TestDestroy(t *testing.T) {
	p, rt := newTestPool(t, 4)

	_, ok := p.Lease()
	require.True(t, ok)

	p.Destroy()
	assert.Equal(t, 0, rt.LiveStreams())
	assert.Zero(t, p.Capacity())

	h, ok := p.Lease()
	assert.False(t, ok)
	assert.Equal(t, None, h)
}
