package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBufferPoolAllocate(t *testing.T) {
	dev := newFakeDevice()
	pool := NewBufferPool(dev, zaptest.NewLogger(t))

	require.NoError(t, pool.Allocate(yuyvSpec(1, 3), 3))

	ids := pool.Buffers(1)
	require.Len(t, ids, 3)
	for _, id := range ids {
		img, err := pool.Image(id)
		require.NoError(t, err)
		assert.Equal(t, 1, img.NumPlanes())
		assert.Len(t, img.Plane(0), 16)
		assert.Nil(t, img.Plane(1))
	}

	a, err := pool.Accounting(1)
	require.NoError(t, err)
	assert.Equal(t, Accounting{Free: 3}, a)

	err = pool.Allocate(yuyvSpec(1, 3), 3)
	assert.ErrorIs(t, err, ErrAlreadyAllocated)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StreamID(1), se.Stream)
	assert.Equal(t, "allocate", se.Op)
}

func TestBufferPoolImageIsCached(t *testing.T) {
	dev := newFakeDevice()
	pool := NewBufferPool(dev, zaptest.NewLogger(t))
	require.NoError(t, pool.Allocate(yuyvSpec(1, 2), 2))

	id := pool.Buffers(1)[0]
	first, err := pool.Image(id)
	require.NoError(t, err)
	second, err := pool.Image(id)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 2, dev.mapped, "buffers are mapped once, at allocation")
}

func TestBufferPoolAllocationFailure(t *testing.T) {
	t.Run("device refuses", func(t *testing.T) {
		dev := newFakeDevice()
		dev.failAllocate = true
		pool := NewBufferPool(dev, zaptest.NewLogger(t))

		assert.ErrorIs(t, pool.Allocate(yuyvSpec(1, 2), 2), ErrAllocationFailure)
		_, err := pool.Accounting(1)
		assert.ErrorIs(t, err, ErrUnknownStream)
		assert.Equal(t, 1, dev.freed[1], "partial device reservation is released")
	})

	t.Run("map fails midway", func(t *testing.T) {
		dev := newFakeDevice()
		dev.failMapAt = 2
		pool := NewBufferPool(dev, zaptest.NewLogger(t))

		assert.ErrorIs(t, pool.Allocate(yuyvSpec(1, 4), 4), ErrAllocationFailure)
		assert.Equal(t, 2, dev.mapped)
		assert.Equal(t, 2, dev.unmapped, "mapped buffers are rolled back")
		assert.Equal(t, 1, dev.freed[1])
		assert.Empty(t, pool.Streams())
	})

	t.Run("zero count", func(t *testing.T) {
		pool := NewBufferPool(newFakeDevice(), zaptest.NewLogger(t))
		assert.ErrorIs(t, pool.Allocate(yuyvSpec(1, 0), 0), ErrAllocationFailure)
	})
}

func TestBufferPoolReleaseRefusesBusyStream(t *testing.T) {
	dev := newFakeDevice()
	pool := NewBufferPool(dev, zaptest.NewLogger(t))
	require.NoError(t, pool.Allocate(yuyvSpec(1, 2), 2))

	id, err := pool.takeFree(1)
	require.NoError(t, err)

	assert.ErrorIs(t, pool.Release(1), ErrStreamBusy)
	assert.Equal(t, 0, dev.unmapped)

	require.NoError(t, pool.putFree(id))
	require.NoError(t, pool.Release(1))
	assert.Equal(t, 2, dev.unmapped)
	assert.Equal(t, 1, dev.freed[1])

	_, err = pool.Image(id)
	assert.ErrorIs(t, err, ErrUnknownBuffer)
	assert.ErrorIs(t, pool.Release(1), ErrUnknownStream)

	// A released stream can be allocated again and gets fresh IDs.
	require.NoError(t, pool.Allocate(yuyvSpec(1, 2), 2))
	for _, fresh := range pool.Buffers(1) {
		assert.NotEqual(t, id, fresh)
	}
}

func TestBufferPoolFreeListIsFIFO(t *testing.T) {
	pool := NewBufferPool(newFakeDevice(), zaptest.NewLogger(t))
	require.NoError(t, pool.Allocate(yuyvSpec(1, 3), 3))
	ids := pool.Buffers(1)

	first, err := pool.takeFree(1)
	require.NoError(t, err)
	assert.Equal(t, ids[0], first)

	require.NoError(t, pool.putFree(first))
	second, err := pool.takeFree(1)
	require.NoError(t, err)
	assert.Equal(t, ids[1], second, "a returned buffer goes to the back of the list")

	assert.Error(t, pool.transition(first, BufferQueued, BufferDone), "free buffer cannot complete")
	require.NoError(t, pool.transition(second, BufferQueued, BufferDone))

	a, err := pool.Accounting(1)
	require.NoError(t, err)
	assert.Equal(t, Accounting{Free: 2, Done: 1}, a)
	assert.Equal(t, 3, a.Total())
}

func TestBufferPoolUnknownIDs(t *testing.T) {
	pool := NewBufferPool(newFakeDevice(), zaptest.NewLogger(t))

	_, err := pool.Image(7)
	assert.ErrorIs(t, err, ErrUnknownBuffer)
	_, err = pool.FrameBuffer(-1)
	assert.ErrorIs(t, err, ErrUnknownBuffer)
	_, err = pool.takeFree(3)
	assert.ErrorIs(t, err, ErrUnknownStream)
}
