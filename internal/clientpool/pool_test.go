package clientpool_test

import (
	"context"
	"testing"
	"time"

	"github.com/awelzel/stravapoller/internal/clientpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_UnboundedFabricatesOnDemand(t *testing.T) {
	builds := 0
	p := clientpool.New(func() (int, error) {
		builds++
		return builds, nil
	}, 0)

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h1)
	assert.Equal(t, 2, h2)
}

func TestPool_LIFOOrder(t *testing.T) {
	builds := 0
	p := clientpool.New(func() (int, error) {
		builds++
		return builds, nil
	}, 2)

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(h1)

	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// Same handle returned on next acquire after release (invariant 7).
	assert.Equal(t, h1, h2)
}

func TestPool_BoundedBlocksThenTimesOut(t *testing.T) {
	p := clientpool.New(func() (int, error) { return 1, nil }, 1)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, clientpool.ErrPoolEmpty)

	p.Release(h)
}

func TestPool_Use_ReleasesOnError(t *testing.T) {
	p := clientpool.New(func() (int, error) { return 1, nil }, 1)

	errBoom := assert.AnError
	err := p.Use(context.Background(), func(int) error { return errBoom })
	require.ErrorIs(t, err, errBoom)

	// Pool must still have its slot free after an error from fn.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h)
}

func TestPool_ReleaseWithoutAcquirePanics(t *testing.T) {
	p := clientpool.New(func() (int, error) { return 1, nil }, 1)
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(h)

	assert.Panics(t, func() {
		p.Release(h)
	})
}
