package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorReserveCycles(t *testing.T) {
	a := newPortAllocator(40000, 40002)

	p1, err := a.Reserve()
	require.NoError(t, err)
	p2, err := a.Reserve()
	require.NoError(t, err)
	p3, err := a.Reserve()
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{40000, 40001, 40002}, []int{p1, p2, p3})

	_, err = a.Reserve()
	assert.Error(t, err)
}

func TestPortAllocatorReleaseReuses(t *testing.T) {
	a := newPortAllocator(40000, 40001)

	p1, err := a.Reserve()
	require.NoError(t, err)
	_, err = a.Reserve()
	require.NoError(t, err)

	a.Release(p1)

	p3, err := a.Reserve()
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
}

func TestPortAllocatorMarkUsed(t *testing.T) {
	a := newPortAllocator(40000, 40001)

	a.MarkUsed(40000)
	// Out of range ports are ignored
	a.MarkUsed(50000)

	p, err := a.Reserve()
	require.NoError(t, err)
	assert.Equal(t, 40001, p)

	_, err = a.Reserve()
	assert.Error(t, err)
}
