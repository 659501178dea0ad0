package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryPushAndLatest(t *testing.T) {
	h := &History{}

	assert.Equal(t, uint64(0), h.Latest())

	require.Nil(t, h.Push(5, 100))
	assert.Equal(t, uint64(100), h.Latest())
	assert.Equal(t, uint64(5), h.LatestHeight())

	// push at the same height updates in place
	require.Nil(t, h.Push(5, 150))
	assert.Equal(t, uint64(150), h.Latest())
	assert.Equal(t, 1, h.Len())

	require.Nil(t, h.Push(9, 70))
	assert.Equal(t, 2, h.Len())

	// heights never regress
	assert.ErrorIs(t, h.Push(7, 1), ErrHeightRegression)
}

func TestHistoryAtHeight(t *testing.T) {
	h := &History{}
	require.Nil(t, h.Push(5, 100))
	require.Nil(t, h.Push(10, 200))
	require.Nil(t, h.Push(20, 50))

	cases := []struct {
		height uint64
		want   uint64
	}{
		{4, 0},
		{5, 100},
		{9, 100},
		{10, 200},
		{19, 200},
		{20, 50},
		{99, 50},
	}
	for _, c := range cases {
		got, err := h.AtHeight(c.height, 100)
		require.Nil(t, err)
		assert.Equal(t, c.want, got, "height %d", c.height)
	}
}

func TestHistoryAtHeightRejectsFuture(t *testing.T) {
	h := &History{}
	require.Nil(t, h.Push(5, 100))

	_, err := h.AtHeight(10, 10)
	assert.ErrorIs(t, err, ErrFutureLookup)

	_, err = h.AtHeight(11, 10)
	assert.ErrorIs(t, err, ErrFutureLookup)
}

func TestHistoryAtHeightEmpty(t *testing.T) {
	h := &History{}
	got, err := h.AtHeight(3, 10)
	require.Nil(t, err)
	assert.Equal(t, uint64(0), got)
}

func TestHistoryPushAddSub(t *testing.T) {
	h := &History{}
	require.Nil(t, h.PushAdd(1, 30))
	require.Nil(t, h.PushAdd(2, 12))
	assert.Equal(t, uint64(42), h.Latest())

	require.Nil(t, h.PushSub(3, 42))
	assert.Equal(t, uint64(0), h.Latest())

	assert.ErrorIs(t, h.PushSub(4, 1), ErrValueUnderflow)
}
