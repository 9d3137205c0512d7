package tunnel

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectSink(got *[][]byte) func(context.Context, []byte) error {
	return func(_ context.Context, b []byte) error {
		*got = append(*got, b)
		return nil
	}
}

func TestSequencer_NextSendSeqIsGapFree(t *testing.T) {
	s := NewSequencer()
	for i := uint64(0); i < 100; i++ {
		assert.Equal(t, i, s.NextSendSeq())
	}
}

func TestSequencer_InOrderDelivery(t *testing.T) {
	ctx, cancel := testContext(t, time.Second)
	defer cancel()

	s := NewSequencer()
	var got [][]byte
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Deliver(ctx, uint64(i), []byte{byte(i)}, collectSink(&got)))
	}
	assert.Equal(t, [][]byte{{0}, {1}, {2}}, got)
}

func TestSequencer_ReorderedDelivery(t *testing.T) {
	ctx, cancel := testContext(t, time.Second)
	defer cancel()

	// Frames 0,1,2 arrive as 1,0,2; the sink must still see 0,1,2.
	s := NewSequencer()
	var got [][]byte
	sink := collectSink(&got)
	require.NoError(t, s.Deliver(ctx, 1, []byte("BB"), sink))
	assert.Empty(t, got)
	require.NoError(t, s.Deliver(ctx, 0, []byte("AA"), sink))
	require.NoError(t, s.Deliver(ctx, 2, []byte("CC"), sink))
	assert.Equal(t, [][]byte{[]byte("AA"), []byte("BB"), []byte("CC")}, got)
}

func TestSequencer_RandomPermutation(t *testing.T) {
	ctx, cancel := testContext(t, time.Second)
	defer cancel()

	const n = 64
	perm := rand.New(rand.NewSource(1)).Perm(n)
	s := NewSequencer()
	var got [][]byte
	sink := collectSink(&got)
	for _, i := range perm {
		require.NoError(t, s.Deliver(ctx, uint64(i), []byte(fmt.Sprintf("%03d", i)), sink))
	}
	require.Len(t, got, n)
	for i, b := range got {
		assert.Equal(t, fmt.Sprintf("%03d", i), string(b))
	}
}

func TestSequencer_ReplayIsDiscarded(t *testing.T) {
	ctx, cancel := testContext(t, time.Second)
	defer cancel()

	s := NewSequencer()
	var got [][]byte
	sink := collectSink(&got)
	require.NoError(t, s.Deliver(ctx, 0, []byte("AA"), sink))
	require.NoError(t, s.Deliver(ctx, 1, []byte("BB"), sink))

	// The poller lost its offset and replays both frames.
	require.NoError(t, s.Deliver(ctx, 0, []byte("AA"), sink))
	require.NoError(t, s.Deliver(ctx, 1, []byte("BB"), sink))
	assert.Equal(t, [][]byte{[]byte("AA"), []byte("BB")}, got)
}

func TestSequencer_PendingDuplicateOverwrites(t *testing.T) {
	ctx, cancel := testContext(t, time.Second)
	defer cancel()

	s := NewSequencer()
	var got [][]byte
	sink := collectSink(&got)
	require.NoError(t, s.Deliver(ctx, 1, []byte("old"), sink))
	require.NoError(t, s.Deliver(ctx, 1, []byte("new"), sink))
	require.NoError(t, s.Deliver(ctx, 0, []byte("AA"), sink))
	assert.Equal(t, [][]byte{[]byte("AA"), []byte("new")}, got)
}

func TestSequencer_Overflow(t *testing.T) {
	ctx, cancel := testContext(t, 5*time.Second)
	defer cancel()

	s := NewSequencer()
	var got [][]byte
	sink := collectSink(&got)
	var err error
	// Never deliver seq 0; the buffer must cap out.
	for i := 1; err == nil; i++ {
		err = s.Deliver(ctx, uint64(i), []byte("x"), sink)
		require.LessOrEqual(t, i, maxPendingFrames+1, "overflow never reported")
	}
	assert.ErrorIs(t, err, ErrReorderOverflow)
	assert.Empty(t, got)
}
