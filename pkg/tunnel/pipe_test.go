package tunnel

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teletun/teletun/pkg/log"
)

func testContext(t *testing.T, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := dlog.WithLogger(context.Background(), log.NewTestLogger(t, dlog.LogLevelDebug))
	return context.WithTimeout(ctx, timeout)
}

func TestPipe_WriteThenRead(t *testing.T) {
	ctx, cancel := testContext(t, time.Second)
	defer cancel()

	p := NewPipe(time.Second)
	require.NoError(t, p.Write(ctx, []byte("hello ")))
	require.NoError(t, p.Write(ctx, []byte("world")))

	got := readAll(ctx, t, p, 11)
	assert.Equal(t, "hello world", string(got))
}

func TestPipe_ReadHonorsMax(t *testing.T) {
	ctx, cancel := testContext(t, time.Second)
	defer cancel()

	p := NewPipe(time.Second)
	require.NoError(t, p.Write(ctx, []byte("abcdef")))

	b, err := p.Read(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(b))

	b, err = p.Read(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(b))
}

func TestPipe_CloseDrainsThenEOF(t *testing.T) {
	ctx, cancel := testContext(t, time.Second)
	defer cancel()

	p := NewPipe(time.Second)
	require.NoError(t, p.Write(ctx, []byte("tail")))
	p.Close()

	assert.ErrorIs(t, p.Write(ctx, []byte("x")), ErrPipeClosed)

	got := readAll(ctx, t, p, 0)
	assert.Equal(t, "tail", string(got))
}

func TestPipe_ReadIdleTimeout(t *testing.T) {
	ctx, cancel := testContext(t, time.Second)
	defer cancel()

	p := NewPipe(10 * time.Millisecond)
	start := time.Now()
	b, err := p.Read(ctx, 4096)
	assert.ErrorIs(t, err, ErrReadIdle)
	assert.Empty(t, b)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPipe_WriteBlocksAtHighWatermark(t *testing.T) {
	ctx, cancel := testContext(t, time.Second)
	defer cancel()

	p := newPipe(2, time.Second)
	require.NoError(t, p.Write(ctx, []byte("a")))
	require.NoError(t, p.Write(ctx, []byte("b")))

	blocked := make(chan error, 1)
	go func() {
		blocked <- p.Write(ctx, []byte("c"))
	}()
	select {
	case err := <-blocked:
		t.Fatalf("write above the watermark did not block (err=%v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Draining one chunk releases the writer.
	_, err := p.Read(ctx, 1)
	require.NoError(t, err)
	select {
	case err := <-blocked:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("write did not resume after drain")
	}
}

func TestPipe_WriteCopiesData(t *testing.T) {
	ctx, cancel := testContext(t, time.Second)
	defer cancel()

	p := NewPipe(time.Second)
	buf := []byte("before")
	require.NoError(t, p.Write(ctx, buf))
	copy(buf, "mutate")

	b, err := p.Read(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "before", string(b))
}

func readAll(ctx context.Context, t *testing.T, p *Pipe, max int) []byte {
	t.Helper()
	var got []byte
	for {
		b, err := p.Read(ctx, max)
		got = append(got, b...)
		if err == io.EOF || err == ErrReadIdle {
			return got
		}
		require.NoError(t, err)
		if max > 0 && len(got) >= max {
			return got
		}
	}
}
