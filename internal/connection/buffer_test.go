package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/serial-mcp/internal/fault"
)

func TestBufferReadReturnsAvailable(t *testing.T) {
	b := NewBuffer(0)
	b.Append([]byte("hello"))

	got, err := b.Read(context.Background(), 3, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(got))
	assert.Equal(t, 2, b.Len())

	got, err = b.Read(context.Background(), 10, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "lo", string(got))
}

func TestBufferReadTimeoutIsEmptySuccess(t *testing.T) {
	b := NewBuffer(0)
	start := time.Now()
	got, err := b.Read(context.Background(), 10, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestBufferReadWakesOnAppend(t *testing.T) {
	b := NewBuffer(0)
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Append([]byte("x"))
	}()
	got, err := b.Read(context.Background(), 1, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

func TestBufferReadUntilStraddlingAppends(t *testing.T) {
	b := NewBuffer(0)
	go func() {
		for _, part := range []string{"pi", "ng\r", "\nnext"} {
			time.Sleep(10 * time.Millisecond)
			b.Append([]byte(part))
		}
	}()
	got, found, err := b.ReadUntil(context.Background(), []byte("\r\n"), 1024, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ping\r\n", string(got))

	// Bytes after the delimiter stay queued.
	require.Eventually(t, func() bool { return b.Len() == 4 }, time.Second, 5*time.Millisecond)
}

func TestBufferReadUntilMaxBytes(t *testing.T) {
	b := NewBuffer(0)
	b.Append([]byte("abcdefgh"))
	got, found, err := b.ReadUntil(context.Background(), []byte("\n"), 5, time.Second)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "abcde", string(got))
	assert.Equal(t, 3, b.Len())
}

func TestBufferReadUntilDelimiterWithinMax(t *testing.T) {
	b := NewBuffer(0)
	b.Append([]byte("ab\ncdef"))
	got, found, err := b.ReadUntil(context.Background(), []byte("\n"), 3, time.Second)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ab\n", string(got))
}

func TestBufferReadUntilTimeoutKeepsPartial(t *testing.T) {
	b := NewBuffer(0)
	b.Append([]byte("partial"))
	_, _, err := b.ReadUntil(context.Background(), []byte("\n"), 1024, 30*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, fault.Timeout, fault.KindOf(err))
	assert.Equal(t, 7, b.Len())
}

func TestBufferCloseWakesWaiters(t *testing.T) {
	b := NewBuffer(0)
	errc := make(chan error, 2)
	go func() {
		_, err := b.Read(context.Background(), 1, 5*time.Second)
		errc <- err
	}()
	go func() {
		_, _, err := b.ReadUntil(context.Background(), []byte("\n"), 10, 5*time.Second)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	b.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			assert.ErrorIs(t, err, fault.ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken by Close")
		}
	}
}

func TestBufferContextCancel(t *testing.T) {
	b := NewBuffer(0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := b.Read(ctx, 1, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	b := NewBuffer(8)
	b.Append([]byte("0123456"))
	b.Append([]byte("789"))
	assert.Equal(t, 8, b.Len())
	assert.Equal(t, uint64(2), b.Dropped())

	got, err := b.Read(context.Background(), 100, 0)
	require.NoError(t, err)
	assert.Equal(t, "23456789", string(got))
}

func TestBufferClear(t *testing.T) {
	b := NewBuffer(0)
	b.Append([]byte("junk"))
	assert.Equal(t, 4, b.Clear())
	assert.Equal(t, 0, b.Len())
}

func TestBufferInvalidArgs(t *testing.T) {
	b := NewBuffer(0)
	_, _, err := b.ReadUntil(context.Background(), nil, 10, 0)
	assert.Equal(t, fault.InvalidParams, fault.KindOf(err))
	_, _, err = b.ReadUntil(context.Background(), []byte("\n"), 0, 0)
	assert.Equal(t, fault.InvalidParams, fault.KindOf(err))
}
