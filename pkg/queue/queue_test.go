package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestReadDrainsHighBeforeNormal(t *testing.T) {
	ch := New[int]()
	ctx := context.Background()

	// Interleave writes across tiers.
	require.NoError(t, ch.Write(10, Normal))
	require.NoError(t, ch.Write(1, High))
	require.NoError(t, ch.Write(11, Normal))
	require.NoError(t, ch.Write(2, High))
	require.NoError(t, ch.Write(12, Normal))
	require.NoError(t, ch.Write(3, High))

	var got []int
	for i := 0; i < 6; i++ {
		item, err := ch.Read(ctx)
		require.NoError(t, err)
		got = append(got, item)
	}

	assert.Equal(t, []int{1, 2, 3, 10, 11, 12}, got)
}

func TestReadFIFOWithinTier(t *testing.T) {
	ch := New[string]()
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, ch.Write(s, Normal))
	}

	for _, want := range []string{"a", "b", "c", "d"} {
		item, err := ch.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, item)
	}
}

func TestReadBlocksUntilWrite(t *testing.T) {
	ch := New[int]()
	ctx := context.Background()

	done := make(chan int, 1)
	go func() {
		item, err := ch.Read(ctx)
		if err == nil {
			done <- item
		}
	}()

	// Give the reader time to block.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ch.Write(42, Normal))

	select {
	case item := <-done:
		assert.Equal(t, 42, item)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not wake after write")
	}
}

func TestReadRespectsContext(t *testing.T) {
	ch := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := ch.Read(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseDrainsThenFails(t *testing.T) {
	ch := New[int]()
	ctx := context.Background()

	require.NoError(t, ch.Write(1, Normal))
	require.NoError(t, ch.Write(2, High))
	ch.Close()

	// Queued items remain readable after Close, priority order intact.
	item, err := ch.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, item)

	item, err = ch.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, item)

	_, err = ch.Read(ctx)
	require.ErrorIs(t, err, ErrClosed)

	// Writes after close fail.
	require.ErrorIs(t, ch.Write(3, Normal), ErrClosed)

	// Close is idempotent.
	ch.Close()
}

func TestCloseWakesBlockedReaders(t *testing.T) {
	ch := New[int]()
	ctx := context.Background()

	errs := make(chan error, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ch.Read(ctx)
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	ch.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.ErrorIs(t, err, ErrClosed)
	}
}

func TestConcurrentWritersSingleReader(t *testing.T) {
	ch := New[int]()
	ctx := context.Background()

	const perWriter = 100
	const writers = 8

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				p := Normal
				if i%2 == 0 {
					p = High
				}
				_ = ch.Write(base+i, p)
			}
		}(w * 1000)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < writers*perWriter; i++ {
		item, err := ch.Read(ctx)
		require.NoError(t, err)
		require.False(t, seen[item], "item %d delivered twice", item)
		seen[item] = true
	}

	high, normal := ch.Len()
	assert.Zero(t, high)
	assert.Zero(t, normal)
}

func TestLen(t *testing.T) {
	ch := New[int]()
	require.NoError(t, ch.Write(1, High))
	require.NoError(t, ch.Write(2, Normal))
	require.NoError(t, ch.Write(3, Normal))

	high, normal := ch.Len()
	assert.Equal(t, 1, high)
	assert.Equal(t, 2, normal)
}
