package future

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestPromise_Resolve(t *testing.T) {
	p, f := New[int]()

	_, ok := f.Poll()
	require.False(t, ok)

	require.True(t, p.Resolve(1))
	require.False(t, p.Resolve(2))

	value, ok := f.Poll()
	require.True(t, ok)
	require.Equal(t, 1, value)

	value, ok = p.Future().Poll()
	require.True(t, ok)
	require.Equal(t, 1, value)
}

func TestPromise_ConcurrentResolve(t *testing.T) {
	p, f := New[int]()

	wins := make(chan int, 10)
	wg := sync.WaitGroup{}

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			if p.Resolve(i) {
				wins <- i
			}
		}(i)
	}

	wg.Wait()
	close(wins)

	require.Len(t, wins, 1)

	winner := <-wins
	value, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, winner, value)
}

func TestResolved(t *testing.T) {
	f := Resolved("pong")

	select {
	case <-f.Done():
	default:
		t.Fatal("future should be resolved")
	}

	value, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "pong", value)
}

func TestFuture_Wait(t *testing.T) {
	p, f := New[string]()

	go p.Resolve("ping")

	value, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ping", value)

	_, f = New[string]()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.Wait(ctx)
	require.Equal(t, context.Canceled, err)
}

func TestFuture_WaitFor(t *testing.T) {
	clock := clockwork.NewFakeClock()
	_, f := New[int]()

	errs := make(chan error, 1)

	go func() {
		_, err := f.WaitFor(context.Background(), clock, time.Second)
		errs <- err
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	require.Equal(t, ErrTimeout, <-errs)

	p, f := New[int]()
	p.Resolve(5)

	value, err := f.WaitFor(context.Background(), clock, time.Second)
	require.NoError(t, err)
	require.Equal(t, 5, value)

	value, err = f.WaitFor(context.Background(), clock, 0)
	require.NoError(t, err)
	require.Equal(t, 5, value)
}
