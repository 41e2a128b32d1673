package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nwfabric/dpb/internal/dispatch"
)

func TestSequencerDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := dispatch.New(ctx, 4)
	seq := d.NewSequencer("test")

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		seq.Submit(ctx, func(context.Context) {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sequencer to drain")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := range got {
		require.Equal(t, i, got[i])
	}
}
