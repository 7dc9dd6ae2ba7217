package ids_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiseki-ai/kiseki/internal/ids"
	"github.com/kiseki-ai/kiseki/internal/model"
)

func TestNewSpanID_Format(t *testing.T) {
	id := ids.NewSpanID()
	assert.Len(t, string(id), 16, "8 random bytes hex-encoded")
	assert.NotEqual(t, ids.NewSpanID(), id)
}

func TestNewTraceID_Unique(t *testing.T) {
	seen := make(map[model.TraceID]bool)
	for i := 0; i < 1000; i++ {
		id := ids.NewTraceID()
		require.False(t, seen[id], "duplicate trace id %s", id)
		seen[id] = true
	}
}

func TestNewSpanID_ConcurrentUnique(t *testing.T) {
	const workers = 8
	const perWorker = 2000

	var mu sync.Mutex
	seen := make(map[model.SpanID]bool, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]model.SpanID, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, ids.NewSpanID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				assert.False(t, seen[id], "duplicate span id %s", id)
				seen[id] = true
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}
