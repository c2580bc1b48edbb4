package state

import (
	"fmt"
	"sync"
	"testing"

	"ofs/internal/model"
)

func TestInMemoryStore_ConcurrentAdjustsSameKey(t *testing.T) {
	s := NewInMemoryStore()
	key := model.StockKey("S1", "A")
	var wg sync.WaitGroup
	workers := 8
	iters := 250

	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				// every token is offered twice; only the first application counts
				tok := fmt.Sprintf("t-%d", i)
				if _, _, err := s.Adjust(key, 1, tok); err != nil {
					t.Errorf("adjust err: %v (worker %d)", err, w)
					return
				}
			}
		}()
	}
	wg.Wait()

	rec, ok := s.Get(key)
	if !ok {
		t.Fatalf("missing key %s", key)
	}
	if rec.HybridStock != int64(iters) {
		t.Fatalf("want %d, got %+v", iters, rec)
	}
}
