package latest

import (
	"sync"
	"testing"

	"github.com/MrWong99/terrarover/pkg/types"
)

func TestHandle_EmptyBeforeFirstStore(t *testing.T) {
	var h Handle
	if _, ok := h.Load(); ok {
		t.Error("Load on empty handle reported a frame")
	}
}

func TestHandle_HoldsNthFrame(t *testing.T) {
	var h Handle
	for i := uint64(0); i < 100; i++ {
		h.Store(types.Frame{Epoch: 1, Seq: i})
	}
	f, ok := h.Load()
	if !ok {
		t.Fatal("Load returned no frame")
	}
	if f.Seq != 99 {
		t.Errorf("Seq = %d, want 99", f.Seq)
	}
}

func TestHandle_Clear(t *testing.T) {
	var h Handle
	h.Store(types.Frame{Seq: 1})
	h.Clear()
	if _, ok := h.Load(); ok {
		t.Error("Load after Clear reported a frame")
	}
}

func TestHandle_ConcurrentReadersSeeWholeFrames(t *testing.T) {
	var h Handle
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				f, ok := h.Load()
				if !ok {
					continue
				}
				// Writers keep Data[0] == byte(Seq); a torn read would break it.
				if f.Data[0] != byte(f.Seq) {
					t.Errorf("torn frame: seq %d data %d", f.Seq, f.Data[0])
					return
				}
				if f.Seq < last {
					t.Errorf("seq went backwards: %d after %d", f.Seq, last)
					return
				}
				last = f.Seq
			}
		}()
	}

	for i := uint64(0); i < 10_000; i++ {
		h.Store(types.Frame{Seq: i, Data: []byte{byte(i)}})
	}
	close(stop)
	wg.Wait()
}
