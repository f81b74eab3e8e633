package upload

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
)

// gatedReader parks its caller inside ChunkStore.Write until released, so a
// test can hold several writers for the same index in flight at once.
type gatedReader struct {
	entered *sync.WaitGroup
	release <-chan struct{}
	data    io.Reader
	once    sync.Once
}

func (g *gatedReader) Read(p []byte) (int, error) {
	g.once.Do(func() {
		g.entered.Done()
		<-g.release
	})
	return g.data.Read(p)
}

func TestWriteConcurrentSameIndexCountsOnce(t *testing.T) {
	store, err := NewChunkStore(t.TempDir())
	if err != nil {
		t.Fatalf("new chunk store: %v", err)
	}
	uploadID := uuid.New()

	const writers = 8
	var entered sync.WaitGroup
	entered.Add(writers)
	release := make(chan struct{})

	var wg sync.WaitGroup
	var newCount atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reader := &gatedReader{entered: &entered, release: release, data: bytes.NewReader([]byte("chunk-0"))}
			isNew, _, err := store.Write(uploadID, 0, reader)
			if err != nil {
				t.Errorf("concurrent write failed: %v", err)
				return
			}
			if isNew {
				newCount.Add(1)
			}
		}()
	}

	entered.Wait()
	close(release)
	wg.Wait()

	if got := newCount.Load(); got != 1 {
		t.Fatalf("index 0 reported new %d times, want exactly 1", got)
	}

	// a different index is still counted as new
	isNew, _, err := store.Write(uploadID, 1, bytes.NewReader([]byte("chunk-1")))
	if err != nil {
		t.Fatalf("write chunk 1: %v", err)
	}
	if !isNew {
		t.Fatalf("first write of index 1 must be new")
	}
}

func TestWriteResendAfterRemoveCountsAgain(t *testing.T) {
	store, err := NewChunkStore(t.TempDir())
	if err != nil {
		t.Fatalf("new chunk store: %v", err)
	}
	uploadID := uuid.New()

	if isNew, _, err := store.Write(uploadID, 0, bytes.NewReader([]byte("aaa"))); err != nil || !isNew {
		t.Fatalf("first write: isNew=%v err=%v", isNew, err)
	}
	if isNew, _, err := store.Write(uploadID, 0, bytes.NewReader([]byte("aaa"))); err != nil || isNew {
		t.Fatalf("resend: isNew=%v err=%v", isNew, err)
	}

	if err := store.Remove(uploadID); err != nil {
		t.Fatalf("remove staging dir: %v", err)
	}
	if isNew, _, err := store.Write(uploadID, 0, bytes.NewReader([]byte("aaa"))); err != nil || !isNew {
		t.Fatalf("write after remove: isNew=%v err=%v", isNew, err)
	}
}
