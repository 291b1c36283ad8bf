package generation

import (
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxloop/voxloop/pkg/chat"
)

// chunkStream replays chunks with optional per-read jitter, ending with
// end (io.EOF for a clean stream).
type chunkStream struct {
	chunks []string
	end    error
	jitter time.Duration
	i      int

	mu     sync.Mutex
	closed bool
}

func (s *chunkStream) Next() (string, error) {
	if s.jitter > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(s.jitter))))
	}
	if s.i < len(s.chunks) {
		chunk := s.chunks[s.i]
		s.i++
		return chunk, nil
	}
	return "", s.end
}

func (s *chunkStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *chunkStream) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func drainWithJitter(t *testing.T, side *Side, jitter time.Duration) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		if jitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(jitter))))
		}
		chunk, err := side.Next()
		sb.WriteString(chunk)
		if err != nil {
			return sb.String(), err
		}
	}
}

func TestBothSidesSeeEveryChunkInOrder(t *testing.T) {
	chunks := []string{"The ", "quick ", "brown ", "fox ", "jumps"}
	want := strings.Join(chunks, "")

	// Vary read timing on both sides; the observed concatenation must be
	// identical regardless.
	for run := 0; run < 5; run++ {
		a, b := Split(&chunkStream{chunks: chunks, end: io.EOF, jitter: time.Millisecond})

		var wg sync.WaitGroup
		var gotA, gotB string
		var errA, errB error
		wg.Add(2)
		go func() {
			defer wg.Done()
			gotA, errA = drainWithJitter(t, a, 2*time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			gotB, errB = drainWithJitter(t, b, time.Millisecond/2)
		}()
		wg.Wait()

		if gotA != want || errA != io.EOF {
			t.Fatalf("side A = (%q, %v)", gotA, errA)
		}
		if gotB != want || errB != io.EOF {
			t.Fatalf("side B = (%q, %v)", gotB, errB)
		}
	}
}

func TestAbandonedSideNeverStallsTheOther(t *testing.T) {
	chunks := make([]string, 1000)
	for i := range chunks {
		chunks[i] = "x"
	}
	a, b := Split(&chunkStream{chunks: chunks, end: io.EOF})

	// Transport gives up after one chunk.
	if _, err := a.Next(); err != nil {
		t.Fatalf("first read: %v", err)
	}
	a.Close()

	got, err := b.Drain()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 1000 {
		t.Fatalf("side B saw %d bytes, want 1000", len(got))
	}
}

func TestUpstreamFailureReachesBothSidesWithPartialText(t *testing.T) {
	upstreamErr := chat.NewTransportError("connection reset")
	a, b := Split(&chunkStream{chunks: []string{"partial ", "text"}, end: upstreamErr})

	gotA, errA := a.Drain()
	gotB, errB := b.Drain()

	if gotA != "partial text" || errA != upstreamErr {
		t.Fatalf("side A = (%q, %v)", gotA, errA)
	}
	if gotB != "partial text" || errB != upstreamErr {
		t.Fatalf("side B = (%q, %v)", gotB, errB)
	}
}

func TestSplitClosesUpstream(t *testing.T) {
	stream := &chunkStream{chunks: []string{"a"}, end: io.EOF}
	a, b := Split(stream)
	a.Drain()
	b.Drain()

	deadline := time.Now().Add(time.Second)
	for !stream.wasClosed() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !stream.wasClosed() {
		t.Fatal("upstream never closed")
	}
}

func TestNextAfterCloseReturnsEOF(t *testing.T) {
	a, _ := Split(&chunkStream{chunks: []string{"a", "b"}, end: io.EOF})
	a.Close()
	if _, err := a.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}
