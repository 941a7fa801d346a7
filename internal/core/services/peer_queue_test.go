package services

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"twine/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestPeerQueue_PreservesOrderPerPeer(t *testing.T) {
	q := newPeerQueue()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		q.Enqueue("peer-a", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.Wait()

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestPeerQueue_PeersRunConcurrently(t *testing.T) {
	q := newPeerQueue()

	release := make(chan struct{})
	done := make(chan domain.PeerID, 1)

	q.Enqueue("slow", func() { <-release })
	q.Enqueue("fast", func() { done <- "fast" })

	select {
	case id := <-done:
		assert.Equal(t, domain.PeerID("fast"), id)
	case <-time.After(2 * time.Second):
		t.Fatal("task for another peer was blocked by a slow peer")
	}

	close(release)
	q.Wait()
}

func TestPeerQueue_EnqueueWhileWaiting(t *testing.T) {
	q := newPeerQueue()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			q.Enqueue(domain.PeerID([]string{"a", "b", "c"}[i%3]), func() { ran.Add(1) })
		}()
		go func() {
			defer wg.Done()
			q.Wait()
		}()
	}
	wg.Wait()
	q.Wait()

	assert.Equal(t, int32(200), ran.Load())
}
