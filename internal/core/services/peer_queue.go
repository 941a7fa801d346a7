package services

import (
	"sync"

	"twine/internal/core/domain"
)

// peerQueue runs tasks for one peer strictly in submission order while tasks
// for different peers run concurrently. Each busy peer has one drain goroutine.
type peerQueue struct {
	mu      sync.Mutex
	idle    *sync.Cond
	pending map[domain.PeerID][]func()
	// active counts running drain goroutines, guarded by mu.
	active int
}

func newPeerQueue() *peerQueue {
	q := &peerQueue{pending: make(map[domain.PeerID][]func())}
	q.idle = sync.NewCond(&q.mu)
	return q
}

func (q *peerQueue) Enqueue(peerID domain.PeerID, task func()) {
	q.mu.Lock()
	tasks, running := q.pending[peerID]
	q.pending[peerID] = append(tasks, task)
	if running {
		q.mu.Unlock()
		return
	}
	q.active++
	q.mu.Unlock()

	go q.drain(peerID)
}

func (q *peerQueue) drain(peerID domain.PeerID) {
	for {
		q.mu.Lock()
		tasks := q.pending[peerID]
		if len(tasks) == 0 {
			delete(q.pending, peerID)
			q.active--
			if q.active == 0 {
				q.idle.Broadcast()
			}
			q.mu.Unlock()
			return
		}
		task := tasks[0]
		q.pending[peerID] = tasks[1:]
		q.mu.Unlock()

		task()
	}
}

// Wait blocks until every queue is empty. Tasks enqueued while waiting are
// waited for too. It must not be called from inside a task.
func (q *peerQueue) Wait() {
	q.mu.Lock()
	for q.active > 0 {
		q.idle.Wait()
	}
	q.mu.Unlock()
}
