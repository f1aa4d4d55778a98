package service

import (
	"fmt"
	"sync"

	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
)

// KeyedRunner runs tasks serially per key and concurrently across keys.
// It is the single-writer queue per market for ledger updates.
type KeyedRunner struct {
	mu     sync.Mutex
	queues map[string]*keyQueue
	wg     sync.WaitGroup
}

type keyQueue struct {
	tasks []func()
}

func NewKeyedRunner() *KeyedRunner {
	return &KeyedRunner{queues: make(map[string]*keyQueue)}
}

// Submit enqueues fn behind every earlier task of key.
func (r *KeyedRunner) Submit(key string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[key]; ok {
		q.tasks = append(q.tasks, fn)
		return
	}
	q := &keyQueue{tasks: []func(){fn}}
	r.queues[key] = q
	r.wg.Add(1)
	go r.drain(key, q)
}

func (r *KeyedRunner) drain(key string, q *keyQueue) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(q.tasks) == 0 {
			delete(r.queues, key)
			r.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		r.mu.Unlock()

		runSafely(key, task)
	}
}

func runSafely(key string, task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("keyed task panicked", "key", key, "error", fmt.Sprint(rec))
		}
	}()
	task()
}

// Wait blocks until every queue is drained.
func (r *KeyedRunner) Wait() {
	r.wg.Wait()
}
