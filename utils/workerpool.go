package utils

import "sync"

// WorkerPool fans submitted tasks out to a fixed number of goroutines.
// It is single-use: Submit tasks, then call Wait exactly once to close
// intake and block until every queued task has finished.
type WorkerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	pool := &WorkerPool{
		tasks: make(chan func(), workers),
	}
	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go func() {
			defer pool.wg.Done()
			for task := range pool.tasks {
				task()
			}
		}()
	}
	return pool
}

func (p *WorkerPool) Submit(task func()) {
	if task == nil {
		return
	}
	p.tasks <- task
}

func (p *WorkerPool) Wait() {
	close(p.tasks)
	p.wg.Wait()
}
