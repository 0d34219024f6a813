package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/san-kum/traffic-cv/server/models"
)

// ProcessingQueue runs batch jobs on a fixed pool of workers.
type ProcessingQueue struct {
	items      chan *QueueItem
	workers    int
	workerFunc func(context.Context, *QueueItem) error
	group      *errgroup.Group
	ctx        context.Context
	cancel     context.CancelFunc
	isRunning  bool
	active     int
	mutex      sync.RWMutex
}

type QueueItem struct {
	Job      *BatchJob
	StreamID string
	Frames   []models.FrameRequest
	Enqueued time.Time
}

func NewProcessingQueue(queueSize, workers int, workerFunc func(context.Context, *QueueItem) error) *ProcessingQueue {
	ctx, cancel := context.WithCancel(context.Background())

	queue := &ProcessingQueue{
		items:      make(chan *QueueItem, queueSize),
		workers:    workers,
		workerFunc: workerFunc,
		group:      &errgroup.Group{},
		ctx:        ctx,
		cancel:     cancel,
		isRunning:  true,
	}

	for i := 0; i < workers; i++ {
		queue.group.Go(queue.worker)
	}

	return queue
}

func (pq *ProcessingQueue) worker() error {
	for {
		select {
		case item, ok := <-pq.items:
			if !ok {
				return nil
			}
			pq.run(item)
		case <-pq.ctx.Done():
			return nil
		}
	}
}

func (pq *ProcessingQueue) run(item *QueueItem) {
	pq.setActive(1)
	defer pq.setActive(-1)

	defer func() {
		if r := recover(); r != nil {
			item.Job.finish(fmt.Errorf("worker panic: %v", r))
		}
	}()

	item.Job.finish(pq.workerFunc(pq.ctx, item))
}

func (pq *ProcessingQueue) setActive(delta int) {
	pq.mutex.Lock()
	pq.active += delta
	pq.mutex.Unlock()
}

// Enqueue adds an item without blocking. It reports false when the queue
// is full or shut down.
func (pq *ProcessingQueue) Enqueue(item *QueueItem) bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	if !pq.isRunning {
		return false
	}

	select {
	case pq.items <- item:
		return true
	default:
		return false
	}
}

func (pq *ProcessingQueue) Size() int {
	return len(pq.items)
}

func (pq *ProcessingQueue) Capacity() int {
	return cap(pq.items)
}

func (pq *ProcessingQueue) IsRunning() bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	return pq.isRunning
}

// Shutdown stops accepting items and lets the workers drain what is
// queued. Jobs still running when the timeout expires are cancelled.
func (pq *ProcessingQueue) Shutdown(timeout time.Duration) error {
	pq.mutex.Lock()
	if !pq.isRunning {
		pq.mutex.Unlock()
		return nil
	}
	pq.isRunning = false
	close(pq.items)
	pq.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		pq.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		pq.cancel()
		return nil
	case <-time.After(timeout):
		pq.cancel()
		<-done
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (pq *ProcessingQueue) GetQueueStats() QueueStats {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	return QueueStats{
		CurrentSize:        pq.Size(),
		MaxCapacity:        pq.Capacity(),
		Workers:            pq.workers,
		ActiveWorkers:      pq.active,
		IsRunning:          pq.isRunning,
		UtilizationPercent: float64(pq.Size()) / float64(pq.Capacity()) * 100,
	}
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	Workers            int     `json:"workers"`
	ActiveWorkers      int     `json:"active_workers"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
