package services

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/markdave123-py/docvault/internal/core"
)

// ErrWorkerClosed is returned by Enqueue once Close has been called.
var ErrWorkerClosed = errors.New("extraction worker closed")

// ExtractionHandler receives the outcome of one background extraction.
type ExtractionHandler func(versionID string, res *core.ExtractedText, err error)

// ExtractionWorker runs ExtractVersionText for queued versions on a fixed
// number of goroutines. Results go to the handler in completion order.
type ExtractionWorker struct {
	docs    *DocumentService
	handle  ExtractionHandler
	timeout time.Duration
	jobs    chan string
	wg      sync.WaitGroup

	// mu guards jobs against a send racing close. quit wakes senders
	// blocked on a full queue so Close can take mu.
	mu        sync.RWMutex
	closed    bool
	quit      chan struct{}
	closeOnce sync.Once
}

// NewExtractionWorker constructs the worker with a bounded job queue (64).
// timeout bounds a single extraction; zero means no bound.
func NewExtractionWorker(docs *DocumentService, timeout time.Duration, handle ExtractionHandler) *ExtractionWorker {
	return &ExtractionWorker{
		docs:    docs,
		handle:  handle,
		timeout: timeout,
		jobs:    make(chan string, 64),
		quit:    make(chan struct{}),
	}
}

// Start launches numWorkers goroutines. They exit when ctx is done or the
// queue is closed and drained.
func (w *ExtractionWorker) Start(ctx context.Context, numWorkers int) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	for n := 1; n <= numWorkers; n++ {
		w.wg.Add(1)
		go func(n int) {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					log.WithField("worker", n).Debug("extraction worker: shutting down")
					return
				case versionID, ok := <-w.jobs:
					if !ok {
						return
					}
					w.ProcessOne(ctx, versionID)
				}
			}
		}(n)
	}
}

// Enqueue schedules a version. It blocks while the queue is full and fails
// with ErrWorkerClosed after Close.
func (w *ExtractionWorker) Enqueue(ctx context.Context, versionID string) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWorkerClosed
	}
	select {
	case w.jobs <- versionID:
		return nil
	case <-w.quit:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for the workers to drain the queue.
// It is safe to call more than once.
func (w *ExtractionWorker) Close() {
	w.closeOnce.Do(func() {
		close(w.quit)
		w.mu.Lock()
		w.closed = true
		close(w.jobs)
		w.mu.Unlock()
	})
	w.wg.Wait()
}

func (w *ExtractionWorker) ProcessOne(ctx context.Context, versionID string) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := w.docs.ExtractVersionText(ctx, versionID)
	entry := log.WithFields(log.Fields{"version": versionID, "took": time.Since(start).String()})
	if err != nil {
		entry.WithError(err).Warn("extraction worker: extraction failed")
	} else {
		entry.WithFields(log.Fields{"source": res.Source, "pages": res.Pages}).Info("extraction worker: text extracted")
	}
	if w.handle != nil {
		w.handle(versionID, res, err)
	}
}
