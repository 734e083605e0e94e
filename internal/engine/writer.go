package engine

import (
	"context"
	"fmt"

	"astroseq/internal/frame"
	"astroseq/internal/framestore"
)

// writeRequest carries one completed frame to the writer. Img == nil
// is a tombstone: the rank failed and will never produce output, so
// later ranks must not wait for it and the output stays contiguous.
type writeRequest struct {
	rank  int
	index int
	img   *frame.Image
}

// orderedWriter drains a bounded queue and writes frames to a
// container store in strictly increasing rank order, regardless of
// the order workers finish. Out-of-order arrivals are parked in a
// pending table keyed by rank; a "next expected rank" pointer decides
// what is writable. The bounded queue doubles as the cap on buffered
// but unwritten results, independent of the admission estimate.
type orderedWriter struct {
	store    framestore.Store
	queue    chan writeRequest
	done     chan struct{}
	onFatal  func(error)
	written  int
	writeErr error
}

func newOrderedWriter(store framestore.Store, queueDepth int, onFatal func(error)) *orderedWriter {
	if queueDepth < 1 {
		queueDepth = 1
	}
	w := &orderedWriter{
		store:   store,
		queue:   make(chan writeRequest, queueDepth),
		done:    make(chan struct{}),
		onFatal: onFatal,
	}
	go w.run()
	return w
}

// push hands a completed frame to the writer, blocking while the
// queue is full. Returns the context error if the job is cancelled
// while blocked.
func (w *orderedWriter) push(ctx context.Context, req writeRequest) error {
	select {
	case w.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish closes the queue and waits for the drain. Workers claim
// ranks in ascending order and always push a result or tombstone for
// every claimed rank, so by the time finish returns the writer has
// consumed a contiguous rank prefix and written everything writable.
func (w *orderedWriter) finish() (int, error) {
	close(w.queue)
	<-w.done
	return w.written, w.writeErr
}

func (w *orderedWriter) run() {
	defer close(w.done)
	pending := make(map[int]writeRequest)
	nextRank := 0
	for req := range w.queue {
		if w.writeErr != nil {
			// A writer error is fatal for the job: keep draining so
			// producers never block, but discard their results.
			continue
		}
		pending[req.rank] = req
		for {
			r, ok := pending[nextRank]
			if !ok {
				break
			}
			delete(pending, nextRank)
			nextRank++
			if r.img == nil {
				continue
			}
			if err := w.store.WriteFrame(w.written, r.img); err != nil {
				w.writeErr = fmt.Errorf("write output frame %d (source %d): %w", w.written, r.index, err)
				if w.onFatal != nil {
					w.onFatal(w.writeErr)
				}
				break
			}
			w.written++
		}
	}
}
