package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrorFunc receives storage failures for reporting; failures never
// propagate to the request path.
type ErrorFunc func(module, operation string, err error)

type write struct {
	key   string
	value []byte
}

// AsyncWriter serializes fire-and-forget writes to a Store through a
// bounded queue. When the queue is full the oldest pending write is
// dropped; the newest state always wins for a given component
// because each component rewrites its whole payload under one key.
type AsyncWriter struct {
	store   Store
	module  string
	queue   chan write
	onError ErrorFunc
	logger  *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewAsyncWriter starts the background worker. queueSize <= 0 uses a
// default of 64.
func NewAsyncWriter(store Store, module string, queueSize int, onError ErrorFunc, logger *zap.Logger) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &AsyncWriter{
		store:   store,
		module:  module,
		queue:   make(chan write, queueSize),
		onError: onError,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue schedules a write. Never blocks: on back-pressure the oldest
// queued write is discarded to make room.
func (w *AsyncWriter) Enqueue(key string, value []byte) {
	select {
	case <-w.stop:
		return
	default:
	}

	for {
		select {
		case w.queue <- write{key: key, value: value}:
			return
		default:
		}
		select {
		case dropped := <-w.queue:
			w.logger.Debug("dropping oldest pending write",
				zap.String("module", w.module),
				zap.String("key", dropped.key))
		default:
		}
	}
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for {
		select {
		case item := <-w.queue:
			w.flush(item)
		case <-w.stop:
			// Drain what is already queued before exiting.
			for {
				select {
				case item := <-w.queue:
					w.flush(item)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) flush(item write) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.Set(ctx, item.key, item.value); err != nil {
		w.logger.Warn("persist failed",
			zap.String("module", w.module),
			zap.String("key", item.key),
			zap.Error(err))
		if w.onError != nil {
			w.onError(w.module, "set", err)
		}
	}
}

// Close stops the worker after draining queued writes. Idempotent.
func (w *AsyncWriter) Close() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
}
