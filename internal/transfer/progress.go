package transfer

import (
	"log/slog"
	"sync"
)

// ProgressEvent reports plaintext bytes moved so far.
type ProgressEvent struct {
	TransferID string
	Bytes      int64
	Total      int64
}

// Observer receives progress events. It is called synchronously after each
// chunk and should return quickly; a panicking observer is logged and
// otherwise ignored.
type Observer func(ProgressEvent)

// progressSink fans events out to an observer and an optional channel.
// Channel sends never block: when the reader falls behind, events are
// dropped.
type progressSink struct {
	mu       sync.Mutex
	observer Observer
	events   chan ProgressEvent
	last     int64
	logger   *slog.Logger
}

func (p *progressSink) emit(ev ProgressEvent) {
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Concurrent workers may finish out of order; keep the stream monotonic.
	if ev.Bytes < p.last {
		ev.Bytes = p.last
	}

	p.last = ev.Bytes

	if p.observer != nil {
		p.notify(ev)
	}

	if p.events != nil {
		select {
		case p.events <- ev:
		default:
		}
	}
}

func (p *progressSink) notify(ev ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("progress observer panicked",
				slog.String("transfer_id", ev.TransferID),
				slog.Any("panic", r),
			)
		}
	}()

	p.observer(ev)
}

// close ends the event channel. Emits after close are not allowed.
func (p *progressSink) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.events != nil {
		close(p.events)
		p.events = nil
	}
}
