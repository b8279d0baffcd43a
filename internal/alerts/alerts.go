package alerts

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Notifier is the advisory sink the engine talks to. Notify is
// fire-and-forget: it never blocks and never reports back.
type Notifier interface {
	Notify(text string)
}

// Target is one delivery channel behind the dispatcher.
type Target interface {
	Send(ctx context.Context, text string) error
}

// Nop discards advisories.
type Nop struct{}

func (Nop) Notify(string) {}

// Dispatcher fans advisories out to its targets from a dedicated goroutine
// so slow channels can never stall a reconciliation pass. A full queue
// drops the advisory after logging.
type Dispatcher struct {
	queue   chan string
	targets []Target
	log     *zap.Logger
	dropped atomic.Uint64
}

func NewDispatcher(queueSize int, log *zap.Logger, targets ...Target) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Dispatcher{
		queue:   make(chan string, queueSize),
		targets: targets,
		log:     log,
	}
}

func (d *Dispatcher) Notify(text string) {
	select {
	case d.queue <- text:
	default:
		if d.dropped.Add(1) == 1 && d.log != nil {
			d.log.Warn("advisory queue full, dropping")
		}
	}
}

// Run delivers queued advisories until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-d.queue:
			for _, target := range d.targets {
				if err := target.Send(ctx, text); err != nil && d.log != nil {
					d.log.Warn("advisory delivery failed", zap.Error(err))
				}
			}
		}
	}
}
