package orchestrator

import (
	"sync/atomic"

	"github.com/verba-ai/verba/internal/metrics"
)

// relayBuffer bounds the frames queued between the provider stream and a
// slow client. 1024 frames absorbs several seconds of token output.
const relayBuffer = 1024

// relay decouples provider pacing from client pacing. The producer never
// blocks: when the buffer is full the oldest queued frame is dropped, so a
// slow client loses intermediate tokens but always receives the terminal
// frame. A failed Send marks the client gone and later frames are
// discarded while the turn keeps running.
type relay struct {
	frames     chan Frame
	done       chan struct{}
	clientGone atomic.Bool
	metrics    *metrics.Metrics
}

func newRelay(t Transport, m *metrics.Metrics) *relay {
	r := &relay{
		frames:  make(chan Frame, relayBuffer),
		done:    make(chan struct{}),
		metrics: m,
	}
	go r.run(t)
	return r
}

func (r *relay) run(t Transport) {
	defer close(r.done)
	for f := range r.frames {
		if r.clientGone.Load() {
			continue
		}
		if err := t.Send(f); err != nil {
			r.clientGone.Store(true)
		}
	}
}

// Send queues a frame without blocking, evicting the oldest queued frame
// when the buffer is full.
func (r *relay) Send(f Frame) {
	for {
		select {
		case r.frames <- f:
			return
		default:
		}
		select {
		case <-r.frames:
			r.metrics.CongestionDrops.Inc()
		default:
		}
	}
}

// Close stops intake and waits until queued frames are delivered.
func (r *relay) Close() {
	close(r.frames)
	<-r.done
}

// ClientGone reports whether a Send to the transport has failed.
func (r *relay) ClientGone() bool {
	return r.clientGone.Load()
}
