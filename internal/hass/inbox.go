package hass

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/ha-sync/internal/metrics"
)

const (
	// rxQueueCap is the number of reassembled messages held for the worker.
	rxQueueCap = 64

	// lifecycleQueueCap holds connect, disconnect and error events.
	lifecycleQueueCap = 16

	// dropWarnInterval rate limits the queue overflow warning.
	dropWarnInterval = 5 * time.Second
)

type rawMessage struct {
	gen  uint64
	data []byte
}

type lifecycleEvent struct {
	gen  uint64
	kind EventKind
	err  error
	at   time.Time
}

// inbox is the boundary between the transport goroutine and the worker.
// The transport side only writes to channels and atomics; the worker is
// the only reader.
//
// The RX channel keeps the newest messages: when it is full the producer
// discards the oldest entry before sending, since entity state is
// idempotently overwritten by later updates.
type inbox struct {
	logger *slog.Logger
	now    func() time.Time

	rx        chan rawMessage
	lifecycle chan lifecycleEvent

	// lastRx is the unix nano time of the last inbound data.
	lastRx atomic.Int64

	dropMu       sync.Mutex
	dropped      int
	lastDropWarn time.Time
}

func newInbox(logger *slog.Logger, now func() time.Time) *inbox {
	return &inbox{
		logger:    logger,
		now:       now,
		rx:        make(chan rawMessage, rxQueueCap),
		lifecycle: make(chan lifecycleEvent, lifecycleQueueCap),
	}
}

// sink returns the EventSink for one connection attempt. Every event is
// tagged with gen so the worker can ignore a superseded connection.
func (in *inbox) sink(gen uint64) *sessionSink {
	return &sessionSink{in: in, gen: gen, asm: NewReassembler(rxAssemblyBufSize)}
}

func (in *inbox) touch(t time.Time) {
	in.lastRx.Store(t.UnixNano())
}

// lastReceived returns when data last arrived from the hub.
func (in *inbox) lastReceived() time.Time {
	n := in.lastRx.Load()
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n)
}

func (in *inbox) depth() int { return len(in.rx) }

func (in *inbox) postLifecycle(ev lifecycleEvent) {
	select {
	case in.lifecycle <- ev:
	default:
		// The worker reconciles against Transport.IsConnected, so a lost
		// lifecycle event only delays the state change by one tick.
		metrics.RXDroppedTotal.WithLabelValues("lifecycle").Inc()
	}
}

func (in *inbox) enqueue(msg rawMessage) {
	for {
		select {
		case in.rx <- msg:
			metrics.RXQueueDepth.Set(float64(len(in.rx)))
			return
		default:
		}

		select {
		case <-in.rx:
			in.noteDrop()
		default:
		}
	}
}

func (in *inbox) noteDrop() {
	metrics.RXDroppedTotal.WithLabelValues("queue_full").Inc()

	in.dropMu.Lock()
	defer in.dropMu.Unlock()

	in.dropped++

	now := in.now()
	if now.Sub(in.lastDropWarn) < dropWarnInterval {
		return
	}

	in.logger.Warn("RX queue full, dropped oldest messages", slog.Int("dropped", in.dropped))
	in.dropped = 0
	in.lastDropWarn = now
}

// popLifecycle returns the next lifecycle event without blocking.
func (in *inbox) popLifecycle() (lifecycleEvent, bool) {
	select {
	case ev := <-in.lifecycle:
		return ev, true
	default:
		return lifecycleEvent{}, false
	}
}

// popRX returns the next raw message without blocking.
func (in *inbox) popRX() (rawMessage, bool) {
	select {
	case msg := <-in.rx:
		return msg, true
	default:
		return rawMessage{}, false
	}
}

// flush discards everything queued.
func (in *inbox) flush() {
	for {
		if _, ok := in.popRX(); !ok {
			break
		}
	}

	for {
		if _, ok := in.popLifecycle(); !ok {
			break
		}
	}

	metrics.RXQueueDepth.Set(0)
}

// sessionSink adapts one connection's transport events into the inbox.
// It owns that connection's reassembler.
type sessionSink struct {
	in  *inbox
	gen uint64
	asm *Reassembler
}

// HandleEvent implements EventSink. It never blocks.
func (s *sessionSink) HandleEvent(ev Event) {
	now := s.in.now()

	switch ev.Kind {
	case EventConnected:
		s.asm.Reset()
		s.in.touch(now)
		s.in.postLifecycle(lifecycleEvent{gen: s.gen, kind: ev.Kind, at: now})
	case EventDisconnected:
		s.asm.Reset()
		s.in.postLifecycle(lifecycleEvent{gen: s.gen, kind: ev.Kind, at: now})
	case EventError:
		s.in.postLifecycle(lifecycleEvent{gen: s.gen, kind: ev.Kind, err: ev.Err, at: now})
	case EventText:
		s.in.touch(now)
		s.feed(ev)
	}
}

func (s *sessionSink) feed(ev Event) {
	data, res := s.asm.Feed(ev.Data, ev.Offset, ev.PayloadLen, ev.Fin)

	switch res {
	case FeedComplete:
		s.in.enqueue(rawMessage{gen: s.gen, data: data})
	case FeedOrphan:
		metrics.RXDroppedTotal.WithLabelValues("orphan").Inc()
		s.in.logger.Debug("dropping orphan fragment",
			slog.Int("offset", ev.Offset),
			slog.Int("len", len(ev.Data)),
		)
	case FeedGap:
		metrics.RXDroppedTotal.WithLabelValues("gap").Inc()
		s.in.logger.Debug("fragment gap, message dropped", slog.Int("offset", ev.Offset))
	case FeedOverflow:
		metrics.RXDroppedTotal.WithLabelValues("overflow").Inc()
		s.in.logger.Warn("inbound message exceeds reassembly buffer, dropped",
			slog.Int("payload_len", ev.PayloadLen),
			slog.Int("limit", rxAssemblyBufSize-1),
		)
	case FeedPending, FeedEmpty:
	}
}
