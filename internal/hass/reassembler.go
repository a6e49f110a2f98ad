package hass

import "slices"

// rxAssemblyBufSize is the reassembly buffer size. One byte is reserved,
// so the largest deliverable message is rxAssemblyBufSize-1 bytes.
const rxAssemblyBufSize = 64 * 1024

// FeedResult is the outcome of feeding one fragment.
type FeedResult int

const (
	// FeedPending means more fragments are expected.
	FeedPending FeedResult = iota
	// FeedComplete means a message was completed and returned.
	FeedComplete
	// FeedOrphan means a continuation arrived with no message in progress.
	FeedOrphan
	// FeedGap means a fragment did not continue where the last one ended.
	FeedGap
	// FeedOverflow means a completed message exceeded the cap and was dropped.
	FeedOverflow
	// FeedEmpty means a message completed with no payload.
	FeedEmpty
)

func (r FeedResult) String() string {
	switch r {
	case FeedPending:
		return "pending"
	case FeedComplete:
		return "complete"
	case FeedOrphan:
		return "orphan"
	case FeedGap:
		return "gap"
	case FeedOverflow:
		return "overflow"
	case FeedEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

type assemblyPhase int

const (
	assemblyIdle assemblyPhase = iota
	assemblyAccumulating
)

// Reassembler joins text fragments into complete messages. It is not
// safe for concurrent use; the transport goroutine owns it.
type Reassembler struct {
	limit    int
	phase    assemblyPhase
	buf      []byte
	received int
	expected int
	overflow bool
}

// NewReassembler returns a reassembler that drops messages longer than
// limit-1 bytes.
func NewReassembler(limit int) *Reassembler {
	return &Reassembler{limit: limit}
}

// Reset drops any message in progress.
func (r *Reassembler) Reset() {
	r.phase = assemblyIdle
	r.buf = r.buf[:0]
	r.received = 0
	r.expected = 0
	r.overflow = false
}

// Feed consumes one fragment. On FeedComplete the returned slice is the
// whole message and is owned by the caller.
func (r *Reassembler) Feed(data []byte, offset, payloadLen int, fin bool) ([]byte, FeedResult) {
	switch {
	case offset == 0:
		r.Reset()
		r.phase = assemblyAccumulating

		r.expected = payloadLen
		if r.expected <= 0 {
			r.expected = len(data)
		}
	case r.phase == assemblyIdle:
		return nil, FeedOrphan
	case offset != r.received:
		r.Reset()
		return nil, FeedGap
	}

	if !r.overflow {
		if len(r.buf)+len(data) > r.limit-1 {
			r.overflow = true
			r.buf = r.buf[:0]
		} else {
			r.buf = append(r.buf, data...)
		}
	}

	r.received = offset + len(data)

	done := fin ||
		(payloadLen > 0 && r.received >= payloadLen) ||
		(r.expected > 0 && r.received >= r.expected)
	if !done {
		return nil, FeedPending
	}

	defer r.Reset()

	switch {
	case r.overflow:
		return nil, FeedOverflow
	case len(r.buf) == 0:
		return nil, FeedEmpty
	default:
		return slices.Clone(r.buf), FeedComplete
	}
}
