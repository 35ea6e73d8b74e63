// Package conn holds the per-peer connection record: sequence-number
// bookkeeping, the out-of-order reassembly buffer, delivered-data
// buffering, and the state machine both client and server connections
// move through.
package conn

import (
	"net"
	"sync"

	"github.com/rs/xid"

	"github.com/nac-codes/mrt-go/pkg/metrics"
)

// State is a connection's position in the MRT lifecycle.
type State int

const (
	SynSent State = iota
	Established
	FinSent
	Closed
)

func (s State) String() string {
	switch s {
	case SynSent:
		return "SYN-SENT"
	case Established:
		return "ESTABLISHED"
	case FinSent:
		return "FIN-SENT"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Stats is a point-in-time snapshot of a connection's observability
// counters.
type Stats struct {
	SegmentsReceived  uint64
	OutOfOrder        uint64
	DuplicateSegments uint64
	BytesDelivered    uint64
}

// Conn is one peer's connection record, guarded throughout by its own
// mutex. A sync.Cond built on that mutex lets Receive block without
// polling: it is signalled whenever delivered data grows or the
// connection leaves Established. (Accept waits on the server's own cond.)
type Conn struct {
	mu   sync.Mutex
	cond *sync.Cond

	ID       xid.ID
	PeerAddr *net.UDPAddr

	localSeq        uint32
	expectedPeerSeq uint32
	state           State

	reassembly map[uint32][]byte
	delivered  []byte

	stats Stats

	mx   *metrics.Registry
	peer string
}

// New constructs a connection record. localSeq is the next sequence
// number this side will send; expectedPeerSeq is the next sequence
// number this side expects to receive. mx may be nil, in which case no
// observability counters are exported for this connection.
func New(addr *net.UDPAddr, localSeq, expectedPeerSeq uint32, state State, mx *metrics.Registry) *Conn {
	c := &Conn{
		ID:              xid.New(),
		PeerAddr:        addr,
		localSeq:        localSeq,
		expectedPeerSeq: expectedPeerSeq,
		state:           state,
		reassembly:      make(map[uint32][]byte),
		mx:              mx,
	}
	if addr != nil {
		c.peer = addr.String()
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the connection and wakes any blocked waiters,
// since leaving Established unblocks pending Receive calls.
func (c *Conn) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.cond.Broadcast()
}

// NextLocalSeq returns the next sequence number to assign to an
// outbound segment and advances the counter.
func (c *Conn) NextLocalSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.localSeq
	c.localSeq++
	return seq
}

// PeekLocalSeq returns the next sequence number without consuming it,
// for frames (ACK) that carry a seq field but do not occupy sequence
// space.
func (c *Conn) PeekLocalSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSeq
}

// ExpectedPeerSeq reports the sequence number this side next expects,
// i.e. the value that belongs in the ack field of the next outbound
// segment.
func (c *Conn) ExpectedPeerSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expectedPeerSeq
}

// HandleData applies the receiver-side algorithm for one inbound DATA
// segment: in-order payload is appended and the reassembly buffer is
// drained of any segments it unblocks; an out-of-order segment is
// buffered, overwriting any prior entry at the same sequence number; a
// stale segment is dropped. It returns the ack value to send in every
// case, since the protocol acks even out-of-order and duplicate
// segments.
func (c *Conn) HandleData(seq uint32, payload []byte) (ack uint32) {
	c.mu.Lock()
	c.stats.SegmentsReceived++

	switch {
	case seq == c.expectedPeerSeq:
		c.appendDelivered(payload)
		c.expectedPeerSeq++
		for {
			buffered, ok := c.reassembly[c.expectedPeerSeq]
			if !ok {
				break
			}
			delete(c.reassembly, c.expectedPeerSeq)
			c.appendDelivered(buffered)
			c.expectedPeerSeq++
		}
	case seq > c.expectedPeerSeq:
		c.reassembly[seq] = payload
		c.stats.OutOfOrder++
		if c.mx != nil {
			c.mx.OutOfOrder.WithLabelValues(c.peer).Inc()
		}
	default:
		c.stats.DuplicateSegments++
		if c.mx != nil {
			c.mx.DuplicateSegments.WithLabelValues(c.peer).Inc()
		}
	}

	ack = c.expectedPeerSeq
	c.mu.Unlock()
	c.cond.Broadcast()
	return ack
}

// appendDelivered must be called with mu held.
func (c *Conn) appendDelivered(payload []byte) {
	c.delivered = append(c.delivered, payload...)
	c.stats.BytesDelivered += uint64(len(payload))
	if c.mx != nil {
		c.mx.BytesDelivered.WithLabelValues(c.peer).Add(float64(len(payload)))
	}
}

// Receive blocks until at least n bytes are delivered or the connection
// leaves Established, then returns up to n bytes (fewer, if the
// connection closed first) and removes them from the delivered buffer.
func (c *Conn) Receive(n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.delivered) < n && c.state == Established {
		c.cond.Wait()
	}

	take := n
	if len(c.delivered) < take {
		take = len(c.delivered)
	}
	out := make([]byte, take)
	copy(out, c.delivered[:take])
	c.delivered = c.delivered[take:]
	return out
}

// Stats returns a copy of the connection's observability counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
