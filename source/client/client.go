// Package client implements the MRT client endpoint: a sliding-window
// sender engine plus the public Init/Connect/Send/Close surface.
package client

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nac-codes/mrt-go/pkg/link"
	"github.com/nac-codes/mrt-go/pkg/metrics"
	"github.com/nac-codes/mrt-go/pkg/mrtlog"
	"github.com/nac-codes/mrt-go/pkg/segment"
	"github.com/nac-codes/mrt-go/source/conn"
)

// Params tunes the sender engine. These are spec.md §4.5's named
// constants, kept as fields rather than package-level literals so tests
// can shrink the timers.
type Params struct {
	WindowMax  int
	Pacing     time.Duration
	Backoff    time.Duration
	AckTimeout time.Duration
	MaxRetries int
}

// DefaultParams matches the values spec.md names for window growth,
// inter-segment pacing, timeout backoff, and handshake/teardown retries.
func DefaultParams() Params {
	return Params{
		WindowMax:  5,
		Pacing:     10 * time.Millisecond,
		Backoff:    50 * time.Millisecond,
		AckTimeout: 500 * time.Millisecond,
		MaxRetries: 10,
	}
}

var (
	// ErrHandshakeExhausted is returned by Connect after MaxRetries SYNs
	// go unanswered.
	ErrHandshakeExhausted = errors.New("client: handshake exhausted retries")
	// ErrNotConnected is returned by Send when called outside Established.
	ErrNotConnected = errors.New("client: not connected")
	// ErrPayloadTooLarge is returned by Init when segmentSize leaves no
	// room for a payload once the header is accounted for.
	ErrPayloadTooLarge = errors.New("client: segment size too small for any payload")
)

// Client is one MRT client endpoint, talking to a single fixed peer.
type Client struct {
	link       *link.Link
	dstAddr    *net.UDPAddr
	log        *logrus.Logger
	audit      *mrtlog.AuditLog
	mx         *metrics.Registry
	params     Params
	maxPayload int

	seq   uint32
	ack   uint32
	state conn.State
}

// Init opens the client's UDP socket and computes its per-segment
// payload budget from segmentSize, without attempting a handshake. mx may
// be nil, in which case no observability counters are exported.
func Init(srcPort int, dstHost string, dstPort int, segmentSize int, log *logrus.Logger, audit *mrtlog.AuditLog, mx *metrics.Registry) (*Client, error) {
	maxPayload := segmentSize - segment.HeaderSize
	if maxPayload <= 0 {
		return nil, ErrPayloadTooLarge
	}
	if maxPayload > segment.MaxPayload {
		maxPayload = segment.MaxPayload
	}

	l, err := link.Dial(srcPort, dstHost, dstPort)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s:%d: %w", dstHost, dstPort, err)
	}

	return &Client{
		link:       l,
		dstAddr:    &net.UDPAddr{IP: net.ParseIP(dstHost), Port: dstPort},
		log:        log,
		audit:      audit,
		mx:         mx,
		params:     DefaultParams(),
		maxPayload: maxPayload,
		seq:        uint32(rand.Intn(1001)),
		state:      conn.SynSent,
	}, nil
}

// Connect runs the three-way handshake, retrying the SYN up to
// Params.MaxRetries times.
func (c *Client) Connect() error {
	synSeq := c.seq
	syn, err := segment.Encode(segment.Frame{Kind: segment.SYN, Seq: synSeq})
	if err != nil {
		return err
	}

	for attempt := 0; attempt < c.params.MaxRetries; attempt++ {
		if err := c.sendFrame(syn, segment.SYN, synSeq, 0, 0); err != nil {
			return err
		}

		raw, _, err := c.link.RecvFrom(c.params.AckTimeout)
		if err != nil {
			if errors.Is(err, link.ErrTimeout) {
				continue
			}
			return err
		}

		reply, err := segment.Decode(raw)
		if err != nil || reply.Kind != segment.SYNACK || reply.Ack != synSeq+1 {
			continue
		}

		c.recordRecv(reply)
		c.ack = reply.Seq + 1
		c.seq = reply.Ack

		finalAck, err := segment.Encode(segment.Frame{Kind: segment.ACK, Seq: c.seq, Ack: c.ack})
		if err != nil {
			return err
		}
		if err := c.sendFrame(finalAck, segment.ACK, c.seq, c.ack, 0); err != nil {
			return err
		}

		c.state = conn.Established
		c.log.Info("client: connection established")
		return nil
	}

	return ErrHandshakeExhausted
}

// Send chunks data into segments bounded by the client's payload budget
// and drives them through a sliding window, blocking until every segment
// has been acknowledged.
func (c *Client) Send(data []byte) error {
	if c.state != conn.Established {
		return ErrNotConnected
	}

	segments := chunk(data, c.maxPayload)
	if len(segments) == 0 {
		return nil
	}
	startSeq := c.seq

	frames := make([][]byte, len(segments))
	for i, payload := range segments {
		f, err := segment.Encode(segment.Frame{Kind: segment.DATA, Seq: startSeq + uint32(i), Payload: payload})
		if err != nil {
			return err
		}
		frames[i] = f
	}

	acked := make([]bool, len(segments))
	base, nextToSend, window := 0, 0, 1

	for base < len(segments) {
		for nextToSend < len(segments) && nextToSend < base+window {
			if err := c.sendFrame(frames[nextToSend], segment.DATA, startSeq+uint32(nextToSend), 0, len(segments[nextToSend])); err != nil {
				return err
			}
			nextToSend++
			time.Sleep(c.params.Pacing)
		}

		raw, _, err := c.link.RecvFrom(c.params.AckTimeout)
		if err != nil {
			if errors.Is(err, link.ErrTimeout) {
				if c.mx != nil {
					c.mx.Retransmissions.WithLabelValues(c.dstAddr.String()).Inc()
				}
				window = maxInt(1, window/2)
				nextToSend = base
				time.Sleep(c.params.Backoff)
				continue
			}
			return err
		}

		reply, err := segment.Decode(raw)
		if err != nil || reply.Kind != segment.ACK {
			continue
		}
		c.recordRecv(reply)

		// reply.Ack is cumulative: it may jump past more than one segment
		// at once if the receiver's reassembly buffer just drained several
		// out-of-order arrivals in response to this one segment.
		ackedSeq := int(reply.Ack) - 1 - int(startSeq)
		if ackedSeq >= base && ackedSeq < len(segments) {
			for i := base; i < len(segments) && i <= ackedSeq; i++ {
				acked[i] = true
			}
			for base < len(segments) && acked[base] {
				base++
			}
			window = minInt(window+1, c.params.WindowMax)
		}
	}

	c.seq = startSeq + uint32(len(segments))
	return nil
}

// Close runs the teardown handshake, retrying the FIN up to
// Params.MaxRetries times, and releases resources unconditionally even
// if no FIN-ACK ever arrives.
func (c *Client) Close() error {
	finSeq := c.seq
	fin, err := segment.Encode(segment.Frame{Kind: segment.FIN, Seq: finSeq, Ack: c.ack})
	if err != nil {
		return err
	}

	c.state = conn.FinSent

	for attempt := 0; attempt < c.params.MaxRetries; attempt++ {
		if err := c.sendFrame(fin, segment.FIN, finSeq, c.ack, 0); err != nil {
			break
		}

		raw, _, err := c.link.RecvFrom(c.params.AckTimeout)
		if err != nil {
			continue
		}
		reply, decErr := segment.Decode(raw)
		if decErr == nil && reply.Kind == segment.FINACK && reply.Ack == finSeq+1 {
			c.recordRecv(reply)
			break
		}
	}

	c.state = conn.Closed
	if c.audit != nil {
		c.audit.Close()
	}
	return c.link.Close()
}

func (c *Client) sendFrame(raw []byte, kind segment.Kind, seq, ack uint32, payloadLen int) error {
	if err := c.link.Send(raw); err != nil {
		return err
	}
	if c.audit != nil {
		local := c.link.LocalAddr().(*net.UDPAddr)
		c.audit.Record(local.Port, c.dstAddr.Port, seq, ack, kind.String(), payloadLen, mrtlog.Send)
	}
	return nil
}

func (c *Client) recordRecv(f segment.Frame) {
	if c.audit == nil {
		return
	}
	local := c.link.LocalAddr().(*net.UDPAddr)
	c.audit.Record(c.dstAddr.Port, local.Port, f.Seq, f.Ack, f.Kind.String(), len(f.Payload), mrtlog.Recv)
}

func chunk(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var out [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end])
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
