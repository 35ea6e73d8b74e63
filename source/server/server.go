// Package server implements the MRT server endpoint: a single
// demultiplexer goroutine that classifies inbound segments by peer
// address and drives one conn.Conn state machine per peer, plus the
// public Init/Accept/Receive/Close surface.
package server

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nac-codes/mrt-go/pkg/link"
	"github.com/nac-codes/mrt-go/pkg/metrics"
	"github.com/nac-codes/mrt-go/pkg/mrtlog"
	"github.com/nac-codes/mrt-go/pkg/segment"
	"github.com/nac-codes/mrt-go/source/conn"
)

// Params tunes the demultiplexer's background behaviour.
type Params struct {
	// PollTimeout bounds each blocking read of the link, so the
	// demultiplexer notices Close promptly instead of blocking forever.
	PollTimeout time.Duration
}

// DefaultParams matches the values spec.md calls out for the receive
// loop's liveness-check interval.
func DefaultParams() Params {
	return Params{PollTimeout: 100 * time.Millisecond}
}

// ErrClosed is returned by Accept once the server has been closed and no
// further connections will arrive.
var ErrClosed = errors.New("server: closed")

// Server is one MRT server endpoint, able to track many distinct peers.
type Server struct {
	params Params
	link   *link.Link
	log    *logrus.Logger
	audit  *mrtlog.AuditLog
	mx     *metrics.Registry

	listenPort int

	mu            sync.Mutex
	acceptCond    *sync.Cond
	conns         map[string]*conn.Conn
	synAckCache   map[string][]byte
	pendingAccept []*conn.Conn
	running       bool
}

// Init binds the server's UDP socket and starts its demultiplexer
// goroutine. receiveBufferSize is accepted for interface compatibility
// with the original collaborator contract and clamped to the link
// package's sane maximum; MRT does not allocate a receive buffer of
// caller-chosen size the way the original emulator's config implied.
func Init(listenPort int, receiveBufferSize int, log *logrus.Logger, audit *mrtlog.AuditLog, mx *metrics.Registry) (*Server, error) {
	if receiveBufferSize > link.MaxDatagram || receiveBufferSize <= 0 {
		receiveBufferSize = link.MaxDatagram
	}

	l, err := link.Listen("", listenPort)
	if err != nil {
		return nil, fmt.Errorf("server: listen on port %d: %w", listenPort, err)
	}

	s := &Server{
		params:      DefaultParams(),
		link:        l,
		log:         log,
		audit:       audit,
		mx:          mx,
		listenPort:  l.LocalAddr().(*net.UDPAddr).Port,
		conns:       make(map[string]*conn.Conn),
		synAckCache: make(map[string][]byte),
		running:     true,
	}
	s.acceptCond = sync.NewCond(&s.mu)

	go s.demux()
	return s, nil
}

func (s *Server) demux() {
	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}

		raw, addr, err := s.link.RecvFrom(s.params.PollTimeout)
		if err != nil {
			if errors.Is(err, link.ErrTimeout) {
				continue
			}
			s.log.WithError(err).Warn("server: read error, demultiplexer exiting")
			return
		}

		f, err := segment.Decode(raw)
		if err != nil {
			s.log.WithError(err).Debug("server: dropping malformed segment")
			continue
		}

		s.handle(f, addr)
	}
}

func (s *Server) handle(f segment.Frame, addr *net.UDPAddr) {
	key := addr.String()

	s.audit.Record(addr.Port, s.listenPort, f.Seq, f.Ack, f.Kind.String(), len(f.Payload), mrtlog.Recv)
	if s.mx != nil {
		s.mx.SegmentsReceived.WithLabelValues(key).Inc()
	}

	switch f.Kind {
	case segment.SYN:
		s.handleSYN(addr, key, f)
	case segment.DATA:
		s.handleData(addr, key, f)
	case segment.FIN:
		s.handleFIN(addr, key, f)
	case segment.ACK:
		// The client's final handshake ACK lands here. The server is
		// already Established by the time it sends SYN-ACK, so there is
		// nothing further to do with it.
	default:
		s.log.WithField("kind", f.Kind).Debug("server: unexpected segment kind")
	}
}

func (s *Server) handleSYN(addr *net.UDPAddr, key string, f segment.Frame) {
	s.mu.Lock()
	if cached, ok := s.synAckCache[key]; ok {
		s.mu.Unlock()
		if reply, err := segment.Decode(cached); err == nil {
			s.send(addr, cached, segment.SYNACK, reply.Seq, reply.Ack, 0)
		}
		return
	}

	isn := uint32(rand.Intn(1001))
	c := conn.New(addr, isn, f.Seq+1, conn.Established, s.mx)
	s.conns[key] = c
	s.pendingAccept = append(s.pendingAccept, c)

	raw, _ := segment.Encode(segment.Frame{Kind: segment.SYNACK, Seq: isn, Ack: f.Seq + 1})
	s.synAckCache[key] = raw
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"peer": key, "conn": c.ID.String()}).Info("server: connection established")
	s.send(addr, raw, segment.SYNACK, isn, f.Seq+1, 0)
	s.acceptCond.Broadcast()
}

func (s *Server) handleData(addr *net.UDPAddr, key string, f segment.Frame) {
	s.mu.Lock()
	c, ok := s.conns[key]
	s.mu.Unlock()
	if !ok {
		return
	}

	ack := c.HandleData(f.Seq, f.Payload)
	seq := c.PeekLocalSeq()
	raw, _ := segment.Encode(segment.Frame{Kind: segment.ACK, Seq: seq, Ack: ack})
	s.send(addr, raw, segment.ACK, seq, ack, 0)
}

func (s *Server) handleFIN(addr *net.UDPAddr, key string, f segment.Frame) {
	s.mu.Lock()
	c, ok := s.conns[key]
	s.mu.Unlock()
	if !ok {
		return
	}

	c.SetState(conn.Closed)
	seq := c.PeekLocalSeq()
	raw, _ := segment.Encode(segment.Frame{Kind: segment.FINACK, Seq: seq, Ack: f.Seq + 1})
	s.send(addr, raw, segment.FINACK, seq, f.Seq+1, 0)
	s.log.WithField("peer", key).Info("server: connection closed by peer")
}

func (s *Server) send(addr *net.UDPAddr, raw []byte, kind segment.Kind, seq, ack uint32, payloadLen int) {
	if err := s.link.SendTo(addr, raw); err != nil {
		s.log.WithError(err).Warn("server: send failed")
		return
	}
	s.audit.Record(s.listenPort, addr.Port, seq, ack, kind.String(), payloadLen, mrtlog.Send)
}

// ListenPort returns the UDP port the server is bound to, useful after
// Init(0, ...) picks an ephemeral port.
func (s *Server) ListenPort() int {
	return s.link.LocalAddr().(*net.UDPAddr).Port
}

// Accept blocks until a peer reaches Established, returning its
// connection exactly once.
func (s *Server) Accept() (*conn.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pendingAccept) == 0 && s.running {
		s.acceptCond.Wait()
	}
	if len(s.pendingAccept) == 0 {
		return nil, ErrClosed
	}

	c := s.pendingAccept[0]
	s.pendingAccept = s.pendingAccept[1:]
	return c, nil
}

// Receive blocks until n bytes are available on c or it closes, then
// returns what it has (possibly fewer than n bytes, on close).
func (s *Server) Receive(c *conn.Conn, n int) []byte {
	return c.Receive(n)
}

// Close stops the demultiplexer, best-effort notifies every still
// connected peer with a FIN-ACK, and releases the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	s.running = false
	peers := make([]*conn.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		peers = append(peers, c)
	}
	s.mu.Unlock()
	s.acceptCond.Broadcast()

	for _, c := range peers {
		if c.State() != conn.Established {
			continue
		}
		raw, _ := segment.Encode(segment.Frame{Kind: segment.FINACK, Seq: c.PeekLocalSeq(), Ack: c.ExpectedPeerSeq()})
		s.link.SendTo(c.PeerAddr, raw)
		c.SetState(conn.Closed)
	}

	if s.audit != nil {
		s.audit.Close()
	}
	return s.link.Close()
}
