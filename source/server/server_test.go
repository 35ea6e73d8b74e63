package server

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/nac-codes/mrt-go/pkg/link"
	"github.com/nac-codes/mrt-go/pkg/mrtlog"
	"github.com/nac-codes/mrt-go/pkg/segment"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestAcceptUnblocksOnSYN(t *testing.T) {
	audit, err := mrtlog.NopAuditLog()
	require.NoError(t, err)

	s, err := Init(0, 1024, testLogger(), audit, nil)
	require.NoError(t, err)
	defer s.Close()

	serverAddr := s.link.LocalAddr().(*net.UDPAddr)

	cl, err := link.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	defer cl.Close()

	syn, err := segment.Encode(segment.Frame{Kind: segment.SYN, Seq: 5})
	require.NoError(t, err)
	require.NoError(t, cl.SendTo(serverAddr, syn))

	raw, _, err := cl.RecvFrom(time.Second)
	require.NoError(t, err)
	reply, err := segment.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, segment.SYNACK, reply.Kind)
	require.Equal(t, uint32(6), reply.Ack)

	c, err := s.Accept()
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestDataThenReceive(t *testing.T) {
	audit, err := mrtlog.NopAuditLog()
	require.NoError(t, err)

	s, err := Init(0, 1024, testLogger(), audit, nil)
	require.NoError(t, err)
	defer s.Close()

	serverAddr := s.link.LocalAddr().(*net.UDPAddr)
	cl, err := link.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	defer cl.Close()

	syn, _ := segment.Encode(segment.Frame{Kind: segment.SYN, Seq: 0})
	cl.SendTo(serverAddr, syn)
	cl.RecvFrom(time.Second) // SYN-ACK

	c, err := s.Accept()
	require.NoError(t, err)

	data, _ := segment.Encode(segment.Frame{Kind: segment.DATA, Seq: 1, Payload: []byte("hello")})
	cl.SendTo(serverAddr, data)

	raw, _, err := cl.RecvFrom(time.Second)
	require.NoError(t, err)
	ackFrame, err := segment.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, segment.ACK, ackFrame.Kind)
	require.Equal(t, uint32(2), ackFrame.Ack)

	got := s.Receive(c, 5)
	require.Equal(t, []byte("hello"), got)
}

// TestDataReorderedLargeTransferJumpsAckByMoreThanOne drives a scaled-up
// S2-style multi-segment transfer through reordering: several segments
// arrive out of order before the one that completes the run, so the
// reassembly buffer in source/conn drains many segments at once and the
// server must emit a single ACK whose value jumps past every segment that
// run unblocked, not just the one it received (spec.md §8 scenario S4).
func TestDataReorderedLargeTransferJumpsAckByMoreThanOne(t *testing.T) {
	audit, err := mrtlog.NopAuditLog()
	require.NoError(t, err)

	s, err := Init(0, 1024, testLogger(), audit, nil)
	require.NoError(t, err)
	defer s.Close()

	serverAddr := s.link.LocalAddr().(*net.UDPAddr)
	cl, err := link.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	defer cl.Close()

	syn, _ := segment.Encode(segment.Frame{Kind: segment.SYN, Seq: 0})
	cl.SendTo(serverAddr, syn)
	cl.RecvFrom(time.Second) // SYN-ACK

	c, err := s.Accept()
	require.NoError(t, err)

	const segments = 20
	for i := segments; i >= 2; i-- {
		data, _ := segment.Encode(segment.Frame{Kind: segment.DATA, Seq: uint32(i), Payload: []byte{byte('a' + i%26)}})
		cl.SendTo(serverAddr, data)
		raw, _, err := cl.RecvFrom(time.Second)
		require.NoError(t, err)
		ackFrame, err := segment.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, uint32(1), ackFrame.Ack, "still missing segment 1, ack must not advance")
	}

	first, _ := segment.Encode(segment.Frame{Kind: segment.DATA, Seq: 1, Payload: []byte{'z'}})
	cl.SendTo(serverAddr, first)

	raw, _, err := cl.RecvFrom(time.Second)
	require.NoError(t, err)
	ackFrame, err := segment.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(segments+1), ackFrame.Ack, "one ACK must jump past every segment the reassembly buffer just drained")

	got := s.Receive(c, segments)
	require.Len(t, got, segments)
}
