package client

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/nac-codes/mrt-go/pkg/mrtlog"
	"github.com/nac-codes/mrt-go/pkg/segment"
	"github.com/nac-codes/mrt-go/source/server"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestChunkSplitsOnBoundary(t *testing.T) {
	parts := chunk([]byte("abcdefg"), 3)
	require.Equal(t, [][]byte{[]byte("abc"), []byte("def"), []byte("g")}, parts)
}

func TestChunkEmptyInput(t *testing.T) {
	require.Nil(t, chunk(nil, 10))
}

func TestInitRejectsTooSmallSegmentSize(t *testing.T) {
	_, err := Init(0, "127.0.0.1", 9, segment.HeaderSize, quietLogger(), nil, nil)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestConnectSendClose(t *testing.T) {
	audit, err := mrtlog.NopAuditLog()
	require.NoError(t, err)

	srv, err := server.Init(0, 4096, quietLogger(), audit, nil)
	require.NoError(t, err)
	defer srv.Close()

	port := srv.ListenPort()

	cl, err := Init(0, "127.0.0.1", port, 1024, quietLogger(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, cl.Connect())

	conn, err := srv.Accept()
	require.NoError(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, cl.Send(payload))

	got := srv.Receive(conn, len(payload))
	require.Equal(t, payload, got)

	require.NoError(t, cl.Close())
	time.Sleep(50 * time.Millisecond)
}

// TestConnectSendCloseLargeMultiSegment sends a payload spanning many
// segments, forcing the sliding window past 1 in-flight segment and
// exercising the cumulative-ack bookkeeping across a real demultiplexer
// and conn.Conn on the server side (S2-style, scaled up from the single
// in-flight-segment case above).
func TestConnectSendCloseLargeMultiSegment(t *testing.T) {
	audit, err := mrtlog.NopAuditLog()
	require.NoError(t, err)

	srv, err := server.Init(0, 1<<20, quietLogger(), audit, nil)
	require.NoError(t, err)
	defer srv.Close()

	port := srv.ListenPort()

	// segmentSize 64 leaves a small maxPayload, so a few-KB payload spans
	// dozens of segments and drives window growth well past 1.
	cl, err := Init(0, "127.0.0.1", port, 64, quietLogger(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, cl.Connect())

	conn, err := srv.Accept()
	require.NoError(t, err)

	payload := make([]byte, 8000)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	require.NoError(t, cl.Send(payload))

	got := srv.Receive(conn, len(payload))
	require.Equal(t, payload, got)

	require.NoError(t, cl.Close())
	time.Sleep(50 * time.Millisecond)
}
