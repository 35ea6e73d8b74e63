package conn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestConn() *Conn {
	return New(nil, 0, 1, Established, nil)
}

func TestHandleDataInOrder(t *testing.T) {
	c := newTestConn()

	ack := c.HandleData(1, []byte("abc"))
	require.Equal(t, uint32(2), ack)
	require.Equal(t, []byte("abc"), c.Receive(3))
}

func TestHandleDataOutOfOrderThenFill(t *testing.T) {
	c := newTestConn()

	ack := c.HandleData(2, []byte("world"))
	require.Equal(t, uint32(1), ack, "ack should still advertise the missing segment")
	require.Equal(t, uint64(1), c.Stats().OutOfOrder)

	ack = c.HandleData(1, []byte("hello "))
	require.Equal(t, uint32(3), ack)
	require.Equal(t, []byte("hello world"), c.Receive(11))
}

func TestHandleDataStaleDuplicate(t *testing.T) {
	c := newTestConn()
	c.HandleData(1, []byte("abc"))

	ack := c.HandleData(1, []byte("abc"))
	require.Equal(t, uint32(2), ack)
	require.Equal(t, uint64(1), c.Stats().DuplicateSegments)
}

func TestReceiveReturnsShortReadOnClose(t *testing.T) {
	c := newTestConn()
	c.HandleData(1, []byte("ab"))

	done := make(chan []byte, 1)
	go func() {
		done <- c.Receive(10)
	}()

	c.SetState(Closed)
	got := <-done
	require.Equal(t, []byte("ab"), got)
}

func TestNextLocalSeqIncrements(t *testing.T) {
	c := newTestConn()
	require.Equal(t, uint32(0), c.NextLocalSeq())
	require.Equal(t, uint32(1), c.NextLocalSeq())
}

func TestHandleDataOutOfOrderOverwritesPriorEntry(t *testing.T) {
	c := newTestConn()

	c.HandleData(2, []byte("stale"))
	c.HandleData(2, []byte("fresh"))

	c.HandleData(1, []byte("x"))
	require.Equal(t, []byte("xfresh"), c.Receive(6))
}

func TestHandleDataReorderingDrainsMultipleSegmentsInOneAck(t *testing.T) {
	c := newTestConn()

	c.HandleData(3, []byte("C"))
	ack := c.HandleData(2, []byte("B"))
	require.Equal(t, uint32(1), ack, "still waiting on segment 1")

	ack = c.HandleData(1, []byte("A"))
	require.Equal(t, uint32(4), ack, "ack should jump past every segment the buffer just drained")
	require.Equal(t, []byte("ABC"), c.Receive(3))
}
