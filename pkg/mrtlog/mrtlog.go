// Package mrtlog provides the two kinds of logging an MRT endpoint needs:
// a structured application logger for operators, and a fixed-format
// per-segment audit log that is a wire contract, not a human-facing one.
package mrtlog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// New builds the structured application logger. Endpoints log connection
// lifecycle and dropped-segment events through it with fields
// rather than formatted strings, matching the rest of the pack's idiom.
func New(level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Direction distinguishes an audit entry for a sent segment from one for
// a received segment.
type Direction string

const (
	Send Direction = "SEND"
	Recv Direction = "RECV"
)

// AuditLog writes the fixed-format per-segment audit line:
//
//	<timestamp> <src_port> <dst_port> <seq> <ack> <kind> <payload_len> <direction>
//
// One file handle is shared by every goroutine on an endpoint; writes are
// serialized and flushed immediately so a crash never loses the tail of
// the log.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenAuditLog creates (or truncates) the audit log file at path.
func OpenAuditLog(path string) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &AuditLog{file: f}, nil
}

// Record appends one audit line and flushes it to disk.
func (a *AuditLog) Record(srcPort, dstPort int, seq, ack uint32, kind string, payloadLen int, dir Direction) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ts := time.Now().Format("2006-01-02 15:04:05.000")
	_, err := fmt.Fprintf(a.file, "%s %d %d %d %d %s %d %s\n", ts, srcPort, dstPort, seq, ack, kind, payloadLen, dir)
	if err != nil {
		return err
	}
	return a.file.Sync()
}

// Close releases the underlying file handle.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// NopAuditLog discards every record; useful in tests that don't care
// about the audit trail.
func NopAuditLog() (*AuditLog, error) {
	f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	return &AuditLog{file: f}, nil
}
