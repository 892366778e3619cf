// Package packetlog writes one NDJSON record per datagram for offline
// analysis of packet traces.
package packetlog

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/LemmyAI/gamenet/internal/protocol"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"

	// maxDumpBytes bounds the hex dump kept per record.
	maxDumpBytes = 64
)

type Record struct {
	RunID     string `json:"run_id"`
	Timestamp string `json:"ts"`
	Direction string `json:"direction"`
	Peer      string `json:"peer,omitempty"`
	Length    int    `json:"len"`
	PacketID  int    `json:"packet_id"`
	Dump      string `json:"dump,omitempty"`
	Message   string `json:"message,omitempty"`
}

type Logger struct {
	mu    sync.Mutex
	runID string
	c     io.Closer
	w     *bufio.Writer
	now   func() time.Time
}

// New appends records to the file at path.
func New(path, runID string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l := NewWriter(f, runID)
	l.c = f
	return l, nil
}

// NewWriter writes records to w.
func NewWriter(w io.Writer, runID string) *Logger {
	return &Logger{
		runID: runID,
		w:     bufio.NewWriterSize(w, 256*1024),
		now:   time.Now,
	}
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w != nil {
		_ = l.w.Flush()
		l.w = nil
	}
	if l.c != nil {
		return l.c.Close()
	}
	return nil
}

// Packet records one datagram. The packet id is -1 when the header cannot
// be read.
func (l *Logger) Packet(direction, peer string, data []byte) {
	if l == nil {
		return
	}
	rec := Record{
		Direction: direction,
		Peer:      peer,
		Length:    len(data),
		PacketID:  -1,
		Dump:      hex.EncodeToString(data[:min(len(data), maxDumpBytes)]),
	}
	if r, err := protocol.OpenPacket(data); err == nil {
		if id, err := protocol.ReadPacketHeader(r); err == nil {
			rec.PacketID = id
		}
	}
	l.Log(rec)
}

func (l *Logger) Log(rec Record) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return
	}
	if rec.RunID == "" {
		rec.RunID = l.runID
	}
	if rec.Timestamp == "" {
		rec.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_, _ = l.w.Write(append(line, '\n'))
	_ = l.w.Flush()
}
