package conn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/LemmyAI/gamenet/internal/util"
)

// FileProvider opens files requested over a file channel.
type FileProvider interface {
	OpenFile(name string) (io.ReadCloser, int64, error)
}

const fileSizeBytes = 4

// File transfers one named file. The side that opens the channel sends the
// name and receives the contents; the other side streams them from a
// FileProvider and closes the channel after the last chunk. The first chunk
// starts with the file size as a little-endian uint32.
type File struct {
	// Requesting side.
	name      string
	dst       io.Writer
	done      func(error)
	requested bool
	total     int64
	received  int64
	err       error
	finished  bool

	// Serving side.
	provider FileProvider
	src      io.ReadCloser
	size     int64
	sent     int64
}

// NewFileRequest requests name from the peer and writes the contents to dst.
// done is called once when the channel closes: nil on success, ErrFileRefused
// when the peer refused, ErrFileIncomplete on a short transfer.
func NewFileRequest(name string, dst io.Writer, done func(error)) *File {
	return &File{name: name, dst: dst, done: done, total: -1}
}

// NewFileSender serves requests for files from provider.
func NewFileSender(provider FileProvider) *File {
	return &File{provider: provider, total: -1}
}

// Received returns the bytes received so far.
func (f *File) Received() int64 { return f.received }

// Size returns the announced file size, or -1 before the first chunk.
func (f *File) Size() int64 { return f.total }

func (f *File) OnBunchReceived(ch *Channel, data []byte, numBits int) {
	data = data[:(numBits+7)/8]
	if ch.OpenedLocally() {
		f.receive(ch, data)
		return
	}
	f.serve(ch, string(data))
}

func (f *File) receive(ch *Channel, data []byte) {
	if f.err != nil {
		return
	}
	if f.total < 0 {
		if len(data) < fileSizeBytes {
			f.fail(ch, fmt.Errorf("%w: short size prefix", ErrFileIncomplete))
			return
		}
		f.total = int64(binary.LittleEndian.Uint32(data))
		data = data[fileSizeBytes:]
	}
	if f.received+int64(len(data)) > f.total {
		f.fail(ch, fmt.Errorf("%w: %d bytes past announced size %d", ErrFileIncomplete, f.received+int64(len(data))-f.total, f.total))
		return
	}
	if _, err := f.dst.Write(data); err != nil {
		f.fail(ch, err)
		return
	}
	f.received += int64(len(data))
}

func (f *File) fail(ch *Channel, err error) {
	f.err = err
	util.LogWarning("📁 file %q: %v", f.name, err)
	ch.Close()
}

func (f *File) serve(ch *Channel, name string) {
	if f.src != nil || f.sent > 0 {
		return
	}
	if f.provider == nil {
		ch.Close()
		return
	}
	src, size, err := f.provider.OpenFile(name)
	if err == nil && (size < 0 || size > math.MaxUint32) {
		src.Close()
		err = fmt.Errorf("size %d out of range", size)
	}
	if err != nil {
		util.LogWarning("📁 refusing %q: %v", name, err)
		ch.Close()
		return
	}
	util.LogDebug("📁 sending %q (%d bytes)", name, size)
	f.name = name
	f.src = src
	f.size = size
}

func (f *File) ProducePayload(ch *Channel, maxBytes int) (Payload, bool) {
	if ch.OpenedLocally() {
		if f.requested {
			return Payload{}, false
		}
		f.requested = true
		return Payload{Data: []byte(f.name), Reliable: true}, true
	}

	if f.src == nil || maxBytes <= fileSizeBytes || !ch.IsNetReady(false) {
		return Payload{}, false
	}
	remaining := fileSizeBytes + f.size - f.sent
	n := int(min(int64(maxBytes), remaining))
	buf := make([]byte, n)
	body := buf
	if f.sent == 0 {
		binary.LittleEndian.PutUint32(buf, uint32(f.size))
		body = buf[fileSizeBytes:]
	}
	if _, err := io.ReadFull(f.src, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("%w: source ended early", ErrFileIncomplete)
		}
		util.LogWarning("📁 reading %q: %v", f.name, err)
		f.src.Close()
		f.src = nil
		ch.Close()
		return Payload{}, false
	}
	f.sent += int64(n)
	final := f.sent == fileSizeBytes+f.size
	if final {
		f.src.Close()
		f.src = nil
	}
	return Payload{Data: buf, Reliable: true, Close: final}, true
}

func (f *File) OnClose(ch *Channel) {
	if f.src != nil {
		f.src.Close()
		f.src = nil
	}
	if !ch.OpenedLocally() || f.finished {
		return
	}
	f.finished = true
	err := f.err
	if err == nil {
		switch {
		case f.total < 0:
			err = ErrFileRefused
		case f.received != f.total:
			err = fmt.Errorf("%w: %d of %d bytes", ErrFileIncomplete, f.received, f.total)
		}
	}
	if f.done != nil {
		f.done(err)
	}
}

var _ Behavior = (*File)(nil)
