package attachment

import (
	"io"
	"sync"
	"time"
)

// Reader is one consumer cursor on an attachment.
type Reader struct {
	id             string
	manager        *Manager
	buffer         *RingBuffer
	cursor         uint64
	policy         ReaderPolicy
	writerDeadline time.Time

	mu          sync.Mutex
	readTimeout time.Duration
	closeOnce   sync.Once
}

// ID returns the attachment id this reader is attached to.
func (r *Reader) ID() string { return r.id }

// Policy returns the reader's blocking policy.
func (r *Reader) Policy() ReaderPolicy { return r.policy }

// SetReadTimeout sets the timeout used by Read. Negative waits forever (the
// default), zero returns TimedOut immediately when no data is ready.
func (r *Reader) SetReadTimeout(d time.Duration) {
	r.mu.Lock()
	r.readTimeout = d
	r.mu.Unlock()
}

// ReadWithTimeout reads up to len(p) bytes. A blocking reader waits up to
// timeout for at least one byte (negative waits forever).
func (r *Reader) ReadWithTimeout(p []byte, timeout time.Duration) (int, ReadStatus) {
	if !r.manager.touch(r.id, r.buffer) {
		return 0, ReadStatusUnavailable
	}
	return r.buffer.read(r.cursor, p, r.policy, timeout, r.wallWriterDeadline())
}

// wallWriterDeadline maps writerDeadline, taken on the manager's clock, onto
// the wall clock the ring buffer waits with.
func (r *Reader) wallWriterDeadline() time.Time {
	return time.Now().Add(r.writerDeadline.Sub(r.manager.now()))
}

// Read implements io.Reader. It returns io.EOF once the writer has closed and
// every byte was consumed.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	timeout := r.readTimeout
	r.mu.Unlock()

	n, status := r.ReadWithTimeout(p, timeout)
	switch status {
	case ReadStatusOK:
		return n, nil
	case ReadStatusClosed:
		return n, io.EOF
	default:
		return n, status.err()
	}
}

// UnreadBytes returns how many bytes are buffered ahead of this reader.
func (r *Reader) UnreadBytes() int {
	return r.buffer.unread(r.cursor)
}

// Close detaches the reader. Safe to call more than once.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.buffer.detachReader(r.cursor)
		r.manager.readerClosed(r.id, r.buffer)
	})
	return nil
}
