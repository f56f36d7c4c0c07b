package attachment

import (
	"sync"
	"time"
)

// Writer is the single producer of an attachment.
type Writer struct {
	id      string
	manager *Manager
	buffer  *RingBuffer
	policy  OverrunPolicy

	mu           sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (w *Writer) ID() string { return w.id }

func (w *Writer) Policy() OverrunPolicy { return w.policy }

// SetWriteTimeout sets the timeout used by Write under OverrunPolicyBlock.
// Negative waits forever (the default).
func (w *Writer) SetWriteTimeout(d time.Duration) {
	w.mu.Lock()
	w.writeTimeout = d
	w.mu.Unlock()
}

// WriteWithTimeout writes p, waiting up to timeout for room when the buffer
// uses OverrunPolicyBlock.
func (w *Writer) WriteWithTimeout(p []byte, timeout time.Duration) (int, WriteStatus) {
	if !w.manager.touch(w.id, w.buffer) {
		return 0, WriteStatusClosed
	}
	return w.buffer.Write(p, timeout)
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	timeout := w.writeTimeout
	w.mu.Unlock()

	n, status := w.WriteWithTimeout(p, timeout)
	return n, status.err()
}

// Close signals end of stream. Readers drain the remaining bytes and then
// observe ReadStatusClosed.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.buffer.CloseWriter()
		w.manager.writerClosed(w.id, w.buffer)
	})
	return nil
}

// Abort gives up on the attachment: it is evicted and its readers observe
// ReadStatusUnavailable instead of a truncated stream.
func (w *Writer) Abort() {
	w.closeOnce.Do(func() {
		w.manager.abandon(w.id, w.buffer)
	})
}
