package attachment

import (
	"sync"
	"time"
)

// RingBuffer is a fixed-capacity byte ring with one writer and any number of
// readers, each holding its own cursor. Cursors are absolute byte offsets into
// the stream; the byte at offset o lives at data[o%capacity] until the writer
// passes o+capacity.
type RingBuffer struct {
	mu      sync.Mutex
	changed chan struct{}

	data   []byte
	policy OverrunPolicy

	written    uint64
	retainFrom uint64
	readers    map[uint64]*uint64
	nextReader uint64

	hasWriter    bool
	writerClosed bool
	evicted      bool
}

// NewRingBuffer allocates a buffer of the given capacity.
func NewRingBuffer(capacity int, policy OverrunPolicy) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{
		changed: make(chan struct{}),
		data:    make([]byte, capacity),
		policy:  policy,
		readers: make(map[uint64]*uint64),
	}
}

// Capacity returns the size of the ring in bytes.
func (b *RingBuffer) Capacity() int {
	return len(b.data)
}

// Written returns the total number of bytes written so far.
func (b *RingBuffer) Written() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

func (b *RingBuffer) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// waitLocked releases the lock until the buffer changes or deadline passes.
func (b *RingBuffer) waitLocked(deadline time.Time) {
	ch := b.changed
	b.mu.Unlock()
	defer b.mu.Lock()

	if deadline.IsZero() {
		<-ch
		return
	}
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
	}
}

func (b *RingBuffer) oldestLocked() uint64 {
	c := uint64(len(b.data))
	if b.written < c {
		return 0
	}
	return b.written - c
}

// floorLocked is the lowest offset the writer must not overwrite under
// OverrunPolicyBlock.
func (b *RingBuffer) floorLocked() uint64 {
	if len(b.readers) == 0 {
		return b.retainFrom
	}
	first := true
	var floor uint64
	for _, pos := range b.readers {
		if first || *pos < floor {
			floor = *pos
			first = false
		}
	}
	return floor
}

func (b *RingBuffer) copyIn(src []byte) {
	idx := int(b.written % uint64(len(b.data)))
	n := copy(b.data[idx:], src)
	copy(b.data, src[n:])
	b.written += uint64(len(src))
}

func (b *RingBuffer) copyOut(pos uint64, dst []byte) int {
	idx := int(pos % uint64(len(b.data)))
	n := copy(dst, b.data[idx:])
	if n < len(dst) {
		n += copy(dst[n:], b.data)
	}
	return n
}

func (b *RingBuffer) writeLocked(p []byte) int {
	capacity := uint64(len(b.data))
	if b.policy == OverrunPolicyOverwrite {
		total := len(p)
		if uint64(len(p)) > capacity {
			skip := uint64(len(p)) - capacity
			b.written += skip
			p = p[skip:]
		}
		b.copyIn(p)
		return total
	}

	space := b.floorLocked() + capacity - b.written
	n := uint64(len(p))
	if n > space {
		n = space
	}
	b.copyIn(p[:n])
	return int(n)
}

// Write copies p into the ring. timeout 0 never waits (partial write +
// WriteStatusBufferFull), a negative timeout waits indefinitely.
func (b *RingBuffer) Write(p []byte, timeout time.Duration) (int, WriteStatus) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	total := 0
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.writerClosed || b.evicted {
			return total, WriteStatusClosed
		}
		n := b.writeLocked(p[total:])
		total += n
		if n > 0 {
			b.broadcastLocked()
		}
		if total == len(p) {
			return total, WriteStatusOK
		}
		if timeout == 0 {
			return total, WriteStatusBufferFull
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return total, WriteStatusTimedOut
		}
		b.waitLocked(deadline)
	}
}

func (b *RingBuffer) attachWriter(policy OverrunPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hasWriter = true
	b.policy = policy
	b.broadcastLocked()
}

// CloseWriter marks the end of the stream; readers drain and then see EOF.
func (b *RingBuffer) CloseWriter() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writerClosed {
		return
	}
	b.writerClosed = true
	b.broadcastLocked()
}

func (b *RingBuffer) evict() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evicted = true
	b.broadcastLocked()
}

// attachReader registers a new cursor at the oldest retained byte.
func (b *RingBuffer) attachReader() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextReader
	b.nextReader++
	pos := b.oldestLocked()
	b.readers[id] = &pos
	return id
}

func (b *RingBuffer) detachReader(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.readers[id]; !ok {
		return
	}
	delete(b.readers, id)
	if len(b.readers) == 0 {
		b.retainFrom = b.written
	}
	b.broadcastLocked()
}

func (b *RingBuffer) unread(id uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.readers[id]
	if !ok {
		return 0
	}
	return int(b.written - *pos)
}

// read copies available bytes for cursor id. writerDeadline, when set, is the
// moment after which a still-missing writer makes the attachment unavailable.
func (b *RingBuffer) read(id uint64, p []byte, policy ReaderPolicy, timeout time.Duration, writerDeadline time.Time) (int, ReadStatus) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.evicted {
			return 0, ReadStatusUnavailable
		}
		pos, ok := b.readers[id]
		if !ok {
			return 0, ReadStatusReaderClosed
		}
		if oldest := b.oldestLocked(); *pos < oldest {
			*pos = oldest
			return 0, ReadStatusOverrun
		}
		if avail := b.written - *pos; avail > 0 && len(p) > 0 {
			want := p
			if uint64(len(want)) > avail {
				want = want[:avail]
			}
			n := b.copyOut(*pos, want)
			*pos += uint64(n)
			b.broadcastLocked()
			return n, ReadStatusOK
		}
		if b.writerClosed && b.written == *pos {
			return 0, ReadStatusClosed
		}
		if len(p) == 0 {
			return 0, ReadStatusOK
		}

		now := time.Now()
		wait := deadline
		if !b.hasWriter && !writerDeadline.IsZero() {
			if !now.Before(writerDeadline) {
				return 0, ReadStatusUnavailable
			}
			if wait.IsZero() || writerDeadline.Before(wait) {
				wait = writerDeadline
			}
		}
		if policy == ReaderPolicyNonBlocking {
			return 0, ReadStatusWouldBlock
		}
		if !deadline.IsZero() && !now.Before(deadline) {
			return 0, ReadStatusTimedOut
		}
		b.waitLocked(wait)
	}
}
