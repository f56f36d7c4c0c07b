// Package attachment implements the in-process attachment store: fixed-size
// ring buffers keyed by attachment id, each with one writer and any number of
// independent readers.
package attachment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rojolang/avs-acl-go/pkg/logging"
)

const (
	// DefaultBufferSize is the ring capacity of each attachment.
	DefaultBufferSize = 1 << 20
	// DefaultAttachmentTimeout evicts attachments nobody touched for this long.
	DefaultAttachmentTimeout = 12 * time.Hour
	// DefaultWriterWaitTimeout bounds how long a reader waits for a writer to appear.
	DefaultWriterWaitTimeout = 10 * time.Second
)

type entry struct {
	buffer       *RingBuffer
	lastAccess   time.Time
	hasWriter    bool
	writerClosed bool
	openReaders  int
	readersSeen  int
}

// Manager maps attachment ids to ring buffers and garbage-collects them.
type Manager struct {
	mu         sync.Mutex
	entries    map[string]*entry
	bufferSize int
	timeout    time.Duration
	writerWait time.Duration
	now        func() time.Time
	logger     *logging.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBufferSize sets the capacity of newly created ring buffers.
func WithBufferSize(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

// WithAttachmentTimeout sets the inactivity timeout after which an attachment is evicted.
func WithAttachmentTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithWriterWaitTimeout sets how long readers wait for a missing writer.
func WithWriterWaitTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.writerWait = d
		}
	}
}

func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.WithComponent("AttachmentManager")
		}
	}
}

func withClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an empty attachment manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		entries:    make(map[string]*entry),
		bufferSize: DefaultBufferSize,
		timeout:    DefaultAttachmentTimeout,
		writerWait: DefaultWriterWaitTimeout,
		now:        time.Now,
		logger:     logging.Global().WithComponent("AttachmentManager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateAttachmentID is a convenience wrapper around the package function.
func (m *Manager) GenerateAttachmentID(contextID, contentID string) string {
	return GenerateAttachmentID(contextID, contentID)
}

// SetAttachmentTimeout changes the inactivity timeout. Non-positive values are rejected.
func (m *Manager) SetAttachmentTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.New("attachment: timeout must be positive")
	}
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
	return nil
}

// CreateWriter creates the writer side of id. It fails with ErrWriterExists
// if a writer was already created for the same id.
func (m *Manager) CreateWriter(id string, policy OverrunPolicy) (*Writer, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.Lock()
	now := m.now()
	m.removeExpiredLocked(now)
	e := m.getOrCreateLocked(id, now)
	if e.hasWriter {
		m.mu.Unlock()
		return nil, ErrWriterExists
	}
	e.hasWriter = true
	m.mu.Unlock()

	e.buffer.attachWriter(policy)
	m.logger.Debugf("writer created for attachment %s (policy=%s)", id, policy)
	return &Writer{
		id:           id,
		manager:      m,
		buffer:       e.buffer,
		policy:       policy,
		writeTimeout: -1,
	}, nil
}

// CreateReader attaches a new reader to id, creating the attachment if the
// writer has not appeared yet. The reader starts at the oldest retained byte.
func (m *Manager) CreateReader(id string, policy ReaderPolicy) (*Reader, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.Lock()
	now := m.now()
	m.removeExpiredLocked(now)
	e := m.getOrCreateLocked(id, now)
	e.openReaders++
	e.readersSeen++
	writerDeadline := now.Add(m.writerWait)
	m.mu.Unlock()

	cursor := e.buffer.attachReader()
	return &Reader{
		id:             id,
		manager:        m,
		buffer:         e.buffer,
		cursor:         cursor,
		policy:         policy,
		writerDeadline: writerDeadline,
		readTimeout:    -1,
	}, nil
}

// Len returns the number of live attachments.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Has reports whether id is currently stored.
func (m *Manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// Sweep evicts every attachment idle for longer than the timeout and returns
// how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeExpiredLocked(m.now())
}

// Run sweeps expired attachments every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Infof("evicted %d idle attachments", n)
			}
		}
	}
}

func (m *Manager) getOrCreateLocked(id string, now time.Time) *entry {
	e, ok := m.entries[id]
	if !ok {
		e = &entry{buffer: NewRingBuffer(m.bufferSize, OverrunPolicyBlock)}
		m.entries[id] = e
	}
	e.lastAccess = now
	return e
}

func (m *Manager) removeExpiredLocked(now time.Time) int {
	removed := 0
	for id, e := range m.entries {
		if now.Sub(e.lastAccess) > m.timeout {
			delete(m.entries, id)
			e.buffer.evict()
			removed++
			m.logger.Warnf("attachment %s evicted after %s idle", id, now.Sub(e.lastAccess))
		}
	}
	return removed
}

// touch refreshes the access time of id. It returns false once buffer is no
// longer the one stored for id.
func (m *Manager) touch(id string, buffer *RingBuffer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.buffer != buffer {
		return false
	}
	e.lastAccess = m.now()
	return true
}

func (m *Manager) readerClosed(id string, buffer *RingBuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.buffer != buffer {
		return
	}
	e.openReaders--
	m.releaseIfDoneLocked(id, e)
}

func (m *Manager) writerClosed(id string, buffer *RingBuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.buffer != buffer {
		return
	}
	e.writerClosed = true
	m.releaseIfDoneLocked(id, e)
}

// abandon evicts id if buffer is still the one stored for it.
func (m *Manager) abandon(id string, buffer *RingBuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok && e.buffer == buffer {
		delete(m.entries, id)
	}
	buffer.evict()
}

func (m *Manager) releaseIfDoneLocked(id string, e *entry) {
	if e.writerClosed && e.readersSeen > 0 && e.openReaders == 0 {
		delete(m.entries, id)
		m.logger.Debugf("attachment %s released", id)
	}
}
