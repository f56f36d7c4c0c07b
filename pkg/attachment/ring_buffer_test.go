package attachment

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, b *RingBuffer, cursor uint64) []byte {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, 3)
	for {
		n, status := b.read(cursor, buf, ReaderPolicyBlocking, time.Second, time.Time{})
		out.Write(buf[:n])
		switch status {
		case ReadStatusOK:
			continue
		case ReadStatusClosed:
			return out.Bytes()
		default:
			t.Fatalf("unexpected status %s", status)
		}
	}
}

func TestRingBufferRoundTrip(t *testing.T) {
	b := NewRingBuffer(8, OverrunPolicyBlock)
	b.attachWriter(OverrunPolicyBlock)
	cursor := b.attachReader()

	n, status := b.Write([]byte("hello"), 0)
	require.Equal(t, WriteStatusOK, status)
	require.Equal(t, 5, n)
	b.CloseWriter()

	assert.Equal(t, []byte("hello"), readAll(t, b, cursor))
}

func TestRingBufferWrapsAround(t *testing.T) {
	b := NewRingBuffer(4, OverrunPolicyBlock)
	b.attachWriter(OverrunPolicyBlock)
	cursor := b.attachReader()

	done := make(chan []byte)
	go func() { done <- readAll(t, b, cursor) }()

	payload := []byte("the quick brown fox")
	n, status := b.Write(payload, time.Second)
	require.Equal(t, WriteStatusOK, status)
	require.Equal(t, len(payload), n)
	b.CloseWriter()

	assert.Equal(t, payload, <-done)
}

func TestRingBufferOverwriteDropsOldest(t *testing.T) {
	b := NewRingBuffer(4, OverrunPolicyOverwrite)
	b.attachWriter(OverrunPolicyOverwrite)
	cursor := b.attachReader()

	n, status := b.Write([]byte("abcdef"), 0)
	require.Equal(t, WriteStatusOK, status)
	require.Equal(t, 6, n)

	buf := make([]byte, 8)
	n, rs := b.read(cursor, buf, ReaderPolicyNonBlocking, 0, time.Time{})
	assert.Equal(t, ReadStatusOverrun, rs)
	assert.Zero(t, n)

	n, rs = b.read(cursor, buf, ReaderPolicyNonBlocking, 0, time.Time{})
	assert.Equal(t, ReadStatusOK, rs)
	assert.Equal(t, "cdef", string(buf[:n]))
}

func TestRingBufferOverwriteKeepsUnaffectedReaderIntact(t *testing.T) {
	b := NewRingBuffer(4, OverrunPolicyOverwrite)
	b.attachWriter(OverrunPolicyOverwrite)
	slow := b.attachReader()
	fast := b.attachReader()

	b.Write([]byte("ab"), 0)
	buf := make([]byte, 4)
	n, _ := b.read(fast, buf, ReaderPolicyNonBlocking, 0, time.Time{})
	require.Equal(t, "ab", string(buf[:n]))

	b.Write([]byte("cdef"), 0)

	n, rs := b.read(fast, buf, ReaderPolicyNonBlocking, 0, time.Time{})
	assert.Equal(t, ReadStatusOK, rs)
	assert.Equal(t, "cdef", string(buf[:n]))

	_, rs = b.read(slow, buf, ReaderPolicyNonBlocking, 0, time.Time{})
	assert.Equal(t, ReadStatusOverrun, rs)
}

func TestRingBufferBlockPolicyReportsBufferFull(t *testing.T) {
	b := NewRingBuffer(4, OverrunPolicyBlock)
	b.attachWriter(OverrunPolicyBlock)
	cursor := b.attachReader()

	n, status := b.Write([]byte("abcdef"), 0)
	assert.Equal(t, WriteStatusBufferFull, status)
	assert.Equal(t, 4, n)

	n, status = b.Write([]byte("ef"), 20*time.Millisecond)
	assert.Equal(t, WriteStatusTimedOut, status)
	assert.Zero(t, n)

	buf := make([]byte, 2)
	n, rs := b.read(cursor, buf, ReaderPolicyBlocking, time.Second, time.Time{})
	require.Equal(t, ReadStatusOK, rs)
	assert.Equal(t, "ab", string(buf[:n]))

	n, status = b.Write([]byte("ef"), 0)
	assert.Equal(t, WriteStatusOK, status)
	assert.Equal(t, 2, n)
}

func TestRingBufferBlockedWriterResumesWhenReaderDrains(t *testing.T) {
	b := NewRingBuffer(2, OverrunPolicyBlock)
	b.attachWriter(OverrunPolicyBlock)
	cursor := b.attachReader()

	result := make(chan WriteStatus, 1)
	go func() {
		_, status := b.Write([]byte("abcd"), -1)
		result <- status
	}()

	select {
	case <-result:
		t.Fatal("writer should block while the buffer is full")
	case <-time.After(30 * time.Millisecond):
	}

	buf := make([]byte, 4)
	var got []byte
	for len(got) < 4 {
		n, rs := b.read(cursor, buf, ReaderPolicyBlocking, time.Second, time.Time{})
		require.Equal(t, ReadStatusOK, rs)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "abcd", string(got))
	assert.Equal(t, WriteStatusOK, <-result)
}

func TestRingBufferReadTimesOut(t *testing.T) {
	b := NewRingBuffer(4, OverrunPolicyBlock)
	b.attachWriter(OverrunPolicyBlock)
	cursor := b.attachReader()

	start := time.Now()
	_, rs := b.read(cursor, make([]byte, 1), ReaderPolicyBlocking, 20*time.Millisecond, time.Time{})
	assert.Equal(t, ReadStatusTimedOut, rs)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	_, rs = b.read(cursor, make([]byte, 1), ReaderPolicyNonBlocking, 0, time.Time{})
	assert.Equal(t, ReadStatusWouldBlock, rs)
}

func TestRingBufferLateReaderStartsAtOldestByte(t *testing.T) {
	b := NewRingBuffer(4, OverrunPolicyOverwrite)
	b.attachWriter(OverrunPolicyOverwrite)
	b.Write([]byte("0123456789"), 0)
	b.CloseWriter()

	cursor := b.attachReader()
	assert.Equal(t, []byte("6789"), readAll(t, b, cursor))
}

func TestRingBufferWriteAfterCloseFails(t *testing.T) {
	b := NewRingBuffer(4, OverrunPolicyBlock)
	b.attachWriter(OverrunPolicyBlock)
	b.CloseWriter()

	_, status := b.Write([]byte("x"), 0)
	assert.Equal(t, WriteStatusClosed, status)
}
