package attachment

import (
	"errors"
	"fmt"
)

// OverrunPolicy decides what a writer does when the ring buffer is full.
type OverrunPolicy int

const (
	// OverrunPolicyBlock keeps unread bytes of every attached reader; the writer
	// waits (or reports BufferFull) until readers make room.
	OverrunPolicyBlock OverrunPolicy = iota
	// OverrunPolicyOverwrite never blocks; the oldest bytes are overwritten and
	// readers that fell behind observe ReadStatusOverrun.
	OverrunPolicyOverwrite
)

func (p OverrunPolicy) String() string {
	switch p {
	case OverrunPolicyBlock:
		return "BLOCK"
	case OverrunPolicyOverwrite:
		return "OVERWRITE"
	default:
		return fmt.Sprintf("OverrunPolicy(%d)", int(p))
	}
}

// ParseOverrunPolicy accepts "block" or "overwrite" in any case.
func ParseOverrunPolicy(s string) (OverrunPolicy, error) {
	switch s {
	case "block", "BLOCK", "Block":
		return OverrunPolicyBlock, nil
	case "overwrite", "OVERWRITE", "Overwrite":
		return OverrunPolicyOverwrite, nil
	}
	return OverrunPolicyBlock, fmt.Errorf("unknown overrun policy %q", s)
}

// ReaderPolicy decides whether reads wait for data.
type ReaderPolicy int

const (
	ReaderPolicyBlocking ReaderPolicy = iota
	ReaderPolicyNonBlocking
)

// ReadStatus is the outcome of a single read.
type ReadStatus int

const (
	ReadStatusOK ReadStatus = iota
	// ReadStatusWouldBlock: non-blocking reader, no data yet.
	ReadStatusWouldBlock
	// ReadStatusTimedOut: blocking reader, timeout elapsed with no data.
	ReadStatusTimedOut
	// ReadStatusClosed: writer closed and every byte has been consumed (EOF).
	ReadStatusClosed
	// ReadStatusOverrun: the writer overwrote unread bytes; the reader was moved
	// to the oldest retained byte.
	ReadStatusOverrun
	// ReadStatusUnavailable: no writer appeared in time, or the attachment was evicted.
	ReadStatusUnavailable
	// ReadStatusReaderClosed: Close was already called on this reader.
	ReadStatusReaderClosed
)

var readStatusNames = map[ReadStatus]string{
	ReadStatusOK:           "OK",
	ReadStatusWouldBlock:   "WOULDBLOCK",
	ReadStatusTimedOut:     "TIMEDOUT",
	ReadStatusClosed:       "CLOSED",
	ReadStatusOverrun:      "OVERRUN",
	ReadStatusUnavailable:  "ATTACHMENT_UNAVAILABLE",
	ReadStatusReaderClosed: "READER_CLOSED",
}

func (s ReadStatus) String() string {
	if name, ok := readStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ReadStatus(%d)", int(s))
}

// WriteStatus is the outcome of a single write.
type WriteStatus int

const (
	WriteStatusOK WriteStatus = iota
	// WriteStatusBufferFull: non-blocking write stopped short because readers
	// have not made room yet.
	WriteStatusBufferFull
	// WriteStatusTimedOut: blocking write gave up waiting for room.
	WriteStatusTimedOut
	// WriteStatusClosed: the writer was closed or the attachment evicted.
	WriteStatusClosed
)

func (s WriteStatus) String() string {
	switch s {
	case WriteStatusOK:
		return "OK"
	case WriteStatusBufferFull:
		return "BUFFER_FULL"
	case WriteStatusTimedOut:
		return "TIMEDOUT"
	case WriteStatusClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("WriteStatus(%d)", int(s))
	}
}

var (
	ErrInvalidID    = errors.New("attachment: empty attachment id")
	ErrWriterExists = errors.New("attachment: writer already exists")
	ErrOverrun      = errors.New("attachment: reader overrun")
	ErrUnavailable  = errors.New("attachment: unavailable")
	ErrTimedOut     = errors.New("attachment: timed out")
	ErrWouldBlock   = errors.New("attachment: would block")
	ErrBufferFull   = errors.New("attachment: buffer full")
	ErrClosed       = errors.New("attachment: closed")
)

func (s ReadStatus) err() error {
	switch s {
	case ReadStatusOK:
		return nil
	case ReadStatusWouldBlock:
		return ErrWouldBlock
	case ReadStatusTimedOut:
		return ErrTimedOut
	case ReadStatusOverrun:
		return ErrOverrun
	case ReadStatusUnavailable:
		return ErrUnavailable
	default:
		return ErrClosed
	}
}

func (s WriteStatus) err() error {
	switch s {
	case WriteStatusOK:
		return nil
	case WriteStatusBufferFull:
		return ErrBufferFull
	case WriteStatusTimedOut:
		return ErrTimedOut
	default:
		return ErrClosed
	}
}
