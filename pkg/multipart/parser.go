// Package multipart encodes outgoing multipart/form-data events and parses
// incoming multipart streams incrementally, one arbitrary chunk at a time.
package multipart

import (
	"bytes"
	"fmt"
	"mime"
	"net/textproto"
	"strings"
)

// MaxHeaderBytes bounds the header block of a single part.
const MaxHeaderBytes = 16 * 1024

// State of the parser.
type State int

const (
	StateSeekingBoundary State = iota
	StateReadingHeaders
	StateReadingBody
	StateDone
	StateError
	stateAfterBoundary
)

func (s State) String() string {
	switch s {
	case StateSeekingBoundary:
		return "SEEKING_BOUNDARY"
	case StateReadingHeaders:
		return "READING_HEADERS"
	case StateReadingBody:
		return "READING_BODY"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	case stateAfterBoundary:
		return "AFTER_BOUNDARY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handler receives parsed parts.
//
// JSON parts arrive whole through HandleMessage. Binary parts are streamed:
// BeginAttachment, any number of WriteAttachment calls, then EndAttachment.
// WriteAttachment may block; the slice is only valid for the duration of the call.
type Handler interface {
	HandleMessage(contextID, payload string)
	BeginAttachment(contextID, contentID string) error
	WriteAttachment(p []byte) error
	EndAttachment()
}

type partKind int

const (
	partJSON partKind = iota
	partBinary
)

// Parser is a push parser for multipart bodies. It produces the same callbacks
// however the input is split across Feed calls.
type Parser struct {
	handler   Handler
	contextID string

	boundary  string
	delim     []byte
	bodyDelim []byte

	state State
	err   error

	buf      []byte
	pos      int
	consumed int64

	headerBytes int
	headers     textproto.MIMEHeader
	lastKey     string

	kind           partKind
	json           bytes.Buffer
	attachmentOpen bool
}

// NewParser creates a parser for the given boundary.
func NewParser(boundary string, handler Handler) *Parser {
	p := &Parser{handler: handler}
	p.SetBoundary(boundary)
	return p
}

// SetBoundary changes the boundary. Call it before the first Feed or after Reset.
func (p *Parser) SetBoundary(boundary string) {
	p.boundary = boundary
	p.delim = []byte("--" + boundary)
	p.bodyDelim = []byte("\r\n--" + boundary)
}

// SetContextID sets the id passed to the handler with every part.
func (p *Parser) SetContextID(contextID string) {
	p.contextID = contextID
}

func (p *Parser) ContextID() string { return p.contextID }

func (p *Parser) State() State { return p.state }

// Done reports whether the closing delimiter was seen.
func (p *Parser) Done() bool { return p.state == StateDone }

// Err returns the error that put the parser in StateError.
func (p *Parser) Err() error { return p.err }

// Reset discards all buffered input, closes an open attachment and starts
// looking for the first boundary again.
func (p *Parser) Reset() {
	p.closeAttachment()
	p.state = StateSeekingBoundary
	p.err = nil
	p.buf = p.buf[:0]
	p.pos = 0
	p.consumed = 0
	p.json.Reset()
	p.headers = nil
	p.lastKey = ""
	p.headerBytes = 0
}

// Feed pushes the next chunk of the stream.
func (p *Parser) Feed(data []byte) error {
	switch p.state {
	case StateError:
		return p.err
	case StateDone:
		return nil
	}

	p.buf = append(p.buf, data...)
	for p.state != StateDone {
		progressed, err := p.step()
		if err != nil {
			return p.fail(err)
		}
		if !progressed {
			break
		}
	}

	p.consumed += int64(p.pos)
	if p.state == StateDone {
		p.buf = p.buf[:0]
	} else {
		p.buf = append(p.buf[:0], p.buf[p.pos:]...)
	}
	p.pos = 0
	return nil
}

func (p *Parser) fail(err error) error {
	if pe, ok := err.(*ParseError); ok && pe.Offset == 0 {
		pe.Offset = p.consumed + int64(p.pos)
	}
	p.closeAttachment()
	p.state = StateError
	p.err = err
	p.buf = p.buf[:0]
	p.pos = 0
	return err
}

func (p *Parser) closeAttachment() {
	if p.attachmentOpen {
		p.attachmentOpen = false
		p.handler.EndAttachment()
	}
}

func (p *Parser) step() (bool, error) {
	switch p.state {
	case StateSeekingBoundary:
		return p.seekBoundary(), nil
	case stateAfterBoundary:
		return p.afterBoundary()
	case StateReadingHeaders:
		return p.readHeaderLine()
	case StateReadingBody:
		return p.readBody()
	}
	return false, nil
}

// holdback is how many trailing bytes may still be the start of a delimiter.
func holdback(delim []byte) int {
	return len(delim) - 1
}

func (p *Parser) seekBoundary() bool {
	rest := p.buf[p.pos:]
	if idx := bytes.Index(rest, p.delim); idx >= 0 {
		p.pos += idx + len(p.delim)
		p.state = stateAfterBoundary
		return true
	}
	// Preamble: drop everything that cannot be part of a delimiter.
	if drop := len(rest) - holdback(p.delim); drop > 0 {
		p.pos += drop
	}
	return false
}

func (p *Parser) afterBoundary() (bool, error) {
	rest := p.buf[p.pos:]
	skipped := 0
	for skipped < len(rest) && (rest[skipped] == ' ' || rest[skipped] == '\t') {
		skipped++
	}
	p.pos += skipped
	rest = rest[skipped:]

	switch {
	case bytes.HasPrefix(rest, []byte("--")):
		p.pos += 2
		p.state = StateDone
		return true, nil
	case bytes.HasPrefix(rest, []byte("\r\n")):
		p.pos += 2
	case len(rest) > 0 && rest[0] == '\n':
		p.pos++
	case len(rest) == 0, len(rest) == 1 && (rest[0] == '-' || rest[0] == '\r'):
		return skipped > 0, nil
	default:
		return false, &ParseError{Kind: ErrInvalidDelimiter, Detail: fmt.Sprintf("unexpected %q after boundary", rest[0])}
	}

	p.state = StateReadingHeaders
	p.headers = make(textproto.MIMEHeader)
	p.lastKey = ""
	p.headerBytes = 0
	return true, nil
}

func (p *Parser) readHeaderLine() (bool, error) {
	rest := p.buf[p.pos:]
	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 {
		if p.headerBytes+len(rest) > MaxHeaderBytes {
			return false, &ParseError{Kind: ErrHeaderTooLarge}
		}
		return false, nil
	}

	p.headerBytes += idx + 1
	if p.headerBytes > MaxHeaderBytes {
		return false, &ParseError{Kind: ErrHeaderTooLarge}
	}
	line := strings.TrimSuffix(string(rest[:idx]), "\r")
	p.pos += idx + 1

	if line == "" {
		return true, p.beginPart()
	}

	if line[0] == ' ' || line[0] == '\t' {
		if p.lastKey == "" {
			return false, &ParseError{Kind: ErrMalformedHeader, Detail: "continuation line without header"}
		}
		values := p.headers[p.lastKey]
		values[len(values)-1] += " " + strings.TrimSpace(line)
		return true, nil
	}

	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return false, &ParseError{Kind: ErrMalformedHeader, Detail: fmt.Sprintf("%q", line)}
	}
	key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:colon]))
	p.headers.Add(key, strings.TrimSpace(line[colon+1:]))
	p.lastKey = key
	return true, nil
}

func (p *Parser) beginPart() error {
	contentType := p.headers.Get("Content-Type")
	if contentType == "" {
		return &ParseError{Kind: ErrUnsupportedContentType, Detail: "no Content-Type"}
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return &ParseError{Kind: ErrUnsupportedContentType, Detail: contentType, Cause: err}
	}

	switch {
	case mediaType == ContentTypeJSON:
		p.kind = partJSON
		p.json.Reset()
	case mediaType == ContentTypeOctetStream || strings.HasPrefix(mediaType, "audio/"):
		contentID := strings.TrimSpace(p.headers.Get("Content-Id"))
		contentID = strings.TrimSuffix(strings.TrimPrefix(contentID, "<"), ">")
		if contentID == "" {
			return &ParseError{Kind: ErrMissingContentID}
		}
		p.kind = partBinary
		if err := p.handler.BeginAttachment(p.contextID, contentID); err != nil {
			return &ParseError{Kind: ErrHandler, Detail: "begin attachment " + contentID, Cause: err}
		}
		p.attachmentOpen = true
	default:
		return &ParseError{Kind: ErrUnsupportedContentType, Detail: mediaType}
	}

	p.state = StateReadingBody
	return nil
}

func (p *Parser) readBody() (bool, error) {
	rest := p.buf[p.pos:]
	if idx := bytes.Index(rest, p.bodyDelim); idx >= 0 {
		if err := p.emit(rest[:idx]); err != nil {
			return false, err
		}
		p.pos += idx + len(p.bodyDelim)
		p.endPart()
		p.state = stateAfterBoundary
		return true, nil
	}

	safe := len(rest) - holdback(p.bodyDelim)
	if safe <= 0 {
		return false, nil
	}
	if err := p.emit(rest[:safe]); err != nil {
		return false, err
	}
	p.pos += safe
	// Everything left is a potential delimiter prefix; wait for more input.
	return false, nil
}

func (p *Parser) emit(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if p.kind == partJSON {
		p.json.Write(b)
		return nil
	}
	if err := p.handler.WriteAttachment(b); err != nil {
		return &ParseError{Kind: ErrHandler, Detail: "write attachment", Cause: err}
	}
	return nil
}

func (p *Parser) endPart() {
	if p.kind == partJSON {
		if p.json.Len() > 0 {
			p.handler.HandleMessage(p.contextID, p.json.String())
		}
		p.json.Reset()
		return
	}
	p.closeAttachment()
}

// BoundaryFromContentType extracts the boundary parameter of a multipart
// Content-Type header value.
func BoundaryFromContentType(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("multipart: %q is not a multipart type", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", fmt.Errorf("multipart: no boundary in %q", contentType)
	}
	return boundary, nil
}

// IsMultipart reports whether contentType is a multipart media type.
func IsMultipart(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && strings.HasPrefix(mediaType, "multipart/")
}
