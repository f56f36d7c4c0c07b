package multipart

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

const (
	// MetadataPartName is the form-data name of the JSON part of an event.
	MetadataPartName = "metadata"

	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

// Part is one body part of an outgoing multipart message.
type Part struct {
	Name        string
	ContentType string
	// ContentID is optional on outgoing parts; when set it is written as
	// Content-ID: <ContentID>.
	ContentID string
	Body      io.Reader
}

// JSONPart builds the metadata part carrying an event's JSON.
func JSONPart(json string) Part {
	return Part{Name: MetadataPartName, ContentType: ContentTypeJSON, Body: strings.NewReader(json)}
}

// AttachmentPart builds a binary part streamed from r.
func AttachmentPart(name string, r io.Reader) Part {
	return Part{Name: name, ContentType: ContentTypeOctetStream, Body: r}
}

// NewBoundary returns a random boundary that will not occur in JSON payloads.
func NewBoundary() string {
	return "avs-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Encoder serializes parts into a multipart/form-data body. It is pulled by
// the HTTP client as the request body, so attachment bytes are read from
// their source only as fast as the stream accepts them.
type Encoder struct {
	boundary string
	parts    []Part

	next    int
	pending []byte
	body    io.Reader
	closed  bool
	done    bool
	err     error
}

// NewEncoder returns an encoder for parts. An empty boundary gets NewBoundary().
func NewEncoder(boundary string, parts ...Part) *Encoder {
	if boundary == "" {
		boundary = NewBoundary()
	}
	return &Encoder{boundary: boundary, parts: parts}
}

func (e *Encoder) Boundary() string { return e.boundary }

// ContentType is the value for the request's Content-Type header.
func (e *Encoder) ContentType() string {
	return "multipart/form-data; boundary=" + e.boundary
}

func (e *Encoder) partHeader(p Part) []byte {
	var b strings.Builder
	b.WriteString("\r\n--")
	b.WriteString(e.boundary)
	b.WriteString("\r\nContent-Disposition: form-data; name=\"")
	b.WriteString(p.Name)
	b.WriteString("\"\r\nContent-Type: ")
	ct := p.ContentType
	if ct == "" {
		ct = ContentTypeOctetStream
	}
	b.WriteString(ct)
	if p.ContentID != "" {
		b.WriteString("\r\nContent-ID: <")
		b.WriteString(p.ContentID)
		b.WriteString(">")
	}
	b.WriteString("\r\n\r\n")
	return []byte(b.String())
}

func (e *Encoder) advance() {
	switch {
	case e.next < len(e.parts):
		p := e.parts[e.next]
		e.next++
		e.pending = e.partHeader(p)
		e.body = p.Body
	case !e.closed:
		e.closed = true
		e.pending = []byte("\r\n--" + e.boundary + "--\r\n")
	default:
		e.done = true
	}
}

// Read implements io.Reader.
func (e *Encoder) Read(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}

	n := 0
	for n < len(p) {
		if len(e.pending) > 0 {
			c := copy(p[n:], e.pending)
			e.pending = e.pending[c:]
			n += c
			continue
		}
		if e.body != nil {
			m, err := e.body.Read(p[n:])
			n += m
			if err == io.EOF {
				e.body = nil
				continue
			}
			if err != nil {
				e.err = fmt.Errorf("multipart: reading part %d: %w", e.next-1, err)
				return n, e.err
			}
			// Hand out what we have rather than block on a slow attachment.
			return n, nil
		}
		if e.done {
			break
		}
		e.advance()
	}

	if n == 0 && e.done {
		return 0, io.EOF
	}
	return n, nil
}
