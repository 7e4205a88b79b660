// Package stream turns the raw bytes of a streamed chat response into
// classified chunk records.
package stream

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/liliang-cn/askchat/internal/domain"
)

// Kind classifies a decoded record
type Kind int

const (
	// Malformed records started with the data marker but did not decode.
	Malformed Kind = iota
	// Content records carry a full-so-far answer.
	Content
	// Metadata records carry transport markers in place of answer text.
	Metadata
	// EndOfStream is the backend's soft completion signal.
	EndOfStream
)

func (k Kind) String() string {
	switch k {
	case Content:
		return "content"
	case Metadata:
		return "metadata"
	case EndOfStream:
		return "end_of_stream"
	default:
		return "malformed"
	}
}

// Record is one decoded line of the stream
type Record struct {
	Kind      Kind
	Answer    string
	Reference *domain.Reference
	ID        string
	SessionID string
	// Raw is the payload after the data marker, kept for logging.
	Raw string
}

const dataField = "data:"

// metadataLine matches answer text that is really an SSE field leaking
// through the payload.
var metadataLine = regexp.MustCompile(`(?m)^\s*(id|retry|event):`)

// IsMetadata reports whether answer text contains transport markers.
func IsMetadata(answer string) bool {
	return metadataLine.MatchString(answer)
}

// payload is the union of the shapes the backend sends on a data line:
// a bare chunk, or a {code, message, data} envelope around one.
type payload struct {
	Answer    *string           `json:"answer"`
	Reference *domain.Reference `json:"reference"`
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`

	Data json.RawMessage `json:"data"`
}

// Parser splits a byte stream on newlines and decodes data lines.
// It is not safe for concurrent use and is not resumable across reconnects.
type Parser struct {
	buf bytes.Buffer
}

// NewParser creates an empty parser
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends p and returns the records for every line it completes.
// A trailing partial line stays buffered until a later Feed or Flush.
func (p *Parser) Feed(b []byte) []Record {
	p.buf.Write(b)

	var records []Record
	for {
		data := p.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := string(data[:i])
		p.buf.Next(i + 1)

		if rec, ok := ParseLine(line); ok {
			records = append(records, rec)
		}
	}
	return records
}

// Flush decodes whatever is left in the buffer, used at EOF.
func (p *Parser) Flush() []Record {
	if p.buf.Len() == 0 {
		return nil
	}
	line := p.buf.String()
	p.buf.Reset()
	if rec, ok := ParseLine(line); ok {
		return []Record{rec}
	}
	return nil
}

// Buffered returns the number of bytes waiting for a newline.
func (p *Parser) Buffered() int {
	return p.buf.Len()
}

// ParseLine decodes a single line. ok is false for lines that are not
// records at all: blank lines, comments and other SSE fields.
func ParseLine(line string) (Record, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, dataField) {
		return Record{}, false
	}
	body := strings.TrimSpace(strings.TrimPrefix(line, dataField))
	rec := Record{Kind: Malformed, Raw: body}

	switch body {
	case "":
		return rec, true
	case "true":
		rec.Kind = EndOfStream
		return rec, true
	case "false":
		return rec, true
	}

	var pl payload
	if err := json.Unmarshal([]byte(body), &pl); err != nil {
		return rec, true
	}
	return classify(pl, rec), true
}

func classify(pl payload, rec Record) Record {
	// Envelope form: {"code":0,"data":{...}} or {"code":0,"data":true}
	if pl.Answer == nil && len(pl.Data) > 0 {
		inner := bytes.TrimSpace(pl.Data)
		switch string(inner) {
		case "true":
			rec.Kind = EndOfStream
			return rec
		case "false", "null":
			return rec
		}
		var nested payload
		if err := json.Unmarshal(inner, &nested); err != nil || nested.Answer == nil {
			return rec
		}
		pl = nested
	}
	if pl.Answer == nil {
		return rec
	}

	rec.Answer = *pl.Answer
	rec.Reference = pl.Reference
	rec.ID = pl.ID
	rec.SessionID = pl.SessionID
	if IsMetadata(rec.Answer) {
		rec.Kind = Metadata
	} else {
		rec.Kind = Content
	}
	return rec
}
