package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		ok     bool
		kind   Kind
		answer string
	}{
		{name: "blank line", line: "", ok: false},
		{name: "comment", line: ": keep-alive", ok: false},
		{name: "other field", line: "event: message", ok: false},
		{name: "empty data", line: "data:", ok: true, kind: Malformed},
		{name: "true literal", line: "data: true", ok: true, kind: EndOfStream},
		{name: "false literal", line: "data:false", ok: true, kind: Malformed},
		{name: "not json", line: "data: {oops", ok: true, kind: Malformed},
		{name: "json without answer", line: `data: {"foo":1}`, ok: true, kind: Malformed},
		{name: "content", line: `data: {"answer":"Hello"}`, ok: true, kind: Content, answer: "Hello"},
		{name: "content no space", line: `data:{"answer":"Hi"}`, ok: true, kind: Content, answer: "Hi"},
		{name: "carriage return", line: "data: {\"answer\":\"Hi\"}\r", ok: true, kind: Content, answer: "Hi"},
		{name: "metadata", line: `data: {"answer":"id:abc"}`, ok: true, kind: Metadata, answer: "id:abc"},
		{name: "metadata retry line", line: `data: {"answer":"Hello\nretry: 3000"}`, ok: true, kind: Metadata, answer: "Hello\nretry: 3000"},
		{name: "colon in prose", line: `data: {"answer":"It is valid: yes"}`, ok: true, kind: Content, answer: "It is valid: yes"},
		{name: "envelope content", line: `data: {"code":0,"data":{"answer":"Hey","session_id":"s1"}}`, ok: true, kind: Content, answer: "Hey"},
		{name: "envelope end", line: `data: {"code":0,"data":true}`, ok: true, kind: EndOfStream},
		{name: "envelope error", line: `data: {"code":102,"message":"boom"}`, ok: true, kind: Malformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := ParseLine(tt.line)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.kind, rec.Kind)
			assert.Equal(t, tt.answer, rec.Answer)
		})
	}
}

func TestParseLineReference(t *testing.T) {
	rec, ok := ParseLine(`data: {"answer":"x ~~1==","id":"m1","session_id":"s1","reference":{"total":2,"chunks":[{"id":"c1","document_id":"d1","document_name":"a.pdf","content":"passage","similarity":0.9}],"doc_aggs":[{"doc_id":"d1","doc_name":"a.pdf","count":1}]}}`)
	require.True(t, ok)
	require.Equal(t, Content, rec.Kind)
	require.NotNil(t, rec.Reference)
	assert.Equal(t, 2, rec.Reference.Total)
	require.Len(t, rec.Reference.Chunks, 1)
	assert.Equal(t, "c1", rec.Reference.Chunks[0].ID)
	require.NotNil(t, rec.Reference.Chunks[0].Content)
	assert.Equal(t, "passage", *rec.Reference.Chunks[0].Content)
	assert.Equal(t, "m1", rec.ID)
	assert.Equal(t, "s1", rec.SessionID)
}

func TestParserBuffersPartialLines(t *testing.T) {
	p := NewParser()

	assert.Empty(t, p.Feed([]byte(`data: {"ans`)))
	assert.Empty(t, p.Feed([]byte(`wer":"Hel`)))
	assert.NotZero(t, p.Buffered())

	records := p.Feed([]byte("lo\"}\ndata: {\"answer\":\"Hello w"))
	require.Len(t, records, 1)
	assert.Equal(t, "Hello", records[0].Answer)

	records = p.Feed([]byte("orld\"}\n\n"))
	require.Len(t, records, 1)
	assert.Equal(t, "Hello world", records[0].Answer)
	assert.Zero(t, p.Buffered())
}

func TestParserFlush(t *testing.T) {
	p := NewParser()
	assert.Empty(t, p.Feed([]byte(`data: {"answer":"tail"}`)))

	records := p.Flush()
	require.Len(t, records, 1)
	assert.Equal(t, "tail", records[0].Answer)
	assert.Nil(t, p.Flush())
}

func TestRecordsSkipsMalformedLines(t *testing.T) {
	body := "data: {\"answer\":\"one\"}\n" +
		"data: this is not json\n" +
		"data: {\"answer\":\"one two\"}\n"

	var dropped []Record
	var answers []string
	for rec, err := range Records(strings.NewReader(body), func(rec Record) { dropped = append(dropped, rec) }) {
		require.NoError(t, err)
		answers = append(answers, rec.Answer)
	}

	assert.Equal(t, []string{"one", "one two"}, answers)
	require.Len(t, dropped, 1)
	assert.Equal(t, "this is not json", dropped[0].Raw)
}

func TestRecordsOneByteReads(t *testing.T) {
	body := "data: {\"answer\":\"a\"}\n\ndata: {\"answer\":\"ab\"}\ndata: true\n"

	var kinds []Kind
	for rec, err := range Records(iotest.OneByteReader(strings.NewReader(body)), nil) {
		require.NoError(t, err)
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []Kind{Content, Content, EndOfStream}, kinds)
}

func TestRecordsYieldsReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("data: {\"answer\":\"a\"}\n"), iotest.ErrReader(boom))

	var gotErr error
	count := 0
	for rec, err := range Records(r, nil) {
		if err != nil {
			gotErr = err
			continue
		}
		count++
		assert.Equal(t, "a", rec.Answer)
	}
	assert.Equal(t, 1, count)
	assert.ErrorIs(t, gotErr, boom)
}

func TestRecordsStopEarly(t *testing.T) {
	body := "data: {\"answer\":\"a\"}\ndata: {\"answer\":\"ab\"}\n"
	count := 0
	for range Records(strings.NewReader(body), nil) {
		count++
		break
	}
	assert.Equal(t, 1, count)
}
