package reconcile

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/liliang-cn/askchat/internal/domain"
	"github.com/liliang-cn/askchat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	updates []domain.ChatMessage
}

func (r *recorder) add(msg domain.ChatMessage) {
	r.mu.Lock()
	r.updates = append(r.updates, msg)
	r.mu.Unlock()
}

func (r *recorder) all() []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ChatMessage(nil), r.updates...)
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	if opts.Window == 0 {
		opts.Window = 10 * time.Millisecond
	}
	opts.OnUpdate = rec.add
	placeholder := domain.NewAssistantPlaceholder("s1", domain.NewClock())
	return NewEngine(placeholder, opts), rec
}

func content(answer string) stream.Record {
	return stream.Record{Kind: stream.Content, Answer: answer}
}

func chunkRef(total int, chunkIDs []string, docIDs []string) *domain.Reference {
	ref := &domain.Reference{Total: total}
	for _, id := range chunkIDs {
		ref.Chunks = append(ref.Chunks, domain.ReferenceChunk{ID: id, DocumentID: "doc-" + id})
	}
	for _, id := range docIDs {
		ref.DocAggs = append(ref.DocAggs, domain.DocAgg{DocID: id, DocName: id + ".pdf", Count: 1})
	}
	return ref
}

func TestEngineEndToEnd(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	assert.Equal(t, OutcomeAccepted, e.Apply(content("Hel")))
	assert.Equal(t, OutcomeAccepted, e.Apply(content("Hello")))
	assert.Equal(t, OutcomeMetadata, e.Apply(stream.Record{Kind: stream.Metadata, Answer: "id:abc"}))
	assert.Equal(t, OutcomeStale, e.Apply(content("Hell")))
	assert.Equal(t, "Hello", e.Snapshot().Content)

	final := stream.Record{
		Kind:      stream.Content,
		Answer:    "Hello world",
		Reference: chunkRef(1, []string{"c1"}, []string{"d1"}),
	}
	assert.Equal(t, OutcomeAccepted, e.Apply(final))

	msg := e.Finalize()
	assert.Equal(t, "Hello world", msg.Content)
	assert.True(t, msg.Completed)
	assert.False(t, msg.IsLoading)
	assert.False(t, msg.IsError)
	require.NotNil(t, msg.Reference)
	assert.Len(t, msg.Reference.Chunks, 1)
	assert.Len(t, msg.Reference.DocAggs, 1)
	assert.Equal(t, 1, msg.Reference.Total)
}

func TestEngineMonotonicEmissions(t *testing.T) {
	e, rec := newTestEngine(t, Options{Window: time.Millisecond})

	answers := []string{"a", "ab", "a", "abc", "ab", "abcd", "", "abcde"}
	for _, a := range answers {
		e.Apply(content(a))
		time.Sleep(3 * time.Millisecond)
	}
	e.Flush()

	updates := rec.all()
	require.NotEmpty(t, updates)
	prev := 0
	for _, u := range updates {
		assert.GreaterOrEqual(t, len(u.Content), prev, "content regressed to %q", u.Content)
		prev = len(u.Content)
	}
	assert.Equal(t, "abcde", updates[len(updates)-1].Content)
}

func TestEngineRuneLengthComparison(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	e.Apply(content("日本語"))
	assert.Equal(t, OutcomeStale, e.Apply(content("日本")))
	assert.Equal(t, OutcomeAccepted, e.Apply(content("abc")))
	assert.Equal(t, "abc", e.Snapshot().Content)
}

func TestEngineReferenceUnion(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	e.Apply(stream.Record{Kind: stream.Content, Answer: "a", Reference: chunkRef(2, []string{"c1", "c2"}, []string{"d1"})})
	e.Apply(stream.Record{Kind: stream.Content, Answer: "ab", Reference: chunkRef(1, []string{"c2", "c3"}, []string{"d1", "d2"})})
	e.Apply(stream.Record{Kind: stream.Metadata, Answer: "retry: 10", Reference: chunkRef(5, []string{"c4"}, nil)})
	e.Apply(stream.Record{Kind: stream.Content, Answer: "a", Reference: chunkRef(0, []string{"c1", "c5"}, []string{"d3"})})
	e.Apply(stream.Record{Kind: stream.Content, Answer: "abc"})

	msg := e.Finalize()
	require.NotNil(t, msg.Reference)
	ids := make([]string, 0, len(msg.Reference.Chunks))
	for _, c := range msg.Reference.Chunks {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, ids)
	assert.Len(t, msg.Reference.DocAggs, 3)
	assert.Equal(t, 5, msg.Reference.Total)
}

func TestEngineReferenceNeverOverwritten(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	first := chunkRef(1, []string{"c1"}, nil)
	first.Chunks[0].DocumentName = "original.pdf"
	second := chunkRef(1, []string{"c1"}, nil)
	second.Chunks[0].DocumentName = "replacement.pdf"

	e.Apply(stream.Record{Kind: stream.Content, Answer: "x", Reference: first})
	e.Apply(stream.Record{Kind: stream.Content, Answer: "xy", Reference: second})

	msg := e.Finalize()
	require.Len(t, msg.Reference.Chunks, 1)
	assert.Equal(t, "original.pdf", msg.Reference.Chunks[0].DocumentName)
}

func TestEnginePauseDropsRecords(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	e.Apply(content("Hello"))
	e.Pause()
	assert.True(t, e.Paused())
	assert.Equal(t, OutcomePaused, e.Apply(stream.Record{Kind: stream.Content, Answer: "Hello there", Reference: chunkRef(1, []string{"c1"}, nil)}))
	e.Resume()

	snap := e.Snapshot()
	assert.Equal(t, "Hello", snap.Content)
	assert.Nil(t, snap.Reference)

	// A post-resume chunk shorter than the pre-pause answer is still stale.
	assert.Equal(t, OutcomeStale, e.Apply(content("Hell")))
	assert.Equal(t, OutcomeAccepted, e.Apply(content("Hello again")))
	assert.Equal(t, "Hello again", e.Snapshot().Content)
}

func TestEngineFinalizeFallbacks(t *testing.T) {
	t.Run("placeholder when nothing arrived", func(t *testing.T) {
		e, _ := newTestEngine(t, Options{Placeholder: "nothing here"})
		e.Apply(stream.Record{Kind: stream.Metadata, Answer: "id: 1"})
		msg := e.Finalize()
		assert.Equal(t, "nothing here", msg.Content)
		assert.True(t, msg.Completed)
		assert.Nil(t, msg.Reference)
	})

	t.Run("empty answer falls back to placeholder", func(t *testing.T) {
		e, _ := newTestEngine(t, Options{})
		e.Apply(content(""))
		msg := e.Finalize()
		assert.Equal(t, DefaultPlaceholder, msg.Content)
	})

	t.Run("finalize is idempotent", func(t *testing.T) {
		e, _ := newTestEngine(t, Options{})
		e.Apply(content("done"))
		first := e.Finalize()
		assert.Equal(t, OutcomeClosed, e.Apply(content("done and more")))
		second := e.Finalize()
		assert.Equal(t, first, second)
	})
}

func TestEngineFail(t *testing.T) {
	boom := &domain.HTTPError{Status: 502, Message: "bad gateway"}

	t.Run("replaces content", func(t *testing.T) {
		e, _ := newTestEngine(t, Options{})
		e.Apply(stream.Record{Kind: stream.Content, Answer: "partial", Reference: chunkRef(1, []string{"c1"}, nil)})
		msg := e.Fail(boom)
		assert.True(t, msg.IsError)
		assert.False(t, msg.IsLoading)
		assert.False(t, msg.Completed)
		assert.Equal(t, domain.Describe(boom), msg.Content)
		assert.Equal(t, boom.Error(), msg.Error)
		require.NotNil(t, msg.Reference)
		assert.Len(t, msg.Reference.Chunks, 1)
	})

	t.Run("preserves partial content", func(t *testing.T) {
		e, _ := newTestEngine(t, Options{PreservePartialOnError: true})
		e.Apply(content("partial"))
		msg := e.Fail(errors.New("reset"))
		assert.Contains(t, msg.Content, "partial")
		assert.Contains(t, msg.Content, "reset")
	})
}

func TestEngineAbandonKeepsLastEmitted(t *testing.T) {
	e, rec := newTestEngine(t, Options{Window: time.Hour})

	e.Apply(content("first"))
	e.Flush()
	e.Apply(content("first and second"))

	msg := e.Abandon()
	assert.Equal(t, "first", msg.Content)
	assert.False(t, msg.Completed)
	assert.False(t, msg.IsError)
	assert.False(t, msg.IsLoading)
	assert.Len(t, rec.all(), 1)
	assert.Equal(t, OutcomeClosed, e.Apply(content("first and second and third")))
}

func TestEngineDebounceCoalescesBursts(t *testing.T) {
	e, rec := newTestEngine(t, Options{Window: 50 * time.Millisecond})

	answer := ""
	for i := 0; i < 10; i++ {
		answer += fmt.Sprint(i)
		e.Apply(content(answer))
	}

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "0123456789", rec.all()[0].Content)
	assert.True(t, rec.all()[0].IsLoading)
}

func TestEngineFinalizeFlushesPendingUpdate(t *testing.T) {
	e, rec := newTestEngine(t, Options{Window: time.Hour})

	e.Apply(content("abc"))
	assert.Empty(t, rec.all())

	msg := e.Finalize()
	updates := rec.all()
	require.Len(t, updates, 1)
	assert.Equal(t, "abc", updates[0].Content)
	assert.True(t, updates[0].IsLoading)
	assert.Equal(t, "abc", msg.Content)
}

func TestEngineNoEmissionAfterFinalize(t *testing.T) {
	e, rec := newTestEngine(t, Options{Window: 20 * time.Millisecond})

	e.Apply(content("abc"))
	e.Finalize()
	e.Apply(content("abcd"))
	time.Sleep(60 * time.Millisecond)

	updates := rec.all()
	require.Len(t, updates, 1)
	assert.Equal(t, "abc", updates[0].Content)
}
