package domain

// Reference is the accumulated citation set for one assistant answer
type Reference struct {
	Total   int              `json:"total"`
	Chunks  []ReferenceChunk `json:"chunks"`
	DocAggs []DocAgg         `json:"doc_aggs"`
}

// ReferenceChunk is one retrieved passage
type ReferenceChunk struct {
	ID               string    `json:"id"`
	DocumentID       string    `json:"document_id"`
	DocumentName     string    `json:"document_name"`
	Content          *string   `json:"content"`
	Similarity       float64   `json:"similarity"`
	VectorSimilarity float64   `json:"vector_similarity,omitempty"`
	TermSimilarity   float64   `json:"term_similarity,omitempty"`
	Highlight        string    `json:"highlight,omitempty"`
	DocType          string    `json:"doc_type,omitempty"`
	ImageID          string    `json:"image_id,omitempty"`
	Positions        [][]int64 `json:"positions,omitempty"`
}

// DocAgg aggregates the chunks cited from one document
type DocAgg struct {
	DocID   string `json:"doc_id"`
	DocName string `json:"doc_name"`
	Count   int    `json:"count"`
}

// Empty reports whether the reference carries no citations.
func (r *Reference) Empty() bool {
	return r == nil || (len(r.Chunks) == 0 && len(r.DocAggs) == 0)
}

// Clone returns a deep copy of the reference.
func (r Reference) Clone() Reference {
	out := Reference{Total: r.Total}
	if r.Chunks != nil {
		out.Chunks = make([]ReferenceChunk, len(r.Chunks))
		copy(out.Chunks, r.Chunks)
	}
	if r.DocAggs != nil {
		out.DocAggs = make([]DocAgg, len(r.DocAggs))
		copy(out.DocAggs, r.DocAggs)
	}
	return out
}

// Chunk returns the 1-based citation target, or nil when out of range.
func (r *Reference) Chunk(index int) *ReferenceChunk {
	if r == nil || index < 1 || index > len(r.Chunks) {
		return nil
	}
	return &r.Chunks[index-1]
}
