package reconcile

import "github.com/liliang-cn/askchat/internal/domain"

// referenceSet is the cumulative citation set of one answer. Entries are
// kept in first-seen order so marker indexes stay stable as it grows.
type referenceSet struct {
	total  int
	chunks []domain.ReferenceChunk
	docs   []domain.DocAgg

	chunkIDs map[string]struct{}
	docIDs   map[string]struct{}
}

func newReferenceSet() *referenceSet {
	return &referenceSet{
		chunkIDs: make(map[string]struct{}),
		docIDs:   make(map[string]struct{}),
	}
}

// merge folds ref in and reports whether anything changed.
// Known ids are never overwritten.
func (s *referenceSet) merge(ref *domain.Reference) bool {
	if ref == nil {
		return false
	}

	changed := false
	if ref.Total > s.total {
		s.total = ref.Total
		changed = true
	}
	for _, c := range ref.Chunks {
		if _, ok := s.chunkIDs[c.ID]; ok {
			continue
		}
		s.chunkIDs[c.ID] = struct{}{}
		s.chunks = append(s.chunks, c)
		changed = true
	}
	for _, d := range ref.DocAggs {
		if _, ok := s.docIDs[d.DocID]; ok {
			continue
		}
		s.docIDs[d.DocID] = struct{}{}
		s.docs = append(s.docs, d)
		changed = true
	}
	return changed
}

func (s *referenceSet) empty() bool {
	return len(s.chunks) == 0 && len(s.docs) == 0
}

// snapshot returns a copy, or nil when nothing has been cited.
func (s *referenceSet) snapshot() *domain.Reference {
	if s.empty() {
		return nil
	}
	ref := domain.Reference{
		Total:   s.total,
		Chunks:  make([]domain.ReferenceChunk, len(s.chunks)),
		DocAggs: make([]domain.DocAgg, len(s.docs)),
	}
	copy(ref.Chunks, s.chunks)
	copy(ref.DocAggs, s.docs)
	return &ref
}
