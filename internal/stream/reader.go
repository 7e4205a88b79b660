package stream

import (
	"errors"
	"io"
	"iter"
)

const readBufferSize = 4096

// DropFunc observes records that were discarded as malformed.
type DropFunc func(rec Record)

// Records reads r to EOF and yields every usable record in arrival order.
// Malformed records are handed to onDrop (may be nil) and never end the
// sequence. A read error is yielded once as the final element; io.EOF is
// not an error. Stopping the iteration early leaves r unread.
func Records(r io.Reader, onDrop DropFunc) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		p := NewParser()
		buf := make([]byte, readBufferSize)

		emit := func(records []Record) bool {
			for _, rec := range records {
				if rec.Kind == Malformed {
					if onDrop != nil {
						onDrop(rec)
					}
					continue
				}
				if !yield(rec, nil) {
					return false
				}
			}
			return true
		}

		for {
			n, err := r.Read(buf)
			if n > 0 {
				if !emit(p.Feed(buf[:n])) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				emit(p.Flush())
				return
			}
			if err != nil {
				yield(Record{}, err)
				return
			}
		}
	}
}
