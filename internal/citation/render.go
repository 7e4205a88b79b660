package citation

import (
	"fmt"
	"strings"

	"github.com/liliang-cn/askchat/internal/domain"
)

const snippetLength = 120

// Render turns tokens into terminal text: resolved markers become [N],
// unresolved ones [?], followed by a footnote list of cited passages.
func Render(tokens []Token) string {
	var b strings.Builder
	for _, t := range tokens {
		switch {
		case t.Kind == Text:
			b.WriteString(t.Text)
		case t.Resolved():
			fmt.Fprintf(&b, "[%d]", t.Index)
		default:
			b.WriteString("[?]")
		}
	}

	cited := Cited(tokens)
	if len(cited) == 0 {
		return b.String()
	}

	b.WriteString("\n\n")
	for _, t := range cited {
		fmt.Fprintf(&b, "[%d] %s", t.Index, t.Chunk.DocumentName)
		if t.Chunk.Content != nil {
			if s := snippet(*t.Chunk.Content); s != "" {
				fmt.Fprintf(&b, ": %s", s)
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Documents lists the aggregated source documents of ref.
func Documents(ref *domain.Reference) string {
	if ref.Empty() || len(ref.DocAggs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Sources:")
	for _, d := range ref.DocAggs {
		fmt.Fprintf(&b, "\n  - %s (%d)", d.DocName, d.Count)
	}
	return b.String()
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= snippetLength {
		return s
	}
	return string(r[:snippetLength]) + "…"
}
