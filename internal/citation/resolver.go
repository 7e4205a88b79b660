// Package citation links inline citation markers in answer text to the
// passages of a reference set.
package citation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/liliang-cn/askchat/internal/domain"
)

var (
	// ~~3==
	currentMarker = regexp.MustCompile(`~~(\d+)==`)
	// ##3$$
	legacyHash = regexp.MustCompile(`##(\d+)\$\$`)
	// [ref:3] and {ref:3}
	legacyRef = regexp.MustCompile(`\[ref:(\d+)\]|\{ref:(\d+)\}`)
)

// Marker formats the current citation marker for index.
func Marker(index int) string {
	return fmt.Sprintf("~~%d==", index)
}

// Normalize rewrites legacy markers to the current format. Text already in
// the current format is left untouched, so Normalize(Normalize(s)) ==
// Normalize(s).
func Normalize(text string) string {
	text = legacyHash.ReplaceAllString(text, "~~$1==")
	return legacyRef.ReplaceAllStringFunc(text, func(m string) string {
		sub := legacyRef.FindStringSubmatch(m)
		digits := sub[1]
		if digits == "" {
			digits = sub[2]
		}
		return "~~" + digits + "=="
	})
}

// TokenKind distinguishes literal text from citation markers
type TokenKind int

const (
	// Text is a literal segment.
	Text TokenKind = iota
	// Citation is a marker. Chunk is nil when it does not resolve.
	Citation
)

// Token is one piece of annotated answer text
type Token struct {
	Kind  TokenKind
	Text  string
	Index int
	Chunk *domain.ReferenceChunk
}

// Resolved reports whether a citation token points at a passage.
func (t Token) Resolved() bool {
	return t.Kind == Citation && t.Chunk != nil
}

// Resolve splits text into literal and citation tokens. Marker N resolves to
// ref.Chunks[N-1]; anything out of range, or any marker when ref is nil,
// yields an inert citation token.
func Resolve(text string, ref *domain.Reference) []Token {
	text = Normalize(text)

	var tokens []Token
	last := 0
	for _, loc := range currentMarker.FindAllStringSubmatchIndex(text, -1) {
		if loc[0] > last {
			tokens = append(tokens, Token{Kind: Text, Text: text[last:loc[0]]})
		}
		tok := Token{Kind: Citation, Text: text[loc[0]:loc[1]]}
		// Digits that overflow int leave Index at zero, which never resolves.
		if idx, err := strconv.Atoi(text[loc[2]:loc[3]]); err == nil {
			tok.Index = idx
			tok.Chunk = ref.Chunk(idx)
		}
		tokens = append(tokens, tok)
		last = loc[1]
	}
	if last < len(text) {
		tokens = append(tokens, Token{Kind: Text, Text: text[last:]})
	}
	return tokens
}

// Cited returns the distinct resolved passages in first-cited order along
// with their marker index.
func Cited(tokens []Token) []Token {
	seen := make(map[int]bool)
	var out []Token
	for _, t := range tokens {
		if !t.Resolved() || seen[t.Index] {
			continue
		}
		seen[t.Index] = true
		out = append(out, t)
	}
	return out
}

// Strip removes every citation marker, legacy or current.
func Strip(text string) string {
	return strings.TrimSpace(currentMarker.ReplaceAllString(Normalize(text), ""))
}
