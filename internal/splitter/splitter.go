// Package splitter breaks raw text into ordered, sentence-aligned pieces
// whose spans, together with the skipped gaps between them, reproduce the
// input byte for byte.
package splitter

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rivo/uniseg"

	"github.com/starford/strata/internal/apperr"
)

// Piece is one non-empty slice of the input.
type Piece struct {
	Text      string
	Start     int
	End       int
	Paragraph int
	Tokens    int
}

// Gap is input that no piece covers (whitespace between pieces).
type Gap struct {
	Start int
	End   int
	Text  string
}

// Result is the output of Split.
type Result struct {
	Pieces []Piece
	Gaps   []Gap
}

// Splitter splits text according to a Policy.
type Splitter struct {
	counter Counter
	policy  Policy
}

// New creates a Splitter. A nil counter falls back to WordCounter.
func New(counter Counter, policy Policy) *Splitter {
	if counter == nil {
		counter = WordCounter{}
	}
	if policy.TargetTokens <= 0 {
		policy = Paragraph()
	}
	return &Splitter{counter: counter, policy: policy}
}

// Counter returns the token counter in use.
func (s *Splitter) Counter() Counter { return s.counter }

// Policy returns the active policy.
func (s *Splitter) Policy() Policy { return s.policy }

type span struct{ start, end int }

var paragraphBreak = regexp.MustCompile(`\r?\n(?:[ \t\f\v]*\r?\n)+`)

// Split breaks text into pieces. It fails only on empty input; whitespace
// only input yields no pieces and a single gap.
func (s *Splitter) Split(text string) (Result, error) {
	if text == "" {
		return Result{}, &apperr.SplitError{Reason: "empty input"}
	}

	var res Result
	for i, para := range paragraphs(text) {
		for _, sp := range s.splitParagraph(text, para) {
			res.Pieces = append(res.Pieces, Piece{
				Text:      text[sp.start:sp.end],
				Start:     sp.start,
				End:       sp.end,
				Paragraph: i,
				Tokens:    s.counter.Count(text[sp.start:sp.end]),
			})
		}
	}
	res.Gaps = gaps(text, res.Pieces)
	return res, nil
}

// Reconstruct concatenates pieces and gaps in offset order.
func Reconstruct(r Result) string {
	type part struct {
		start int
		text  string
	}
	parts := make([]part, 0, len(r.Pieces)+len(r.Gaps))
	for _, p := range r.Pieces {
		parts = append(parts, part{p.Start, p.Text})
	}
	for _, g := range r.Gaps {
		parts = append(parts, part{g.Start, g.Text})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].start < parts[j].start })

	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.text)
	}
	return b.String()
}

func paragraphs(text string) []span {
	var out []span
	prev := 0
	for _, loc := range paragraphBreak.FindAllStringIndex(text, -1) {
		out = append(out, span{prev, loc[0]})
		prev = loc[1]
	}
	return append(out, span{prev, len(text)})
}

func (s *Splitter) splitParagraph(text string, para span) []span {
	sentences := mergeAbbreviations(text, sentences(text, para))
	limit := s.policy.hardLimit()

	var out []span
	var run []span
	flush := func() {
		out = append(out, s.pack(text, run, s.policy.TargetTokens)...)
		run = run[:0]
	}
	for _, sen := range sentences {
		if s.counter.Count(text[sen.start:sen.end]) <= limit {
			run = append(run, sen)
			continue
		}
		// No sentence boundary inside the tolerance window: cut on words,
		// and on grapheme clusters for a single oversized word.
		flush()
		for _, w := range s.pack(text, words(text, sen), s.policy.TargetTokens) {
			if s.counter.Count(text[w.start:w.end]) <= limit {
				out = append(out, w)
				continue
			}
			out = append(out, s.pack(text, graphemes(text, w), s.policy.TargetTokens)...)
		}
	}
	flush()
	return out
}

// pack greedily joins adjacent units while the joined text stays within
// target tokens. A unit that alone exceeds target is emitted by itself.
func (s *Splitter) pack(text string, units []span, target int) []span {
	var out []span
	cur := span{-1, -1}
	for _, u := range units {
		if cur.start < 0 {
			cur = u
			continue
		}
		if s.counter.Count(text[cur.start:u.end]) > target {
			out = append(out, cur)
			cur = u
			continue
		}
		cur.end = u.end
	}
	if cur.start >= 0 {
		out = append(out, cur)
	}
	return out
}

func sentences(text string, para span) []span {
	var out []span
	rest := text[para.start:para.end]
	offset := para.start
	state := -1
	for len(rest) > 0 {
		var sentence string
		sentence, rest, state = uniseg.FirstSentenceInString(rest, state)
		if sp, ok := trim(text, span{offset, offset + len(sentence)}); ok {
			out = append(out, sp)
		}
		offset += len(sentence)
	}
	return out
}

func words(text string, within span) []span {
	var out []span
	rest := text[within.start:within.end]
	offset := within.start
	state := -1
	for len(rest) > 0 {
		var word string
		word, rest, state = uniseg.FirstWordInString(rest, state)
		if strings.TrimSpace(word) != "" {
			out = append(out, span{offset, offset + len(word)})
		}
		offset += len(word)
	}
	return out
}

func graphemes(text string, within span) []span {
	var out []span
	rest := text[within.start:within.end]
	offset := within.start
	state := -1
	for len(rest) > 0 {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		out = append(out, span{offset, offset + len(cluster)})
		offset += len(cluster)
	}
	return out
}

// trim narrows sp to exclude surrounding whitespace. ok is false when
// nothing but whitespace remains.
func trim(text string, sp span) (span, bool) {
	for sp.start < sp.end {
		r, size := utf8.DecodeRuneInString(text[sp.start:sp.end])
		if !unicode.IsSpace(r) {
			break
		}
		sp.start += size
	}
	for sp.end > sp.start {
		r, size := utf8.DecodeLastRuneInString(text[sp.start:sp.end])
		if !unicode.IsSpace(r) {
			break
		}
		sp.end -= size
	}
	return sp, sp.end > sp.start
}

func gaps(text string, pieces []Piece) []Gap {
	var out []Gap
	pos := 0
	for _, p := range pieces {
		if p.Start > pos {
			out = append(out, Gap{Start: pos, End: p.Start, Text: text[pos:p.Start]})
		}
		pos = p.End
	}
	if pos < len(text) {
		out = append(out, Gap{Start: pos, End: len(text), Text: text[pos:]})
	}
	return out
}
