package splitter

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {}, "st": {},
	"vs": {}, "etc": {}, "e.g": {}, "i.e": {}, "inc": {}, "ltd": {}, "co": {}, "corp": {},
	"approx": {}, "dept": {}, "gov": {},
	"jan": {}, "feb": {}, "mar": {}, "apr": {}, "jun": {}, "jul": {}, "aug": {},
	"sep": {}, "sept": {}, "oct": {}, "nov": {}, "dec": {}, "mt": {}, "cf": {}, "al": {},
}

// numberPrefixes are also plain words, so they only bind to a following
// number ("No. 5", "fig. 3").
var numberPrefixes = map[string]struct{}{
	"no": {}, "nos": {}, "fig": {}, "figs": {}, "vol": {}, "pp": {},
}

// mergeAbbreviations rejoins sentences that the segmenter ended on an
// abbreviation or an initial ("Dr.", "J."), so pieces never break there.
func mergeAbbreviations(text string, in []span) []span {
	if len(in) < 2 {
		return in
	}
	out := make([]span, 0, len(in))
	cur := in[0]
	for _, next := range in[1:] {
		if endsWithAbbreviation(text[cur.start:cur.end], text[next.start:next.end]) {
			cur.end = next.end
			continue
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

func endsWithAbbreviation(sentence, following string) bool {
	if !strings.HasSuffix(sentence, ".") {
		return false
	}
	fields := strings.Fields(sentence)
	last := strings.TrimLeftFunc(fields[len(fields)-1], func(r rune) bool {
		return unicode.IsPunct(r) && r != '.'
	})
	last = strings.ToLower(strings.TrimSuffix(last, "."))
	if _, ok := abbreviations[last]; ok {
		return true
	}
	if _, ok := numberPrefixes[last]; ok {
		r, _ := utf8.DecodeRuneInString(strings.TrimSpace(following))
		return unicode.IsDigit(r)
	}
	r, size := utf8.DecodeRuneInString(last)
	return size == len(last) && unicode.IsLetter(r)
}
