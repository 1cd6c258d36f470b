// Package segment splits long-form text into chunks sized for a single
// inference call, keeping sentence and paragraph boundaries intact.
package segment

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChars is the largest chunk the model handles comfortably.
const DefaultMaxChars = 200

// Kind tags a chunk with the pause that should precede it when chunks are
// stitched back together.
type Kind int

const (
	KindParagraphStart Kind = iota
	KindSentence
)

func (k Kind) String() string {
	switch k {
	case KindParagraphStart:
		return "paragraph_start"
	case KindSentence:
		return "sentence"
	default:
		return "unknown"
	}
}

// Chunk is one unit of text for one generation call.
type Chunk struct {
	Text string
	Kind Kind
}

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// abbreviations never end a sentence when followed by a period.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {}, "st": {}, "ave": {}, "blvd": {},
	"gen": {}, "gov": {}, "sgt": {}, "cpl": {}, "pvt": {}, "capt": {}, "lt": {}, "col": {}, "maj": {},
	"etc": {}, "vs": {}, "vol": {}, "dept": {}, "est": {}, "approx": {}, "inc": {}, "ltd": {}, "co": {},
	"no": {}, "fig": {}, "ed": {}, "trans": {}, "rev": {}, "e.g": {}, "i.e": {},
}

// Split breaks text into ordered chunks of at most maxChars runes. Text that
// already fits is returned as a single paragraph-start chunk.
func Split(text string, maxChars int) []Chunk {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if runeLen(trimmed) <= maxChars {
		return []Chunk{{Text: trimmed, Kind: KindParagraphStart}}
	}

	var chunks []Chunk
	for _, paragraph := range paragraphBreak.Split(trimmed, -1) {
		para := strings.TrimSpace(paragraph)
		if para == "" {
			continue
		}
		for i, sentence := range sentences(para) {
			kind := KindSentence
			if i == 0 {
				kind = KindParagraphStart
			}
			if runeLen(sentence) <= maxChars {
				chunks = append(chunks, Chunk{Text: sentence, Kind: kind})
				continue
			}
			for j, clause := range splitClauses(sentence, maxChars) {
				k := KindSentence
				if j == 0 {
					k = kind
				}
				chunks = append(chunks, Chunk{Text: clause, Kind: k})
			}
		}
	}
	return chunks
}

func sentences(text string) []string {
	var (
		out     []string
		current strings.Builder
	)
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if !strings.ContainsRune(".!?", r) {
			continue
		}
		if i < len(runes)-1 && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if r == '.' && endsWithAbbreviation(current.String()) {
			continue
		}
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// endsWithAbbreviation inspects only the single word before the final period.
func endsWithAbbreviation(buffer string) bool {
	if !strings.HasSuffix(buffer, ".") {
		return false
	}
	body := strings.TrimSuffix(buffer, ".")
	word := body
	if idx := strings.LastIndexFunc(body, unicode.IsSpace); idx >= 0 {
		_, size := utf8.DecodeRuneInString(body[idx:])
		word = body[idx+size:]
	}
	if word == "" {
		return false
	}
	word = strings.ToLower(strings.TrimSuffix(word, "."))
	_, ok := abbreviations[word]
	return ok
}

// splitClauses cuts after , ; : and em-dash when followed by whitespace, then
// greedily re-merges the fragments up to maxChars.
func splitClauses(text string, maxChars int) []string {
	var (
		parts   []string
		current strings.Builder
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)
		if !strings.ContainsRune(",;:—", r) || i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		parts = append(parts, current.String())
		current.Reset()
		for i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			i++
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return mergeToFit(parts, maxChars)
}

func mergeToFit(parts []string, maxChars int) []string {
	var (
		result  []string
		current string
	)
	flush := func() {
		if s := strings.TrimSpace(current); s != "" {
			result = append(result, s)
		}
		current = ""
	}
	join := func(a, b string) string {
		if a == "" {
			return b
		}
		return a + " " + b
	}

	for _, part := range parts {
		switch {
		case runeLen(part) > maxChars:
			flush()
			for _, word := range strings.Fields(part) {
				if current != "" && runeLen(join(current, word)) > maxChars {
					flush()
					current = word
					continue
				}
				current = join(current, word)
			}
		case current != "" && runeLen(join(current, part)) > maxChars:
			flush()
			current = part
		default:
			current = join(current, part)
		}
	}
	flush()
	return result
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
