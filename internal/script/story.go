// Package script generates multi-speaker audio: stories read by a narrator
// with per-character voices, and authored dialogue between characters.
package script

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultExaggeration is used for segments parsed from a story.
const DefaultExaggeration = 0.5

type SegmentKind string

const (
	KindNarration SegmentKind = "narration"
	KindDialogue  SegmentKind = "dialogue"
)

type Segment struct {
	Index        int         `json:"index"`
	Paragraph    int         `json:"paragraph"`
	Kind         SegmentKind `json:"kind"`
	Text         string      `json:"text"`
	Character    string      `json:"character,omitempty"`
	Exaggeration float64     `json:"exaggeration"`
}

type Story struct {
	Segments []Segment `json:"segments"`
	// Characters lists attributed speakers in order of first appearance.
	Characters []string `json:"characters"`
}

var (
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	dialogue       = regexp.MustCompile(`"([^"]+)"\s*(?:,?\s*(?:said|asked|whispered|replied|muttered|exclaimed|shouted|cried))?\s*(\w+)?`)
)

// ParseStory splits text into paragraphs, then into narration and quoted
// dialogue. A word following a quote, optionally after a speech verb, names
// the speaker.
func ParseStory(text string) Story {
	var (
		story Story
		seen  = make(map[string]struct{})
	)
	add := func(seg Segment) {
		seg.Index = len(story.Segments)
		seg.Exaggeration = DefaultExaggeration
		story.Segments = append(story.Segments, seg)
	}

	paragraph := 0
	for _, raw := range paragraphBreak.Split(strings.TrimSpace(text), -1) {
		para := strings.TrimSpace(raw)
		if para == "" {
			continue
		}

		last := 0
		for _, m := range dialogue.FindAllStringSubmatchIndex(para, -1) {
			if before := strings.TrimSpace(para[last:m[0]]); before != "" {
				add(Segment{Paragraph: paragraph, Kind: KindNarration, Text: before})
			}
			seg := Segment{Paragraph: paragraph, Kind: KindDialogue, Text: para[m[2]:m[3]]}
			if m[4] >= 0 {
				seg.Character = capitalize(para[m[4]:m[5]])
				if _, ok := seen[seg.Character]; !ok {
					seen[seg.Character] = struct{}{}
					story.Characters = append(story.Characters, seg.Character)
				}
			}
			add(seg)
			last = m[1]
		}
		if after := strings.TrimSpace(para[last:]); after != "" {
			add(Segment{Paragraph: paragraph, Kind: KindNarration, Text: after})
		}
		paragraph++
	}
	return story
}

func capitalize(word string) string {
	r, size := utf8.DecodeRuneInString(word)
	if r == utf8.RuneError {
		return word
	}
	return string(unicode.ToUpper(r)) + word[size:]
}
