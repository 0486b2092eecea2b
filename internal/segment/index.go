package segment

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Unit is the measure an engine uses when it reports character offsets.
type Unit int

const (
	// UnitBytes counts UTF-8 bytes, the natural Go string offset.
	UnitBytes Unit = iota
	// UnitRunes counts Unicode code points.
	UnitRunes
	// UnitUTF16 counts UTF-16 code units, as browser speech engines do.
	UnitUTF16
)

// ParseUnit maps a config string to a Unit, defaulting to UnitBytes.
func ParseUnit(s string) Unit {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "runes", "rune", "codepoints":
		return UnitRunes
	case "utf16", "utf-16":
		return UnitUTF16
	default:
		return UnitBytes
	}
}

func (u Unit) String() string {
	switch u {
	case UnitRunes:
		return "runes"
	case UnitUTF16:
		return "utf16"
	default:
		return "bytes"
	}
}

// Len returns the length of s measured in u.
func (u Unit) Len(s string) int {
	switch u {
	case UnitRunes:
		return utf8.RuneCountInString(s)
	case UnitUTF16:
		n := 0
		for _, r := range s {
			n += utf16.RuneLen(r)
		}
		return n
	default:
		return len(s)
	}
}

// Span is a half-open [Start, End) range in the synthesized text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Entry holds the offsets of one sentence inside the synthesized text.
type Entry struct {
	SentenceStart int    `json:"sentence_start"`
	Words         []Span `json:"words"`
}

// Index is the offset table for a sentence list plus the exact string handed
// to the synthesizer. Sentences are joined by a single space.
type Index struct {
	Text    string  `json:"text"`
	Unit    Unit    `json:"unit"`
	Entries []Entry `json:"entries"`
}

// BuildIndex computes word offsets for sentences measured in unit.
func BuildIndex(sentences []Sentence, unit Unit) *Index {
	texts := make([]string, len(sentences))
	entries := make([]Entry, len(sentences))
	cursor := 0
	for i, sentence := range sentences {
		texts[i] = sentence.Text
		entry := Entry{SentenceStart: cursor}
		local := 0
		for _, tok := range sentence.Tokens {
			width := unit.Len(tok.Value)
			if tok.Kind == KindWord {
				start := cursor + local
				entry.Words = append(entry.Words, Span{Start: start, End: start + width})
			}
			local += width
		}
		entries[i] = entry

		cursor += unit.Len(sentence.Text)
		if i < len(sentences)-1 {
			cursor++
		}
	}
	return &Index{
		Text:    strings.Join(texts, " "),
		Unit:    unit,
		Entries: entries,
	}
}

// Empty reports whether the index has no words at all.
func (ix *Index) Empty() bool {
	if ix == nil {
		return true
	}
	for _, e := range ix.Entries {
		if len(e.Words) > 0 {
			return false
		}
	}
	return true
}
