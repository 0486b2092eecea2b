package segment_test

import (
	"slices"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/segment"
)

func TestBuildIndexScenario(t *testing.T) {
	t.Parallel()

	ix := segment.BuildIndex(segment.Segment("Hello world. How are you?"), segment.UnitBytes)

	if ix.Text != "Hello world. How are you?" {
		t.Fatalf("unexpected utterance text %q", ix.Text)
	}
	if len(ix.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(ix.Entries))
	}
	if ix.Entries[0].SentenceStart != 0 {
		t.Errorf("expected first sentence at 0, got %d", ix.Entries[0].SentenceStart)
	}
	if want := []segment.Span{{Start: 0, End: 5}, {Start: 6, End: 12}}; !slices.Equal(ix.Entries[0].Words, want) {
		t.Errorf("first sentence words = %v, want %v", ix.Entries[0].Words, want)
	}
	if ix.Entries[1].SentenceStart != 13 {
		t.Errorf("expected second sentence at 13, got %d", ix.Entries[1].SentenceStart)
	}
	if want := []segment.Span{{Start: 13, End: 16}, {Start: 17, End: 20}, {Start: 21, End: 25}}; !slices.Equal(ix.Entries[1].Words, want) {
		t.Errorf("second sentence words = %v, want %v", ix.Entries[1].Words, want)
	}
}

func TestBuildIndexSlicesBackToWords(t *testing.T) {
	t.Parallel()

	text := "The client prefers low-risk funds.  They asked about SIPs!   Follow up next week"
	sentences := segment.Segment(text)
	ix := segment.BuildIndex(sentences, segment.UnitBytes)

	for si, s := range sentences {
		words := s.Words()
		if len(ix.Entries[si].Words) != len(words) {
			t.Fatalf("sentence %d: %d spans for %d words", si, len(ix.Entries[si].Words), len(words))
		}
		for wi, w := range words {
			span := ix.Entries[si].Words[wi]
			if got := ix.Text[span.Start:span.End]; got != w.Value {
				t.Errorf("sentence %d word %d: span yields %q, want %q", si, wi, got, w.Value)
			}
		}
	}
}

func TestBuildIndexMonotonic(t *testing.T) {
	t.Parallel()

	for _, unit := range []segment.Unit{segment.UnitBytes, segment.UnitRunes, segment.UnitUTF16} {
		ix := segment.BuildIndex(segment.Segment("Überraschung! Naïve café. 😀 emoji ok? Fine."), unit)
		prev := -1
		for _, e := range ix.Entries {
			if e.SentenceStart < prev {
				t.Errorf("unit %s: sentence start %d before %d", unit, e.SentenceStart, prev)
			}
			for _, w := range e.Words {
				if w.Start > w.End {
					t.Errorf("unit %s: inverted span %v", unit, w)
				}
				if w.Start < prev {
					t.Errorf("unit %s: word start %d before %d", unit, w.Start, prev)
				}
				prev = w.Start
			}
		}
	}
}

func TestBuildIndexUnits(t *testing.T) {
	t.Parallel()

	sentences := segment.Segment("😀 hi. Yo!")

	tests := []struct {
		unit  segment.Unit
		word  segment.Span
		start int
	}{
		{segment.UnitBytes, segment.Span{Start: 5, End: 8}, 9},
		{segment.UnitRunes, segment.Span{Start: 2, End: 5}, 6},
		{segment.UnitUTF16, segment.Span{Start: 3, End: 6}, 7},
	}
	for _, tc := range tests {
		ix := segment.BuildIndex(sentences, tc.unit)
		if got := ix.Entries[0].Words[1]; got != tc.word {
			t.Errorf("unit %s: second word span %v, want %v", tc.unit, got, tc.word)
		}
		if got := ix.Entries[1].SentenceStart; got != tc.start {
			t.Errorf("unit %s: second sentence start %d, want %d", tc.unit, got, tc.start)
		}
	}
}

func TestParseUnit(t *testing.T) {
	t.Parallel()

	tests := map[string]segment.Unit{
		"UTF16":    segment.UnitUTF16,
		"runes":    segment.UnitRunes,
		"":         segment.UnitBytes,
		"nonsense": segment.UnitBytes,
	}
	for in, want := range tests {
		if got := segment.ParseUnit(in); got != want {
			t.Errorf("ParseUnit(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestIndexEmpty(t *testing.T) {
	t.Parallel()

	var nilIx *segment.Index
	if !nilIx.Empty() {
		t.Error("nil index should be empty")
	}
	if !segment.BuildIndex(nil, segment.UnitBytes).Empty() {
		t.Error("index without sentences should be empty")
	}
	if segment.BuildIndex(segment.Segment("hi"), segment.UnitBytes).Empty() {
		t.Error("index over text should not be empty")
	}
}
