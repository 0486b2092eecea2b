package segment

// Position identifies the word currently being spoken. Both fields are -1
// when no word is active.
type Position struct {
	Sentence int `json:"sentence"`
	Word     int `json:"word"`
}

// NoPosition is the position reported while idle, finished or before the
// first boundary event arrives.
var NoPosition = Position{Sentence: -1, Word: -1}

// Active reports whether p points at a word.
func (p Position) Active() bool {
	return p.Sentence >= 0 && p.Word >= 0
}

// Resolve maps a reported character offset to the word containing it. Word
// ranges are matched inclusively on both ends so an offset landing on the
// trailing edge of a word still resolves to it. The earliest sentence and
// earliest word win. ok is false when no word contains the offset.
func (ix *Index) Resolve(offset int) (Position, bool) {
	if ix == nil || offset < 0 {
		return NoPosition, false
	}
	for si, entry := range ix.Entries {
		if len(entry.Words) == 0 {
			continue
		}
		if offset < entry.Words[0].Start {
			continue
		}
		for wi, span := range entry.Words {
			if offset >= span.Start && offset <= span.End {
				return Position{Sentence: si, Word: wi}, true
			}
		}
	}
	return NoPosition, false
}

// Mark is how a renderer should style a single word.
type Mark int

const (
	MarkUnread Mark = iota
	MarkActive
	MarkRead
)

func (m Mark) String() string {
	switch m {
	case MarkActive:
		return "active"
	case MarkRead:
		return "read"
	default:
		return "unread"
	}
}

// Classify returns the mark for word w of sentence s given the active
// position. finished marks every word as read.
func Classify(s, w int, active Position, finished bool) Mark {
	if finished {
		return MarkRead
	}
	if !active.Active() {
		return MarkUnread
	}
	switch {
	case s < active.Sentence:
		return MarkRead
	case s > active.Sentence:
		return MarkUnread
	case w < active.Word:
		return MarkRead
	case w == active.Word:
		return MarkActive
	default:
		return MarkUnread
	}
}
