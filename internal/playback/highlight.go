package playback

import "github.com/loqalabs/loqa-narrator/internal/segment"

type HighlightToken struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Index int    `json:"index"`
	Mark  string `json:"mark,omitempty"`
}

type HighlightSentence struct {
	Index  int              `json:"index"`
	Tokens []HighlightToken `json:"tokens"`
}

// Highlight renders sentences as tokens marked read, active or unread for
// the given state. Space tokens carry no mark.
func Highlight(sentences []segment.Sentence, st State) []HighlightSentence {
	finished := st.Status == StatusFinished
	pos := st.Position()
	out := make([]HighlightSentence, 0, len(sentences))
	for _, s := range sentences {
		hs := HighlightSentence{Index: s.Index, Tokens: make([]HighlightToken, 0, len(s.Tokens))}
		for _, tok := range s.Tokens {
			ht := HighlightToken{Kind: tok.Kind.String(), Value: tok.Value, Index: tok.Index}
			if tok.Kind == segment.KindWord {
				ht.Mark = segment.Classify(s.Index, tok.Index, pos, finished).String()
			}
			hs.Tokens = append(hs.Tokens, ht)
		}
		out = append(out, hs)
	}
	return out
}

// Highlight renders the controller's current text against its current
// state.
func (c *Controller) Highlight() []HighlightSentence {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return Highlight(c.session.sentences, c.state)
}
