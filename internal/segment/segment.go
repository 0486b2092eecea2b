// Package segment turns narrative text into sentences, tokens and a character
// offset index that maps synthesizer boundary offsets back to words.
package segment

import (
	"regexp"
	"strings"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	// A maximal run of non-terminal characters followed by any terminal
	// punctuation or closing quotes.
	sentenceRun = regexp.MustCompile(`[^.!?]+[.!?"'”’]*`)
	tokenRun    = regexp.MustCompile(`\s+|\S+`)
)

// TokenKind distinguishes words from the whitespace between them.
type TokenKind int

const (
	KindWord TokenKind = iota
	KindSpace
)

func (k TokenKind) String() string {
	if k == KindSpace {
		return "space"
	}
	return "word"
}

// Token is a run of either non-whitespace (a word) or whitespace.
// Index is the word index inside the sentence, or -1 for space tokens.
type Token struct {
	Kind  TokenKind `json:"kind"`
	Value string    `json:"value"`
	Index int       `json:"index"`
}

// Sentence is one segmented sentence with its tokens.
type Sentence struct {
	Index  int     `json:"index"`
	Text   string  `json:"text"`
	Tokens []Token `json:"tokens"`
}

// Words returns the word tokens of the sentence in order.
func (s Sentence) Words() []Token {
	words := make([]Token, 0, len(s.Tokens))
	for _, tok := range s.Tokens {
		if tok.Kind == KindWord {
			words = append(words, tok)
		}
	}
	return words
}

// Normalize collapses whitespace runs to single spaces and trims the result.
func Normalize(text string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
}

// Split returns the sentence strings of text. Identical input always yields
// an identical result.
func Split(text string) []string {
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}
	matches := sentenceRun.FindAllString(normalized, -1)
	sentences := make([]string, 0, len(matches))
	for _, m := range matches {
		if s := strings.TrimSpace(m); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		// Text made only of terminal punctuation still reads as one sentence.
		return []string{normalized}
	}
	return sentences
}

// Tokenize splits a sentence into alternating word and space tokens.
// Concatenating the token values reproduces the input exactly.
func Tokenize(sentence string) []Token {
	runs := tokenRun.FindAllString(sentence, -1)
	tokens := make([]Token, 0, len(runs))
	word := 0
	for _, run := range runs {
		if strings.TrimSpace(run) == "" {
			tokens = append(tokens, Token{Kind: KindSpace, Value: run, Index: -1})
			continue
		}
		tokens = append(tokens, Token{Kind: KindWord, Value: run, Index: word})
		word++
	}
	return tokens
}

// Segment splits text into tokenized sentences.
func Segment(text string) []Sentence {
	parts := Split(text)
	sentences := make([]Sentence, len(parts))
	for i, part := range parts {
		sentences[i] = Sentence{Index: i, Text: part, Tokens: Tokenize(part)}
	}
	return sentences
}
