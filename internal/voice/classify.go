package voice

import (
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-narrator/internal/tts"
)

type Gender string

const (
	GenderNeutral Gender = "neutral"
	GenderFemale  Gender = "female"
	GenderMale    Gender = "male"
)

// Classifier assigns a gender to an engine voice.
type Classifier interface {
	Classify(v tts.Voice) Gender
}

var defaultFemaleNames = []string{
	"female", "zira", "samantha", "victoria", "karen", "moira", "tessa", "fiona",
	"susan", "hazel", "serena", "allison", "ava", "joanna", "salli", "kimberly",
	"ivy", "kendra", "emma", "amy", "libby", "aria", "jenny", "sonia", "natasha",
	"google uk english female", "google us english",
}

var defaultMaleNames = []string{
	"male", "david", "mark", "daniel", "alex", "fred", "george", "james", "ryan",
	"guy", "matthew", "joey", "justin", "brian", "arthur", "oliver", "thomas",
	"rishi", "google uk english male",
}

// NameClassifier matches voice names against known names on word
// boundaries, so "alex" matches "Alex (Enhanced)" but not "Alexandra".
// Camel-case runs count as separate words, as in "en-US-JennyNeural".
type NameClassifier struct {
	Female []string
	Male   []string
}

// NewNameClassifier returns the built-in name lists extended with extras.
func NewNameClassifier(extraFemale, extraMale []string) NameClassifier {
	return NameClassifier{
		Female: appendLower(defaultFemaleNames, extraFemale),
		Male:   appendLower(defaultMaleNames, extraMale),
	}
}

func appendLower(base, extra []string) []string {
	out := append([]string(nil), base...)
	for _, name := range extra {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func (c NameClassifier) Classify(v tts.Voice) Gender {
	switch strings.ToLower(strings.TrimSpace(v.Gender)) {
	case "female":
		return GenderFemale
	case "male":
		return GenderMale
	}
	name := words(v.Name)
	if containsAny(name, c.Female) {
		return GenderFemale
	}
	if containsAny(name, c.Male) {
		return GenderMale
	}
	return GenderNeutral
}

// words lower-cases name and returns its words joined and padded by
// single spaces.
func words(name string) string {
	var b strings.Builder
	b.WriteByte(' ')
	prev := ' '
	for _, r := range name {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			r = ' '
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			b.WriteByte(' ')
		}
		if r != ' ' || prev != ' ' {
			b.WriteRune(unicode.ToLower(r))
		}
		prev = r
	}
	if prev != ' ' {
		b.WriteByte(' ')
	}
	return b.String()
}

func containsAny(padded string, needles []string) bool {
	for _, n := range needles {
		if n = strings.TrimSpace(words(n)); n == "" {
			continue
		}
		if strings.Contains(padded, " "+n+" ") {
			return true
		}
	}
	return false
}
