package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldTransformer decomposes to NFD and strips combining marks so that
// "plomería" and "plomeria" compare equal.
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))

// Normalize lowers, strips accents, replaces non-alphanumeric runes with
// spaces and collapses whitespace. Every table lookup in this package uses
// this canonical form.
func Normalize(text string) string {
	base := strings.ToLower(strings.TrimSpace(text))
	if base == "" {
		return ""
	}
	folded, _, err := transform.String(foldTransformer, base)
	if err != nil {
		folded = base
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NormalizeToken is the lighter variant used for intent words: it folds
// accents and drops trailing punctuation but keeps the token intact.
func NormalizeToken(text string) string {
	stripped := strings.ToLower(strings.TrimSpace(text))
	folded, _, err := transform.String(foldTransformer, stripped)
	if err != nil {
		folded = stripped
	}
	replacer := strings.NewReplacer("!", "", "?", "", ",", "", "¡", "", "¿", "")
	return replacer.Replace(folded)
}

// ContainsTerm reports whether the normalized term occurs as a whole-word
// sequence inside the normalized text.
func ContainsTerm(normalizedText, term string) bool {
	normalizedTerm := Normalize(term)
	if normalizedTerm == "" || normalizedText == "" {
		return false
	}
	padded := " " + normalizedText + " "
	return strings.Contains(padded, " "+normalizedTerm+" ")
}

// NormalizeCityInput returns the canonical Ecuadorian city for an exact
// match against the city table (canonical names or synonyms), or "" when
// the text is not a recognizable city.
func NormalizeCityInput(text string) string {
	normalized := Normalize(text)
	if normalized == "" {
		return ""
	}
	for canonical, synonyms := range CitySynonyms {
		if normalized == Normalize(canonical) {
			return canonical
		}
		for _, syn := range synonyms {
			if normalized == Normalize(syn) {
				return canonical
			}
		}
	}
	return ""
}

// InterpretYesNo classifies free text as an affirmative (true) or negative
// (false) answer, or nil when neither reading is safe. Numeric menu
// prefixes "1"/"2" take precedence over word matching.
func InterpretYesNo(text string) *bool {
	base := NormalizeToken(text)
	if base == "" {
		return nil
	}
	yes, no := true, false
	if base == "1" || strings.HasPrefix(base, "1 ") {
		return &yes
	}
	if base == "2" || strings.HasPrefix(base, "2 ") {
		return &no
	}

	if affirmativeSet[base] {
		return &yes
	}
	if negativeSet[base] {
		return &no
	}
	for _, token := range strings.Fields(base) {
		if affirmativeSet[token] {
			return &yes
		}
		if negativeSet[token] {
			return &no
		}
	}
	return nil
}

// IsGreeting reports whether the text is a bare greeting with no request in it.
func IsGreeting(text string) bool {
	return greetingSet[Normalize(text)]
}

// IsResetKeyword reports whether the text is a session reset command.
func IsResetKeyword(text string) bool {
	return resetSet[Normalize(text)]
}

func normalizedSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if n := NormalizeToken(w); n != "" {
			set[n] = true
		}
	}
	return set
}

var (
	affirmativeSet = normalizedSet(AffirmativeWords)
	negativeSet    = normalizedSet(NegativeWords)
	greetingSet    = func() map[string]bool {
		set := make(map[string]bool, len(Greetings))
		for _, g := range Greetings {
			set[Normalize(g)] = true
		}
		return set
	}()
	resetSet = func() map[string]bool {
		set := make(map[string]bool, len(ResetKeywords))
		for _, k := range ResetKeywords {
			set[Normalize(k)] = true
		}
		return set
	}()
)
