// Package normalizer canonicalizes chunk text before hashing so that
// trivially different spellings of the same assertion deduplicate.
package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DefaultSubject is prepended to subjectless chunks so that every stored
// assertion is a complete sentence about the user.
const DefaultSubject = "User"

// defaultSynonyms maps common aliases to their canonical spelling. Keys are
// compared case-insensitively; canonical values map to themselves so that
// normalization stays idempotent.
var defaultSynonyms = map[string]string{
	"toeic": "TOEIC",
	"toefl": "TOEFL",
	"ielts": "IELTS",
}

// subjectlessLeads are verbs that start a chunk when the Analyzer dropped the
// subject. A chunk starting with one of these gets the canonical subject
// prepended.
var subjectlessLeads = map[string]bool{
	"is": true, "has": true, "likes": true, "dislikes": true, "lives": true,
	"moved": true, "works": true, "wants": true, "prefers": true,
	"feels": true, "met": true, "visited": true, "started": true,
	"finished": true, "owns": true, "uses": true, "speaks": true,
}

// Normalizer applies the canonicalization pipeline. The zero value is not
// usable; construct with New.
type Normalizer struct {
	synonyms map[string]string
	subject  string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithSynonyms adds alias → canonical mappings on top of the defaults.
func WithSynonyms(synonyms map[string]string) Option {
	return func(n *Normalizer) {
		for alias, canonical := range synonyms {
			n.synonyms[strings.ToLower(alias)] = canonical
		}
	}
}

// WithSubject overrides the canonical subject token.
func WithSubject(subject string) Option {
	return func(n *Normalizer) {
		n.subject = subject
	}
}

// New creates a Normalizer with the default synonym table.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		synonyms: make(map[string]string, len(defaultSynonyms)),
		subject:  DefaultSubject,
	}
	for alias, canonical := range defaultSynonyms {
		n.synonyms[alias] = canonical
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize canonicalizes raw chunk text. Steps, in order: Unicode NFKC,
// whitespace trimming and collapsing, synonym mapping, relative-date
// resolution against the reference clock, and subject completion.
// Normalize is deterministic and idempotent for a fixed reference time.
func (n *Normalizer) Normalize(raw string, ref time.Time) string {
	s := norm.NFKC.String(raw)
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return ""
	}

	for i, tok := range tokens {
		word, trailing := splitTrailingPunct(tok)
		if canonical, ok := n.synonyms[strings.ToLower(word)]; ok {
			tokens[i] = canonical + trailing
			continue
		}
		if iso, ok := resolveRelativeDate(strings.ToLower(word), ref); ok {
			tokens[i] = iso + trailing
		}
	}

	first, _ := splitTrailingPunct(tokens[0])
	if subjectlessLeads[strings.ToLower(first)] {
		tokens = append([]string{n.subject}, tokens...)
	}

	return strings.Join(tokens, " ")
}

// Hash computes the content hash of canonical text: SHA-256 over the
// ASCII-lowercased form, rendered as hex. The stored content keeps its
// original casing; lowercasing applies to the digest input only.
func Hash(canonical string) string {
	folded := strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, canonical)
	sum := sha256.Sum256([]byte(folded))
	return hex.EncodeToString(sum[:])
}

// resolveRelativeDate maps an unambiguous relative date word to ISO-8601.
// Already-resolved dates pass through untouched, keeping Normalize idempotent.
func resolveRelativeDate(word string, ref time.Time) (string, bool) {
	switch word {
	case "today":
		return ref.Format("2006-01-02"), true
	case "yesterday":
		return ref.AddDate(0, 0, -1).Format("2006-01-02"), true
	case "tomorrow":
		return ref.AddDate(0, 0, 1).Format("2006-01-02"), true
	}
	return "", false
}

// splitTrailingPunct separates trailing sentence punctuation from a token so
// that "Tokyo." still matches the synonym and date tables.
func splitTrailingPunct(tok string) (word, trailing string) {
	cut := len(tok)
	for cut > 0 && strings.ContainsRune(".,;:!?", rune(tok[cut-1])) {
		cut--
	}
	return tok[:cut], tok[cut:]
}
