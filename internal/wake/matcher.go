package wake

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Match is the best phrase found in a transcript.
type Match struct {
	// Phrase is the configured variant that matched, as written in config.
	Phrase string

	// Score is 1.0 for an exact (normalised) substring hit, otherwise the
	// Jaro-Winkler similarity of the best transcript window.
	Score float64
}

// Threshold maps a sensitivity in [0,1] to the minimum accepted score:
// 0 accepts exact matches only, 1 accepts scores down to 0.70.
func Threshold(sensitivity float64) float64 {
	sensitivity = min(max(sensitivity, 0), 1)
	return 1 - 0.3*sensitivity
}

// phrase is a normalised variant with its precomputed phonetic codes.
type phrase struct {
	raw    string
	norm   string
	tokens []string
	codes  []map[string]struct{} // per token
}

// Matcher scores transcripts against a set of phrase variants. It is
// read-only after construction and safe for concurrent use.
//
// Matching runs in two stages:
//
//  1. Exact: the normalised phrase occurs in the normalised transcript on
//     word boundaries. Score 1.0.
//  2. Fuzzy: every window of the transcript with as many tokens as the phrase
//     is compared with Jaro-Winkler, on the spaced and on the concatenated
//     form. A window only qualifies when each of its tokens shares a Double
//     Metaphone code with the corresponding phrase token, or is itself a
//     close Jaro-Winkler match.
type Matcher struct {
	phrases   []phrase
	threshold float64
}

// NewMatcher builds a matcher for the given variants. Variants that normalise
// to the same text are kept once.
func NewMatcher(variants []string, sensitivity float64) (*Matcher, error) {
	if sensitivity < 0 || sensitivity > 1 {
		return nil, fmt.Errorf("wake: sensitivity must be within [0,1], got %v", sensitivity)
	}
	m := &Matcher{threshold: Threshold(sensitivity)}
	seen := make(map[string]bool, len(variants))
	for _, v := range variants {
		norm := Normalize(v)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		tokens := strings.Fields(norm)
		p := phrase{raw: v, norm: norm, tokens: tokens, codes: make([]map[string]struct{}, len(tokens))}
		for i, tok := range tokens {
			p.codes[i] = codesFor(tok)
		}
		m.phrases = append(m.phrases, p)
	}
	if len(m.phrases) == 0 {
		return nil, fmt.Errorf("wake: at least one non-empty phrase is required")
	}
	return m, nil
}

// Threshold returns the minimum score this matcher accepts.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Phrases returns the configured variants after de-duplication.
func (m *Matcher) Phrases() []string {
	out := make([]string, len(m.phrases))
	for i, p := range m.phrases {
		out[i] = p.raw
	}
	return out
}

// Match reports the best-scoring phrase in transcript. Ties keep the
// variant listed first.
func (m *Matcher) Match(transcript string) (Match, bool) {
	norm := Normalize(transcript)
	if norm == "" {
		return Match{}, false
	}
	padded := " " + norm + " "
	tokens := strings.Fields(norm)

	var best Match
	for _, p := range m.phrases {
		if strings.Contains(padded, " "+p.norm+" ") {
			return Match{Phrase: p.raw, Score: 1}, true
		}
		if m.threshold >= 1 {
			continue
		}
		if s := m.fuzzyScore(p, tokens); s >= m.threshold && s > best.Score {
			best = Match{Phrase: p.raw, Score: s}
		}
	}
	return best, best.Phrase != ""
}

// fuzzyScore returns the best qualifying window score for p, or 0.
func (m *Matcher) fuzzyScore(p phrase, tokens []string) float64 {
	n := len(p.tokens)
	if len(tokens) < n {
		return 0
	}
	joined := strings.Join(p.tokens, "")
	var best float64
	for i := 0; i+n <= len(tokens); i++ {
		window := tokens[i : i+n]
		if !m.phoneticallyAligned(p, window) {
			continue
		}
		score := matchr.JaroWinkler(strings.Join(window, " "), p.norm, false)
		if n > 1 {
			if s := matchr.JaroWinkler(strings.Join(window, ""), joined, false); s > score {
				score = s
			}
		}
		best = max(best, score)
	}
	return best
}

// phoneticallyAligned reports whether every window token sounds like, or is
// spelled close to, the phrase token at the same position.
func (m *Matcher) phoneticallyAligned(p phrase, window []string) bool {
	for i, tok := range window {
		if overlaps(codesFor(tok), p.codes[i]) {
			continue
		}
		if matchr.JaroWinkler(tok, p.tokens[i], false) >= m.threshold {
			continue
		}
		return false
	}
	return true
}

// Normalize lowercases s, turns punctuation and hyphens into spaces and
// collapses whitespace. Apostrophes inside words are dropped so "what's"
// becomes "whats".
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’':
			// dropped
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// codesFor returns the Double Metaphone codes of a single token. Empty codes
// (no consonants) are excluded.
func codesFor(token string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(token)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// overlaps returns true if the two code sets share at least one code.
func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
