// Package textutil provides the lexical machinery behind indexing and
// retrieval: whitespace normalization, tokenization with a stopword set,
// keyword extraction, token-target trimming, and a lexical similarity
// score.
package textutil

import (
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/strata/internal/tokens"
)

// DefaultKeywordLimit caps ExtractTopKeywords when callers pass max <= 0.
const DefaultKeywordLimit = 24

// PhraseBonus is added to the similarity score when the whole query
// appears verbatim in the content.
const PhraseBonus = 0.15

var (
	spaceRun  = regexp.MustCompile(`[ \t]+`)
	tokenSkip = regexp.MustCompile(`[^a-z0-9_/.-]+`)
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(
		"the a an and or to for of in on at is are was were be been this " +
			"that it as with by from about into through can could should " +
			"would you your we they their our i he she them his her") {
		stopwords[w] = struct{}{}
	}
}

// Normalize collapses \r\n to \n, squeezes runs of spaces and tabs, caps
// consecutive blank lines at two, and trims the result.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		line = strings.TrimRight(spaceRun.ReplaceAllString(line, " "), " ")
		if strings.TrimSpace(line) == "" {
			blanks++
			if blanks > 2 {
				continue
			}
			out = append(out, "")
			continue
		}
		blanks = 0
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// Tokenize lower-cases the text, splits on runs outside [a-z0-9_/.-], and
// drops short tokens and English stopwords.
func Tokenize(text string) []string {
	parts := tokenSkip.Split(strings.ToLower(text), -1)
	toks := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) < 2 {
			continue
		}
		if _, skip := stopwords[p]; skip {
			continue
		}
		toks = append(toks, p)
	}
	return toks
}

// ExtractTopKeywords returns the max most frequent tokens in the text.
// Ties are broken by first appearance.
func ExtractTopKeywords(text string, max int) []string {
	if max <= 0 {
		max = DefaultKeywordLimit
	}
	counts := map[string]int{}
	firstSeen := map[string]int{}
	order := []string{}
	for i, tok := range Tokenize(text) {
		if counts[tok] == 0 {
			firstSeen[tok] = i
			order = append(order, tok)
		}
		counts[tok]++
	}
	sort.SliceStable(order, func(a, b int) bool {
		if counts[order[a]] != counts[order[b]] {
			return counts[order[a]] > counts[order[b]]
		}
		return firstSeen[order[a]] < firstSeen[order[b]]
	})
	if len(order) > max {
		order = order[:max]
	}
	return order
}

// TrimToTokenTarget normalizes the text and, when it exceeds the target
// estimate, binary-searches the longest word prefix that fits. Non-empty
// input always yields at least one word.
func TrimToTokenTarget(text string, target int) string {
	text = Normalize(text)
	if text == "" {
		return ""
	}
	if tokens.EstimateText(text) <= target {
		return text
	}
	words := strings.Fields(text)
	lo, hi := 1, len(words)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if tokens.EstimateText(strings.Join(words[:mid], " ")) <= target {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.Join(words[:lo], " ")
}

// Similarity scores query against content in [0, 1] by lexical overlap:
// the fraction of distinct query tokens present in the content, plus
// PhraseBonus when the whole query occurs as a substring.
func Similarity(query, content string) float64 {
	qset := map[string]struct{}{}
	for _, tok := range Tokenize(query) {
		qset[tok] = struct{}{}
	}
	if len(qset) == 0 {
		return 0
	}
	cset := map[string]struct{}{}
	for _, tok := range Tokenize(content) {
		cset[tok] = struct{}{}
	}
	hits := 0
	for tok := range qset {
		if _, ok := cset[tok]; ok {
			hits++
		}
	}
	score := float64(hits) / float64(len(qset))
	phrase := strings.ToLower(strings.TrimSpace(query))
	if phrase != "" && strings.Contains(strings.ToLower(content), phrase) {
		score += PhraseBonus
	}
	if score > 1 {
		score = 1
	}
	return score
}
