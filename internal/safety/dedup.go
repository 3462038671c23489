package safety

import (
	"hash/fnv"
	"strings"
)

// normalizeContent case-folds and collapses whitespace so trivial edits
// ("Hello  World" vs "hello world") hash identically.
func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func contentHash(norm string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(norm))
	return h.Sum64()
}

func wordSet(norm string) map[string]struct{} {
	fields := strings.Fields(norm)
	set := make(map[string]struct{}, len(fields))
	for _, w := range fields {
		set[w] = struct{}{}
	}
	return set
}

// jaccard computes word-overlap similarity between two word sets (0..1).
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func newContentEntry(content string) contentEntry {
	norm := normalizeContent(content)
	return contentEntry{hash: contentHash(norm), words: wordSet(norm)}
}
