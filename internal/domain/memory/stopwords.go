package memory

import "strings"

// stopWords are filtered out of keyword extraction. Roughly the 150 most
// frequent English function words plus conversational filler common in
// agent transcripts.
var stopWords = map[string]struct{}{}

func init() {
	words := []string{
		"a", "about", "above", "after", "again", "against", "all", "also", "am",
		"an", "and", "any", "are", "as", "at", "be", "because", "been", "before",
		"being", "below", "between", "both", "but", "by", "can", "cannot",
		"could", "did", "do", "does", "doing", "down", "during", "each", "few",
		"for", "from", "further", "get", "got", "had", "has", "have", "having",
		"he", "her", "here", "hers", "herself", "him", "himself", "his", "how",
		"i", "if", "in", "into", "is", "it", "its", "itself", "just", "let",
		"like", "made", "make", "many", "may", "me", "might", "more", "most",
		"much", "must", "my", "myself", "need", "no", "nor", "not", "now", "of",
		"off", "on", "once", "only", "or", "other", "ought", "our", "ours",
		"ourselves", "out", "over", "own", "per", "please", "same", "shall",
		"she", "should", "so", "some", "such", "than", "that", "the", "their",
		"theirs", "them", "themselves", "then", "there", "these", "they",
		"this", "those", "through", "to", "too", "under", "until", "up", "upon",
		"us", "use", "used", "using", "very", "via", "want", "was", "we",
		"well", "were", "what", "when", "where", "which", "while", "who",
		"whom", "why", "will", "with", "within", "without", "would", "yes",
		"yet", "you", "your", "yours", "yourself", "yourselves",
		"ok", "okay", "thanks", "thank", "hey", "hi", "hello", "really",
	}
	for _, w := range words {
		stopWords[w] = struct{}{}
	}
}

// ExtractKeywords lowercases, strips punctuation, removes stop words and
// tokens shorter than 3 runes, and deduplicates preserving first occurrence.
func ExtractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r > 127)
	})

	seen := make(map[string]struct{}, len(fields))
	keywords := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "-_")
		if len([]rune(f)) < 3 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		keywords = append(keywords, f)
	}
	return keywords
}
