package channels

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@\S+`)

// mentionTrim is the punctuation stripped from the end of a mention token.
const mentionTrim = ".,;:!?)]}'\""

// DetectMentions returns the @tokens of text (trailing punctuation removed)
// and whether any raw token contains one of the given usernames.
// Username matching is case-sensitive; empty usernames are ignored.
func DetectMentions(text string, usernames ...string) ([]string, bool) {
	tokens := mentionPattern.FindAllString(text, -1)
	if len(tokens) == 0 {
		return nil, false
	}

	mentions := make([]string, 0, len(tokens))
	isMention := false
	for _, tok := range tokens {
		for _, u := range usernames {
			if u != "" && strings.Contains(tok, u) {
				isMention = true
			}
		}
		if trimmed := strings.TrimRight(tok, mentionTrim); len(trimmed) > 1 {
			mentions = append(mentions, trimmed)
		}
	}
	return mentions, isMention
}
