package agent

import (
	"regexp"
	"strings"
)

// Reply tags let the model address a specific earlier message. They are
// control metadata and are always stripped from the user-visible text.
var replyTagRe = regexp.MustCompile(`\[\[reply_to(?::(\d+)|_current)\]\]`)

// ParseReplyTags extracts the first reply target from the text and returns
// the text with every tag removed. replyTo is the tagged message id, or
// "current" for [[reply_to_current]], or "" when no tag is present.
func ParseReplyTags(text string) (cleaned, replyTo string) {
	if m := replyTagRe.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			replyTo = m[1]
		} else {
			replyTo = "current"
		}
	}
	cleaned = replyTagRe.ReplaceAllString(text, "")
	cleaned = strings.TrimSpace(cleaned)
	return cleaned, replyTo
}
