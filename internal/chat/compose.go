package chat

import (
	"regexp"
	"strings"

	"github.com/ashureev/aloha-tutor/internal/domain"
)

var (
	mentionPattern   = regexp.MustCompile(`@(\w+)`)
	trailingMentions = regexp.MustCompile(`(\s*@\w+)+\s*$`)
)

// ExtractMentions returns the names mentioned with @name, in order of
// appearance and without de-duplication.
func ExtractMentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	mentions := make([]string, 0, len(matches))
	for _, m := range matches {
		mentions = append(mentions, m[1])
	}
	return mentions
}

// ClassifyKind returns KindQuestion when the text ends with a question mark,
// ignoring trailing mentions and whitespace. Otherwise the kind is unset.
func ClassifyKind(text string) domain.Kind {
	body := strings.TrimSpace(trailingMentions.ReplaceAllString(text, ""))
	if strings.HasSuffix(body, "?") {
		return domain.KindQuestion
	}
	return ""
}
