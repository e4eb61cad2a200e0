package enrich

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ashureev/liverelay/internal/domain"
)

var reasoningBlocks = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<thinking\b[^>]*>.*?</thinking\s*>`),
	regexp.MustCompile(`(?is)<think\b[^>]*>.*?</think\s*>`),
	regexp.MustCompile(`(?is)<reasoning\b[^>]*>.*?</reasoning\s*>`),
	regexp.MustCompile(`(?is)<thought\b[^>]*>.*?</thought\s*>`),
}

var blankLines = regexp.MustCompile(`\n\s*\n`)

// StripReasoning removes reasoning blocks leaked by self-hosted models.
// Text without such blocks is returned unchanged, so the function is
// idempotent.
func StripReasoning(text string) string {
	out := text
	for {
		before := out
		for _, re := range reasoningBlocks {
			out = re.ReplaceAllString(out, "")
		}
		if out == before {
			break
		}
	}
	if out == text {
		return text
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(out, "\n\n"))
}

// ResponsePrompt frames a chat message for the response model. Comments
// addressed to someone with a leading @handle name the recipient.
func ResponsePrompt(msg domain.ChatMessage) string {
	comment := strings.TrimSpace(msg.Comment)
	if strings.HasPrefix(comment, "@") {
		target, _, _ := strings.Cut(strings.TrimPrefix(comment, "@"), " ")
		if target != "" {
			return fmt.Sprintf("%s a écrit à %s : %q", msg.Nickname, target, comment)
		}
	}
	return fmt.Sprintf("%s a dit : %q", msg.Nickname, comment)
}
