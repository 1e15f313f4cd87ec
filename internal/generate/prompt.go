package generate

import (
	"strings"

	"github.com/quill-chat/quill/internal/chattypes"
)

// BuildPrompt concatenates the conversation so far into a single prompt,
// one line per message as "<role>: <text>", in message order. The whole
// history is included verbatim: no truncation, windowing or summarization,
// which bounds this to short-to-medium conversations.
func BuildPrompt(messages []chattypes.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, string(m.Role)+": "+m.Text)
	}
	return strings.Join(lines, "\n")
}
