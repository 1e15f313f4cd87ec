package generate

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockClient provides deterministic local replies when no generation
// endpoint is configured. It records the prompts it receives.
type MockClient struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
}

func NewMockClient() *MockClient { return &MockClient{} }

// QueueReply scripts the next reply; queued replies are consumed in order.
func (c *MockClient) QueueReply(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, text)
}

// SetError makes every subsequent Generate fail with err until cleared.
func (c *MockClient) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Prompts returns a copy of every prompt seen so far.
func (c *MockClient) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.prompts))
	copy(out, c.prompts)
	return out
}

func (c *MockClient) Generate(ctx context.Context, prompt string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	if len(c.replies) > 0 {
		reply := c.replies[0]
		c.replies = c.replies[1:]
		return reply, nil
	}
	return buildMockReply(prompt), nil
}

func buildMockReply(prompt string) string {
	lines := strings.Split(strings.TrimRight(prompt, "\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	last = strings.TrimPrefix(last, "user: ")
	if last == "" {
		return "I am listening."
	}
	return fmt.Sprintf("You said: %s", last)
}
