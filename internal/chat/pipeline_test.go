package chat_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quill-chat/quill/internal/chat"
	"github.com/quill-chat/quill/internal/generate"
	"github.com/quill-chat/quill/internal/observability"
	"github.com/quill-chat/quill/internal/protocol"
	"github.com/quill-chat/quill/internal/store"
)

var metricsSeq atomic.Int64

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("quill_test_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1)))
}

// scriptedCall describes one Generate invocation of the stub client.
type scriptedCall struct {
	reply string
	err   error
	// gate, when set, blocks the call until closed. ignoreCancel makes the
	// call deaf to context cancellation, simulating a slow upstream whose
	// stale result arrives after the send was superseded.
	gate         chan struct{}
	ignoreCancel bool
}

type stubClient struct {
	mu      sync.Mutex
	prompts []string
	script  []scriptedCall
}

func (c *stubClient) Generate(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	var call scriptedCall
	if len(c.script) > 0 {
		call = c.script[0]
		c.script = c.script[1:]
	} else {
		call = scriptedCall{reply: "ok"}
	}
	c.mu.Unlock()

	if call.gate != nil {
		if call.ignoreCancel {
			<-call.gate
		} else {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-call.gate:
			}
		}
	} else if !call.ignoreCancel {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
	}

	if call.err != nil {
		return "", call.err
	}
	return call.reply, nil
}

func (c *stubClient) promptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

func (c *stubClient) allPrompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.prompts))
	copy(out, c.prompts)
	return out
}

func newTestPipeline(t *testing.T, client generate.Client) (*chat.Pipeline, *chat.Repository) {
	t.Helper()
	repo, err := chat.NewRepository(context.Background(), store.NewMemoryStore(), "Hello!")
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}
	p := chat.NewPipeline(repo, client, newTestMetrics(), "")
	t.Cleanup(p.Close)
	return p, repo
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitRoundTrip(t *testing.T) {
	client := &stubClient{script: []scriptedCall{{reply: "2+2 equals 4."}}}
	p, repo := newTestPipeline(t, client)
	convID := repo.Current()

	before, err := repo.Get(convID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(before.Messages) != 1 || before.Messages[0].Role != chat.RoleAssistant {
		t.Fatalf("seeded conversation = %+v, want single assistant greeting", before.Messages)
	}

	if err := p.Submit(context.Background(), "What is 2+2?", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, 2*time.Second, "assistant reply", func() bool {
		conv, err := repo.Get(convID)
		return err == nil && len(conv.Messages) == 3
	})

	conv, err := repo.Get(convID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	roles := []chat.Role{chat.RoleAssistant, chat.RoleUser, chat.RoleAssistant}
	for i, want := range roles {
		if conv.Messages[i].Role != want {
			t.Fatalf("message[%d].Role = %q, want %q", i, conv.Messages[i].Role, want)
		}
	}
	if conv.Messages[1].Text != "What is 2+2?" {
		t.Fatalf("user text = %q", conv.Messages[1].Text)
	}
	if conv.Messages[2].Text != "2+2 equals 4." {
		t.Fatalf("assistant text = %q", conv.Messages[2].Text)
	}
	if !conv.UpdatedAt.Equal(conv.Messages[2].CreatedAt) {
		t.Fatalf("UpdatedAt = %v, want append time %v", conv.UpdatedAt, conv.Messages[2].CreatedAt)
	}
	if conv.UpdatedAt.Before(before.UpdatedAt) {
		t.Fatalf("UpdatedAt went backwards: %v -> %v", before.UpdatedAt, conv.UpdatedAt)
	}

	prompts := client.allPrompts()
	if len(prompts) != 1 {
		t.Fatalf("generate calls = %d, want exactly 1", len(prompts))
	}
	if prompts[0] != "ai: Hello!\nuser: What is 2+2?" {
		t.Fatalf("prompt = %q", prompts[0])
	}
}

func TestSubmitEmptyIsNoop(t *testing.T) {
	client := &stubClient{}
	p, repo := newTestPipeline(t, client)
	convID := repo.Current()

	for _, text := range []string{"", "   ", "\n\t "} {
		err := p.Submit(context.Background(), text, nil)
		if !errors.Is(err, chat.ErrNothingToSend) {
			t.Fatalf("Submit(%q) error = %v, want ErrNothingToSend", text, err)
		}
	}

	// Give a stray send goroutine a chance to show up before asserting.
	time.Sleep(30 * time.Millisecond)
	if n := client.promptCount(); n != 0 {
		t.Fatalf("generate calls = %d, want 0", n)
	}
	conv, err := repo.Get(convID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(conv.Messages) != 1 {
		t.Fatalf("messages = %d, want unchanged 1", len(conv.Messages))
	}
}

func TestSubmitFileOnlyIsAccepted(t *testing.T) {
	client := &stubClient{script: []scriptedCall{{reply: "Nice file."}}}
	p, repo := newTestPipeline(t, client)
	convID := repo.Current()

	file := &chat.FileAttachment{Name: "notes.txt", SizeBytes: 128, MimeType: "text/plain"}
	if err := p.Submit(context.Background(), "  ", file); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, 2*time.Second, "assistant reply", func() bool {
		conv, err := repo.Get(convID)
		return err == nil && len(conv.Messages) == 3
	})

	conv, _ := repo.Get(convID)
	if conv.Messages[1].File == nil || conv.Messages[1].File.Name != "notes.txt" {
		t.Fatalf("user message file = %+v, want notes.txt descriptor", conv.Messages[1].File)
	}
}

func TestSubmitSupersedesInFlightSend(t *testing.T) {
	gate := make(chan struct{})
	client := &stubClient{script: []scriptedCall{
		{reply: "stale answer", gate: gate, ignoreCancel: true},
		{reply: "fresh answer"},
	}}
	p, repo := newTestPipeline(t, client)
	convID := repo.Current()

	if err := p.Submit(context.Background(), "first question", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, 2*time.Second, "first generate call", func() bool {
		return client.promptCount() == 1
	})

	if err := p.Submit(context.Background(), "second question", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, 2*time.Second, "second reply applied", func() bool {
		conv, err := repo.Get(convID)
		return err == nil && len(conv.Messages) == 4
	})

	// Release the stale call only after the fresh one has fully landed.
	close(gate)
	time.Sleep(50 * time.Millisecond)

	conv, err := repo.Get(convID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(conv.Messages) != 4 {
		t.Fatalf("messages = %d, want 4 (stale result must not be appended)", len(conv.Messages))
	}
	for _, m := range conv.Messages {
		if m.Text == "stale answer" {
			t.Fatalf("stale result was applied to state: %+v", conv.Messages)
		}
	}
	if got := conv.Messages[3].Text; got != "fresh answer" {
		t.Fatalf("final assistant text = %q, want %q", got, "fresh answer")
	}
}

func TestSubmitFailureAppendsGenericMessage(t *testing.T) {
	client := &stubClient{script: []scriptedCall{{err: &generate.APIError{Status: 500}}}}
	p, repo := newTestPipeline(t, client)
	convID := repo.Current()

	if err := p.Submit(context.Background(), "anything", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, 2*time.Second, "error reply", func() bool {
		conv, err := repo.Get(convID)
		return err == nil && len(conv.Messages) == 3
	})

	conv, _ := repo.Get(convID)
	last := conv.Messages[2]
	if last.Role != chat.RoleAssistant {
		t.Fatalf("last message role = %q, want assistant", last.Role)
	}
	if last.Text != chat.DefaultErrorReply {
		t.Fatalf("error reply = %q, want generic %q", last.Text, chat.DefaultErrorReply)
	}
	if strings.Contains(last.Text, "500") {
		t.Fatalf("error reply leaks status code: %q", last.Text)
	}
}

func TestSubmitNetworkFailureAppendsGenericMessage(t *testing.T) {
	client := &stubClient{script: []scriptedCall{{err: errors.New("send request: connection refused")}}}
	p, repo := newTestPipeline(t, client)
	convID := repo.Current()

	if err := p.Submit(context.Background(), "anything", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, 2*time.Second, "error reply", func() bool {
		conv, err := repo.Get(convID)
		return err == nil && len(conv.Messages) == 3
	})

	conv, _ := repo.Get(convID)
	if got := conv.Messages[2].Text; got != chat.DefaultErrorReply {
		t.Fatalf("error reply = %q, want generic %q", got, chat.DefaultErrorReply)
	}
}

func TestStartNewConversationCancelsPendingSend(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	client := &stubClient{script: []scriptedCall{{reply: "late answer", gate: gate}}}
	p, repo := newTestPipeline(t, client)
	oldID := repo.Current()

	if err := p.Submit(context.Background(), "hold this", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, 2*time.Second, "generate call", func() bool {
		return client.promptCount() == 1
	})

	newID, err := p.StartNewConversation(context.Background())
	if err != nil {
		t.Fatalf("StartNewConversation() error = %v", err)
	}
	if newID == oldID {
		t.Fatalf("new conversation id = old id %q", newID)
	}
	if repo.Current() != newID {
		t.Fatalf("current = %q, want %q", repo.Current(), newID)
	}

	conv, err := repo.Get(newID)
	if err != nil {
		t.Fatalf("Get(new) error = %v", err)
	}
	if len(conv.Messages) != 1 || conv.Messages[0].Role != chat.RoleAssistant {
		t.Fatalf("new conversation = %+v, want exactly one seeded greeting", conv.Messages)
	}

	// The cancelled send must leave the old conversation untouched.
	time.Sleep(50 * time.Millisecond)
	old, _ := repo.Get(oldID)
	if len(old.Messages) != 2 {
		t.Fatalf("old conversation messages = %d, want 2 (greeting + user)", len(old.Messages))
	}
}

func TestStartNewConversationIDsAreUnique(t *testing.T) {
	p, _ := newTestPipeline(t, &stubClient{})

	seen := map[string]bool{p.Current(): true}
	for i := 0; i < 10; i++ {
		id, err := p.StartNewConversation(context.Background())
		if err != nil {
			t.Fatalf("StartNewConversation() error = %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate conversation id %q", id)
		}
		seen[id] = true
	}
}

func TestMessagesAreAppendOnlyAcrossSubmits(t *testing.T) {
	client := &stubClient{}
	p, repo := newTestPipeline(t, client)
	convID := repo.Current()

	var prevLen int
	var prev []chat.Message
	for i := 0; i < 4; i++ {
		if err := p.Submit(context.Background(), fmt.Sprintf("message %d", i), nil); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		wantLen := 1 + (i+1)*2
		waitFor(t, 2*time.Second, "reply", func() bool {
			conv, err := repo.Get(convID)
			return err == nil && len(conv.Messages) == wantLen
		})

		conv, _ := repo.Get(convID)
		if len(conv.Messages) <= prevLen {
			t.Fatalf("messages did not grow: %d -> %d", prevLen, len(conv.Messages))
		}
		for j, m := range prev {
			if conv.Messages[j].ID != m.ID || conv.Messages[j].Text != m.Text {
				t.Fatalf("existing message %d changed: %+v -> %+v", j, m, conv.Messages[j])
			}
		}
		prevLen = len(conv.Messages)
		prev = conv.Messages
	}
}

func TestSubscribeSeesPendingTransitions(t *testing.T) {
	client := &stubClient{script: []scriptedCall{{reply: "done"}}}
	p, repo := newTestPipeline(t, client)
	convID := repo.Current()

	events, unsubscribe := p.Subscribe()
	defer unsubscribe()

	if err := p.Submit(context.Background(), "ping", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	var sawPendingOn, sawPendingOff, sawUpdate bool
	deadline := time.After(2 * time.Second)
	for !(sawPendingOn && sawPendingOff && sawUpdate) {
		select {
		case evt := <-events:
			switch e := evt.(type) {
			case protocol.AssistantPending:
				if e.ConversationID != convID {
					t.Fatalf("pending event for conversation %q, want %q", e.ConversationID, convID)
				}
				if e.Pending {
					sawPendingOn = true
				} else {
					sawPendingOff = true
				}
			case protocol.ConversationUpdated:
				sawUpdate = true
			}
		case <-deadline:
			t.Fatalf("timed out: pendingOn=%v pendingOff=%v update=%v", sawPendingOn, sawPendingOff, sawUpdate)
		}
	}
}
