package generate

import (
	"context"
	"testing"

	"github.com/quill-chat/quill/internal/chattypes"
)

func TestBuildPrompt(t *testing.T) {
	messages := []chattypes.Message{
		{Role: chattypes.RoleAssistant, Text: "Hello!"},
		{Role: chattypes.RoleUser, Text: "What is 2+2?"},
	}
	if got := BuildPrompt(messages); got != "ai: Hello!\nuser: What is 2+2?" {
		t.Fatalf("BuildPrompt() = %q", got)
	}
}

func TestBuildPromptKeepsFullHistory(t *testing.T) {
	messages := []chattypes.Message{
		{Role: chattypes.RoleAssistant, Text: "Hello!"},
		{Role: chattypes.RoleUser, Text: "first"},
		{Role: chattypes.RoleAssistant, Text: "reply one"},
		{Role: chattypes.RoleUser, Text: "second"},
	}
	want := "ai: Hello!\nuser: first\nai: reply one\nuser: second"
	if got := BuildPrompt(messages); got != want {
		t.Fatalf("BuildPrompt() = %q, want %q", got, want)
	}
}

func TestBuildPromptEmpty(t *testing.T) {
	if got := BuildPrompt(nil); got != "" {
		t.Fatalf("BuildPrompt(nil) = %q, want empty", got)
	}
}

func TestMockClientEchoesLastUserLine(t *testing.T) {
	c := NewMockClient()
	reply, err := c.Generate(context.Background(), "ai: Hello!\nuser: What is 2+2?")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if reply != "You said: What is 2+2?" {
		t.Fatalf("reply = %q", reply)
	}
	prompts := c.Prompts()
	if len(prompts) != 1 || prompts[0] != "ai: Hello!\nuser: What is 2+2?" {
		t.Fatalf("recorded prompts = %v", prompts)
	}
}

func TestMockClientQueuedReplies(t *testing.T) {
	c := NewMockClient()
	c.QueueReply("first")
	c.QueueReply("second")

	for _, want := range []string{"first", "second"} {
		got, err := c.Generate(context.Background(), "user: hi")
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if got != want {
			t.Fatalf("reply = %q, want %q", got, want)
		}
	}
	// Queue drained, falls back to the echo reply.
	got, err := c.Generate(context.Background(), "user: hi")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "You said: hi" {
		t.Fatalf("reply = %q, want echo fallback", got)
	}
}

func TestMockClientHonorsCancellation(t *testing.T) {
	c := NewMockClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Generate(ctx, "user: hi"); err != context.Canceled {
		t.Fatalf("Generate() error = %v, want context.Canceled", err)
	}
}
