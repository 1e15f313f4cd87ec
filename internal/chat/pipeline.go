package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/quill-chat/quill/internal/generate"
	"github.com/quill-chat/quill/internal/observability"
	"github.com/quill-chat/quill/internal/protocol"
	"github.com/quill-chat/quill/internal/reliability"
)

// ErrNothingToSend marks a submit with no text and no attachment. Callers
// treat it as a silent no-op, not a failure.
var ErrNothingToSend = errors.New("nothing to send")

// DefaultErrorReply is shown to the user in place of raw endpoint errors.
const DefaultErrorReply = "Sorry, something went wrong. Please try again."

const persistTimeout = 5 * time.Second

// Pipeline orchestrates one message round-trip: validate, append the user
// message, signal pending, call the generation endpoint and reconcile the
// result back into the repository.
//
// Sends are single-flight globally, not per conversation: a new Submit
// supersedes any in-flight send anywhere, and a superseded send's result
// is discarded before it can touch state.
type Pipeline struct {
	repo      *Repository
	client    generate.Client
	metrics   *observability.Metrics
	errorText string

	mu          sync.Mutex
	sendCancel  context.CancelFunc
	pendingConv string
	activeToken uint64
	nextToken   uint64

	subMu   sync.Mutex
	subs    map[int]chan any
	nextSub int
	done    chan struct{}
}

func NewPipeline(repo *Repository, client generate.Client, metrics *observability.Metrics, errorText string) *Pipeline {
	if strings.TrimSpace(errorText) == "" {
		errorText = DefaultErrorReply
	}
	return &Pipeline{
		repo:      repo,
		client:    client,
		metrics:   metrics,
		errorText: errorText,
		subs:      make(map[int]chan any),
		done:      make(chan struct{}),
	}
}

// Subscribe registers a collaborator for change notifications. Events are
// dropped rather than blocking when the subscriber falls behind.
func (p *Pipeline) Subscribe() (<-chan any, func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	id := p.nextSub
	p.nextSub++
	ch := make(chan any, 64)
	p.subs[id] = ch

	return ch, func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
}

// Submit runs the round-trip for one user turn. It appends the user message
// synchronously and completes the generation exchange in the background;
// collaborators observe progress through Subscribe. An empty submit (no
// trimmed text, no file) returns ErrNothingToSend and changes nothing.
func (p *Pipeline) Submit(ctx context.Context, text string, file *FileAttachment) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" && file == nil {
		p.metrics.Submits.WithLabelValues("noop").Inc()
		return ErrNothingToSend
	}

	p.supersede("superseded")

	convID := p.repo.Current()
	conv, err := p.repo.Append(ctx, convID, Message{
		Role: RoleUser,
		Text: trimmed,
		File: file,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		p.reportPersistFailure(convID, err)
	}
	p.publish(protocol.ConversationUpdated{
		Type:         protocol.TypeConversationUpdated,
		Conversation: conv,
	})
	p.publish(protocol.AssistantPending{
		Type:           protocol.TypeAssistantPending,
		ConversationID: convID,
		Pending:        true,
	})

	// The send must outlive the submitting request, so it hangs off the
	// pipeline lifetime rather than the caller's context. Cancellation
	// happens only by supersession or Close.
	sendCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.nextToken++
	token := p.nextToken
	p.sendCancel = cancel
	p.pendingConv = convID
	p.activeToken = token
	p.mu.Unlock()

	prompt := generate.BuildPrompt(conv.Messages)
	go p.runSend(sendCtx, cancel, token, convID, prompt)
	return nil
}

// StartNewConversation supersedes any in-flight send, then creates and
// switches to a fresh conversation.
func (p *Pipeline) StartNewConversation(ctx context.Context) (string, error) {
	p.supersede("new_conversation")

	id, err := p.repo.StartNew(ctx)
	if err != nil {
		return "", err
	}
	p.metrics.Conversations.Set(float64(p.repo.Count()))

	conv, err := p.repo.Get(id)
	if err != nil {
		return "", err
	}
	p.publish(protocol.ConversationStarted{
		Type:           protocol.TypeConversationStarted,
		ConversationID: id,
	})
	p.publish(protocol.ConversationUpdated{
		Type:         protocol.TypeConversationUpdated,
		Conversation: conv,
	})
	return id, nil
}

// SetCurrent switches the current conversation pointer.
func (p *Pipeline) SetCurrent(ctx context.Context, id string) error {
	if err := p.repo.SetCurrent(ctx, id); err != nil {
		return err
	}
	conv, err := p.repo.Get(id)
	if err != nil {
		return err
	}
	p.publish(protocol.ConversationUpdated{
		Type:         protocol.TypeConversationUpdated,
		Conversation: conv,
	})
	return nil
}

func (p *Pipeline) Current() string { return p.repo.Current() }

func (p *Pipeline) Conversation(id string) (Conversation, error) { return p.repo.Get(id) }

func (p *Pipeline) Conversations() []Summary { return p.repo.List() }

// Close cancels any in-flight send and closes all subscriber channels.
func (p *Pipeline) Close() {
	p.supersede("closed")

	p.subMu.Lock()
	defer p.subMu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	close(p.done)
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}

func (p *Pipeline) runSend(ctx context.Context, cancel context.CancelFunc, token uint64, convID, prompt string) {
	defer cancel()

	start := time.Now()
	reply, err := p.client.Generate(ctx, prompt)
	p.metrics.ObserveGenerateLatency(time.Since(start))

	// A newer submit may have superseded this send while the call was in
	// flight; its result must never reach state.
	p.mu.Lock()
	if p.activeToken != token {
		p.mu.Unlock()
		p.metrics.Submits.WithLabelValues("superseded").Inc()
		return
	}
	p.sendCancel = nil
	p.pendingConv = ""
	p.activeToken = 0
	p.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			p.metrics.Submits.WithLabelValues("superseded").Inc()
			return
		}
		p.finishWithError(convID, err)
		return
	}

	p.finishWithReply(convID, reply)
}

func (p *Pipeline) finishWithReply(convID, reply string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	conv, err := p.repo.Append(ctx, convID, Message{
		Role: RoleAssistant,
		Text: reply,
	})
	if err != nil {
		p.reportPersistFailure(convID, err)
	}
	p.metrics.Submits.WithLabelValues("completed").Inc()
	p.publish(protocol.ConversationUpdated{
		Type:         protocol.TypeConversationUpdated,
		Conversation: conv,
	})
	p.publish(protocol.AssistantPending{
		Type:           protocol.TypeAssistantPending,
		ConversationID: convID,
		Pending:        false,
	})
}

// finishWithError converts a transport or endpoint failure into a single
// generic assistant message. The real error is logged for diagnostics and
// never shown to the user.
func (p *Pipeline) finishWithError(convID string, genErr error) {
	log.Printf("generate failed for conversation %s: %v", convID, genErr)

	var apiErr *generate.APIError
	code := "network_error"
	retryable := true
	if errors.As(genErr, &apiErr) {
		code = "api_error"
		retryable = reliability.IsRetryableHTTPStatus(apiErr.Status)
	}
	p.publish(protocol.ErrorEvent{
		Type:           protocol.TypeErrorEvent,
		ConversationID: convID,
		Code:           code,
		Source:         "generate",
		Retryable:      retryable,
		Detail:         "generation request failed",
	})

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	conv, err := p.repo.Append(ctx, convID, Message{
		Role: RoleAssistant,
		Text: p.errorText,
	})
	if err != nil {
		p.reportPersistFailure(convID, err)
	}
	p.metrics.Submits.WithLabelValues("failed").Inc()
	p.publish(protocol.ConversationUpdated{
		Type:         protocol.TypeConversationUpdated,
		Conversation: conv,
	})
	p.publish(protocol.AssistantPending{
		Type:           protocol.TypeAssistantPending,
		ConversationID: convID,
		Pending:        false,
	})
}

// supersede invalidates and cancels the in-flight send, if any. The token
// reset happens before cancel so the stale goroutine can never win the race
// and apply its result.
func (p *Pipeline) supersede(reason string) {
	p.mu.Lock()
	cancel := p.sendCancel
	convID := p.pendingConv
	p.sendCancel = nil
	p.pendingConv = ""
	p.activeToken = 0
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.publish(protocol.AssistantPending{
		Type:           protocol.TypeAssistantPending,
		ConversationID: convID,
		Pending:        false,
		Reason:         reason,
	})
}

func (p *Pipeline) reportPersistFailure(convID string, err error) {
	log.Printf("persist failed for conversation %s: %v", convID, err)
	p.metrics.PersistFailures.Inc()
	p.publish(protocol.ErrorEvent{
		Type:           protocol.TypeErrorEvent,
		ConversationID: convID,
		Code:           "persist_failed",
		Source:         "store",
		Retryable:      false,
		Detail:         "state could not be saved",
	})
}

func (p *Pipeline) publish(evt any) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- evt:
		default:
			p.metrics.SubscriberDrops.Inc()
		}
	}
}
