package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/quill-chat/quill/internal/chat"
	"github.com/quill-chat/quill/internal/config"
	"github.com/quill-chat/quill/internal/observability"
	"github.com/quill-chat/quill/internal/protocol"
	"github.com/quill-chat/quill/internal/render"
)

// Pipeline is the surface the HTTP layer drives.
type Pipeline interface {
	Submit(ctx context.Context, text string, file *chat.FileAttachment) error
	StartNewConversation(ctx context.Context) (string, error)
	SetCurrent(ctx context.Context, id string) error
	Current() string
	Conversation(id string) (chat.Conversation, error)
	Conversations() []chat.Summary
	Subscribe() (<-chan any, func())
}

type Server struct {
	cfg      config.Config
	pipeline Pipeline
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, pipeline Pipeline, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections by default, so another
				// website cannot drive the user's chat session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/conversations", s.handleListConversations)
	r.Post("/v1/conversations", s.handleStartConversation)
	r.Post("/v1/conversations/current", s.handleSetCurrent)
	r.Get("/v1/conversations/{id}", s.handleGetConversation)
	r.Post("/v1/messages", s.handleSubmit)
	r.Get("/v1/chat/ws", s.handleChatWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"current_id":    s.pipeline.Current(),
		"conversations": s.pipeline.Conversations(),
	})
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	id, err := s.pipeline.StartNewConversation(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"conversation_id": id})
}

func (s *Server) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "conversation_id is required")
		return
	}
	if err := s.pipeline.SetCurrent(r.Context(), req.ConversationID); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "set_current_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"conversation_id": req.ConversationID})
}

type renderedMessage struct {
	chat.Message
	HTML string `json:"html"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.pipeline.Conversation(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
		return
	}

	if r.URL.Query().Get("render") != "html" {
		respondJSON(w, http.StatusOK, conv)
		return
	}

	messages := make([]renderedMessage, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		messages = append(messages, renderedMessage{Message: m, HTML: render.Inline(m.Text)})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":         conv.ID,
		"created_at": conv.CreatedAt,
		"updated_at": conv.UpdatedAt,
		"messages":   messages,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string               `json:"text"`
		File *chat.FileAttachment `json:"file,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	err := s.pipeline.Submit(r.Context(), req.Text, req.File)
	if errors.Is(err, chat.ErrNothingToSend) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "submit_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"conversation_id": s.pipeline.Current()})
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	outbound := make(chan any, 256)

	// Single websocket writer; everything outbound funnels through it.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				select {
				case outbound <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.sendWS(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch m := parsed.(type) {
		case protocol.SubmitMessage:
			if err := s.pipeline.Submit(ctx, m.Text, m.File); err != nil && !errors.Is(err, chat.ErrNothingToSend) {
				s.sendWS(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					Code:      "submit_failed",
					Source:    "pipeline",
					Retryable: false,
					Detail:    err.Error(),
				})
			}
		case protocol.StartConversation:
			if _, err := s.pipeline.StartNewConversation(ctx); err != nil {
				s.sendWS(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					Code:      "start_failed",
					Source:    "pipeline",
					Retryable: false,
					Detail:    err.Error(),
				})
			}
		case protocol.SetCurrent:
			if err := s.pipeline.SetCurrent(ctx, m.ConversationID); err != nil {
				s.sendWS(outbound, protocol.ErrorEvent{
					Type:           protocol.TypeErrorEvent,
					ConversationID: m.ConversationID,
					Code:           "set_current_failed",
					Source:         "pipeline",
					Retryable:      false,
					Detail:         err.Error(),
				})
			}
		}
	}

	cancel()
	<-forwardDone
	<-writerDone
}

func (s *Server) sendWS(outbound chan<- any, evt any) {
	select {
	case outbound <- evt:
	default:
		// Keep websocket writes single-threaded; drop if the queue is saturated.
		s.metrics.SubscriberDrops.Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.SubmitMessage:
		return m.Type, true
	case protocol.StartConversation:
		return m.Type, true
	case protocol.SetCurrent:
		return m.Type, true
	case protocol.ConversationUpdated:
		return m.Type, true
	case protocol.ConversationStarted:
		return m.Type, true
	case protocol.AssistantPending:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
