// Package api implements the HTTP surface of the studio: conversation
// CRUD, the sendMessage turn endpoint, artifact retrieval, usage
// summaries, and the websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"atelier/internal/artifact"
	"atelier/internal/citation"
	"atelier/internal/conversation"
	"atelier/internal/orchestrator"
	"atelier/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TurnRunner runs one conversation turn. Implemented by the
// orchestrator.
type TurnRunner interface {
	RunTurn(ctx context.Context, conversationID, userText string) (*orchestrator.TurnOutcome, error)
}

// ConversationStore is the read/CRUD slice of the conversation store
// the API exposes.
type ConversationStore interface {
	Create(ctx context.Context, id string) (*conversation.Conversation, error)
	Get(ctx context.Context, id string) (*conversation.Conversation, error)
	List(ctx context.Context) ([]*conversation.Conversation, error)
	Messages(ctx context.Context, id string) ([]conversation.Message, error)
	Delete(ctx context.Context, id string) error
}

// TaskCanceler stops pending background work for a conversation.
// Implemented by the enrichment scheduler.
type TaskCanceler interface {
	Cancel(conversationID string)
}

// UsageReader serves aggregated usage summaries.
type UsageReader interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByModel(start, end time.Time) (map[string]*usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	addr      string
	runner    TurnRunner
	store     ConversationStore
	artifacts *artifact.Store
	usages    UsageReader
	hub       *Hub
	canceler  TaskCanceler
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates an API server. usages and hub may be nil; the
// corresponding endpoints then report unavailable.
func NewServer(addr string, runner TurnRunner, store ConversationStore, artifacts *artifact.Store, usages UsageReader, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:      addr,
		runner:    runner,
		store:     store,
		artifacts: artifacts,
		usages:    usages,
		hub:       hub,
		logger:    logger.With("component", "api"),
	}
}

// SetTaskCanceler registers a canceler invoked after a conversation is
// deleted. Must be set before Start.
func (s *Server) SetTaskCanceler(c TaskCanceler) {
	s.canceler = c
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/conversations", s.handleConversationCreate)
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationDelete)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /v1/conversations/{id}/events", s.handleEvents)

	mux.HandleFunc("GET /v1/artifacts", s.handleArtifactList)
	mux.HandleFunc("GET /v1/artifacts/{name...}", s.handleArtifactGet)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server listening", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]apiError{"error": {Code: code, Message: fmt.Sprintf(format, args...)}}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Create(r.Context(), "")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "create conversation: %v", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "list conversations: %v", err)
		return
	}
	if list == nil {
		list = []*conversation.Conversation{}
	}
	writeJSON(w, map[string]any{"conversations": list}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.Get(r.Context(), id)
	if errors.Is(err, conversation.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", "conversation %s not found", id)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "get conversation: %v", err)
		return
	}

	msgs, err := s.store.Messages(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "load messages: %v", err)
		return
	}
	writeJSON(w, map[string]any{"conversation": conv, "messages": msgs}, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.Delete(r.Context(), id)
	if errors.Is(err, conversation.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", "conversation %s not found", id)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "delete conversation: %v", err)
		return
	}
	if s.canceler != nil {
		s.canceler.Cancel(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type sendMessageResponse struct {
	UserMessage      *conversation.Message `json:"user_message"`
	AssistantMessage *conversation.Message `json:"assistant_message"`
	Citations        []citation.Citation   `json:"citations"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "decode body: %v", err)
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "text is required")
		return
	}

	outcome, err := s.runner.RunTurn(r.Context(), id, req.Text)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrTurnInProgress):
		s.writeError(w, http.StatusConflict, "turn_in_progress", "a turn is already running for this conversation")
		return
	case errors.Is(err, orchestrator.ErrIterationCap):
		// Distinct code so clients can suggest rephrasing instead of
		// showing a generic failure.
		s.writeError(w, http.StatusUnprocessableEntity, "iteration_cap_exceeded", "the assistant could not converge on an answer; try rephrasing")
		return
	case errors.Is(err, orchestrator.ErrModelTransport):
		s.writeError(w, http.StatusBadGateway, "model_unavailable", "the model could not be reached")
		return
	case errors.Is(err, conversation.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", "conversation %s not found", id)
		return
	default:
		s.writeError(w, http.StatusInternalServerError, "internal", "turn failed: %v", err)
		return
	}

	citations := outcome.Citations
	if citations == nil {
		citations = []citation.Citation{}
	}
	writeJSON(w, sendMessageResponse{
		UserMessage:      outcome.UserMessage,
		AssistantMessage: outcome.AssistantMessage,
		Citations:        citations,
	}, s.logger)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusNotImplemented, "unavailable", "event stream not enabled")
		return
	}
	id := r.PathValue("id")
	if _, err := s.store.Get(r.Context(), id); errors.Is(err, conversation.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", "conversation %s not found", id)
		return
	}
	s.hub.ServeConversation(w, r, id)
}

func (s *Server) handleArtifactList(w http.ResponseWriter, r *http.Request) {
	list, err := s.artifacts.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "list artifacts: %v", err)
		return
	}
	if list == nil {
		list = []artifact.Artifact{}
	}
	writeJSON(w, map[string]any{"artifacts": list}, s.logger)
}

func (s *Server) handleArtifactGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	// /v1/artifacts/{name}/preview renders markdown artifacts.
	if base, ok := strings.CutSuffix(name, "/preview"); ok && base != "" {
		html, err := s.artifacts.PreviewHTML(base)
		if err != nil {
			s.writeError(w, http.StatusNotFound, "not_found", "no preview: %v", err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(html)
		return
	}

	f, err := s.artifacts.Open(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", "artifact %s not found", name)
		return
	}
	defer f.Close()

	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Debug("artifact stream interrupted", "name", name, "error", err)
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usages == nil {
		s.writeError(w, http.StatusNotImplemented, "unavailable", "usage tracking not enabled")
		return
	}

	end := time.Now().Add(time.Minute)
	start := end.Add(-30 * 24 * time.Hour)
	if d := r.URL.Query().Get("days"); d != "" {
		var days int
		if _, err := fmt.Sscanf(d, "%d", &days); err != nil || days <= 0 {
			s.writeError(w, http.StatusBadRequest, "bad_request", "invalid days parameter")
			return
		}
		start = end.Add(-time.Duration(days) * 24 * time.Hour)
	}

	total, err := s.usages.Summary(start, end)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "usage summary: %v", err)
		return
	}
	byModel, err := s.usages.SummaryByModel(start, end)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "usage by model: %v", err)
		return
	}
	writeJSON(w, map[string]any{"total": total, "by_model": byModel}, s.logger)
}
