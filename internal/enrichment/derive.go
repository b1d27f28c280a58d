package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"atelier/internal/conversation"
	"atelier/internal/llm"
)

const signalsPrompt = `Analyze the conversation below and extract up to 5 topic signals.
Respond with a JSON array of objects: [{"label": "<short topic tag>", "score": <0.0-1.0 relevance>}].
Respond with JSON only, no commentary.`

const titlePrompt = `Write a short title (at most 8 words) for the conversation below.
Respond with JSON: {"title": "<the title>"}.
Respond with JSON only, no commentary.`

// maxTranscriptChars bounds how much history goes into a derivation
// prompt.
const maxTranscriptChars = 8000

// deriveSignals makes one model call to tag the conversation and
// writes the result back if the conversation still exists.
func (s *Scheduler) deriveSignals(ctx context.Context, convID string) error {
	transcript, err := s.transcript(ctx, convID)
	if err != nil {
		return err
	}

	resp, err := s.client.Chat(ctx, s.cfg.Model, []llm.Message{
		{Role: "system", Content: signalsPrompt},
		{Role: "user", Content: transcript},
	}, nil)
	if err != nil {
		return fmt.Errorf("derive signals: %w", err)
	}

	signals := parseSignalsResponse(resp.Message.Content, s.logger)
	if len(signals) == 0 {
		return fmt.Errorf("no signals derived")
	}

	ok, err := s.store.SetSignals(ctx, convID, signals)
	if err != nil {
		return fmt.Errorf("store signals: %w", err)
	}
	if !ok {
		// Conversation deleted while we worked; drop the result.
		s.logger.Debug("signals dropped, conversation gone", "conversation_id", convID)
		return nil
	}

	s.notify("signals", convID, signals)
	return nil
}

// deriveTitle makes one model call to title the conversation, gated on
// it having enough user turns and no title yet.
func (s *Scheduler) deriveTitle(ctx context.Context, convID string) error {
	conv, err := s.store.Get(ctx, convID)
	if errors.Is(err, conversation.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.Title != "" {
		return nil
	}

	turns, err := s.store.UserTurns(ctx, convID)
	if err != nil {
		return err
	}
	if turns < s.cfg.MinTurnsForTitle {
		return nil
	}

	transcript, err := s.transcript(ctx, convID)
	if err != nil {
		return err
	}

	resp, err := s.client.Chat(ctx, s.cfg.Model, []llm.Message{
		{Role: "system", Content: titlePrompt},
		{Role: "user", Content: transcript},
	}, nil)
	if err != nil {
		return fmt.Errorf("derive title: %w", err)
	}

	title := parseTitleResponse(resp.Message.Content, s.logger)
	if title == "" {
		return fmt.Errorf("no title derived")
	}

	ok, err := s.store.SetTitle(ctx, convID, title)
	if err != nil {
		return fmt.Errorf("store title: %w", err)
	}
	if !ok {
		s.logger.Debug("title dropped, conversation gone or already titled", "conversation_id", convID)
		return nil
	}

	s.notify("title", convID, title)
	return nil
}

func (s *Scheduler) transcript(ctx context.Context, convID string) (string, error) {
	msgs, err := s.store.Messages(ctx, convID)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("conversation %s has no messages", convID)
	}

	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n\n", m.Role, m.Content)
	}
	text := b.String()
	if len(text) > maxTranscriptChars {
		text = text[len(text)-maxTranscriptChars:]
	}
	return text, nil
}

// stripFences removes markdown code fences that models wrap JSON in.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json\n")
	content = strings.TrimPrefix(content, "```\n")
	content = strings.TrimSuffix(content, "\n```")
	return strings.TrimSpace(content)
}

// parseSignalsResponse decodes the model's signal list. On a parse
// failure it falls back to treating the raw text as comma-separated
// labels rather than discarding the call.
func parseSignalsResponse(content string, logger *slog.Logger) []conversation.StudioSignal {
	content = stripFences(content)

	var signals []conversation.StudioSignal
	if err := json.Unmarshal([]byte(content), &signals); err == nil {
		out := signals[:0]
		for _, sig := range signals {
			if sig.Label != "" {
				out = append(out, sig)
			}
		}
		return out
	}

	logger.Warn("signals JSON parse failed, using raw labels")
	var out []conversation.StudioSignal
	for _, label := range strings.Split(content, ",") {
		label = strings.TrimSpace(label)
		if label != "" && len(label) < 64 {
			out = append(out, conversation.StudioSignal{Label: label, Score: 0})
		}
	}
	return out
}

// parseTitleResponse decodes the model's title. On a parse failure the
// raw text is used as the title directly.
func parseTitleResponse(content string, logger *slog.Logger) string {
	content = stripFences(content)

	var result struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(content), &result); err == nil && result.Title != "" {
		return strings.TrimSpace(result.Title)
	}

	logger.Warn("title JSON parse failed, using raw text")
	title := strings.Trim(content, `"`)
	if len(title) > 120 {
		title = title[:120]
	}
	return strings.TrimSpace(title)
}
