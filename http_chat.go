package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxRequestBody = 4 << 20

// --- OpenAI-compatible request/response shapes ---

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// text returns the message content whether it was sent as a plain string or
// as an array of typed parts.
func (m chatMessage) text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			if sb.Len() > 0 && p.Text != "" {
				sb.WriteByte('\n')
			}
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int                 `json:"index"`
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chatChunkChoice struct {
	Index        int       `json:"index"`
	Delta        chatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type chatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
}

// latestUserPrompt picks the newest non-empty user message.
func latestUserPrompt(msgs []chatMessage) (string, error) {
	if len(msgs) == 0 {
		return "", errors.New("messages must not be empty")
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "user" {
			continue
		}
		if text := strings.TrimSpace(msgs[i].text()); text != "" {
			return text, nil
		}
	}
	return "", errors.New("no user message with content")
}

// estimateTokens is a rough 4-characters-per-token count.
func estimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// --- Handlers ---

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeRelayError(w, &RelayError{Code: CodeInvalidRequest, Message: "POST only", Status: http.StatusMethodNotAllowed})
		return
	}
	ctx := r.Context()

	var req chatCompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeRelayError(w, invalidRequest("invalid JSON body: %v", err))
		return
	}
	prompt, err := latestUserPrompt(req.Messages)
	if err != nil {
		writeRelayError(w, invalidRequest("%v", err))
		return
	}
	model := req.Model
	if model == "" {
		model = s.cfg.Models[0]
	}

	job := newJob(prompt, ModelSettings{
		Model:       model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}, traceIDFromContext(ctx))

	decision := s.dispatcher.Submit(job)
	logDebugCtx(ctx, "chat completion admitted", "jobId", job.ID, "decision", decision.String(), "stream", req.Stream)

	if req.Stream && decision != DecisionReject {
		s.streamCompletion(w, r, job, model)
		return
	}

	select {
	case o := <-job.Done():
		if o.Err != nil {
			writeRelayError(w, asRelayError(o.Err))
			return
		}
		writeJSON(w, http.StatusOK, completionResponse(model, prompt, o.Content))
	case <-ctx.Done():
		// The relay still drives the job to completion; the result is dropped.
		logInfoCtx(ctx, "caller went away before completion", "jobId", job.ID)
	}
}

func completionResponse(model, prompt, content string) chatCompletionResponse {
	p, c := estimateTokens(prompt), estimateTokens(content)
	return chatCompletionResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatResponseMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c},
	}
}

// streamCompletion forwards worker chunks as chat.completion.chunk events.
// Whatever part of the final content the caller has not seen yet (deltas
// dropped for a slow reader, or a worker that sent one complete result) goes
// out as a last delta before the stop chunk.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, job *Job, model string) {
	ctx := r.Context()
	sw, ok := startSSE(w)
	if !ok {
		// Without a flusher we can still answer once the job completes.
		select {
		case o := <-job.Done():
			if o.Err != nil {
				writeRelayError(w, asRelayError(o.Err))
				return
			}
			writeJSON(w, http.StatusOK, completionResponse(model, job.Prompt, o.Content))
		case <-ctx.Done():
		}
		return
	}

	id := newCompletionID()
	created := time.Now().Unix()
	chunk := func(delta chatDelta, finish *string) chatCompletionChunk {
		return chatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []chatChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	sw.data(chunk(chatDelta{Role: "assistant"}, nil))

	var sent strings.Builder
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case c := <-job.Chunks():
			sent.WriteString(c)
			sw.data(chunk(chatDelta{Content: c}, nil))

		case o := <-job.Done():
			// Chunks are queued before the outcome; flush what is left.
			for drained := false; !drained; {
				select {
				case c := <-job.Chunks():
					sent.WriteString(c)
					sw.data(chunk(chatDelta{Content: c}, nil))
				default:
					drained = true
				}
			}
			if o.Err != nil {
				sw.data(errorBody(asRelayError(o.Err)))
				sw.done()
				return
			}
			if rest, ok := strings.CutPrefix(o.Content, sent.String()); ok && rest != "" {
				sw.data(chunk(chatDelta{Content: rest}, nil))
			}
			stop := "stop"
			sw.data(chunk(chatDelta{}, &stop))
			sw.done()
			return

		case <-heartbeat.C:
			sw.heartbeat()

		case <-ctx.Done():
			logInfoCtx(ctx, "stream caller went away before completion", "jobId", job.ID)
			return
		}
	}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeRelayError(w, &RelayError{Code: CodeInvalidRequest, Message: "GET only", Status: http.StatusMethodNotAllowed})
		return
	}
	created := s.startTime.Unix()
	data := make([]modelEntry, 0, len(s.cfg.Models))
	for _, m := range s.cfg.Models {
		data = append(data, modelEntry{ID: m, Object: "model", Created: created, OwnedBy: "chatrelay"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}
