package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/router"
)

// The /v1 endpoints speak the OpenAI wire shapes so existing clients
// can point at the mesh unchanged. "model" selects the capability:
// "auto" (or empty) routes by intent, anything else is an explicit
// path or cap_id.

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   usageInfo    `json:"usage"`
}

type usageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatResult is what the chat handlers return in their payload.
type chatResult struct {
	Model   string `json:"model"`
	Content string `json:"content"`
}

// modelIntent maps the request's model field onto a routing intent.
func modelIntent(model, text string, capType capability.Type, tool string) router.Intent {
	model = strings.TrimSpace(model)
	if model == "" || strings.EqualFold(model, "auto") {
		return router.Intent{Text: text, Type: capType, Tool: tool}
	}
	return router.Intent{ExplicitPath: model, Tool: tool}
}

// lastUserText picks the routing text: the newest user message, or the
// newest message of any role when the caller sent none.
func lastUserText(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}

// estimateTokens approximates usage for clients that meter on it. The
// handlers do not report real token counts across the mesh.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err, false)
		return
	}
	if len(req.Messages) == 0 {
		writeErr(w, core.Errorf(core.CodeValidation, "messages must not be empty"), false)
		return
	}

	text := lastUserText(req.Messages)
	dec, err := s.node.Router().Route(modelIntent(req.Model, text, capability.TypeLLMChat, "chat"))
	if err != nil {
		writeErr(w, err, false)
		return
	}

	payload, err := json.Marshal(map[string]any{"messages": req.Messages})
	if err != nil {
		writeErr(w, core.WrapErr(core.CodeHandlerError, err, "encoding payload"), false)
		return
	}
	exReq := executor.Request{CapID: dec.CapID, Tool: "chat", Payload: payload}

	if req.Stream {
		s.streamChat(w, r, dec, exReq, text)
		return
	}

	res, err := s.node.Executor().Execute(r.Context(), dec, exReq)
	if err != nil {
		writeErr(w, err, r.Context().Err() != nil)
		return
	}

	var cr chatResult
	if err := json.Unmarshal(res.Payload, &cr); err != nil || cr.Content == "" {
		// a capability that answers something other than {model,
		// content} still gets surfaced, just unparsed
		cr.Content = string(res.Payload)
	}
	if cr.Model == "" {
		cr.Model = res.CapID
	}

	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   cr.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: cr.Content},
			FinishReason: "stop",
		}},
		Usage: usageInfo{
			PromptTokens:     estimateTokens(text),
			CompletionTokens: estimateTokens(cr.Content),
			TotalTokens:      estimateTokens(text) + estimateTokens(cr.Content),
		},
	})
}

// streamChat bridges executor stream chunks into SSE chat chunks.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, dec *router.Decision, exReq executor.Request, prompt string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, core.Errorf(core.CodeValidation, "streaming is not supported on this connection"), false)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	model := dec.CapID

	writeChunk := func(delta map[string]any, finish any) {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
		raw, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", raw)
		flusher.Flush()
	}

	writeChunk(map[string]any{"role": "assistant"}, nil)

	_, err := s.node.Executor().ExecuteStream(r.Context(), dec, exReq, func(raw json.RawMessage) error {
		var d struct {
			Delta string `json:"delta"`
		}
		if json.Unmarshal(raw, &d) == nil && d.Delta != "" {
			writeChunk(map[string]any{"content": d.Delta}, nil)
		}
		return nil
	})
	if err != nil {
		// headers are long gone, report in-band the way upstream does
		body, _ := json.Marshal(map[string]any{
			"error": map[string]any{"code": core.CodeOf(err), "message": err.Error()},
		})
		fmt.Fprintf(w, "data: %s\n\n", body)
		flusher.Flush()
		return
	}

	writeChunk(map[string]any{}, "stop")
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

type embeddingsRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

// embedResult is the payload shape the embed handlers return.
type embedResult struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
	Dims       int         `json:"dims"`
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err, false)
		return
	}
	if req.Input == nil {
		writeErr(w, core.Errorf(core.CodeValidation, "input is required"), false)
		return
	}

	text := ""
	if v, ok := req.Input.(string); ok {
		text = v
	}
	dec, err := s.node.Router().Route(modelIntent(req.Model, text, capability.TypeLLMEmbed, "embed"))
	if err != nil {
		writeErr(w, err, false)
		return
	}

	payload, err := json.Marshal(map[string]any{"input": req.Input})
	if err != nil {
		writeErr(w, core.WrapErr(core.CodeHandlerError, err, "encoding payload"), false)
		return
	}
	res, err := s.node.Executor().Execute(r.Context(), dec, executor.Request{
		CapID: dec.CapID, Tool: "embed", Payload: payload,
	})
	if err != nil {
		writeErr(w, err, r.Context().Err() != nil)
		return
	}

	var er embedResult
	if err := json.Unmarshal(res.Payload, &er); err != nil {
		writeErr(w, core.WrapErr(core.CodeHandlerError, err, "decoding embeddings"), false)
		return
	}
	if er.Model == "" {
		er.Model = res.CapID
	}

	data := make([]map[string]any, 0, len(er.Embeddings))
	for i, emb := range er.Embeddings {
		data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": emb})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
		"model":  er.Model,
		"usage":  usageInfo{PromptTokens: estimateTokens(text), TotalTokens: estimateTokens(text)},
	})
}

// handleModels lists capabilities as OpenAI models so client pickers
// can show what the mesh serves.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	recs := s.node.Registry().List(registry.Filter{})
	data := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		data = append(data, map[string]any{
			"id":       rec.CapID,
			"object":   "model",
			"created":  rec.UpdatedAt.Unix(),
			"owned_by": rec.NodeID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}
