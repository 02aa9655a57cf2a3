package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/router"
)

// The /v1/ml endpoints front the built-in detector and classifier
// capabilities. "model" names a detector instance ("default" when
// empty), not a capability; routing picks the serving node by type, so
// these work against local and remote instances alike.

type anomalyRequest struct {
	Model     string    `json:"model,omitempty"`
	Data      []float64 `json:"data"`
	Action    string    `json:"action,omitempty"` // detect | fit | score
	Threshold float64   `json:"threshold,omitempty"`
}

func (s *Server) handleAnomaly(w http.ResponseWriter, r *http.Request) {
	var req anomalyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err, false)
		return
	}

	tool := req.Action
	if tool == "" {
		tool = "detect"
	}
	switch tool {
	case "detect", "fit", "score":
	default:
		writeErr(w, core.Errorf(core.CodeValidation, "action must be detect, fit or score"), false)
		return
	}
	if len(req.Data) == 0 {
		writeErr(w, core.Errorf(core.CodeValidation, "data must not be empty"), false)
		return
	}

	dec, err := s.node.Router().Route(router.Intent{Type: capability.TypeMLAnomaly, Tool: tool})
	if err != nil {
		writeErr(w, err, false)
		return
	}
	payload, err := json.Marshal(map[string]any{
		"model": req.Model, "values": req.Data, "threshold": req.Threshold,
	})
	if err != nil {
		writeErr(w, core.WrapErr(core.CodeHandlerError, err, "encoding payload"), false)
		return
	}

	res, err := s.node.Executor().Execute(r.Context(), dec, executor.Request{
		CapID: dec.CapID, Tool: tool, Payload: payload,
	})
	if err != nil {
		writeErr(w, err, r.Context().Err() != nil)
		return
	}
	writeJSON(w, http.StatusOK, res.Payload)
}

type classifyRequest struct {
	Model  string `json:"model,omitempty"`
	Action string `json:"action,omitempty"` // predict | fit
	Text   string `json:"text,omitempty"`
	Label  string `json:"label,omitempty"`
	// Texts trains one label; Data trains several in one call.
	Texts []string            `json:"texts,omitempty"`
	Data  map[string][]string `json:"data,omitempty"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err, false)
		return
	}

	tool := req.Action
	if tool == "" {
		tool = "predict"
	}
	switch tool {
	case "predict", "fit":
	default:
		writeErr(w, core.Errorf(core.CodeValidation, "action must be predict or fit"), false)
		return
	}

	dec, err := s.node.Router().Route(router.Intent{Type: capability.TypeMLClassify, Tool: tool})
	if err != nil {
		writeErr(w, err, false)
		return
	}

	if tool == "fit" && len(req.Data) > 0 {
		s.classifyFitBatch(w, r, dec, req)
		return
	}

	payload, err := json.Marshal(map[string]any{
		"model": req.Model, "label": req.Label, "texts": req.Texts, "text": req.Text,
	})
	if err != nil {
		writeErr(w, core.WrapErr(core.CodeHandlerError, err, "encoding payload"), false)
		return
	}
	res, err := s.node.Executor().Execute(r.Context(), dec, executor.Request{
		CapID: dec.CapID, Tool: tool, Payload: payload,
	})
	if err != nil {
		writeErr(w, err, r.Context().Err() != nil)
		return
	}
	writeJSON(w, http.StatusOK, res.Payload)
}

// classifyFitBatch trains one label per call against the same
// capability, so a whole labeled corpus can ship in one request.
func (s *Server) classifyFitBatch(w http.ResponseWriter, r *http.Request, dec *router.Decision, req classifyRequest) {
	labels := make([]string, 0, len(req.Data))
	for label := range req.Data {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var last json.RawMessage
	for _, label := range labels {
		payload, err := json.Marshal(map[string]any{
			"model": req.Model, "label": label, "texts": req.Data[label],
		})
		if err != nil {
			writeErr(w, core.WrapErr(core.CodeHandlerError, err, "encoding payload"), false)
			return
		}
		res, err := s.node.Executor().Execute(r.Context(), dec, executor.Request{
			CapID: dec.CapID, Tool: "fit", Payload: payload,
		})
		if err != nil {
			writeErr(w, err, r.Context().Err() != nil)
			return
		}
		last = res.Payload
	}
	writeJSON(w, http.StatusOK, last)
}
