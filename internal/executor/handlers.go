// Package executor runs capability invocations: local ones through
// registered handlers, remote ones through the transport, with family
// deadlines and a bounded fallback when the first target fails.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// Request is one invocation as handlers see it.
type Request struct {
	CapID    string          `json:"cap_id"`
	Tool     string          `json:"tool,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	FromNode string          `json:"from_node,omitempty"` // empty for owner-local calls
}

// Handler serves one local capability.
type Handler interface {
	Invoke(ctx context.Context, req Request) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (json.RawMessage, error)

func (f HandlerFunc) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Streamer is implemented by handlers that can emit partial results.
// emit must not be called after InvokeStream returns.
type Streamer interface {
	InvokeStream(ctx context.Context, req Request, emit func(json.RawMessage) error) (json.RawMessage, error)
}

// Dispatcher maps local cap_ids to their handlers. Tool parameter
// schemas compile once at registration, not per call.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	schemas  map[string]*openapi3.Schema // cap_id + "\x00" + tool name
	inflight atomic.Int64
	logger   *slog.Logger
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		schemas:  make(map[string]*openapi3.Schema),
		logger:   logger.With("component", "executor"),
	}
}

// Register binds a handler to the capability and compiles its tool
// schemas. Re-registering replaces the previous binding.
func (d *Dispatcher) Register(cap capability.Capability, h Handler) error {
	if h == nil {
		return core.Errorf(core.CodeValidation, "capability %s registered without a handler", cap.CapID)
	}
	compiled := make(map[string]*openapi3.Schema, len(cap.Tools))
	for _, tool := range cap.Tools {
		if len(tool.ParamSchema) == 0 {
			continue
		}
		schema := new(openapi3.Schema)
		if err := schema.UnmarshalJSON(tool.ParamSchema); err != nil {
			return core.WrapErr(core.CodeValidation, err, "tool %s of %s has an invalid param_schema", tool.Name, cap.CapID)
		}
		compiled[tool.Name] = schema
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[cap.CapID] = h
	for tool := range d.schemas {
		if capOfSchemaKey(tool) == cap.CapID {
			delete(d.schemas, tool)
		}
	}
	for name, schema := range compiled {
		d.schemas[schemaKey(cap.CapID, name)] = schema
	}
	d.logger.Debug("handler registered", "cap_id", cap.CapID, "tools", len(compiled))
	return nil
}

// Unregister removes the capability's handler and schemas.
func (d *Dispatcher) Unregister(capID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, capID)
	for key := range d.schemas {
		if capOfSchemaKey(key) == capID {
			delete(d.schemas, key)
		}
	}
}

// Has reports whether a handler is bound to the cap_id.
func (d *Dispatcher) Has(capID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[capID]
	return ok
}

// InFlight counts invocations currently running. The cost model reads
// it as the queue depth signal.
func (d *Dispatcher) InFlight() int {
	return int(d.inflight.Load())
}

// Handle runs the request through its local handler.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (json.RawMessage, error) {
	return d.HandleStream(ctx, req, nil)
}

// HandleStream runs the request, forwarding chunks to emit when both
// sides support streaming. A nil emit disables streaming.
func (d *Dispatcher) HandleStream(ctx context.Context, req Request, emit func(json.RawMessage) error) (out json.RawMessage, err error) {
	d.mu.RLock()
	h, ok := d.handlers[req.CapID]
	var schema *openapi3.Schema
	if req.Tool != "" {
		schema = d.schemas[schemaKey(req.CapID, req.Tool)]
	}
	d.mu.RUnlock()

	if !ok {
		return nil, core.Errorf(core.CodeNotFound, "no handler for %s on this node", req.CapID)
	}
	if schema != nil {
		if err := validateArgs(schema, req.Payload); err != nil {
			return nil, err
		}
	}

	d.inflight.Add(1)
	defer d.inflight.Add(-1)

	// a panicking handler must not take the node down
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "cap_id", req.CapID, "panic", fmt.Sprint(r))
			out, err = nil, core.Errorf(core.CodeHandlerError, "handler for %s panicked: %v", req.CapID, r)
		}
	}()

	if emit != nil {
		if s, streams := h.(Streamer); streams {
			return s.InvokeStream(ctx, req, emit)
		}
	}
	return h.Invoke(ctx, req)
}

func schemaKey(capID, tool string) string { return capID + "\x00" + tool }

func capOfSchemaKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i]
		}
	}
	return key
}

// validateArgs checks tool arguments against the advertised schema so
// handlers never see malformed input.
func validateArgs(schema *openapi3.Schema, args json.RawMessage) error {
	var val any
	if len(args) == 0 {
		val = map[string]any{}
	} else if err := json.Unmarshal(args, &val); err != nil {
		return core.WrapErr(core.CodeValidation, err, "tool arguments are not valid JSON")
	}
	if err := schema.VisitJSON(val, openapi3.MultiErrors()); err != nil {
		return core.WrapErr(core.CodeValidation, err, "tool arguments rejected by schema")
	}
	return nil
}
