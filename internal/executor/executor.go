package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/circuitbreaker"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/metrics"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/router"
)

// Options are the per-family invocation deadlines. Callers with a
// tighter budget pass their own context deadline; the earlier one wins.
type Options struct {
	LLMTimeout    time.Duration // model work: llm, vision, audio, ml, agent
	ToolTimeout   time.Duration // tool and iot calls
	SensorTimeout time.Duration // sensor reads go stale fast
}

func (o Options) withDefaults() Options {
	if o.LLMTimeout <= 0 {
		o.LLMTimeout = 30 * time.Second
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = 5 * time.Second
	}
	if o.SensorTimeout <= 0 {
		o.SensorTimeout = 2 * time.Second
	}
	return o
}

// DeadlineFor maps a capability type onto its family deadline.
func DeadlineFor(t capability.Type, o Options) time.Duration {
	switch t.Family() {
	case "sensor":
		return o.SensorTimeout
	case "tool", "iot":
		return o.ToolTimeout
	default:
		return o.LLMTimeout
	}
}

// RemoteRequest is the wire form of an invocation.
type RemoteRequest struct {
	CapID     string          `json:"cap_id"`
	Tool      string          `json:"tool,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"` // advisory for the serving side
}

// RemoteInvoker carries an invocation to another node and returns its
// result. emit receives streamed chunks and may be nil. The transport
// manager implements this.
type RemoteInvoker interface {
	InvokeRemote(ctx context.Context, nodeID string, req RemoteRequest, emit func(json.RawMessage) error) (json.RawMessage, error)
}

// Attempt records one try against one target.
type Attempt struct {
	CapID     string    `json:"cap_id"`
	NodeID    string    `json:"node_id"`
	Placement string    `json:"placement"` // local | remote
	Code      core.Code `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
}

// Result is a completed invocation.
type Result struct {
	CapID    string          `json:"cap_id"`
	NodeID   string          `json:"node_id"`
	Local    bool            `json:"local"`
	FellBack bool            `json:"fell_back,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Attempts []Attempt       `json:"attempts"`
	Elapsed  time.Duration   `json:"-"`
}

// Executor dispatches invocations locally or across the mesh.
type Executor struct {
	selfNode string
	reg      *registry.Registry
	dispatch *Dispatcher
	remote   RemoteInvoker
	breakers *circuitbreaker.Set
	opts     Options
	met      *metrics.Metrics
	logger   *slog.Logger
}

// New wires an executor. remote may be nil for a node that has not
// joined a mesh; remote targets then fail as unavailable.
func New(selfNode string, reg *registry.Registry, dispatch *Dispatcher, remote RemoteInvoker, breakers *circuitbreaker.Set, opts Options, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		selfNode: selfNode,
		reg:      reg,
		dispatch: dispatch,
		remote:   remote,
		breakers: breakers,
		opts:     opts.withDefaults(),
		met:      metrics.Default(),
		logger:   logger.With("component", "executor"),
	}
}

// SetRemote installs the transport after a mesh join.
func (e *Executor) SetRemote(remote RemoteInvoker) { e.remote = remote }

// Execute runs the decided invocation to completion.
func (e *Executor) Execute(ctx context.Context, dec *router.Decision, req Request) (*Result, error) {
	return e.ExecuteStream(ctx, dec, req, nil)
}

// ExecuteStream runs the invocation, forwarding partial results to
// emit. When the winner fails before emitting anything, at most one
// alternative is tried; a stream that already produced chunks never
// falls back, a replay would duplicate output the caller has seen.
func (e *Executor) ExecuteStream(ctx context.Context, dec *router.Decision, req Request, emit func(json.RawMessage) error) (*Result, error) {
	start := time.Now()
	res := &Result{}

	emitted := false
	var wrapped func(json.RawMessage) error
	if emit != nil {
		wrapped = func(chunk json.RawMessage) error {
			emitted = true
			return emit(chunk)
		}
	}

	payload, err := e.invokeOne(ctx, dec.CapID, dec.NodeID, req, wrapped, res)
	if err == nil {
		res.CapID, res.NodeID, res.Local = dec.CapID, dec.NodeID, dec.NodeID == e.selfNode
		res.Payload = payload
		res.Elapsed = time.Since(start)
		return res, nil
	}

	alt := e.fallbackTarget(dec, err, req)
	if alt == nil || emitted {
		return nil, attachAttempts(err, res.Attempts)
	}

	e.met.InvokeFallback.Inc()
	e.logger.Warn("falling back to alternative",
		"failed", dec.CapID, "alternative", alt.CapID, "cause", core.CodeOf(err))
	res.FellBack = true

	payload, err = e.invokeOne(ctx, alt.CapID, alt.NodeID, req, wrapped, res)
	if err != nil {
		return nil, attachAttempts(err, res.Attempts)
	}
	res.CapID, res.NodeID, res.Local = alt.CapID, alt.NodeID, alt.NodeID == e.selfNode
	res.Payload = payload
	res.Elapsed = time.Since(start)
	return res, nil
}

func (e *Executor) invokeOne(ctx context.Context, capID, nodeID string, req Request, emit func(json.RawMessage) error, res *Result) (json.RawMessage, error) {
	began := time.Now()

	family := "unknown"
	deadline := e.opts.LLMTimeout
	if rec, ok := e.reg.Get(capID); ok {
		family = rec.Type.Family()
		deadline = DeadlineFor(rec.Type, e.opts)
	}

	ictx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req.CapID = capID
	local := nodeID == e.selfNode
	placement := "remote"
	if local {
		placement = "local"
	}

	var payload json.RawMessage
	var err error
	switch {
	case local:
		payload, err = e.dispatch.HandleStream(ictx, req, emit)
	case e.remote == nil:
		err = core.Errorf(core.CodeUnavailable, "node %s is remote and this node has no mesh transport", nodeID)
	default:
		b := e.breakers.For(nodeID)
		err = b.Do(ictx, func(c context.Context) error {
			var ierr error
			payload, ierr = e.remote.InvokeRemote(c, nodeID, RemoteRequest{
				CapID:     capID,
				Tool:      req.Tool,
				Payload:   req.Payload,
				TimeoutMS: deadline.Milliseconds(),
			}, emit)
			return ierr
		})
	}

	elapsed := time.Since(began)
	att := Attempt{CapID: capID, NodeID: nodeID, Placement: placement, ElapsedMS: elapsed.Milliseconds()}
	codeLabel := "ok"
	if err != nil {
		att.Code = core.CodeOf(err)
		att.Error = err.Error()
		codeLabel = string(att.Code)
	}
	res.Attempts = append(res.Attempts, att)
	e.met.RecordInvoke(family, placement, codeLabel, elapsed.Seconds())
	return payload, err
}

// fallbackTarget picks the one alternative worth trying, or nil.
// Transport-class failures never reached a handler, so anything may
// retry; other failures retry only for tools marked idempotent.
// Explicit routes never fall back: the owner named the target.
func (e *Executor) fallbackTarget(dec *router.Decision, err error, req Request) *router.Candidate {
	if dec.Explicit || len(dec.Alternatives) == 0 {
		return nil
	}
	code := core.CodeOf(err)
	transportClass := code == core.CodeTransportFailure || code == core.CodeUnavailable
	if !transportClass {
		if !e.idempotentTool(dec.CapID, req.Tool) {
			return nil
		}
		switch code {
		case core.CodeTimeout, core.CodeHandlerError:
		default:
			return nil
		}
	}
	// a failed link or a hung node taints every capability it hosts
	for i := range dec.Alternatives {
		if dec.Alternatives[i].NodeID != dec.NodeID {
			return &dec.Alternatives[i]
		}
	}
	return nil
}

func (e *Executor) idempotentTool(capID, tool string) bool {
	if tool == "" {
		return false
	}
	rec, ok := e.reg.Get(capID)
	if !ok {
		return false
	}
	t, ok := rec.FindTool(tool)
	return ok && t.Idempotent
}

func attachAttempts(err error, attempts []Attempt) error {
	var me *core.Error
	if errors.As(err, &me) {
		return me.WithDetail("attempts", attempts)
	}
	return core.WrapErr(core.CodeOf(err), err, "invocation failed").WithDetail("attempts", attempts)
}
