package executor

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// One narrow contract per capability class. Providers implement the
// contract for what they serve and register through ForType; the
// capability's type tag decides which contract is required, so an
// llm/chat capability can never end up bound to a sensor reader.
// Method names are distinct on purpose: satisfying one contract must
// not accidentally satisfy another.

type ChatHandler interface {
	Chat(ctx context.Context, req Request) (json.RawMessage, error)
}

type EmbedHandler interface {
	Embed(ctx context.Context, req Request) (json.RawMessage, error)
}

type ClassifyHandler interface {
	Classify(ctx context.Context, req Request) (json.RawMessage, error)
}

type DetectHandler interface {
	Detect(ctx context.Context, req Request) (json.RawMessage, error)
}

type TranscribeHandler interface {
	Transcribe(ctx context.Context, req Request) (json.RawMessage, error)
}

type SpeakHandler interface {
	Speak(ctx context.Context, req Request) (json.RawMessage, error)
}

type AnomalyHandler interface {
	DetectAnomalies(ctx context.Context, req Request) (json.RawMessage, error)
}

type ToolHandler interface {
	Call(ctx context.Context, req Request) (json.RawMessage, error)
}

type SensorHandler interface {
	Read(ctx context.Context, req Request) (json.RawMessage, error)
}

type AgentHandler interface {
	Act(ctx context.Context, req Request) (json.RawMessage, error)
}

// ForType adapts a typed provider to the generic Handler by its
// capability class. A provider that also implements Streamer keeps
// streaming through the adapter.
func ForType(t capability.Type, v any) (Handler, error) {
	fn, err := invokeFor(t, v)
	if err != nil {
		return nil, err
	}
	if s, ok := v.(Streamer); ok {
		return &streamingAdapter{invoke: fn, stream: s}, nil
	}
	return HandlerFunc(fn), nil
}

func invokeFor(t capability.Type, v any) (func(context.Context, Request) (json.RawMessage, error), error) {
	ts := string(t)
	switch {
	case t == capability.TypeLLMChat:
		if h, ok := v.(ChatHandler); ok {
			return h.Chat, nil
		}
	case t == capability.TypeLLMEmbed:
		if h, ok := v.(EmbedHandler); ok {
			return h.Embed, nil
		}
	case t == capability.TypeVisionClassify || t == capability.TypeMLClassify:
		if h, ok := v.(ClassifyHandler); ok {
			return h.Classify, nil
		}
	case t == capability.TypeVisionDetect:
		if h, ok := v.(DetectHandler); ok {
			return h.Detect, nil
		}
	case t == capability.TypeAudioTranscribe:
		if h, ok := v.(TranscribeHandler); ok {
			return h.Transcribe, nil
		}
	case t == capability.TypeAudioSpeak:
		if h, ok := v.(SpeakHandler); ok {
			return h.Speak, nil
		}
	case t == capability.TypeMLAnomaly:
		if h, ok := v.(AnomalyHandler); ok {
			return h.DetectAnomalies, nil
		}
	case strings.HasPrefix(ts, "tool/"):
		if h, ok := v.(ToolHandler); ok {
			return h.Call, nil
		}
	case strings.HasPrefix(ts, "sensor/"):
		if h, ok := v.(SensorHandler); ok {
			return h.Read, nil
		}
	case strings.HasPrefix(ts, "iot/"):
		// an iot device reads like a sensor or actuates like a tool
		if h, ok := v.(SensorHandler); ok {
			return h.Read, nil
		}
		if h, ok := v.(ToolHandler); ok {
			return h.Call, nil
		}
	case strings.HasPrefix(ts, "agent/"):
		if h, ok := v.(AgentHandler); ok {
			return h.Act, nil
		}
	default:
		return nil, core.Errorf(core.CodeValidation, "no handler contract for capability type %q", t)
	}
	return nil, core.Errorf(core.CodeValidation, "%T does not implement the %s contract", v, t)
}

type streamingAdapter struct {
	invoke func(context.Context, Request) (json.RawMessage, error)
	stream Streamer
}

func (a *streamingAdapter) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	return a.invoke(ctx, req)
}

func (a *streamingAdapter) InvokeStream(ctx context.Context, req Request, emit func(json.RawMessage) error) (json.RawMessage, error) {
	return a.stream.InvokeStream(ctx, req, emit)
}

// RegisterTyped binds a typed provider to the capability through its
// class contract.
func (d *Dispatcher) RegisterTyped(cap capability.Capability, v any) error {
	h, err := ForType(cap.Type, v)
	if err != nil {
		return err
	}
	return d.Register(cap, h)
}
