package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

type typedChat struct{ chunks []string }

func (h *typedChat) Chat(ctx context.Context, req Request) (json.RawMessage, error) {
	return json.RawMessage(`{"content":"hello world"}`), nil
}

func (h *typedChat) InvokeStream(ctx context.Context, req Request, emit func(json.RawMessage) error) (json.RawMessage, error) {
	for _, c := range h.chunks {
		if err := emit(json.RawMessage(fmt.Sprintf(`{"delta":%q}`, c))); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`{"content":"hello world"}`), nil
}

type typedSensor struct{}

func (typedSensor) Read(ctx context.Context, req Request) (json.RawMessage, error) {
	return json.RawMessage(`{"reading":21.5}`), nil
}

type typedTool struct{}

func (typedTool) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

type typedAgent struct{}

func (typedAgent) Act(ctx context.Context, req Request) (json.RawMessage, error) {
	return json.RawMessage(`{"done":true}`), nil
}

func TestForTypeMatchesContractByTag(t *testing.T) {
	cases := []struct {
		name string
		typ  capability.Type
		v    any
		ok   bool
	}{
		{"chat", capability.TypeLLMChat, &typedChat{}, true},
		{"wrong family rejected", capability.TypeLLMChat, typedSensor{}, false},
		{"classify serves ml and vision", capability.TypeMLClassify, typedSensor{}, false},
		{"tool prefix", "tool/shell", typedTool{}, true},
		{"sensor prefix", "sensor/door", typedSensor{}, true},
		{"agent prefix", "agent/butler", typedAgent{}, true},
		{"iot reader", "iot/thermometer", typedSensor{}, true},
		{"iot actuator", "iot/plug", typedTool{}, true},
		{"unknown class", "bogus/x", typedTool{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := ForType(tc.typ, tc.v)
			if !tc.ok {
				require.Error(t, err)
				assert.Equal(t, core.CodeValidation, core.CodeOf(err))
				return
			}
			require.NoError(t, err)
			out, err := h.Invoke(context.Background(), Request{})
			require.NoError(t, err)
			assert.NotEmpty(t, out)
		})
	}
}

func TestRegisterTypedKeepsStreaming(t *testing.T) {
	d := NewDispatcher(discardLogger())
	c := capability.Capability{Label: "poet", Type: capability.TypeLLMChat}
	c.NodeID = selfNode
	require.NoError(t, c.Validate())
	require.NoError(t, d.RegisterTyped(c, &typedChat{chunks: []string{"hello ", "world"}}))

	var got []string
	out, err := d.HandleStream(context.Background(), Request{CapID: c.CapID}, func(chunk json.RawMessage) error {
		var m map[string]string
		require.NoError(t, json.Unmarshal(chunk, &m))
		got = append(got, m["delta"])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello ", "world"}, got)
	assert.JSONEq(t, `{"content":"hello world"}`, string(out))

	// without emit the same provider answers in one shot
	out, err = d.Handle(context.Background(), Request{CapID: c.CapID})
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"hello world"}`, string(out))
}

func TestRegisterTypedRejectsContractMismatch(t *testing.T) {
	d := NewDispatcher(discardLogger())
	c := capability.Capability{Label: "cam", Type: capability.TypeSensorCamera}
	c.NodeID = selfNode
	require.NoError(t, c.Validate())

	err := d.RegisterTyped(c, typedTool{})
	require.Error(t, err)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
	assert.False(t, d.Has(c.CapID))
}
