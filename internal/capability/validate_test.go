package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

func onlineCap() Capability {
	return Capability{
		NodeID: "a1b2c3d4e5f60718",
		Label:  "ollama-llama3",
		Type:   TypeLLMChat,
		Tools:  []Tool{{Name: "chat"}},
		Meta:   map[string]string{"model": "llama3:8b"},
	}
}

func TestValidateNormalizes(t *testing.T) {
	c := onlineCap()
	require.NoError(t, c.Validate())
	assert.Equal(t, "a1b2c3d4e5f60718:ollama-llama3", c.CapID)
	assert.Equal(t, StatusOnline, c.Status)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Capability)
	}{
		{"missing node id", func(c *Capability) { c.NodeID = "" }},
		{"non hex node id", func(c *Capability) { c.NodeID = "not-hex-at-all!" }},
		{"missing label", func(c *Capability) { c.Label = "" }},
		{"uppercase label", func(c *Capability) { c.Label = "Ollama" }},
		{"label with space", func(c *Capability) { c.Label = "my cap" }},
		{"label starting with dash", func(c *Capability) { c.Label = "-cap" }},
		{"type outside taxonomy", func(c *Capability) { c.Type = "quantum/teleport" }},
		{"bare open prefix", func(c *Capability) { c.Type = "tool/" }},
		{"negative cost hint", func(c *Capability) { c.CostHint = -0.5 }},
		{"empty route hint tag", func(c *Capability) { c.RouteHints = []string{"  "} }},
		{"tool without name", func(c *Capability) { c.Tools = []Tool{{Description: "anon"}} }},
		{"trigger without template", func(c *Capability) {
			c.Triggers = []Trigger{{Event: "motion"}}
		}},
		{"trigger with broken glob hint", func(c *Capability) {
			c.Triggers = []Trigger{{Event: "motion", IntentTemplate: "describe it", RouteHint: "[bad"}}
		}},
		{"mismatched cap id", func(c *Capability) { c.CapID = "other:label" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := onlineCap()
			tc.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Equal(t, core.CodeValidation, core.CodeOf(err))
		})
	}
}

func TestTypeTaxonomy(t *testing.T) {
	assert.True(t, TypeLLMChat.Valid())
	assert.True(t, Type("iot/light-switch").Valid())
	assert.True(t, Type("tool/file-index").Valid())
	assert.True(t, Type("agent/researcher").Valid())
	assert.False(t, Type("iot/").Valid())
	assert.False(t, Type("db/postgres").Valid())
	assert.False(t, Type("").Valid())

	assert.Equal(t, "llm", TypeLLMChat.Family())
	assert.Equal(t, "sensor", TypeSensorCamera.Family())
	assert.True(t, TypeSensorMicrophone.IsSensor())
	assert.False(t, TypeLLMEmbed.IsSensor())
}

func TestCapIDSplit(t *testing.T) {
	node, label, ok := SplitCapID("a1b2c3d4e5f60718:ollama-llama3")
	require.True(t, ok)
	assert.Equal(t, "a1b2c3d4e5f60718", node)
	assert.Equal(t, "ollama-llama3", label)

	// labels may themselves contain colons from dotted model names
	node, label, ok = SplitCapID("abc:tool:extra")
	require.True(t, ok)
	assert.Equal(t, "abc", node)
	assert.Equal(t, "tool:extra", label)

	for _, bad := range []string{"", "nolabel:", ":nonode", "plain"} {
		_, _, ok := SplitCapID(bad)
		assert.False(t, ok, "SplitCapID(%q)", bad)
	}
}

func TestHintMatching(t *testing.T) {
	c := onlineCap()
	require.NoError(t, c.Validate())
	c.RouteHints = []string{"front-door", "security/camera"}

	cases := []struct {
		pattern string
		want    bool
	}{
		{"llm/*", true},        // matches the type
		{"llm/chat", true},     // exact type
		{"ollama-*", true},     // matches the label
		{"front-door", true},   // matches a tag
		{"security/*", true},   // glob over a tag
		{"vision/*", false},    // different family
		{"llm/chat/sub", false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern, func(t *testing.T) {
			g, err := CompileHint(tc.pattern)
			require.NoError(t, err)
			assert.Equal(t, tc.want, c.MatchesHint(g))
		})
	}

	_, err := CompileHint("[broken")
	assert.Error(t, err)
}

func TestSearchTextCarriesSignals(t *testing.T) {
	c := onlineCap()
	c.Description = "general chat on the workstation"
	c.Topics = []string{"writing", "code"}
	require.NoError(t, c.Validate())

	text := c.SearchText()
	for _, want := range []string{"ollama-llama3", "llm/chat", "llama3:8b", "writing", "code", "chat"} {
		assert.Contains(t, text, want)
	}
}

func TestFindTool(t *testing.T) {
	c := onlineCap()
	tool, ok := c.FindTool("chat")
	require.True(t, ok)
	assert.Equal(t, "chat", tool.Name)

	_, ok = c.FindTool("embed")
	assert.False(t, ok)
}
