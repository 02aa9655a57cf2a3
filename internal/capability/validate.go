package capability

import (
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate

	// labels become the cap_id suffix and must stay URL- and
	// shell-safe: lowercase alphanumerics, dash, underscore, dot.
	labelRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks a capability for registration. It normalizes the
// CapID from (NodeID, Label) and rejects anything outside the taxonomy.
func (c *Capability) Validate() error {
	if err := structValidator().Struct(c); err != nil {
		return core.WrapErr(core.CodeValidation, err, "capability %q failed validation", c.Label)
	}
	if !labelRe.MatchString(c.Label) {
		return core.Errorf(core.CodeValidation, "label %q: must match %s", c.Label, labelRe.String())
	}
	if !c.Type.Valid() {
		return core.Errorf(core.CodeValidation, "type %q is not in the capability taxonomy", c.Type)
	}
	for _, h := range c.RouteHints {
		if strings.TrimSpace(h) == "" {
			return core.Errorf(core.CodeValidation, "route hint tags must be non-empty")
		}
	}
	for _, t := range c.Triggers {
		if t.RouteHint == "" {
			continue
		}
		if _, err := glob.Compile(t.RouteHint, '/'); err != nil {
			return core.WrapErr(core.CodeValidation, err, "trigger %q route hint %q is not a valid glob", t.Event, t.RouteHint)
		}
	}
	want := MakeCapID(c.NodeID, c.Label)
	if c.CapID == "" {
		c.CapID = want
	} else if c.CapID != want {
		return core.Errorf(core.CodeValidation, "cap_id %q does not match node %s label %s", c.CapID, c.NodeID, c.Label)
	}
	if c.Status == "" {
		c.Status = StatusOnline
	}
	return nil
}

// CompileHint compiles a request-side route hint glob. '/' is the
// separator, so "llm/*" matches "llm/chat" but not "llm/chat/helper".
func CompileHint(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, core.WrapErr(core.CodeValidation, err, "route hint %q is not a valid glob", pattern)
	}
	return g, nil
}

// MatchesHint reports whether a compiled hint selects c. The hint is
// tried against the type, cap id, label and each advertised tag.
func (c *Capability) MatchesHint(g glob.Glob) bool {
	if g.Match(string(c.Type)) || g.Match(c.CapID) || g.Match(c.Label) {
		return true
	}
	for _, tag := range c.RouteHints {
		if g.Match(tag) {
			return true
		}
	}
	return false
}
