package router

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
)

// Intent is one routing request. Either ExplicitPath names the exact
// target (no scoring), or Text plus the optional filters drive the
// scoring pipeline.
type Intent struct {
	Text         string          `json:"text,omitempty"`
	ExplicitPath string          `json:"path,omitempty"`
	Type         capability.Type `json:"type,omitempty"`
	Tool         string          `json:"tool,omitempty"`
	RouteHint    string          `json:"route_hint,omitempty"`
}

// ResolveExplicit turns an explicit path into a cap_id. Accepted
// forms: a cap_id ("<node>:<label>") or a slash path
// ("<node>/<label>"). Returns "" when the string is not explicit.
func ResolveExplicit(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if node, _, ok := capability.SplitCapID(path); ok && isNodeID(node) {
		return path
	}
	if i := strings.IndexByte(path, '/'); i > 0 && i < len(path)-1 {
		node, label := path[:i], path[i+1:]
		if isNodeID(node) && !strings.ContainsAny(label, "/:") {
			return capability.MakeCapID(node, label)
		}
	}
	return ""
}

func isNodeID(s string) bool {
	if len(s) != 16 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// Fingerprint identifies "the same question asked again" for
// hysteresis: normalized text plus every filter, hashed.
func (in Intent) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(normalizeText(in.Text)))
	h.Write([]byte{0})
	h.Write([]byte(in.ExplicitPath))
	h.Write([]byte{0})
	h.Write([]byte(in.Type))
	h.Write([]byte{0})
	h.Write([]byte(in.Tool))
	h.Write([]byte{0})
	h.Write([]byte(in.RouteHint))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// stopwords too common to count as topic matches.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "my": {},
	"of": {}, "on": {}, "or": {}, "our": {}, "please": {}, "that": {},
	"the": {}, "this": {}, "to": {}, "use": {}, "with": {}, "you": {},
}

// Keywords extracts the topic-matchable words from the intent text.
func (in Intent) Keywords() []string {
	words := strings.FieldsFunc(strings.ToLower(in.Text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		if _, ok := stopwords[w]; ok {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
