package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/identity"
)

const (
	// DefaultTTL is the join token lifetime when the issuer does not
	// pick one.
	DefaultTTL = 24 * time.Hour

	// ClockSkew is tolerated on both the issued_at and expires_at
	// boundaries so loosely synced devices can still join.
	ClockSkew = 5 * time.Minute

	// ScopeJoin lets the bearer join the mesh. The only scope minted
	// today; the field exists so future scopes verify cleanly.
	ScopeJoin = "join"

	uriScheme = "atmosphere"
)

// Token is a signed, offline-verifiable mesh invite. The issuer's
// public key travels inside so verification needs no directory
// lookup: the key must hash to the claimed issuer node id.
type Token struct {
	TokenID    string          `json:"tid"`
	MeshID     string          `json:"mid"`
	MeshName   string          `json:"mn,omitempty"`
	IssuerNode string          `json:"iss"`
	IssuerKey  string          `json:"ipk"`
	IssuedAt   int64           `json:"iat"`
	ExpiresAt  int64           `json:"exp"`
	Scopes     []string        `json:"scp,omitempty"`
	Endpoints  []core.Endpoint `json:"eps,omitempty"`
	Sig        string          `json:"sig,omitempty"`
}

// Issue mints a join token signed by this node.
func Issue(id *identity.Identity, mesh core.MeshInfo, endpoints []core.Endpoint, ttl time.Duration, scopes []string) (*Token, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeJoin}
	}
	now := time.Now()
	t := &Token{
		TokenID:    uuid.NewString(),
		MeshID:     mesh.MeshID,
		MeshName:   mesh.MeshName,
		IssuerNode: id.NodeID(),
		IssuerKey:  id.PublicKeyBase64(),
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
		Scopes:     scopes,
		Endpoints:  endpoints,
	}
	payload, err := t.signingBytes()
	if err != nil {
		return nil, err
	}
	t.Sig = base64.StdEncoding.EncodeToString(id.Sign(payload))
	return t, nil
}

// signingBytes is the canonical serialization: every field except sig,
// JSON-encoded through a map so keys come out sorted.
func (t *Token) signingBytes() ([]byte, error) {
	m := map[string]any{
		"tid": t.TokenID,
		"mid": t.MeshID,
		"mn":  t.MeshName,
		"iss": t.IssuerNode,
		"ipk": t.IssuerKey,
		"iat": t.IssuedAt,
		"exp": t.ExpiresAt,
		"scp": t.Scopes,
		"eps": t.Endpoints,
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("canonicalize token: %w", err)
	}
	return b, nil
}

// Encode packs the token for QR codes and CLI paste.
func (t *Token) Encode() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Decode unpacks a token string. No verification happens here.
func Decode(raw string) (*Token, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, core.WrapErr(core.CodeValidation, err, "token is not base64url")
	}
	var t Token
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, core.WrapErr(core.CodeValidation, err, "token is not valid JSON")
	}
	return &t, nil
}

// VerifyOptions tunes Verify. The zero value checks signature, key
// binding, and expiry against the wall clock with no revocation set.
type VerifyOptions struct {
	Now       time.Time
	IsRevoked func(tokenID string) bool
}

// Verify checks the token end to end: issuer key must hash to the
// issuer node id, the Ed25519 signature must cover the canonical
// bytes, the validity window (with skew) must contain now, and the
// token must not be revoked. Every failure is not_authorized.
func (t *Token) Verify(opts VerifyOptions) error {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	pub, err := identity.ParsePublicKey(t.IssuerKey)
	if err != nil {
		return core.WrapErr(core.CodeNotAuthorized, err, "token issuer key invalid")
	}
	if identity.DeriveNodeID(pub) != t.IssuerNode {
		return core.Errorf(core.CodeNotAuthorized, "token issuer key does not belong to node %s", t.IssuerNode)
	}
	sig, err := base64.StdEncoding.DecodeString(t.Sig)
	if err != nil {
		return core.WrapErr(core.CodeNotAuthorized, err, "token signature invalid")
	}
	payload, err := t.signingBytes()
	if err != nil {
		return core.WrapErr(core.CodeNotAuthorized, err, "token not canonicalizable")
	}
	if !identity.Verify(pub, payload, sig) {
		return core.Errorf(core.CodeNotAuthorized, "token signature verification failed")
	}
	if now.After(time.Unix(t.ExpiresAt, 0).Add(ClockSkew)) {
		return core.Errorf(core.CodeNotAuthorized, "token expired at %s", time.Unix(t.ExpiresAt, 0).UTC().Format(time.RFC3339))
	}
	if now.Before(time.Unix(t.IssuedAt, 0).Add(-ClockSkew)) {
		return core.Errorf(core.CodeNotAuthorized, "token issued in the future")
	}
	if opts.IsRevoked != nil && opts.IsRevoked(t.TokenID) {
		return core.Errorf(core.CodeNotAuthorized, "token %s is revoked", t.TokenID)
	}
	return nil
}

// HasScope reports whether the token grants the named scope.
func (t *Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// JoinURI renders the QR payload. The endpoints param carries the
// full JSON list; the legacy endpoint param repeats the first URL for
// older scanners.
func (t *Token) JoinURI() (string, error) {
	enc, err := t.Encode()
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("token", enc)
	q.Set("mesh", t.MeshID)
	if len(t.Endpoints) > 0 {
		eps, err := json.Marshal(t.Endpoints)
		if err != nil {
			return "", fmt.Errorf("encode endpoints: %w", err)
		}
		q.Set("endpoints", string(eps))
		q.Set("endpoint", t.Endpoints[0].URL)
	}
	return uriScheme + "://join?" + q.Encode(), nil
}

// ParseJoinInput accepts either a bare encoded token or a full
// atmosphere://join URI and returns the decoded token. Endpoints from
// the URI override the token's own list when present (the inviter may
// have refreshed them after minting).
func ParseJoinInput(input string) (*Token, error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, uriScheme+"://") {
		return Decode(input)
	}
	u, err := url.Parse(input)
	if err != nil {
		return nil, core.WrapErr(core.CodeValidation, err, "join uri unparseable")
	}
	if u.Host != "join" {
		return nil, core.Errorf(core.CodeValidation, "join uri host %q, want join", u.Host)
	}
	q := u.Query()
	t, err := Decode(q.Get("token"))
	if err != nil {
		return nil, err
	}
	if raw := q.Get("endpoints"); raw != "" {
		var eps []core.Endpoint
		if err := json.Unmarshal([]byte(raw), &eps); err == nil && len(eps) > 0 {
			t.Endpoints = eps
		}
	} else if single := q.Get("endpoint"); single != "" && len(t.Endpoints) == 0 {
		t.Endpoints = []core.Endpoint{{Kind: core.EndpointPublic, URL: single}}
	}
	return t, nil
}
