package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"chatd/cmd/internal/chat"
)

const (
	HeaderUserID   = "X-Chat-User-ID"
	HeaderUserType = "X-Chat-User-Type"

	// queryToken lets browsers authenticate WebSocket upgrades, which cannot set headers.
	queryToken = "access_token"
)

// Resolver turns request credentials into a caller identity.
type Resolver interface {
	// Resolve authenticates an HTTP request (including WebSocket upgrades).
	Resolve(r *http.Request) (chat.Caller, error)
	// ResolveToken authenticates a raw token, e.g. from a realtime hello frame.
	ResolveToken(token string) (chat.Caller, error)
}

// New returns the resolver selected by cfg.Mode.
func New(cfg Config) (Resolver, error) {
	switch cfg.Mode {
	case ModeHeader:
		return HeaderResolver{}, nil
	case ModePaseto, "":
		v, err := NewVerifier(cfg)
		if err != nil {
			return nil, err
		}
		return &TokenResolver{verifier: v, now: time.Now}, nil
	default:
		return nil, ErrConfig
	}
}

// TokenResolver authenticates PASETO bearer tokens.
type TokenResolver struct {
	verifier *Verifier
	now      func() time.Time
}

// NewTokenResolver wraps v. A nil now uses time.Now.
func NewTokenResolver(v *Verifier, now func() time.Time) *TokenResolver {
	if now == nil {
		now = time.Now
	}
	return &TokenResolver{verifier: v, now: now}
}

func (tr *TokenResolver) Resolve(r *http.Request) (chat.Caller, error) {
	tok := BearerToken(r)
	if tok == "" {
		tok = strings.TrimSpace(r.URL.Query().Get(queryToken))
	}
	if tok == "" {
		return chat.Caller{}, ErrMissingIdentity
	}
	return tr.ResolveToken(tok)
}

func (tr *TokenResolver) ResolveToken(token string) (chat.Caller, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return chat.Caller{}, ErrMissingIdentity
	}
	claims, err := tr.verifier.Verify(token, tr.now())
	if err != nil {
		return chat.Caller{}, err
	}
	return chat.Caller{ID: claims.UserID, Type: claims.UserType}, nil
}

// HeaderResolver trusts identity headers set by an upstream gateway.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (chat.Caller, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" {
		return chat.Caller{}, ErrMissingIdentity
	}
	typ := chat.ParticipantType(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserType))))
	if typ == "" {
		typ = chat.ParticipantCustomer
	}
	if !typ.Valid() {
		return chat.Caller{}, ErrInvalidToken
	}
	return chat.Caller{ID: id, Type: typ}, nil
}

// ResolveToken is unsupported: header mode identifies the connection at upgrade time.
func (HeaderResolver) ResolveToken(string) (chat.Caller, error) {
	return chat.Caller{}, ErrMissingIdentity
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// IsAuthError reports whether err is a credential failure (401) rather than an internal one.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrMissingIdentity)
}

type callerKey struct{}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c chat.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached by WithCaller.
func CallerFrom(ctx context.Context) (chat.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(chat.Caller)
	return c, ok && c.ID != ""
}
