package auth

import (
	"context"
	"net"
	"slices"
)

// StaticToken binds one accepted bearer token to an identity.
type StaticToken struct {
	Token       string   `yaml:"token"`
	Identity    string   `yaml:"identity"`
	Permissions []string `yaml:"permissions"`
}

type staticEntry struct {
	identity    string
	permissions []string
}

// StaticTokenVerifier accepts a fixed set of bearer tokens.
type StaticTokenVerifier struct {
	tokens map[string]staticEntry // keyed by digest
}

func NewStaticTokenVerifier(tokens []StaticToken) *StaticTokenVerifier {
	v := &StaticTokenVerifier{tokens: make(map[string]staticEntry, len(tokens))}
	for _, t := range tokens {
		identity := t.Identity
		if identity == "" {
			identity = "static-" + digest(t.Token)[:8]
		}
		v.tokens[digest(t.Token)] = staticEntry{
			identity:    identity,
			permissions: slices.Clone(t.Permissions),
		}
	}
	return v
}

func (v *StaticTokenVerifier) Verify(_ context.Context, creds Credentials) (*Result, error) {
	if creds.Token == "" {
		return Failed("missing bearer token"), nil
	}
	e, ok := v.tokens[digest(creds.Token)]
	if !ok {
		return Failed("invalid token"), nil
	}
	return &Result{
		Authenticated: true,
		Identity:      e.identity,
		Permissions:   slices.Clone(e.permissions),
	}, nil
}

// AllowAllVerifier authenticates every request as "anonymous" with every
// permission. The identity carries the peer host, never its port, so
// reconnecting clients share one rate-limit bucket. Development only.
type AllowAllVerifier struct{}

func NewAllowAllVerifier() *AllowAllVerifier {
	return &AllowAllVerifier{}
}

func (AllowAllVerifier) Verify(_ context.Context, creds Credentials) (*Result, error) {
	identity := "anonymous"
	if host := peerHost(creds.Peer); host != "" {
		identity = "anonymous@" + host
	}
	return &Result{Authenticated: true, Identity: identity, Permissions: []string{Wildcard}}, nil
}

func peerHost(peer string) string {
	if host, _, err := net.SplitHostPort(peer); err == nil {
		return host
	}
	return peer
}
