package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// Wildcard grants every permission.
const Wildcard = "*"

// ErrNoCredentials is returned by CredentialsFromContext when the request has
// no metadata at all.
var ErrNoCredentials = errors.New("no credentials")

// Verifier checks caller credentials.
// A rejected credential is a Result with Authenticated=false; a non-nil error
// means verification itself could not run and the caller must fail closed.
type Verifier interface {
	Verify(ctx context.Context, creds Credentials) (*Result, error)
}

// Credentials are whatever the transport could extract from the request.
type Credentials struct {
	Token    string // bearer token
	APIKey   string
	Peer     string
	Metadata map[string]string
}

// Empty reports whether no secret was supplied.
func (c Credentials) Empty() bool {
	return c.Token == "" && c.APIKey == ""
}

// Result is the outcome of a verification.
type Result struct {
	Authenticated bool
	Identity      string
	Permissions   []string
	FailureReason string
	ExpiresAt     time.Time // zero = no expiry
	Claims        map[string]any
}

// Failed builds a rejected Result.
func Failed(reason string) *Result {
	return &Result{FailureReason: reason}
}

// HasPermission reports whether p is granted, directly or via Wildcard.
func (r *Result) HasPermission(p string) bool {
	return slices.Contains(r.Permissions, Wildcard) || slices.Contains(r.Permissions, p)
}

// Missing returns the required permissions r does not hold, in input order.
func (r *Result) Missing(required []string) []string {
	var missing []string
	for _, p := range required {
		if !r.HasPermission(p) {
			missing = append(missing, p)
		}
	}
	return missing
}

// CredentialsFromContext reads credentials from incoming gRPC metadata:
// "authorization" (Bearer or ApiKey scheme), "x-api-key", plus the peer address.
func CredentialsFromContext(ctx context.Context) (Credentials, error) {
	var creds Credentials
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		creds.Peer = p.Addr.String()
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return creds, ErrNoCredentials
	}

	if values := md.Get("authorization"); len(values) > 0 {
		scheme, value, found := strings.Cut(strings.TrimSpace(values[0]), " ")
		switch {
		case !found:
			creds.Token = scheme
		case strings.EqualFold(scheme, "bearer"):
			creds.Token = strings.TrimSpace(value)
		case strings.EqualFold(scheme, "apikey"):
			creds.APIKey = strings.TrimSpace(value)
		}
	}
	if values := md.Get("x-api-key"); len(values) > 0 && creds.APIKey == "" {
		creds.APIKey = strings.TrimSpace(values[0])
	}

	creds.Metadata = make(map[string]string, len(md))
	for k, v := range md {
		if k == "authorization" || k == "x-api-key" || len(v) == 0 {
			continue
		}
		creds.Metadata[k] = v[0]
	}
	return creds, nil
}

// digest is the lookup key for stored secrets; plaintext is never kept.
func digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
