package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// ChainVerifier tries each verifier in order; the first success wins.
// If every verifier errors, the joined error is returned. Otherwise the
// rejection reasons are combined.
type ChainVerifier struct {
	verifiers []Verifier
}

func NewChainVerifier(verifiers ...Verifier) *ChainVerifier {
	return &ChainVerifier{verifiers: verifiers}
}

func (c *ChainVerifier) Verify(ctx context.Context, creds Credentials) (*Result, error) {
	var reasons []string
	var errs []error
	for _, v := range c.verifiers {
		res, err := v.Verify(ctx, creds)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Authenticated {
			return res, nil
		}
		if res.FailureReason != "" && !slices.Contains(reasons, res.FailureReason) {
			reasons = append(reasons, res.FailureReason)
		}
	}
	if len(reasons) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no verifier accepted the credentials")
	}
	return Failed(strings.Join(reasons, "; ")), nil
}
