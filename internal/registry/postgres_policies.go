package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_rpc/internal/ratelimit"
)

// PolicyOverride replaces parts of a tool's compiled-in policy.
// Nil fields leave the compiled-in value untouched.
type PolicyOverride struct {
	RequiresAuth        *bool
	RequiredPermissions []string
	RateLimit           *ratelimit.Policy
	Timeout             *time.Duration
}

func (o PolicyOverride) apply(p Policy) Policy {
	if o.RequiresAuth != nil {
		p.RequiresAuth = *o.RequiresAuth
	}
	if o.RequiredPermissions != nil {
		p.RequiredPermissions = append([]string(nil), o.RequiredPermissions...)
	}
	if o.RateLimit != nil {
		rl := *o.RateLimit
		p.RateLimit = &rl
	}
	if o.Timeout != nil {
		p.Timeout = *o.Timeout
	}
	return p
}

// PolicyStore abstracts DB queries for testability.
type PolicyStore interface {
	ListPolicies(ctx context.Context) ([]policyRow, error)
}

type policyRow struct {
	ToolName            string
	RequiresAuth        sql.NullBool
	RequiredPermissions sql.NullString // JSONB array
	RateLimit           sql.NullString // JSONB object
	TimeoutMs           sql.NullInt64
}

// rateLimitRow is the JSONB shape of tool_policies.rate_limit.
type rateLimitRow struct {
	Algorithm       string  `json:"algorithm"`
	Capacity        int     `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
	Limit           int     `json:"limit"`
	WindowSeconds   float64 `json:"window_seconds"`
}

// sqlPolicyStore is the real implementation using *sql.DB.
type sqlPolicyStore struct {
	db *sql.DB
}

// NewSQLPolicyStore reads overrides from the tool_policies table.
func NewSQLPolicyStore(db *sql.DB) PolicyStore {
	return &sqlPolicyStore{db: db}
}

func (s *sqlPolicyStore) ListPolicies(ctx context.Context) ([]policyRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, requires_auth, required_permissions, rate_limit, timeout_ms
		FROM tool_policies
		WHERE enabled = true
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []policyRow
	for rows.Next() {
		var r policyRow
		if err := rows.Scan(&r.ToolName, &r.RequiresAuth, &r.RequiredPermissions, &r.RateLimit, &r.TimeoutMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadPolicyOverrides reads every override once, keyed by tool name.
func LoadPolicyOverrides(ctx context.Context, store PolicyStore) (map[string]PolicyOverride, error) {
	rows, err := store.ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadPolicyOverrides: %w", err)
	}
	out := make(map[string]PolicyOverride, len(rows))
	for _, row := range rows {
		o, err := parsePolicyRow(row)
		if err != nil {
			return nil, err
		}
		out[row.ToolName] = o
	}
	return out, nil
}

func parsePolicyRow(row policyRow) (PolicyOverride, error) {
	var o PolicyOverride

	if row.RequiresAuth.Valid {
		v := row.RequiresAuth.Bool
		o.RequiresAuth = &v
	}

	// Parse required_permissions (JSONB array)
	if row.RequiredPermissions.Valid && row.RequiredPermissions.String != "" {
		perms := []string{}
		if err := json.Unmarshal([]byte(row.RequiredPermissions.String), &perms); err != nil {
			return o, fmt.Errorf("parsePolicyRow: %s: required_permissions: %w", row.ToolName, err)
		}
		o.RequiredPermissions = perms
	}

	// Parse rate_limit (JSONB object)
	if row.RateLimit.Valid && row.RateLimit.String != "" && row.RateLimit.String != "{}" {
		var rl rateLimitRow
		if err := json.Unmarshal([]byte(row.RateLimit.String), &rl); err != nil {
			return o, fmt.Errorf("parsePolicyRow: %s: rate_limit: %w", row.ToolName, err)
		}
		o.RateLimit = &ratelimit.Policy{
			Algorithm:       ratelimit.Algorithm(rl.Algorithm),
			Capacity:        rl.Capacity,
			RefillPerSecond: rl.RefillPerSecond,
			Limit:           rl.Limit,
			Window:          time.Duration(rl.WindowSeconds * float64(time.Second)),
		}
	}

	if row.TimeoutMs.Valid {
		d := time.Duration(row.TimeoutMs.Int64) * time.Millisecond
		o.Timeout = &d
	}
	return o, nil
}
