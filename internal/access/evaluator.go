// Package access answers permission questions for the signed-in user with an OPA Rego
// policy over the role and permissions carried by the session token.
package access

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"ultra-bms/client/internal/session/domain"
)

const query = "data.ultrabms.access.allow"

// DefaultPolicy grants everything to SUPER_ADMIN, exact permission matches, and
// "area:*" wildcards covering every permission in that area.
const DefaultPolicy = `package ultrabms.access

default allow := false

allow if input.user.role == "SUPER_ADMIN"

allow if {
	some p in input.user.permissions
	p == input.permission
}

allow if {
	some p in input.user.permissions
	endswith(p, ":*")
	startswith(input.permission, trim_suffix(p, "*"))
}
`

// ErrEmptyPermission is returned when no permission is asked about.
var ErrEmptyPermission = errors.New("access: empty permission")

// Evaluator evaluates a compiled access policy. It is safe for concurrent use.
type Evaluator struct {
	query rego.PreparedEvalQuery
}

// NewEvaluator compiles policy, or DefaultPolicy when policy is empty. The policy must
// define data.ultrabms.access.allow.
func NewEvaluator(ctx context.Context, policy string) (*Evaluator, error) {
	if policy == "" {
		policy = DefaultPolicy
	}
	pq, err := rego.New(
		rego.Query(query),
		rego.Module("access.rego", policy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("access: compile policy: %w", err)
	}
	return &Evaluator{query: pq}, nil
}

// LoadFile compiles the policy at path, or DefaultPolicy when path is empty.
func LoadFile(ctx context.Context, path string) (*Evaluator, error) {
	if path == "" {
		return NewEvaluator(ctx, "")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("access: read policy: %w", err)
	}
	return NewEvaluator(ctx, string(b))
}

// Allowed reports whether user holds permission. A nil user holds nothing. Evaluation
// errors deny.
func (e *Evaluator) Allowed(ctx context.Context, user *domain.User, permission string) (bool, error) {
	if permission == "" {
		return false, ErrEmptyPermission
	}
	if user == nil {
		return false, nil
	}
	perms := make([]interface{}, 0, len(user.Permissions))
	for _, p := range user.Permissions {
		perms = append(perms, p)
	}
	input := map[string]interface{}{
		"permission": permission,
		"user": map[string]interface{}{
			"id":          user.ID,
			"role":        string(user.Role),
			"permissions": perms,
		},
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("access: eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	v, _ := rs[0].Expressions[0].Value.(bool)
	return v, nil
}

// HealthCheck evaluates the policy against an empty user to prove it is usable.
func (e *Evaluator) HealthCheck(ctx context.Context) error {
	_, err := e.Allowed(ctx, &domain.User{ID: "health"}, "health:check")
	return err
}
