package operator

import (
	"context"
	"strings"
)

type ctxKey string

const (
	operatorIDKey ctxKey = "operator_id"
	rolesKey      ctxKey = "operator_roles"
)

// ContextWithOperator stores the operator identity in the context.
func ContextWithOperator(ctx context.Context, operatorID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, operatorIDKey, strings.TrimSpace(operatorID))
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesKey, dedupeRoles(roles))
	}
	return ctx
}

// FromContext extracts the authenticated operator id from context.
func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(operatorIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// RolesFromContext returns the roles stored in context (deduplicated and lower-cased).
func RolesFromContext(ctx context.Context) []string {
	v, ok := ctx.Value(rolesKey).([]string)
	if !ok || len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// HasRole checks whether the context contains the specified role.
func HasRole(ctx context.Context, role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
