// Package policy evaluates application access policies. A policy is a CEL
// expression over the requesting user that must return a bool:
//
//	"admins" in user.groups || user.attributes.team == "platform"
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/giantswarm/oidc-provider/storage"
)

// DefaultTimeout bounds a single policy evaluation.
const DefaultTimeout = 2 * time.Second

// ErrDenied is returned when the policy evaluates to false.
var ErrDenied = errors.New("access denied by application policy")

// NewEnv returns the CEL environment shared by policies and scope mappings:
// `user` and `application` as maps, plus any extra options.
func NewEnv(extra ...cel.EnvOption) (*cel.Env, error) {
	opts := append([]cel.EnvOption{
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("application", cel.MapType(cel.StringType, cel.DynType)),
	}, extra...)
	return cel.NewEnv(opts...)
}

// UserVars is the CEL view of a user.
func UserVars(u *storage.User) map[string]any {
	if u == nil {
		return map[string]any{}
	}
	groups := u.Groups
	if groups == nil {
		groups = []string{}
	}
	attrs := u.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return map[string]any{
		"id":                 u.ID,
		"uuid":               u.UUID,
		"username":           u.Username,
		"name":               u.Name,
		"email":              u.Email,
		"groups":             groups,
		"attributes":         attrs,
		"is_service_account": u.ServiceAccount,
	}
}

// ApplicationVars is the CEL view of an application binding.
func ApplicationVars(app *storage.Application) map[string]any {
	if app == nil {
		return map[string]any{}
	}
	return map[string]any{"slug": app.Slug, "name": app.Name}
}

// Engine compiles policies once and caches the programs.
type Engine struct {
	env     *cel.Env
	timeout time.Duration

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEngine creates an engine. timeout <= 0 uses DefaultTimeout.
func NewEngine(timeout time.Duration) (*Engine, error) {
	env, err := NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{env: env, timeout: timeout, programs: make(map[string]cel.Program)}, nil
}

// Compile checks that expression is a valid bool-valued policy.
func (e *Engine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *Engine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid policy expression: %w", iss.Err())
	}
	if t := ast.OutputType().String(); t != "bool" && t != "dyn" {
		return nil, fmt.Errorf("policy expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to build policy program: %w", err)
	}

	e.mu.Lock()
	e.programs[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

// Check returns nil when app's policy admits user, ErrDenied when it does
// not, and another error when the policy cannot be evaluated. Applications
// without a policy admit everyone.
func (e *Engine) Check(ctx context.Context, app *storage.Application, user *storage.User) error {
	if app == nil || app.PolicyExpression == "" {
		return nil
	}
	prg, err := e.program(app.PolicyExpression)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	out, _, err := prg.ContextEval(ctx, map[string]any{
		"user":        UserVars(user),
		"application": ApplicationVars(app),
	})
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	allowed, ok := out.(types.Bool)
	if !ok {
		return fmt.Errorf("policy expression must return bool, got %s", out.Type())
	}
	if !allowed {
		return ErrDenied
	}
	return nil
}
