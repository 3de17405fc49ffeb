package claims

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/giantswarm/oidc-provider/policy"
	"github.com/giantswarm/oidc-provider/storage"
)

// ErrNotObject is returned when a mapping produces something other than a
// JSON object.
var ErrNotObject = errors.New("scope mapping did not return an object")

// Input is what a scope mapping sees.
type Input struct {
	User     *storage.User
	Provider *storage.Provider
	Scopes   []string
}

// ScopeMapping turns a user into claims for one scope.
type ScopeMapping interface {
	// Name identifies the mapping in Provider.ScopeMappings.
	Name() string
	// Scope is the OAuth scope that activates the mapping.
	Scope() string
	Evaluate(ctx context.Context, in Input) (map[string]any, error)
}

// FuncMapping adapts a Go function to ScopeMapping.
type FuncMapping struct {
	MappingName string
	ScopeName   string
	Fn          func(ctx context.Context, in Input) (map[string]any, error)
}

func (m *FuncMapping) Name() string  { return m.MappingName }
func (m *FuncMapping) Scope() string { return m.ScopeName }

func (m *FuncMapping) Evaluate(ctx context.Context, in Input) (map[string]any, error) {
	if m.Fn == nil {
		return map[string]any{}, nil
	}
	return m.Fn(ctx, in)
}

// MappingConfig declares a CEL mapping in configuration files.
type MappingConfig struct {
	Name       string `yaml:"name"`
	Scope      string `yaml:"scope"`
	Expression string `yaml:"expression"`
}

// CELMapping evaluates a CEL expression returning a map. The expression can
// reference `user`, `application`, `provider` and `scopes`:
//
//	{"groups": user.groups, "team": user.attributes.team}
type CELMapping struct {
	name    string
	scope   string
	program cel.Program
}

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

func mappingEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = policy.NewEnv(
			cel.Variable("provider", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("scopes", cel.ListType(cel.StringType)),
		)
	})
	return env, envErr
}

// NewCELMapping compiles expression.
func NewCELMapping(name, scope, expression string) (*CELMapping, error) {
	e, err := mappingEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, iss := e.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("scope mapping %q: %w", name, iss.Err())
	}
	prg, err := e.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("scope mapping %q: %w", name, err)
	}
	return &CELMapping{name: name, scope: scope, program: prg}, nil
}

func (m *CELMapping) Name() string  { return m.name }
func (m *CELMapping) Scope() string { return m.scope }

func (m *CELMapping) Evaluate(ctx context.Context, in Input) (map[string]any, error) {
	scopes := in.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	vars := map[string]any{
		"user":        policy.UserVars(in.User),
		"application": map[string]any{},
		"provider":    map[string]any{},
		"scopes":      scopes,
	}
	if in.Provider != nil {
		vars["application"] = policy.ApplicationVars(in.Provider.Application)
		vars["provider"] = map[string]any{"name": in.Provider.Name, "client_id": in.Provider.ClientID}
	}

	out, _, err := m.program.ContextEval(ctx, vars)
	if err != nil {
		return nil, err
	}
	native, err := out.ConvertToNative(reflect.TypeOf(&structpb.Struct{}))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotObject, out.Type())
	}
	st, ok := native.(*structpb.Struct)
	if !ok {
		return nil, ErrNotObject
	}
	return st.AsMap(), nil
}

// Registry holds the mappings providers can reference by name.
type Registry struct {
	mu       sync.RWMutex
	mappings map[string]ScopeMapping
}

// NewRegistry returns a registry containing mappings.
func NewRegistry(mappings ...ScopeMapping) *Registry {
	r := &Registry{mappings: make(map[string]ScopeMapping)}
	for _, m := range mappings {
		r.Register(m)
	}
	return r
}

// Register adds or replaces a mapping.
func (r *Registry) Register(m ScopeMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings[m.Name()] = m
}

// Get returns the mapping called name.
func (r *Registry) Get(name string) (ScopeMapping, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[name]
	return m, ok
}

// Names lists registered mapping names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.mappings))
	for n := range r.mappings {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// LoadConfigs compiles and registers CEL mappings.
func (r *Registry) LoadConfigs(cfgs []MappingConfig) error {
	for _, c := range cfgs {
		m, err := NewCELMapping(c.Name, c.Scope, c.Expression)
		if err != nil {
			return err
		}
		r.Register(m)
	}
	return nil
}

// Names of the built-in mappings.
const (
	MappingOpenID        = "default-openid"
	MappingProfile       = "default-profile"
	MappingEmail         = "default-email"
	MappingOfflineAccess = "default-offline-access"
)

// DefaultMappings returns the built-in openid, profile, email and
// offline_access mappings.
func DefaultMappings() []ScopeMapping {
	empty := func(context.Context, Input) (map[string]any, error) { return map[string]any{}, nil }
	return []ScopeMapping{
		&FuncMapping{MappingName: MappingOpenID, ScopeName: "openid", Fn: empty},
		&FuncMapping{MappingName: MappingOfflineAccess, ScopeName: "offline_access", Fn: empty},
		&FuncMapping{MappingName: MappingProfile, ScopeName: "profile", Fn: func(_ context.Context, in Input) (map[string]any, error) {
			u := in.User
			if u == nil {
				return map[string]any{}, nil
			}
			groups := u.Groups
			if groups == nil {
				groups = []string{}
			}
			return map[string]any{
				"name":               u.Name,
				"given_name":         u.Name,
				"preferred_username": u.Username,
				"nickname":           u.Username,
				"groups":             groups,
			}, nil
		}},
		&FuncMapping{MappingName: MappingEmail, ScopeName: "email", Fn: func(_ context.Context, in Input) (map[string]any, error) {
			if in.User == nil {
				return map[string]any{}, nil
			}
			return map[string]any{"email": in.User.Email, "email_verified": true}, nil
		}},
	}
}
