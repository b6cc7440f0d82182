// Package options implements the typed, negotiable option registry from
// spec.md §4.9, generalizing the teacher's flat functional-options Config
// (options.go: Option func(*Config), applyConfig, Validate) into a
// map[Key]value registry so options can be declared as data.
package options

import "fmt"

// Scope partitions options into the two negotiation namespaces spec.md
// §3 describes: nexus options (negotiated once at login) and transport
// options (negotiated per-transport).
type Scope uint8

const (
	ScopeNexus Scope = iota
	ScopeTransport
)

// CombineRule picks the negotiated value from a client-desired and
// server-desired pair (spec.md §4.9).
type CombineRule uint8

const (
	CombineMin CombineRule = iota
	CombineMax
	CombineEqual
	CombineSubset
)

// ErrNegotiationFailed is returned by Combine when an Equal-rule option
// disagrees, the key is undeclared, or the values do not fit the key's
// combine rule. Combine does not call Validate.
var ErrNegotiationFailed = fmt.Errorf("options: negotiation failed")

// Key identifies one declared option. Value is carried as `any` and
// type-asserted by callers that know the concrete option (e.g.
// CommandWindowSize is always an int); Declaration.Validate guards against
// the wrong underlying type when a value is Set.
type Key string

// Declaration is the per-key metadata spec.md §4.9 calls for: "{key, type,
// scope, default, combine, validate}".
type Declaration struct {
	Key      Key
	Scope    Scope
	Default  any
	Combine  CombineRule
	Validate func(any) error
}

// Registry holds the full set of declared options plus any values a
// caller has overridden via Set.
type Registry struct {
	decls  map[Key]Declaration
	values map[Key]any
}

// NewRegistry builds a Registry seeded with decls, each at its declared
// default.
func NewRegistry(decls []Declaration) *Registry {
	r := &Registry{decls: make(map[Key]Declaration), values: make(map[Key]any)}
	for _, d := range decls {
		r.decls[d.Key] = d
		r.values[d.Key] = d.Default
	}
	return r
}

// Set overrides a value, validating it against the key's declared rule.
// Unknown keys are a programmer error and return an error rather than
// panicking, since option sets may come from a pluggable driver.
func (r *Registry) Set(k Key, v any) error {
	d, ok := r.decls[k]
	if !ok {
		return fmt.Errorf("options: unknown key %q", k)
	}
	if d.Validate != nil {
		if err := d.Validate(v); err != nil {
			return fmt.Errorf("options: %q: %w", k, err)
		}
	}
	r.values[k] = v
	return nil
}

// Get returns the current value for k, or its zero value if undeclared.
func (r *Registry) Get(k Key) any { return r.values[k] }

// GetInt is a convenience accessor for integer-valued options.
func (r *Registry) GetInt(k Key) int {
	v, _ := r.values[k].(int)
	return v
}

// GetBool is a convenience accessor for boolean-valued options.
func (r *Registry) GetBool(k Key) bool {
	v, _ := r.values[k].(bool)
	return v
}

// GetString is a convenience accessor for string-valued options.
func (r *Registry) GetString(k Key) string {
	v, _ := r.values[k].(string)
	return v
}

// Clone returns an independent copy of r, so a per-connection option set
// can diverge from the registry it started from (e.g. after login
// negotiation overwrites values with the peer-combined result).
func (r *Registry) Clone() *Registry {
	out := &Registry{decls: make(map[Key]Declaration, len(r.decls)), values: make(map[Key]any, len(r.values))}
	for k, d := range r.decls {
		out.decls[k] = d
	}
	for k, v := range r.values {
		out.values[k] = v
	}
	return out
}

// Snapshot returns the subset of values within scope, keyed by Key, for
// wire negotiation.
func (r *Registry) Snapshot(scope Scope) map[Key]any {
	out := make(map[Key]any)
	for k, d := range r.decls {
		if d.Scope == scope {
			out[k] = r.values[k]
		}
	}
	return out
}

// Combine negotiates ours (typically the locally-desired value) against
// theirs (the peer's desired value) for key k, applying the declared
// CombineRule. It returns ErrNegotiationFailed if the rule is Equal and
// the values differ, or if k is undeclared.
func (r *Registry) Combine(k Key, ours, theirs any) (any, error) {
	d, ok := r.decls[k]
	if !ok {
		return nil, fmt.Errorf("options: unknown key %q: %w", k, ErrNegotiationFailed)
	}
	switch d.Combine {
	case CombineMin:
		return combineNumeric(ours, theirs, true)
	case CombineMax:
		return combineNumeric(ours, theirs, false)
	case CombineEqual:
		if ours != theirs {
			return nil, fmt.Errorf("options: %q: %v != %v: %w", k, ours, theirs, ErrNegotiationFailed)
		}
		return ours, nil
	case CombineSubset:
		return combineSubset(ours, theirs)
	default:
		return nil, fmt.Errorf("options: %q: unknown combine rule: %w", k, ErrNegotiationFailed)
	}
}

func combineNumeric(a, b any, min bool) (any, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return nil, fmt.Errorf("options: non-numeric value: %w", ErrNegotiationFailed)
	}
	pick := a
	if (min && bf < af) || (!min && bf > af) {
		pick = b
	}
	return pick, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func combineSubset(a, b any) (any, error) {
	as, aok := a.([]string)
	bs, bok := b.([]string)
	if !aok || !bok {
		return nil, fmt.Errorf("options: subset combine needs []string: %w", ErrNegotiationFailed)
	}
	bset := make(map[string]struct{}, len(bs))
	for _, v := range bs {
		bset[v] = struct{}{}
	}
	var out []string
	for _, v := range as {
		if _, ok := bset[v]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}
