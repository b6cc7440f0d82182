package sasl

// Factory constructs a fresh server-side Mechanism instance for one
// authentication attempt; mechanisms carry per-attempt state so a new
// instance is needed per login.
type Factory func() Mechanism

// Registry holds the server-side mechanisms a nexus advertises, in
// preference order (spec.md §4.6: the server offers a preference-ordered
// list, the client selects the first one it also supports).
type Registry struct {
	order     []string
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a mechanism, appending it to the advertised preference
// order if not already present.
func (r *Registry) Register(name string, f Factory) {
	if _, exists := r.factories[name]; !exists {
		r.order = append(r.order, name)
	}
	r.factories[name] = f
}

// Offered returns the advertised mechanism names in preference order.
func (r *Registry) Offered() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// New returns a fresh Mechanism instance for name, or false if unknown.
func (r *Registry) New(name string) (Mechanism, bool) {
	f, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	return f(), true
}

// SelectMechanism returns the first name in offered that also appears in
// supported, preserving offered's order — the client-side selection rule
// from spec.md §4.6.
func SelectMechanism(offered, supported []string) (string, bool) {
	set := make(map[string]bool, len(supported))
	for _, s := range supported {
		set[s] = true
	}
	for _, o := range offered {
		if set[o] {
			return o, true
		}
	}
	return "", false
}
