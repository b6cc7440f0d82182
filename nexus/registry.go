package nexus

import (
	"sync"

	dsp "github.com/delphix-oss/dsp"
)

// Registry is the process-wide table of live Nexuses, keyed by the
// (client,server,service) triple spec.md §3 scopes reinstatement to:
// "a reinstated session replaces any prior session with the same
// (client,server) pair within a service."
type Registry struct {
	mu  sync.Mutex
	byPair map[dsp.TerminusPair]*Nexus
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byPair: make(map[dsp.TerminusPair]*Nexus)}
}

// Adopt returns the existing non-ZOMBIE Nexus for pair, if any;
// otherwise it builds one via newFn, registers it, and returns it along
// with created=true.
func (r *Registry) Adopt(pair dsp.TerminusPair, newFn func() *Nexus) (n *Nexus, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byPair[pair]; ok && existing.State() != StateZombie {
		return existing, false
	}
	n = newFn()
	r.byPair[pair] = n
	return n, true
}

// AdoptOrReinstate resolves the nexus for pair given a login's
// FreshSession flag (login.Result.FreshSession, itself mirroring
// wire.LoginRequestBody.FreshSession): a fresh login always installs a
// newly constructed nexus, reinstating whatever non-ZOMBIE nexus was
// previously registered for pair (spec.md:75, :191 — the prior nexus is
// forced to ZOMBIE with RESET status and its pending exchanges abort
// with NexusReset). A non-fresh login behaves like Adopt: it joins an
// existing live nexus as another transport, or registers a new one if
// none exists yet. This is the single place connector.Connect and
// server.handle decide between "new session" and "another transport for
// the session already there" — see their doc comments for how the
// FreshSession bit itself gets set.
func (r *Registry) AdoptOrReinstate(pair dsp.TerminusPair, fresh bool, newFn func() *Nexus) (n *Nexus, created bool) {
	if !fresh {
		return r.Adopt(pair, newFn)
	}
	n = newFn()
	r.Reinstate(pair, n)
	return n, true
}

// Reinstate unconditionally replaces whatever Nexus is currently
// registered for pair with n, forcing the prior one to ZOMBIE with
// CloseReset status and aborting its pending exchanges (spec.md §4.5).
// Use this when a fresh connect attempt must win over a nexus that
// hasn't noticed it's stale yet (e.g. a stuck FAILED session the peer
// has already abandoned).
func (r *Registry) Reinstate(pair dsp.TerminusPair, n *Nexus) {
	r.mu.Lock()
	prior, ok := r.byPair[pair]
	r.byPair[pair] = n
	r.mu.Unlock()

	if ok && prior != n {
		prior.transitionZombie(CloseReset)
	}
}

// Lookup returns the currently registered Nexus for pair, if any.
func (r *Registry) Lookup(pair dsp.TerminusPair) (*Nexus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byPair[pair]
	return n, ok
}

// Forget removes pair's entry if it currently maps to n, leaving any
// newer reinstated Nexus untouched.
func (r *Registry) Forget(pair dsp.TerminusPair, n *Nexus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byPair[pair] == n {
		delete(r.byPair, pair)
	}
}
