// Package manager bundles the scheduler, event dispatcher, and nexus
// reinstatement registry a Connector and a Server share (spec.md §4.10:
// "construction-time dependency injection; a single Runtime struct
// bundles scheduler, event manager, execution pool, option registry;
// passed by handle to constructors"). It replaces the teacher's package-
// level global driver registry (aznet.go's RegisterFactory/init()) with
// an explicit, constructed value so a process can run more than one
// independently-configured DSP endpoint.
package manager

import (
	"github.com/delphix-oss/dsp/event"
	"github.com/delphix-oss/dsp/nexus"
	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/schedule"
)

// Manager is the shared runtime a Connector's dial attempts and a
// Server's accepted connections both register nexuses against.
type Manager struct {
	// Options is the base nexus/transport option set new logins start
	// from before peer negotiation narrows it (spec.md §4.9).
	Options *options.Registry
	// Scheduler backs nexus recovery timers and channel.Throttle refills
	// (spec.md §4.7); no keepalive ping runs on it.
	Scheduler *schedule.Scheduler
	// Events is the shared per-source ordered dispatcher nexus
	// listener notifications run through (spec.md §4.7).
	Events *event.Manager
	// Nexuses is the process-wide (client,server,service) reinstatement
	// table (spec.md §4.5).
	Nexuses *nexus.Registry
}

// New builds a Manager. opts seeds every login this Manager drives;
// eventWorkers bounds the shared event-dispatch pool's concurrency
// (spec.md §5: "Event workers... multiplexed over the shared pool").
func New(opts *options.Registry, eventWorkers int) *Manager {
	return &Manager{
		Options:   opts,
		Scheduler: schedule.New(),
		Events:    event.NewManager(eventWorkers),
		Nexuses:   nexus.NewRegistry(),
	}
}

// Close stops the scheduler from starting further delayed tasks.
// In-flight tasks and nexuses are unaffected; callers that want a full
// shutdown should first logout every nexus they care about.
func (m *Manager) Close() {
	m.Scheduler.Close()
}
