package dsp

import "github.com/google/uuid"

// ClientTerminus identifies a client-side endpoint. Immutable and hashable,
// suitable as a map key when paired with a ServerTerminus.
type ClientTerminus struct {
	UUID uuid.UUID
	Name string
}

// ServerTerminus identifies a server-side endpoint, additionally tagged
// with the ServiceType it serves.
type ServerTerminus struct {
	UUID uuid.UUID
	Name string
	Type ServiceType
}

func (t ClientTerminus) String() string { return t.Name + "/" + t.UUID.String() }
func (t ServerTerminus) String() string { return t.Name + "/" + t.UUID.String() }

// TerminusPair identifies a (client,server) relationship within a service,
// the key reinstatement is scoped to (spec.md §3: "a reinstated session
// replaces any prior session with the same (client,server) pair within a
// service").
type TerminusPair struct {
	Client  ClientTerminus
	Server  ServerTerminus
	Service uuid.UUID
}

// ServiceType names a higher-level protocol (Remote Service, RMI Service,
// ...) built atop a nexus. The uuid is enforced unique process-wide by
// RegisterServiceType.
type ServiceType struct {
	UUID        uuid.UUID
	Name        string
	Description string
}

var serviceTypes = newServiceTypeRegistry()

type serviceTypeRegistry struct {
	byUUID map[uuid.UUID]ServiceType
}

func newServiceTypeRegistry() *serviceTypeRegistry {
	return &serviceTypeRegistry{byUUID: make(map[uuid.UUID]ServiceType)}
}

// RegisterServiceType registers st process-wide. It panics on a duplicate
// uuid, matching the teacher's RegisterFactory panic-on-duplicate
// convention (programmer error, not a runtime condition).
func RegisterServiceType(st ServiceType) {
	if _, dup := serviceTypes.byUUID[st.UUID]; dup {
		panic("dsp: service type already registered: " + st.UUID.String())
	}
	serviceTypes.byUUID[st.UUID] = st
}

// LookupServiceType returns the previously registered ServiceType for id.
func LookupServiceType(id uuid.UUID) (ServiceType, bool) {
	st, ok := serviceTypes.byUUID[id]
	return st, ok
}
