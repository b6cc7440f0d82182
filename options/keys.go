package options

import "time"

// Declared option keys with their stated defaults (spec.md §6).
const (
	CommandWindowSize   Key = "commandWindowSize"
	MaxFrameSize        Key = "maxFrameSize"
	HeaderDigest        Key = "headerDigest"
	DataDigest          Key = "dataDigest"
	CompressionThreshold Key = "compressionThreshold"
	PingIdleInterval    Key = "pingIdleInterval"
	LoginTimeout        Key = "loginTimeout"
	LogoutTimeout       Key = "logoutTimeout"
	RecoveryTimeout     Key = "recoveryTimeout"
	TLSLevel            Key = "tlsLevel"
	ThrottleRate        Key = "throttleRate"

	// Supplemental, not named by spec.md §6 directly but implied by §4.2's
	// close-failsafe timer and §4.8's control-plane default timeout (see
	// DESIGN.md's Open Question resolution).
	CloseFailsafeTimeout Key = "closeFailsafeTimeout"
	ControlTimeout       Key = "controlTimeout"
)

func positiveInt(v any) error {
	n, ok := v.(int)
	if !ok || n <= 0 {
		return errPositiveInt
	}
	return nil
}

var errPositiveInt = errValidation("value must be a positive int")

type errValidation string

func (e errValidation) Error() string { return string(e) }

// Declarations returns the full set of spec.md §6/§4.9 option
// declarations.
func Declarations() []Declaration {
	return []Declaration{
		{Key: CommandWindowSize, Scope: ScopeTransport, Default: 64, Combine: CombineMin, Validate: positiveInt},
		{Key: MaxFrameSize, Scope: ScopeTransport, Default: 16 * 1024 * 1024, Combine: CombineMin, Validate: positiveInt},
		{Key: HeaderDigest, Scope: ScopeTransport, Default: true, Combine: CombineEqual},
		{Key: DataDigest, Scope: ScopeTransport, Default: false, Combine: CombineEqual},
		{Key: CompressionThreshold, Scope: ScopeTransport, Default: 1024, Combine: CombineMin},
		{Key: PingIdleInterval, Scope: ScopeNexus, Default: 30000, Combine: CombineMin},
		{Key: LoginTimeout, Scope: ScopeNexus, Default: 15000, Combine: CombineMin},
		{Key: LogoutTimeout, Scope: ScopeNexus, Default: 10000, Combine: CombineMin},
		{Key: RecoveryTimeout, Scope: ScopeNexus, Default: 60000, Combine: CombineMin},
		{Key: TLSLevel, Scope: ScopeNexus, Default: "OPTIONAL", Combine: CombineEqual},
		{Key: ThrottleRate, Scope: ScopeTransport, Default: 0, Combine: CombineMin},
		{Key: CloseFailsafeTimeout, Scope: ScopeTransport, Default: 30000, Combine: CombineMin},
		{Key: ControlTimeout, Scope: ScopeNexus, Default: 5000, Combine: CombineMin},
	}
}

// NewDefaultRegistry builds a Registry from Declarations().
func NewDefaultRegistry() *Registry { return NewRegistry(Declarations()) }

// Duration is a convenience helper: option values for time-based keys are
// stored as milliseconds (ints), since that's how they cross the wire in
// NegotiateRequest/Response (see wire.OptionValue).
func Duration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
