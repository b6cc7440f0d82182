// Package dsp implements the Delphix Session Protocol: a reliable,
// session-oriented, bidirectional RPC runtime over TCP (optionally wrapped
// in TLS) with SASL authentication.
//
// The runtime turns one or more transient transport connections into a
// single logical, ordered, recoverable, fully-duplex "nexus" across which
// requests and responses flow with at-most-once command semantics. See
// the sub-packages for the individual layers:
//
//	wire       frame/codec pipeline
//	chandrv    pluggable byte-channel drivers (tcp, azrelay)
//	transport  one connection's exchange bookkeeping
//	login      connect/authenticate/negotiate/operate handshake
//	sasl       SASL mechanism contracts
//	channel    fore/back command-window flow control
//	nexus      session state machine and reinstatement
//	event      per-source ordered event dispatch
//	schedule   cancelable delayed tasks
//	control    in-band stats/info RPC
//	options    typed, negotiable option registry
//	manager    scheduler/pool/registry bundle shared by client and server
//	connector  client-side Connect
//	server     server-side Listen
package dsp
