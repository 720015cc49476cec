// Package core defines sentinel errors and defrag context tags shared
// across the datapath.
package core

import "errors"

// Sentinel errors. Callers match with errors.Is; packages wrap these
// with fmt.Errorf("...: %w", err) to add context.
var (
	// Fragment reassembly errors
	ErrAlreadyComplete    = errors.New("ovstsn: reassembly queue already complete")
	ErrConflictingLength  = errors.New("ovstsn: conflicting datagram length declarations")
	ErrZeroLengthFragment = errors.New("ovstsn: zero length fragment")
	ErrOversizedDatagram  = errors.New("ovstsn: reassembled datagram exceeds 65535 bytes")
	ErrChecksumOrTrim     = errors.New("ovstsn: fragment could not be trimmed")
	ErrInvalidEcn         = errors.New("ovstsn: invalid ECN codepoint combination")
	ErrTooFarSpread       = errors.New("ovstsn: reassembly ids spread too far apart")
	ErrOutOfMemory        = errors.New("ovstsn: reassembly memory exhausted")
	ErrDefragClosed       = errors.New("ovstsn: defragmenter closed")

	// Timeout notification errors
	ErrNoRoute           = errors.New("ovstsn: no route to original sender")
	ErrDeviceUnavailable = errors.New("ovstsn: arrival device no longer available")

	// Packet decoding errors
	ErrPacketTooShort   = errors.New("ovstsn: packet too short")
	ErrUnsupportedProto = errors.New("ovstsn: unsupported protocol")

	// Pipeline errors
	ErrPipelineStopped = errors.New("ovstsn: pipeline stopped")

	// Configuration errors
	ErrConfigInvalid = errors.New("ovstsn: invalid configuration")
)
