// Package protocol owns the engine<->library record contract.
//
// Ownership boundary:
// - record envelope (frame header + tlv payload)
// - the closed set of engine records and their enums
// - in-place patching of FixMessage records for the resend path
// - GatewayPublication, which encodes records onto a bus publication
package protocol
