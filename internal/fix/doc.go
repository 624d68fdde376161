// Package fix holds the byte-level helpers for the tag=value wire format the
// gateway terminates.
//
// Ownership boundary:
// - separator, checksum and ASCII natural encoding
// - header/trailer scanning (offsets only, no field decoding)
// - UTC timestamp encoding at a fixed width
// - a small message builder used by tests and the library harness
package fix
