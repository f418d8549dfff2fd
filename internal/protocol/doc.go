// Package protocol owns the envelope wire contract shared by every node.
//
// Ownership boundary:
// - Envelope union and error codes
// - format detection
// - text (JSON array), hybrid and compact binary codecs
//
// Binary header and TLV primitives live in the frame and tlv subpackages.
package protocol
