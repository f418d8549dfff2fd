// Package signature signs and verifies message payloads.
//
// Signatures travel inside the payload as a "signatures" array of
// {keyId, algorithm, hashAlgorithm, value}. The signed bytes are the canonical
// JSON of the payload with that array, and any rule-specific fields, removed.
// Rules are chosen by (action, direction) with "*" as the action wildcard.
package signature
