// Package messages holds a sample of per-action modules: payload types,
// gjson-based parsers, default handlers and typed send helpers. Each module
// registers itself into a relay.Registry.
package messages
