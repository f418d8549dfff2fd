// Package session owns request correlation for one networking node.
//
// Ownership boundary:
// - pending-request table and exactly-once completion
// - request id generation
// - link timing and transport security settings
package session
