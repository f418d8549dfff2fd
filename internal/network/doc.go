// Package network owns overlay addressing primitives.
//
// Ownership boundary:
// - node identity
// - recorded hop paths and reverse routes
// - destination expressions and next-hop evaluation
// - static routing table
package network
