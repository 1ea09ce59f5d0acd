// Package ratelimit throttles public requests per client IP.
//
// The limiter is in-memory and local to one node. It keeps a single client
// from monopolising the node's upstream bandwidth with a flood of download
// requests. It does nothing against many clients sharing the load, and the
// coordinator's bandwidth probe is exempted by the caller.
package ratelimit
