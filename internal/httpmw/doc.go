// Package httpmw holds the middleware for the node's public listener.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP, rate limiting, tracing, metrics
// and the request logger, with route annotation and access logging on the
// chi router itself.
//
// Query strings, user agents and other client-supplied headers are kept out
// of logs; download URLs carry their signature in the query.
package httpmw
