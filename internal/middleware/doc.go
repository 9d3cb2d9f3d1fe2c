// Package middleware provides HTTP middleware for the index API.
//
// It includes:
//   - Request logging in W3C Extended Log Format with request ids
//   - Prometheus request metrics labelled by route template
//   - gzip compression of JSON responses
package middleware
