// Package server exposes the relay over HTTP.
//
// Every request passes through the same middleware chain: request ids,
// request logging, metrics, security headers, CORS, global rate limiting,
// and panic recovery. Relay routes additionally enforce the per-client rate
// limit and, when keys are configured, API key authentication.
package server
