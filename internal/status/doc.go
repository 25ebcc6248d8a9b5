// Package status serves a small read-only HTTP API for the recovery service:
// liveness, the controller snapshot, a rate preview and Prometheus metrics.
//
// It binds to localhost by default. A non-loopback address needs a token or
// an explicit allow_insecure.
package status
