// Package observability provides the gateway's structured logging, Prometheus
// metrics, dependency health checks, and graceful-shutdown plumbing.
package observability
