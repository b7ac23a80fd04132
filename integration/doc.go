//go:build integration

// Package integration provides end-to-end tests for the image cache.
//
// These tests require Docker and spin up a real OCI registry using testcontainers.
// Run with: go test -tags=integration ./integration/...
package integration
