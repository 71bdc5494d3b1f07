// Package relayerr defines the error taxonomy shared by the resilience
// pipeline (limiter, breaker, retry, queue, gateway).
//
// Errors are tagged with a Kind where the failure happens (for example at
// the upstream HTTP client, where the status code is known) so downstream
// code never needs to inspect message strings.
package relayerr
