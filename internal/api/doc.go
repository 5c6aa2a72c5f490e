// Package api exposes the REST interface for driving the escrow payment
// lifecycle: creating payment requests, reconciling on-chain state,
// submitting result hashes, and authorizing refunds. It also serves the
// health and Prometheus metrics endpoints.
package api
