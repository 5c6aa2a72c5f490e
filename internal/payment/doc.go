// Package payment implements the escrow payment lifecycle engine. It keeps
// a local cache of payment requests keyed by their blockchain identifier,
// drives the create / refresh / submit-result / authorize-refund operations
// against the remote ledger service, and runs a background monitor that
// periodically reconciles every non-terminal entry. State transitions
// observed during reconciliation are published on the event bus; the remote
// ledger remains the single source of truth for on-chain state.
package payment
