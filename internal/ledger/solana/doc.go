// Package solana adapts the neutral ledger capabilities to a Solana-style
// network. It encodes messages into the wire transaction format, signs with
// local keypairs, talks to a JSON-RPC node for blockhashes, simulation,
// submission, and confirmation, and speaks the bundle relay dialect for
// atomic multi-transaction submission.
package solana
