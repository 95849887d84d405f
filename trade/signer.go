package trade

import "context"

// Signer is the custody boundary. It is produced per call by an external
// wallet service, lives for the duration of one trade and is never persisted
// or logged. Transactions cross this boundary as base64 strings so no chain
// SDK types leak into the engine API.
type Signer interface {
	// PublicKey returns the wallet address the signer controls.
	PublicKey() string
	// SignTransaction signs a serialized unsigned transaction and returns
	// the serialized signed transaction plus its signature.
	SignTransaction(ctx context.Context, base64Tx string) (signedTx string, signature string, err error)
	// SignTransfer builds and signs a simple value transfer (used for relay
	// tip payments) against the given recent blockhash.
	SignTransfer(ctx context.Context, to string, lamports uint64, recentBlockhash string) (signedTx string, signature string, err error)
}

// SignerProvider yields a signer for a user's stored wallet.
type SignerProvider interface {
	SignerFor(ctx context.Context, userID int64) (Signer, error)
}
