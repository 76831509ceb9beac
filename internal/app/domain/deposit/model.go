// Package deposit defines the PendingDeposit aggregate maintained by the
// deposit monitor until the on-chain escrow contract's own balance becomes
// the source of truth.
package deposit

import "strings"

// PendingDeposit is a deposit seen on-chain but not yet past the required
// confirmation depth.
type PendingDeposit struct {
	TxHash        string  `json:"txHash"`
	WalletAddress string  `json:"walletAddress"`
	Amount        float64 `json:"amount"`
	BlockNumber   int64   `json:"blockNumber"`
	Confirmations int64   `json:"confirmations"`
	ChainID       int64   `json:"chainId"`
}

// NormalizeWallet lower-cases a wallet address for use as an index key,
// matching the deposit monitor's canonical lookup key.
func NormalizeWallet(addr string) string {
	return strings.ToLower(addr)
}

// Confirmed reports whether the deposit has reached the required
// confirmation depth and should be dropped in favor of the contract's own
// balance.
func (p PendingDeposit) Confirmed(required int64) bool {
	return p.Confirmations >= required
}
