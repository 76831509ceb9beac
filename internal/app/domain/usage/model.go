// Package usage defines the UsageRecord aggregate, written by the billing
// ticker and mutated (settled) by the settlement ticker.
package usage

import "time"

// PlatformFeeBps is the platform's cut of every usage record, in basis
// points. Fixed by the escrow contract's ABI at 1500 (15%).
const PlatformFeeBps = 1500

// Record is one billed usage period for a single VM.
type Record struct {
	ID                  string    `json:"id"`
	VMID                string    `json:"vmId"`
	UserID              string    `json:"userId"`
	NodeID              string    `json:"nodeId"`
	PeriodStart         time.Time `json:"periodStart"`
	PeriodEnd           time.Time `json:"periodEnd"`
	TotalCost           float64   `json:"totalCost"`
	NodeShare           float64   `json:"nodeShare"`
	PlatformFee         float64   `json:"platformFee"`
	AttestationVerified bool      `json:"attestationVerified"`
	SettledOnChain      bool      `json:"settledOnChain"`
	SettlementTxHash    string    `json:"settlementTxHash,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Split computes nodeShare/platformFee for a total cost at the given
// platform fee (basis points), rounded to 6 decimals, mirroring the escrow
// adapter's split so callers agree before a transaction is built.
func Split(totalCost float64, feeBps int) (nodeShare, platformFee float64) {
	nodeShare = round6(totalCost * (1 - float64(feeBps)/10000))
	platformFee = round6(totalCost - nodeShare)
	return nodeShare, platformFee
}

func round6(v float64) float64 {
	const scale = 1e6
	if v < 0 {
		return -round6(-v)
	}
	return float64(int64(v*scale+0.5)) / scale
}

// NewRecord builds a usage record with nodeShare/platformFee derived from
// totalCost at PlatformFeeBps.
func NewRecord(id, vmID, userID, nodeID string, periodStart, periodEnd time.Time, totalCost float64, attestationVerified bool) Record {
	nodeShare, platformFee := Split(totalCost, PlatformFeeBps)
	return Record{
		ID:                  id,
		VMID:                vmID,
		UserID:              userID,
		NodeID:              nodeID,
		PeriodStart:         periodStart,
		PeriodEnd:           periodEnd,
		TotalCost:           totalCost,
		NodeShare:           nodeShare,
		PlatformFee:         platformFee,
		AttestationVerified: attestationVerified,
	}
}
