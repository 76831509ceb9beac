// Package creditgrant defines the CreditGrant aggregate, consumed
// FIFO-by-expiry by the balance engine before escrow funds.
package creditgrant

import "time"

// Type distinguishes how a credit was issued.
type Type string

const (
	TypePromo  Type = "promo"
	TypeManual Type = "manual"
	TypeRefund Type = "refund"
)

// CreditGrant is a unit of prepaid, non-custodial balance for a user.
type CreditGrant struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	Type            Type       `json:"type"`
	OriginalAmount  float64    `json:"originalAmount"`
	RemainingAmount float64    `json:"remainingAmount"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Expired reports whether this grant can no longer be consumed.
func (g CreditGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// ByExpiryFIFO orders grants for consumption: soonest-expiring first, grants
// with no expiry last.
type ByExpiryFIFO []CreditGrant

func (g ByExpiryFIFO) Len() int      { return len(g) }
func (g ByExpiryFIFO) Swap(i, j int) { g[i], g[j] = g[j], g[i] }
func (g ByExpiryFIFO) Less(i, j int) bool {
	a, b := g[i].ExpiresAt, g[j].ExpiresAt
	if a == nil && b == nil {
		return g[i].CreatedAt.Before(g[j].CreatedAt)
	}
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Before(*b)
}

// Consume applies amount against a sorted (ByExpiryFIFO) slice of grants,
// draining the soonest-expiring grants first, mutating RemainingAmount in
// place and returning the amount actually covered by credits.
func Consume(grants []CreditGrant, now time.Time, amount float64) float64 {
	covered := 0.0
	remaining := amount
	for i := range grants {
		if remaining <= 0 {
			break
		}
		g := &grants[i]
		if g.Expired(now) || g.RemainingAmount <= 0 {
			continue
		}
		take := g.RemainingAmount
		if take > remaining {
			take = remaining
		}
		g.RemainingAmount -= take
		remaining -= take
		covered += take
	}
	return covered
}
