package httpapi

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/decloud/controlplane/internal/app/apperr"
	"github.com/decloud/controlplane/internal/app/domain/creditgrant"
	"github.com/decloud/controlplane/internal/app/storage"
)

// PromoCode is one redeemable code configured by operators.
type PromoCode struct {
	Code      string
	Amount    float64
	ValidDays int // credit lifetime after redemption; 0 = no expiry
}

// PromoRegistry resolves promo codes to credit grants, at most once per
// (user, code). A second redemption returns Conflict with no new
// grant.
type PromoRegistry struct {
	codes   map[string]PromoCode
	credits storage.CreditGrantStore
}

// NewPromoRegistry builds a registry over a static code set.
func NewPromoRegistry(codes []PromoCode, credits storage.CreditGrantStore) *PromoRegistry {
	m := make(map[string]PromoCode, len(codes))
	for _, c := range codes {
		m[strings.ToUpper(strings.TrimSpace(c.Code))] = c
	}
	return &PromoRegistry{codes: m, credits: credits}
}

// Redeem grants the code's credit to the user, once.
func (p *PromoRegistry) Redeem(ctx context.Context, userID, code string) (creditgrant.CreditGrant, error) {
	if p == nil || p.credits == nil {
		return creditgrant.CreditGrant{}, apperr.NotFound("PROMO_DISABLED", "promo codes not configured")
	}
	normalized := strings.ToUpper(strings.TrimSpace(code))
	promo, ok := p.codes[normalized]
	if !ok {
		return creditgrant.CreditGrant{}, apperr.NotFound("PROMO_UNKNOWN", "unknown promo code")
	}

	existing, err := p.credits.ListCreditGrantsByUser(ctx, userID)
	if err != nil {
		return creditgrant.CreditGrant{}, err
	}
	marker := "promo:" + normalized
	for _, g := range existing {
		if g.Type == creditgrant.TypePromo && strings.HasPrefix(g.ID, marker) {
			return creditgrant.CreditGrant{}, apperr.Conflict("PROMO_ALREADY_REDEEMED", "promo code already redeemed")
		}
	}

	now := time.Now().UTC()
	grant := creditgrant.CreditGrant{
		// The id embeds the code so redemption dedup survives restarts
		// without a separate redemption aggregate.
		ID:              marker + ":" + uuid.NewString(),
		UserID:          userID,
		Type:            creditgrant.TypePromo,
		OriginalAmount:  promo.Amount,
		RemainingAmount: promo.Amount,
		CreatedAt:       now,
	}
	if promo.ValidDays > 0 {
		expires := now.AddDate(0, 0, promo.ValidDays)
		grant.ExpiresAt = &expires
	}
	return p.credits.CreateCreditGrant(ctx, grant)
}
