// Package promotion evaluates promo eligibility and computes the
// discount a code grants on a transaction. It is shared by the memory
// and postgres stores so both settle carts identically.
package promotion

import (
	"fmt"
	"time"

	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/domain"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/pricing"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/store"
)

// EligibleBase sums the undiscounted subtotals of the lines the promo
// scopes to. An empty scope covers every active line.
func EligibleBase(promo domain.Promotion, tx domain.Transaction) int64 {
	var base int64
	for _, line := range tx.Lines {
		if line.Status == domain.LineStatusCancelled {
			continue
		}
		if !inScope(promo, line) {
			continue
		}
		base += line.SubtotalCents
	}
	return base
}

func inScope(promo domain.Promotion, line domain.LineItem) bool {
	if len(promo.Categories) == 0 && len(promo.ItemCodes) == 0 {
		return true
	}
	for _, c := range promo.Categories {
		if c == line.Category {
			return true
		}
	}
	for _, code := range promo.ItemCodes {
		if code == line.ItemCode {
			return true
		}
	}
	return false
}

// Evaluate checks every eligibility rule and returns the discount the
// promo grants right now. Usage limits are enforced by the store, which
// owns the counter.
func Evaluate(promo domain.Promotion, tx domain.Transaction, now time.Time) (int64, error) {
	if !promo.Active {
		return 0, fmt.Errorf("%w: %s is inactive", store.ErrPromotionIneligible, promo.Code)
	}
	if !promo.ValidFrom.IsZero() && now.Before(promo.ValidFrom) {
		return 0, fmt.Errorf("%w: %s not yet valid", store.ErrPromotionIneligible, promo.Code)
	}
	if !promo.ValidTo.IsZero() && now.After(promo.ValidTo) {
		return 0, fmt.Errorf("%w: %s expired", store.ErrPromotionIneligible, promo.Code)
	}
	if !pricing.InWindow(now, promo.Days, promo.WindowFrom, promo.WindowUntil) {
		return 0, fmt.Errorf("%w: %s outside its time window", store.ErrPromotionIneligible, promo.Code)
	}
	if promo.MinPurchaseCents > 0 && tx.SubtotalCents < promo.MinPurchaseCents {
		return 0, fmt.Errorf("%w: %s requires a minimum purchase of %d", store.ErrPromotionIneligible, promo.Code, promo.MinPurchaseCents)
	}
	base := EligibleBase(promo, tx)
	if base <= 0 {
		return 0, fmt.Errorf("%w: no eligible items for %s", store.ErrPromotionIneligible, promo.Code)
	}

	var discount int64
	switch promo.Kind {
	case domain.PromotionKindPercentage:
		discount = pricing.PercentDiscount(base, promo.DiscountPercent)
	case domain.PromotionKindFixed:
		discount = promo.FlatDiscountCents
	default:
		return 0, fmt.Errorf("%w: unknown promotion kind %q", store.ErrValidation, promo.Kind)
	}
	if promo.MaxDiscountCents > 0 && discount > promo.MaxDiscountCents {
		discount = promo.MaxDiscountCents
	}
	if discount > base {
		discount = base
	}
	if discount <= 0 {
		return 0, fmt.Errorf("%w: %s yields no discount", store.ErrPromotionIneligible, promo.Code)
	}
	return discount, nil
}

// HasCapacity reports whether the promo's global usage limit still has
// room for one more redemption.
func HasCapacity(promo domain.Promotion) bool {
	return promo.UsageLimit <= 0 || promo.UsageCount < promo.UsageLimit
}
