// Package pricing holds the pure money math shared by every store
// implementation. All amounts are integer cents.
package pricing

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/domain"
)

// ParseClock converts an "HH:MM" wall clock string to minutes after
// midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func dayKey(t time.Time) string {
	return strings.ToLower(t.Weekday().String()[:3])
}

func dayMatch(days []string, t time.Time) bool {
	if len(days) == 0 {
		return true
	}
	key := dayKey(t)
	for _, d := range days {
		d = strings.ToLower(strings.TrimSpace(d))
		if len(d) >= 3 && d[:3] == key {
			return true
		}
	}
	return false
}

// InWindow reports whether t falls inside the daily availability window.
// Empty from/until means all day. A window whose start is later than its
// end wraps past midnight, e.g. 22:00 to 02:00. Both bounds are
// inclusive.
func InWindow(t time.Time, days []string, from, until string) bool {
	if !dayMatch(days, t) {
		// A wrapped window that started yesterday still covers the
		// early hours of today.
		if from == "" || until == "" {
			return false
		}
		start, err1 := ParseClock(from)
		end, err2 := ParseClock(until)
		if err1 != nil || err2 != nil || start <= end {
			return false
		}
		minute := t.Hour()*60 + t.Minute()
		return minute <= end && dayMatch(days, t.AddDate(0, 0, -1))
	}
	if from == "" || until == "" {
		return true
	}
	start, err1 := ParseClock(from)
	end, err2 := ParseClock(until)
	if err1 != nil || err2 != nil {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if start <= end {
		return minute >= start && minute <= end
	}
	return minute >= start || minute <= end
}

// RoundTax applies the tax rate to an untaxed amount, rounding half away
// from zero to the nearest cent.
func RoundTax(amountCents int64, rate float64) int64 {
	if rate <= 0 || amountCents <= 0 {
		return 0
	}
	return int64(math.Round(float64(amountCents) * rate))
}

// InclusiveTax backs the tax portion out of a gross amount that
// already carries tax at the given rate.
func InclusiveTax(grossCents int64, rate float64) int64 {
	if rate <= 0 || grossCents <= 0 {
		return 0
	}
	return int64(math.Round(float64(grossCents) * rate / (1 + rate)))
}

// PercentDiscount returns the rounded percentage discount on a base
// amount.
func PercentDiscount(baseCents int64, percent float64) int64 {
	if percent <= 0 || baseCents <= 0 {
		return 0
	}
	return int64(math.Round(float64(baseCents) * percent / 100))
}

// AllocateDiscount splits a transaction level discount across line
// weights proportionally using the largest remainder method, so the
// parts always sum to the whole. Lines with zero weight get nothing.
func AllocateDiscount(total int64, weights []int64) []int64 {
	out := make([]int64, len(weights))
	if total <= 0 || len(weights) == 0 {
		return out
	}
	var sum int64
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	if sum <= 0 {
		return out
	}
	type rem struct {
		idx  int
		frac float64
	}
	var rems []rem
	var allocated int64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		exact := float64(total) * float64(w) / float64(sum)
		base := int64(math.Floor(exact))
		out[i] = base
		allocated += base
		rems = append(rems, rem{idx: i, frac: exact - float64(base)})
	}
	sort.Slice(rems, func(a, b int) bool {
		if rems[a].frac != rems[b].frac {
			return rems[a].frac > rems[b].frac
		}
		return rems[a].idx < rems[b].idx
	})
	for i := int64(0); i < total-allocated && int(i) < len(rems); i++ {
		out[rems[i].idx]++
	}
	return out
}

// Recompute rebuilds every derived amount on the transaction from its
// lines and applied promotions, treating listed prices as
// tax-exclusive. Cancelled lines carry no money. Tax is computed per
// line on the undiscounted subtotal, then the combined discount is
// spread back over the active lines.
func Recompute(tx *domain.Transaction) {
	RecomputeMode(tx, false)
}

// RecomputeMode is Recompute with a selectable tax mode. When
// taxInclusive is set, listed prices already carry tax: the tax
// portion is backed out per line for reporting and the total is
// subtotal minus discount, with no tax added on top.
func RecomputeMode(tx *domain.Transaction, taxInclusive bool) {
	var subtotal, tax, discount int64
	for _, p := range tx.AppliedPromotions {
		discount += p.DiscountCents
	}
	active := make([]int, 0, len(tx.Lines))
	for i := range tx.Lines {
		line := &tx.Lines[i]
		if line.Status == domain.LineStatusCancelled {
			line.SubtotalCents = 0
			line.TaxCents = 0
			line.DiscountCents = 0
			continue
		}
		line.SubtotalCents = (line.UnitPriceCents + line.ModifierCents) * int64(line.Qty)
		if taxInclusive {
			line.TaxCents = InclusiveTax(line.SubtotalCents, line.TaxRate)
		} else {
			line.TaxCents = RoundTax(line.SubtotalCents, line.TaxRate)
		}
		subtotal += line.SubtotalCents
		tax += line.TaxCents
		active = append(active, i)
	}
	if discount > subtotal {
		discount = subtotal
	}
	weights := make([]int64, len(active))
	for j, i := range active {
		weights[j] = tx.Lines[i].SubtotalCents
	}
	parts := AllocateDiscount(discount, weights)
	for j, i := range active {
		tx.Lines[i].DiscountCents = parts[j]
	}
	tx.SubtotalCents = subtotal
	tx.TaxCents = tax
	tx.DiscountCents = discount
	if taxInclusive {
		tx.TotalCents = subtotal - discount
	} else {
		tx.TotalCents = subtotal - discount + tax
	}
}
