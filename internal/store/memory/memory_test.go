package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/domain"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/store"
)

// 2026-03-02 is a Monday. Noon sits outside the happy hour window,
// 18:00 sits inside it.
var (
	mondayNoon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	monday18   = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
)

func openTx(t *testing.T, s *Store) *domain.Transaction {
	t.Helper()
	tx, err := s.CreateTransaction(context.Background(), domain.Transaction{
		LocationID: "main-floor",
		CreatedAt:  mondayNoon,
	})
	if err != nil {
		t.Fatalf("create transaction failed: %v", err)
	}
	return tx
}

func addLine(t *testing.T, s *Store, txID, code string, qty int, at time.Time) *domain.Transaction {
	t.Helper()
	tx, _, err := s.AddTransactionLine(context.Background(), txID, store.AddLineInput{
		ItemCode: code,
		Qty:      qty,
	}, at)
	if err != nil {
		t.Fatalf("add line %s x%d failed: %v", code, qty, err)
	}
	return tx
}

func TestAddLineComputesTotals(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)

	tx = addLine(t, s, tx.ID, "BEER-01", 2, mondayNoon)
	if tx.SubtotalCents != 640 {
		t.Fatalf("expected subtotal 640, got %d", tx.SubtotalCents)
	}
	if tx.TaxCents != 64 {
		t.Fatalf("expected tax 64, got %d", tx.TaxCents)
	}
	if tx.TotalCents != 704 {
		t.Fatalf("expected total 704, got %d", tx.TotalCents)
	}
}

func TestAddLineWithModifiers(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)

	tx, _, err := s.AddTransactionLine(context.Background(), tx.ID, store.AddLineInput{
		ItemCode:    "LAT-01",
		Qty:         1,
		ModifierIDs: []string{"mod-oat", "mod-shot"},
	}, mondayNoon)
	if err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	line := tx.Lines[0]
	if line.ModifierCents != 140 {
		t.Fatalf("expected modifier cents 140, got %d", line.ModifierCents)
	}
	if line.SubtotalCents != 380+140 {
		t.Fatalf("expected line subtotal 520, got %d", line.SubtotalCents)
	}
}

func TestSingleSelectionGroupRejectsTwoChoices(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)

	_, _, err := s.AddTransactionLine(context.Background(), tx.ID, store.AddLineInput{
		ItemCode:    "LAT-01",
		Qty:         1,
		ModifierIDs: []string{"mod-oat", "mod-soy"},
	}, mondayNoon)
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for two milks, got %v", err)
	}
}

func TestModifierMustBelongToItemGroups(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)

	// Draft beer has no modifier groups.
	_, _, err := s.AddTransactionLine(context.Background(), tx.ID, store.AddLineInput{
		ItemCode:    "BEER-01",
		Qty:         1,
		ModifierIDs: []string{"mod-shot"},
	}, mondayNoon)
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestItemAvailabilityWindow(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)

	morning := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	if _, _, err := s.AddTransactionLine(context.Background(), tx.ID, store.AddLineInput{
		ItemCode: "BRKF-01", Qty: 1,
	}, morning); err != nil {
		t.Fatalf("breakfast at 08:00 should be available: %v", err)
	}

	tx2 := openTx(t, s)
	_, _, err := s.AddTransactionLine(context.Background(), tx2.ID, store.AddLineInput{
		ItemCode: "BRKF-01", Qty: 1,
	}, mondayNoon)
	if !errors.Is(err, store.ErrItemUnavailable) {
		t.Fatalf("breakfast at noon should be unavailable, got %v", err)
	}
}

func TestInsufficientStockBlocksLine(t *testing.T) {
	s := NewSeeded(Options{MaxLineQty: 100})
	tx := openTx(t, s)

	// Cheesecake has 12 on hand. The first line takes 10 of them.
	addLine(t, s, tx.ID, "CAKE-01", 10, mondayNoon)
	item, _ := s.GetItemByCode(context.Background(), "CAKE-01")
	if item.StockQty != 2 {
		t.Fatalf("expected 2 left after reserving 10, got %d", item.StockQty)
	}
	_, _, err := s.AddTransactionLine(context.Background(), tx.ID, store.AddLineInput{
		ItemCode: "CAKE-01", Qty: 3,
	}, mondayNoon)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestSecondCartCannotOversell(t *testing.T) {
	s := NewSeeded(Options{MaxLineQty: 100})
	first := openTx(t, s)
	second := openTx(t, s)

	// Cheesecake has 12 on hand. Once the first cart holds 10 of
	// them, the second cart cannot take another 10.
	addLine(t, s, first.ID, "CAKE-01", 10, mondayNoon)
	_, _, err := s.AddTransactionLine(context.Background(), second.ID, store.AddLineInput{
		ItemCode: "CAKE-01", Qty: 10,
	}, mondayNoon)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock across carts, got %v", err)
	}
	addLine(t, s, second.ID, "CAKE-01", 2, mondayNoon)
	item, _ := s.GetItemByCode(context.Background(), "CAKE-01")
	if item.StockQty != 0 {
		t.Fatalf("expected both carts to drain the stock, got %d", item.StockQty)
	}
}

func TestMaxLineQtyEnforced(t *testing.T) {
	s := NewSeeded(Options{MaxLineQty: 5})
	tx := openTx(t, s)

	_, _, err := s.AddTransactionLine(context.Background(), tx.ID, store.AddLineInput{
		ItemCode: "FRY-01", Qty: 6,
	}, mondayNoon)
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error over max qty, got %v", err)
	}
}

func TestCashPaymentClosesWithChange(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	tx = addLine(t, s, tx.ID, "WATER-01", 1, mondayNoon) // 180 + 18 tax = 198

	tx, err := s.AddPayment(context.Background(), tx.ID, store.PaymentInput{
		Method: "cash", AmountCents: 500,
	}, mondayNoon)
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if tx.Status != domain.TxStatusClosed {
		t.Fatalf("expected closed, got %s", tx.Status)
	}
	if tx.ChangeCents != 302 {
		t.Fatalf("expected change 302, got %d", tx.ChangeCents)
	}
	if tx.ClosedAt == nil {
		t.Fatalf("closed transaction must carry closed_at")
	}
}

func TestSplitPaymentAccumulates(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	tx = addLine(t, s, tx.ID, "BRG-01", 3, mondayNoon) // 2670 + 267 = 2937

	tx, err := s.AddPayment(context.Background(), tx.ID, store.PaymentInput{
		Method: "card", AmountCents: 1000,
	}, mondayNoon)
	if err != nil {
		t.Fatalf("first payment failed: %v", err)
	}
	if tx.Status != domain.TxStatusOpen {
		t.Fatalf("partially paid transaction should stay open")
	}
	if tx.PaidCents != 1000 {
		t.Fatalf("expected paid 1000, got %d", tx.PaidCents)
	}

	tx, err = s.AddPayment(context.Background(), tx.ID, store.PaymentInput{
		Method: "cash", AmountCents: 1937,
	}, mondayNoon)
	if err != nil {
		t.Fatalf("second payment failed: %v", err)
	}
	if tx.Status != domain.TxStatusClosed {
		t.Fatalf("expected closed after full settlement, got %s", tx.Status)
	}
	if tx.ChangeCents != 0 {
		t.Fatalf("exact settlement should give no change, got %d", tx.ChangeCents)
	}
	if len(tx.Payments) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(tx.Payments))
	}
}

func TestNonCashOverpayRejected(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	tx = addLine(t, s, tx.ID, "WATER-01", 1, mondayNoon) // 198 total

	_, err := s.AddPayment(context.Background(), tx.ID, store.PaymentInput{
		Method: "card", AmountCents: 500,
	}, mondayNoon)
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("card overpay should be rejected, got %v", err)
	}
}

func TestPaymentOnEmptyCartRejected(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)

	_, err := s.AddPayment(context.Background(), tx.ID, store.PaymentInput{
		Method: "cash", AmountCents: 100,
	}, mondayNoon)
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("empty cart should not be payable, got %v", err)
	}
}

func TestAddLineWritesSaleMovement(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	tx = addLine(t, s, tx.ID, "BEER-01", 2, mondayNoon)

	item, err := s.GetItemByCode(context.Background(), "BEER-01")
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if item.StockQty != 46 {
		t.Fatalf("expected stock 46 right after adding the line, got %d", item.StockQty)
	}

	movements, err := s.ListMovements(context.Background(), "BEER-01", 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("expected one sale movement, got %d", len(movements))
	}
	m := movements[0]
	if m.Type != domain.MovementSale || m.QtyChange != -2 {
		t.Fatalf("unexpected movement %+v", m)
	}
	if m.QtyBefore != 48 || m.QtyAfter != 46 {
		t.Fatalf("expected before 48 after 46, got %d/%d", m.QtyBefore, m.QtyAfter)
	}
	if m.RefID != tx.ID {
		t.Fatalf("sale movement should reference the transaction")
	}

	// Closing settles the money side only, the stock already moved.
	if _, err := s.AddPayment(context.Background(), tx.ID, store.PaymentInput{
		Method: "cash", AmountCents: 1000,
	}, mondayNoon); err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	movements, _ = s.ListMovements(context.Background(), "BEER-01", 10)
	if len(movements) != 1 {
		t.Fatalf("closing must not write extra movements, got %d", len(movements))
	}
}

func TestRemoveLineRestoresStock(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	tx = addLine(t, s, tx.ID, "BEER-01", 2, mondayNoon)

	if _, err := s.RemoveTransactionLine(context.Background(), tx.ID, tx.Lines[0].ID, mondayNoon); err != nil {
		t.Fatalf("remove line failed: %v", err)
	}
	item, _ := s.GetItemByCode(context.Background(), "BEER-01")
	if item.StockQty != 48 {
		t.Fatalf("expected stock back at 48, got %d", item.StockQty)
	}
	movements, _ := s.ListMovements(context.Background(), "BEER-01", 10)
	if len(movements) != 2 {
		t.Fatalf("expected sale plus reversal, got %d movements", len(movements))
	}
	reversal := movements[0]
	if reversal.Type != domain.MovementAdjustment || reversal.QtyChange != 2 || reversal.Reason != "line_removed" {
		t.Fatalf("unexpected reversal %+v", reversal)
	}
}

func TestCancelLineRestoresStock(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	tx = addLine(t, s, tx.ID, "WINE-01", 3, mondayNoon)

	if _, err := s.SetLineStatus(context.Background(), tx.ID, tx.Lines[0].ID, domain.LineStatusCancelled, mondayNoon); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	item, _ := s.GetItemByCode(context.Background(), "WINE-01")
	if item.StockQty != 24 {
		t.Fatalf("expected stock back at 24, got %d", item.StockQty)
	}
	movements, _ := s.ListMovements(context.Background(), "WINE-01", 10)
	if len(movements) != 2 || movements[0].Reason != "line_cancelled" {
		t.Fatalf("expected a line_cancelled reversal, got %+v", movements)
	}
}

func TestVoidClosedRestoresStock(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	tx = addLine(t, s, tx.ID, "BEER-01", 3, mondayNoon)

	if _, err := s.AddPayment(context.Background(), tx.ID, store.PaymentInput{
		Method: "cash", AmountCents: 2000,
	}, mondayNoon); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	voided, err := s.VoidTransaction(context.Background(), tx.ID, "customer complaint", mondayNoon.Add(time.Hour))
	if err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if voided.Status != domain.TxStatusVoided || voided.VoidReason != "customer complaint" {
		t.Fatalf("unexpected voided state %+v", voided)
	}
	if voided.VoidedAt == nil {
		t.Fatalf("voided transaction must carry voided_at")
	}

	item, _ := s.GetItemByCode(context.Background(), "BEER-01")
	if item.StockQty != 48 {
		t.Fatalf("expected stock restored to 48, got %d", item.StockQty)
	}

	movements, _ := s.ListMovements(context.Background(), "BEER-01", 10)
	if len(movements) != 2 {
		t.Fatalf("expected sale plus reversal, got %d movements", len(movements))
	}
	reversal := movements[0]
	if reversal.Type != domain.MovementAdjustment || reversal.QtyChange != 3 || reversal.Reason != "void" {
		t.Fatalf("unexpected reversal %+v", reversal)
	}
}

func TestVoidOpenRestoresStock(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	addLine(t, s, tx.ID, "BEER-01", 2, mondayNoon)

	if _, err := s.VoidTransaction(context.Background(), tx.ID, "walked out", mondayNoon); err != nil {
		t.Fatalf("void failed: %v", err)
	}
	item, _ := s.GetItemByCode(context.Background(), "BEER-01")
	if item.StockQty != 48 {
		t.Fatalf("expected stock restored to 48, got %d", item.StockQty)
	}
	movements, _ := s.ListMovements(context.Background(), "BEER-01", 10)
	if len(movements) != 2 {
		t.Fatalf("expected the sale and its reversal, got %d movements", len(movements))
	}
	if movements[0].Reason != "void" || movements[0].QtyChange != 2 {
		t.Fatalf("unexpected reversal %+v", movements[0])
	}
}

func TestVoidIsTerminal(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	addLine(t, s, tx.ID, "FRY-01", 1, mondayNoon)

	if _, err := s.VoidTransaction(context.Background(), tx.ID, "mistake", mondayNoon); err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if _, err := s.VoidTransaction(context.Background(), tx.ID, "again", mondayNoon); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("double void should conflict, got %v", err)
	}
	if _, _, err := s.AddTransactionLine(context.Background(), tx.ID, store.AddLineInput{
		ItemCode: "FRY-01", Qty: 1,
	}, mondayNoon); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("adding to a voided transaction should conflict, got %v", err)
	}
}

func TestClosedTransactionIsImmutable(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	addLine(t, s, tx.ID, "WATER-01", 1, mondayNoon)
	if _, err := s.AddPayment(context.Background(), tx.ID, store.PaymentInput{
		Method: "cash", AmountCents: 200,
	}, mondayNoon); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	if _, _, err := s.AddTransactionLine(context.Background(), tx.ID, store.AddLineInput{
		ItemCode: "FRY-01", Qty: 1,
	}, mondayNoon); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("closed transactions must reject new lines, got %v", err)
	}
	if _, err := s.AddPayment(context.Background(), tx.ID, store.PaymentInput{
		Method: "cash", AmountCents: 100,
	}, mondayNoon); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("closed transactions must reject new payments, got %v", err)
	}
}

func TestHappyHourAutoAppliesInsideWindow(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)

	tx = addLine(t, s, tx.ID, "BEER-01", 1, monday18)
	if len(tx.AppliedPromotions) != 1 || tx.AppliedPromotions[0].Code != "HAPPYHOUR" {
		t.Fatalf("expected happy hour auto-applied, got %+v", tx.AppliedPromotions)
	}
	if tx.DiscountCents != 64 {
		t.Fatalf("expected 20%% of 320 = 64, got %d", tx.DiscountCents)
	}
	// Tax stays on the undiscounted subtotal.
	if tx.TaxCents != 32 {
		t.Fatalf("expected tax 32, got %d", tx.TaxCents)
	}
	if tx.TotalCents != 320-64+32 {
		t.Fatalf("expected total 288, got %d", tx.TotalCents)
	}
}

func TestHappyHourSkippedOutsideWindow(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)

	tx = addLine(t, s, tx.ID, "BEER-01", 1, mondayNoon)
	if len(tx.AppliedPromotions) != 0 {
		t.Fatalf("no promotion should apply at noon, got %+v", tx.AppliedPromotions)
	}
}

func TestManualPromotionLifecycle(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	tx = addLine(t, s, tx.ID, "BRG-01", 3, mondayNoon) // subtotal 2670

	tx, err := s.ApplyPromotion(context.Background(), tx.ID, "WELCOME5", mondayNoon)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if tx.DiscountCents != 500 {
		t.Fatalf("expected discount 500, got %d", tx.DiscountCents)
	}

	promo, _ := s.GetPromotionByCode(context.Background(), "WELCOME5")
	if promo.UsageCount != 1 {
		t.Fatalf("expected usage 1, got %d", promo.UsageCount)
	}

	if _, err := s.ApplyPromotion(context.Background(), tx.ID, "WELCOME5", mondayNoon); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("double apply should conflict, got %v", err)
	}

	tx, err = s.RemovePromotion(context.Background(), tx.ID, "WELCOME5", mondayNoon)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if tx.DiscountCents != 0 {
		t.Fatalf("expected discount released, got %d", tx.DiscountCents)
	}
	promo, _ = s.GetPromotionByCode(context.Background(), "WELCOME5")
	if promo.UsageCount != 0 {
		t.Fatalf("expected usage released to 0, got %d", promo.UsageCount)
	}
}

func TestPromotionDropsWhenCartShrinksBelowMinimum(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	tx = addLine(t, s, tx.ID, "BRG-01", 3, mondayNoon)

	tx, err := s.ApplyPromotion(context.Background(), tx.ID, "WELCOME5", mondayNoon)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// Removing the burgers empties the cart below the 2500 minimum.
	tx, err = s.RemoveTransactionLine(context.Background(), tx.ID, tx.Lines[0].ID, mondayNoon)
	if err != nil {
		t.Fatalf("remove line failed: %v", err)
	}
	_ = tx

	got, _ := s.GetTransactionByID(context.Background(), tx.ID)
	if len(got.AppliedPromotions) != 0 {
		t.Fatalf("promotion should drop once the minimum is unmet, got %+v", got.AppliedPromotions)
	}
	promo, _ := s.GetPromotionByCode(context.Background(), "WELCOME5")
	if promo.UsageCount != 0 {
		t.Fatalf("usage should be released, got %d", promo.UsageCount)
	}
}

func TestUsageLimitUnderConcurrentApply(t *testing.T) {
	s := NewSeeded(Options{})
	promo := domain.Promotion{
		Code: "ONEOFF", Name: "One Off", Kind: domain.PromotionKindFixed,
		FlatDiscountCents: 100, UsageLimit: 1,
	}
	if _, err := s.CreatePromotion(context.Background(), promo); err != nil {
		t.Fatalf("create promotion failed: %v", err)
	}

	const workers = 8
	txIDs := make([]string, workers)
	for i := range txIDs {
		tx := openTx(t, s)
		addLine(t, s, tx.ID, "FRY-01", 2, mondayNoon)
		txIDs[i] = tx.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.ApplyPromotion(context.Background(), txIDs[i], "ONEOFF", mondayNoon)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, store.ErrPromotionExhausted) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("usage limit 1 allowed %d redemptions", succeeded)
	}
}

func TestPerCustomerLimitAcrossTransactions(t *testing.T) {
	s := NewSeeded(Options{})
	ctx := context.Background()
	if _, err := s.CreatePromotion(ctx, domain.Promotion{
		Code: "REGULAR1", Name: "Regulars", Kind: domain.PromotionKindFixed,
		FlatDiscountCents: 100, PerCustomerLimit: 1,
	}); err != nil {
		t.Fatalf("create promotion failed: %v", err)
	}

	openFor := func(customer string) *domain.Transaction {
		t.Helper()
		tx, err := s.CreateTransaction(ctx, domain.Transaction{
			LocationID: "main-floor", CustomerRef: customer, CreatedAt: mondayNoon,
		})
		if err != nil {
			t.Fatalf("create transaction failed: %v", err)
		}
		addLine(t, s, tx.ID, "FRY-01", 1, mondayNoon)
		return tx
	}

	first := openFor("cust-77")
	if _, err := s.ApplyPromotion(ctx, first.ID, "REGULAR1", mondayNoon); err != nil {
		t.Fatalf("first redemption failed: %v", err)
	}
	if _, err := s.AddPayment(ctx, first.ID, store.PaymentInput{Method: "cash", AmountCents: 500}, mondayNoon); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	second := openFor("cust-77")
	if _, err := s.ApplyPromotion(ctx, second.ID, "REGULAR1", mondayNoon); !errors.Is(err, store.ErrPromotionExhausted) {
		t.Fatalf("same customer should be over the limit, got %v", err)
	}

	other := openFor("cust-88")
	if _, err := s.ApplyPromotion(ctx, other.ID, "REGULAR1", mondayNoon); err != nil {
		t.Fatalf("a different customer must not be limited: %v", err)
	}
}

func TestTaxInclusivePricing(t *testing.T) {
	s := NewSeeded(Options{TaxInclusive: true})
	tx := openTx(t, s)

	// 640 gross at 10% carries round(640/11) = 58 of tax inside.
	tx = addLine(t, s, tx.ID, "BEER-01", 2, mondayNoon)
	if tx.SubtotalCents != 640 {
		t.Fatalf("expected subtotal 640, got %d", tx.SubtotalCents)
	}
	if tx.TaxCents != 58 {
		t.Fatalf("expected extracted tax 58, got %d", tx.TaxCents)
	}
	if tx.TotalCents != 640 {
		t.Fatalf("inclusive total must equal the listed price, got %d", tx.TotalCents)
	}

	tx, err := s.AddPayment(context.Background(), tx.ID, store.PaymentInput{
		Method: "cash", AmountCents: 640,
	}, mondayNoon)
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if tx.Status != domain.TxStatusClosed || tx.ChangeCents != 0 {
		t.Fatalf("expected exact close, got %s with change %d", tx.Status, tx.ChangeCents)
	}
}

func TestDiscountCapClampsCombinedPromotions(t *testing.T) {
	s := NewSeeded(Options{DiscountCapCents: 300})
	tx := openTx(t, s)
	tx = addLine(t, s, tx.ID, "BRG-01", 3, mondayNoon)

	tx, err := s.ApplyPromotion(context.Background(), tx.ID, "WELCOME5", mondayNoon)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if tx.DiscountCents != 300 {
		t.Fatalf("discount should clamp to the cap, got %d", tx.DiscountCents)
	}
}

func TestLineStatusTransitions(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	tx, lineID, err := s.AddTransactionLine(context.Background(), tx.ID, store.AddLineInput{
		ItemCode: "BRG-01", Qty: 1,
	}, mondayNoon)
	if err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	for _, status := range []string{domain.LineStatusPreparing, domain.LineStatusReady, domain.LineStatusServed} {
		if tx, err = s.SetLineStatus(context.Background(), tx.ID, lineID, status, mondayNoon); err != nil {
			t.Fatalf("transition to %s failed: %v", status, err)
		}
	}
	if _, err := s.SetLineStatus(context.Background(), tx.ID, lineID, domain.LineStatusCancelled, mondayNoon); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("served is terminal, got %v", err)
	}
}

func TestLineCannotSkipStates(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	tx, lineID, err := s.AddTransactionLine(context.Background(), tx.ID, store.AddLineInput{
		ItemCode: "BRG-01", Qty: 1,
	}, mondayNoon)
	if err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	if _, err := s.SetLineStatus(context.Background(), tx.ID, lineID, domain.LineStatusServed, mondayNoon); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("ordered cannot jump to served, got %v", err)
	}
}

func TestCancelledLineRemovedFromTotals(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	tx, lineID, err := s.AddTransactionLine(context.Background(), tx.ID, store.AddLineInput{
		ItemCode: "FRY-01", Qty: 2,
	}, mondayNoon)
	if err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	tx = addLine(t, s, tx.ID, "WATER-01", 1, mondayNoon)

	tx, err = s.SetLineStatus(context.Background(), tx.ID, lineID, domain.LineStatusCancelled, mondayNoon)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if tx.SubtotalCents != 180 {
		t.Fatalf("expected subtotal 180 after cancelling the fries, got %d", tx.SubtotalCents)
	}
}

func TestRemoveLineOnlyWhileOrdered(t *testing.T) {
	s := NewSeeded(Options{})
	tx := openTx(t, s)
	tx, lineID, err := s.AddTransactionLine(context.Background(), tx.ID, store.AddLineInput{
		ItemCode: "FRY-01", Qty: 1,
	}, mondayNoon)
	if err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := s.SetLineStatus(context.Background(), tx.ID, lineID, domain.LineStatusPreparing, mondayNoon); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	if _, err := s.RemoveTransactionLine(context.Background(), tx.ID, lineID, mondayNoon); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("preparing lines cannot be removed, got %v", err)
	}
}

func TestManualAdjustmentAndNegativeStockGuard(t *testing.T) {
	s := NewSeeded(Options{})

	m, err := s.RecordMovement(context.Background(), domain.InventoryMovement{
		ItemCode: "CAKE-01", Type: domain.MovementWaste, QtyChange: -2, Reason: "dropped tray",
	})
	if err != nil {
		t.Fatalf("record movement failed: %v", err)
	}
	if m.QtyBefore != 12 || m.QtyAfter != 10 {
		t.Fatalf("expected 12 -> 10, got %d -> %d", m.QtyBefore, m.QtyAfter)
	}

	_, err = s.RecordMovement(context.Background(), domain.InventoryMovement{
		ItemCode: "CAKE-01", Type: domain.MovementWaste, QtyChange: -50,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("negative stock should be blocked, got %v", err)
	}

	_, err = s.RecordMovement(context.Background(), domain.InventoryMovement{
		ItemCode: "CAKE-01", Type: domain.MovementSale, QtyChange: -1,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("sale movements cannot be written manually, got %v", err)
	}
}

func TestLedgerReplayMatchesCachedStock(t *testing.T) {
	s := NewSeeded(Options{})
	ctx := context.Background()

	if _, err := s.RecordMovement(ctx, domain.InventoryMovement{
		ItemCode: "BEER-01", Type: domain.MovementPurchase, QtyChange: 12, Reason: "delivery",
	}); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	tx := openTx(t, s)
	addLine(t, s, tx.ID, "BEER-01", 4, mondayNoon)
	if _, err := s.AddPayment(ctx, tx.ID, store.PaymentInput{Method: "cash", AmountCents: 2000}, mondayNoon); err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if _, err := s.VoidTransaction(ctx, tx.ID, "refund", mondayNoon); err != nil {
		t.Fatalf("void failed: %v", err)
	}

	movements, err := s.ListMovements(ctx, "BEER-01", 0)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	replayed := 48
	for i := len(movements) - 1; i >= 0; i-- {
		m := movements[i]
		if m.QtyBefore != replayed {
			t.Fatalf("movement %s expected qty_before %d, got %d", m.ID, replayed, m.QtyBefore)
		}
		replayed += m.QtyChange
		if m.QtyAfter != replayed {
			t.Fatalf("movement %s expected qty_after %d, got %d", m.ID, replayed, m.QtyAfter)
		}
	}

	item, _ := s.GetItemByCode(ctx, "BEER-01")
	if item.StockQty != replayed {
		t.Fatalf("cached stock %d diverges from ledger replay %d", item.StockQty, replayed)
	}
}

func TestComputeDailySummary(t *testing.T) {
	s := NewSeeded(Options{})
	ctx := context.Background()

	tx := openTx(t, s)
	addLine(t, s, tx.ID, "BEER-01", 2, mondayNoon) // 640 + 64 tax = 704
	if _, err := s.AddPayment(ctx, tx.ID, store.PaymentInput{Method: "cash", AmountCents: 1000}, mondayNoon); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	tx2 := openTx(t, s)
	addLine(t, s, tx2.ID, "BRG-01", 1, mondayNoon) // 890 + 89 = 979
	if _, err := s.AddPayment(ctx, tx2.ID, store.PaymentInput{Method: "card", AmountCents: 979, FeeCents: 24}, mondayNoon); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	summary, err := s.ComputeDailySummary(ctx, "main-floor", "2026-03-02", mondayNoon)
	if err != nil {
		t.Fatalf("compute summary failed: %v", err)
	}
	if summary.TransactionCount != 2 {
		t.Fatalf("expected 2 transactions, got %d", summary.TransactionCount)
	}
	if summary.GrossCents != 640+890 {
		t.Fatalf("expected gross 1530, got %d", summary.GrossCents)
	}
	if summary.NetCents != 704+979 {
		t.Fatalf("expected net 1683, got %d", summary.NetCents)
	}
	if summary.ItemsSold != 3 {
		t.Fatalf("expected 3 items sold, got %d", summary.ItemsSold)
	}
	if summary.AvgTicketCents != (704+979)/2 {
		t.Fatalf("unexpected avg ticket %d", summary.AvgTicketCents)
	}

	var cash, card *domain.TenderBreakdown
	for i := range summary.ByTender {
		switch summary.ByTender[i].Method {
		case "cash":
			cash = &summary.ByTender[i]
		case "card":
			card = &summary.ByTender[i]
		}
	}
	if cash == nil || card == nil {
		t.Fatalf("expected cash and card tenders, got %+v", summary.ByTender)
	}
	// 1000 tendered minus 296 change.
	if cash.AmountCents != 704 {
		t.Fatalf("cash tender should net out change, got %d", cash.AmountCents)
	}
	if card.AmountCents != 979 || card.FeeCents != 24 {
		t.Fatalf("unexpected card tender %+v", card)
	}

	if len(summary.ByCategory) != 2 {
		t.Fatalf("expected beverages and food, got %+v", summary.ByCategory)
	}
}

func TestDailySummaryExcludesVoided(t *testing.T) {
	s := NewSeeded(Options{})
	ctx := context.Background()

	tx := openTx(t, s)
	addLine(t, s, tx.ID, "BEER-01", 1, mondayNoon)
	if _, err := s.AddPayment(ctx, tx.ID, store.PaymentInput{Method: "cash", AmountCents: 352}, mondayNoon); err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if _, err := s.VoidTransaction(ctx, tx.ID, "test void", mondayNoon); err != nil {
		t.Fatalf("void failed: %v", err)
	}

	summary, err := s.ComputeDailySummary(ctx, "main-floor", "2026-03-02", mondayNoon)
	if err != nil {
		t.Fatalf("compute summary failed: %v", err)
	}
	if summary.TransactionCount != 0 || summary.NetCents != 0 {
		t.Fatalf("voided transactions must not count, got %+v", summary)
	}
}

func TestUpsertAndGetDailySummary(t *testing.T) {
	s := NewSeeded(Options{})
	ctx := context.Background()

	if _, err := s.GetDailySummary(ctx, "main-floor", "2026-03-01"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	want := domain.DailySummary{LocationID: "main-floor", Date: "2026-03-01", NetCents: 1234, TransactionCount: 3}
	if err := s.UpsertDailySummary(ctx, want); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	got, err := s.GetDailySummary(ctx, "main-floor", "2026-03-01")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.NetCents != 1234 || got.TransactionCount != 3 {
		t.Fatalf("unexpected summary %+v", got)
	}
}

func TestUpdateItemPreservesStock(t *testing.T) {
	s := NewSeeded(Options{})
	ctx := context.Background()

	item, _ := s.GetItemByCode(ctx, "BEER-01")
	item.PriceCents = 350
	item.StockQty = 9999 // must be ignored

	updated, err := s.UpdateItem(ctx, *item)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.PriceCents != 350 {
		t.Fatalf("price should update, got %d", updated.PriceCents)
	}
	if updated.StockQty != 48 {
		t.Fatalf("stock must only move through the ledger, got %d", updated.StockQty)
	}
}

func TestCreateItemDuplicateRejected(t *testing.T) {
	s := NewSeeded(Options{})
	_, err := s.CreateItem(context.Background(), domain.Item{
		Code: "BEER-01", Name: "Another Beer", Category: "beverages", PriceCents: 100,
	})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}
