package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/domain"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/store"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/store/memory"
)

// 2026-03-02 is a Monday.
var (
	mondayNoon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	monday18   = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
)

func newTestService() *Service {
	repo := memory.NewSeeded(memory.Options{})
	svc := New(repo, nil, zerolog.Nop(), Options{
		DefaultLocationID: "main-floor",
		CurrencyCode:      "EUR",
		PaymentFees:       map[string]float64{"card": 2.5, "qris": 0.7},
	})
	svc.SetClock(func() time.Time { return mondayNoon })
	return svc
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func openWithBeer(t *testing.T, svc *Service, qty int) domain.Transaction {
	t.Helper()
	ctx := cashierCtx()
	tx, err := svc.OpenTransaction(ctx, domain.TransactionCreateRequest{})
	if err != nil {
		t.Fatalf("open transaction failed: %v", err)
	}
	resp, err := svc.AddLine(ctx, tx.ID, domain.AddLineRequest{ItemCode: "BEER-01", Qty: qty})
	if err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	return resp.Transaction
}

func TestOpenTransactionDefaultsLocation(t *testing.T) {
	svc := newTestService()
	tx, err := svc.OpenTransaction(cashierCtx(), domain.TransactionCreateRequest{BookingRef: "BK-42"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if tx.LocationID != "main-floor" {
		t.Fatalf("expected default location, got %s", tx.LocationID)
	}
	if tx.BookingRef != "BK-42" {
		t.Fatalf("booking ref lost: %+v", tx)
	}
	if tx.Status != domain.TxStatusOpen {
		t.Fatalf("expected open, got %s", tx.Status)
	}
}

func TestAddLineNormalizesItemCode(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	tx, _ := svc.OpenTransaction(ctx, domain.TransactionCreateRequest{})

	resp, err := svc.AddLine(ctx, tx.ID, domain.AddLineRequest{ItemCode: "  beer-01 ", Qty: 1})
	if err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if resp.Transaction.Lines[0].ItemCode != "BEER-01" {
		t.Fatalf("code not normalized: %s", resp.Transaction.Lines[0].ItemCode)
	}
}

func TestPayCashReturnsChange(t *testing.T) {
	svc := newTestService()
	tx := openWithBeer(t, svc, 2) // 640 + 64 tax = 704

	resp, err := svc.Pay(cashierCtx(), tx.ID, domain.PaymentRequest{Method: "cash", AmountCents: 1000})
	if err != nil {
		t.Fatalf("pay failed: %v", err)
	}
	if !resp.Closed {
		t.Fatalf("expected closed")
	}
	if resp.ChangeCents != 296 {
		t.Fatalf("expected change 296, got %d", resp.ChangeCents)
	}
}

func TestPayPartialReportsRemaining(t *testing.T) {
	svc := newTestService()
	tx := openWithBeer(t, svc, 2) // total 704

	resp, err := svc.Pay(cashierCtx(), tx.ID, domain.PaymentRequest{Method: "card", AmountCents: 500})
	if err != nil {
		t.Fatalf("pay failed: %v", err)
	}
	if resp.Closed {
		t.Fatalf("partial payment should not close")
	}
	if resp.RemainingCents != 204 {
		t.Fatalf("expected remaining 204, got %d", resp.RemainingCents)
	}
}

func TestPayComputesCardFee(t *testing.T) {
	svc := newTestService()
	tx := openWithBeer(t, svc, 2) // total 704

	resp, err := svc.Pay(cashierCtx(), tx.ID, domain.PaymentRequest{Method: "card", AmountCents: 704})
	if err != nil {
		t.Fatalf("pay failed: %v", err)
	}
	// 2.5% of 704 rounds to 18.
	if resp.Transaction.Payments[0].FeeCents != 18 {
		t.Fatalf("expected fee 18, got %d", resp.Transaction.Payments[0].FeeCents)
	}
}

func TestPayUnknownMethodRejected(t *testing.T) {
	svc := newTestService()
	tx := openWithBeer(t, svc, 1)

	_, err := svc.Pay(cashierCtx(), tx.ID, domain.PaymentRequest{Method: "cheque", AmountCents: 100})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("unknown tender should fail validation, got %v", err)
	}
}

func TestHappyHourAppliesThroughService(t *testing.T) {
	svc := newTestService()
	svc.SetClock(func() time.Time { return monday18 })

	tx := openWithBeer(t, svc, 1)
	if tx.DiscountCents != 64 {
		t.Fatalf("expected happy hour discount 64, got %d", tx.DiscountCents)
	}
	if tx.TotalCents != 288 {
		t.Fatalf("expected total 288, got %d", tx.TotalCents)
	}
}

func TestVoidRequiresAdminAndReason(t *testing.T) {
	svc := newTestService()
	tx := openWithBeer(t, svc, 1)

	if _, err := svc.VoidTransaction(cashierCtx(), tx.ID, "mistake"); err == nil || !strings.Contains(err.Error(), "admin") {
		t.Fatalf("cashier should not void, got %v", err)
	}
	if _, err := svc.VoidTransaction(adminCtx(), tx.ID, "  "); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("blank reason should fail, got %v", err)
	}

	voided, err := svc.VoidTransaction(adminCtx(), tx.ID, "wrong table")
	if err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if voided.Status != domain.TxStatusVoided {
		t.Fatalf("expected voided, got %s", voided.Status)
	}
}

func TestReceiptOnlyForClosedTransactions(t *testing.T) {
	svc := newTestService()
	tx := openWithBeer(t, svc, 2)
	ctx := cashierCtx()

	if _, err := svc.Receipt(ctx, tx.ID); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("open transaction should have no receipt, got %v", err)
	}

	if _, err := svc.Pay(ctx, tx.ID, domain.PaymentRequest{Method: "cash", AmountCents: 1000}); err != nil {
		t.Fatalf("pay failed: %v", err)
	}

	receipt, err := svc.Receipt(ctx, tx.ID)
	if err != nil {
		t.Fatalf("receipt failed: %v", err)
	}
	if receipt.Currency != "EUR" {
		t.Fatalf("expected EUR, got %s", receipt.Currency)
	}
	if receipt.Totals.Total != "7.04" {
		t.Fatalf("expected total 7.04, got %s", receipt.Totals.Total)
	}
	if receipt.Change != "2.96" {
		t.Fatalf("expected change 2.96, got %s", receipt.Change)
	}
	if len(receipt.Lines) != 1 || receipt.Lines[0].Qty != 2 {
		t.Fatalf("unexpected receipt lines %+v", receipt.Lines)
	}
	if len(receipt.Payments) != 1 || receipt.Payments[0].Amount != "10.00" {
		t.Fatalf("unexpected receipt payments %+v", receipt.Payments)
	}
}

func TestCreateItemSeedsInitialStock(t *testing.T) {
	svc := newTestService()

	item, err := svc.CreateItem(adminCtx(), domain.ItemCreateRequest{
		Code: "cider-01", Name: "Dry Cider", Category: "beverages",
		PriceCents: 400, TaxRate: 0.10, TrackInventory: true, InitialStock: 20,
	})
	if err != nil {
		t.Fatalf("create item failed: %v", err)
	}
	if item.Code != "CIDER-01" {
		t.Fatalf("code not normalized: %s", item.Code)
	}
	if item.StockQty != 20 {
		t.Fatalf("expected seeded stock 20, got %d", item.StockQty)
	}

	movements, err := svc.ListMovements(cashierCtx(), "CIDER-01", 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 1 || movements[0].Type != domain.MovementPurchase {
		t.Fatalf("expected one purchase movement, got %+v", movements)
	}
}

func TestCreateItemRequiresAdmin(t *testing.T) {
	svc := newTestService()
	_, err := svc.CreateItem(cashierCtx(), domain.ItemCreateRequest{
		Code: "X-01", Name: "X", Category: "food", PriceCents: 100,
	})
	if err == nil || !strings.Contains(err.Error(), "admin") {
		t.Fatalf("cashier should not create items, got %v", err)
	}
}

func TestAdjustInventoryRequiresAdmin(t *testing.T) {
	svc := newTestService()

	if _, err := svc.AdjustInventory(cashierCtx(), domain.InventoryAdjustmentRequest{
		ItemCode: "BEER-01", Delta: 5,
	}); err == nil || !strings.Contains(err.Error(), "admin") {
		t.Fatalf("cashier should not adjust stock, got %v", err)
	}

	m, err := svc.AdjustInventory(adminCtx(), domain.InventoryAdjustmentRequest{
		ItemCode: "beer-01", Delta: 5, Type: "purchase", Reason: "delivery",
	})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if m.QtyAfter != 53 {
		t.Fatalf("expected 53 after delivery, got %d", m.QtyAfter)
	}
}

func TestCreatePromotionParsesDateBounds(t *testing.T) {
	svc := newTestService()

	promo, err := svc.CreatePromotion(adminCtx(), domain.PromotionCreateRequest{
		Code: "spring10", Name: "Spring Special", Kind: "percentage",
		DiscountPercent: 10, ValidFrom: "2026-03-01", ValidTo: "2026-03-31",
	})
	if err != nil {
		t.Fatalf("create promotion failed: %v", err)
	}
	if promo.Code != "SPRING10" {
		t.Fatalf("code not normalized: %s", promo.Code)
	}
	if promo.ValidFrom.IsZero() || promo.ValidTo.Hour() != 23 {
		t.Fatalf("bare upper bound should cover the whole day, got %v", promo.ValidTo)
	}

	_, err = svc.CreatePromotion(adminCtx(), domain.PromotionCreateRequest{
		Code: "BACKWARDS", Name: "Backwards", Kind: "percentage",
		DiscountPercent: 10, ValidFrom: "2026-04-01", ValidTo: "2026-03-01",
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("inverted bounds should fail, got %v", err)
	}
}

func TestTogglePromotionRequiresAdmin(t *testing.T) {
	svc := newTestService()

	if _, err := svc.TogglePromotion(cashierCtx(), "HAPPYHOUR", false); err == nil || !strings.Contains(err.Error(), "admin") {
		t.Fatalf("cashier should not toggle promotions, got %v", err)
	}
	promo, err := svc.TogglePromotion(adminCtx(), "happyhour", false)
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if promo.Active {
		t.Fatalf("expected inactive")
	}
}

func TestDailySummaryValidatesDate(t *testing.T) {
	svc := newTestService()
	if _, err := svc.DailySummary(cashierCtx(), "", "03/02/2026"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("bad date format should fail, got %v", err)
	}
}

func TestDailySummaryPersistsFinishedDays(t *testing.T) {
	repo := memory.NewSeeded(memory.Options{})
	svc := New(repo, nil, zerolog.Nop(), Options{DefaultLocationID: "main-floor"})
	svc.SetClock(func() time.Time { return mondayNoon })
	ctx := cashierCtx()

	tx, err := svc.OpenTransaction(ctx, domain.TransactionCreateRequest{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := svc.AddLine(ctx, tx.ID, domain.AddLineRequest{ItemCode: "BEER-01", Qty: 2}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := svc.Pay(ctx, tx.ID, domain.PaymentRequest{Method: "cash", AmountCents: 704}); err != nil {
		t.Fatalf("pay failed: %v", err)
	}

	// The next day the rollup is final and gets persisted.
	svc.SetClock(func() time.Time { return mondayNoon.Add(24 * time.Hour) })
	summary, err := svc.DailySummary(ctx, "", "2026-03-02")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.NetCents != 704 || summary.TransactionCount != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	persisted, err := repo.GetDailySummary(context.Background(), "main-floor", "2026-03-02")
	if err != nil {
		t.Fatalf("finished day should be persisted: %v", err)
	}
	if persisted.NetCents != 704 {
		t.Fatalf("persisted summary diverges: %+v", persisted)
	}
}

type fakeSummaryCache struct {
	data map[string]domain.DailySummary
	sets int
	hits int
}

func newFakeSummaryCache() *fakeSummaryCache {
	return &fakeSummaryCache{data: map[string]domain.DailySummary{}}
}

func (c *fakeSummaryCache) Get(_ context.Context, key string) (*domain.DailySummary, bool, error) {
	s, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	c.hits++
	dup := s
	return &dup, true, nil
}

func (c *fakeSummaryCache) Set(_ context.Context, key string, summary *domain.DailySummary, _ time.Duration) error {
	c.sets++
	c.data[key] = *summary
	return nil
}

func (c *fakeSummaryCache) Invalidate(_ context.Context, key string) error {
	delete(c.data, key)
	return nil
}

func TestDailySummaryUsesCache(t *testing.T) {
	cache := newFakeSummaryCache()
	repo := memory.NewSeeded(memory.Options{})
	svc := New(repo, cache, zerolog.Nop(), Options{DefaultLocationID: "main-floor"})
	svc.SetClock(func() time.Time { return mondayNoon })
	ctx := cashierCtx()

	if _, err := svc.DailySummary(ctx, "", "2026-03-02"); err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if cache.sets != 1 {
		t.Fatalf("expected one cache write, got %d", cache.sets)
	}
	if _, err := svc.DailySummary(ctx, "", "2026-03-02"); err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if cache.hits != 1 {
		t.Fatalf("expected a cache hit, got %d", cache.hits)
	}
}

func TestCloseInvalidatesCachedSummary(t *testing.T) {
	cache := newFakeSummaryCache()
	repo := memory.NewSeeded(memory.Options{})
	svc := New(repo, cache, zerolog.Nop(), Options{DefaultLocationID: "main-floor"})
	svc.SetClock(func() time.Time { return mondayNoon })
	ctx := cashierCtx()

	if _, err := svc.DailySummary(ctx, "", "2026-03-02"); err != nil {
		t.Fatalf("summary failed: %v", err)
	}

	tx, _ := svc.OpenTransaction(ctx, domain.TransactionCreateRequest{})
	if _, err := svc.AddLine(ctx, tx.ID, domain.AddLineRequest{ItemCode: "WATER-01", Qty: 1}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := svc.Pay(ctx, tx.ID, domain.PaymentRequest{Method: "cash", AmountCents: 198}); err != nil {
		t.Fatalf("pay failed: %v", err)
	}

	summary, err := svc.DailySummary(ctx, "", "2026-03-02")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.TransactionCount != 1 {
		t.Fatalf("stale summary served after close: %+v", summary)
	}
}

func TestAuditTrailRecordsActions(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	tx, err := svc.OpenTransaction(ctx, domain.TransactionCreateRequest{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := svc.AddLine(ctx, tx.ID, domain.AddLineRequest{ItemCode: "BEER-01", Qty: 1}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := svc.Pay(ctx, tx.ID, domain.PaymentRequest{Method: "cash", AmountCents: 352}); err != nil {
		t.Fatalf("pay failed: %v", err)
	}

	logs, err := svc.ListAuditLogs(ctx, "", time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	actions := map[string]bool{}
	for _, entry := range logs {
		actions[entry.Action] = true
		if entry.ActorUsername != "admin" {
			t.Fatalf("expected admin actor, got %s", entry.ActorUsername)
		}
	}
	if !actions["transaction_open"] || !actions["transaction_close"] {
		t.Fatalf("expected open and close audit entries, got %v", actions)
	}
}

func TestListAuditLogsRequiresAdmin(t *testing.T) {
	svc := newTestService()
	if _, err := svc.ListAuditLogs(cashierCtx(), "", time.Time{}, time.Time{}, 10); err == nil || !strings.Contains(err.Error(), "admin") {
		t.Fatalf("cashier should not read audit logs, got %v", err)
	}
}
