package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/cache"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/domain"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/store"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Options carries the engine configuration into the service layer.
type Options struct {
	DefaultLocationID string
	CurrencyCode      string
	ReceiptFooter     string
	PaymentFees       map[string]float64
	SummaryTTL        time.Duration
}

type Service struct {
	repo    store.Repository
	cache   cache.SummaryCache
	logger  zerolog.Logger
	opts    Options
	now     func() time.Time
}

func New(repo store.Repository, summaryCache cache.SummaryCache, logger zerolog.Logger, opts Options) *Service {
	if opts.DefaultLocationID == "" {
		opts.DefaultLocationID = "main-floor"
	}
	if opts.CurrencyCode == "" {
		opts.CurrencyCode = "EUR"
	}
	if opts.SummaryTTL <= 0 {
		opts.SummaryTTL = 5 * time.Minute
	}
	if summaryCache == nil {
		summaryCache = cache.NoopSummaryCache{}
	}

	return &Service{
		repo:   repo,
		cache:  summaryCache,
		logger: logger,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the service clock. Only tests use this.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) ListItems(ctx context.Context) ([]domain.Item, error) {
	return s.repo.ListItems(ctx)
}

func (s *Service) GetItem(ctx context.Context, code string) (domain.Item, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Item{}, fmt.Errorf("%w: item code required", store.ErrValidation)
	}
	item, err := s.repo.GetItemByCode(ctx, code)
	if err != nil {
		return domain.Item{}, err
	}
	return *item, nil
}

func (s *Service) CreateItem(ctx context.Context, req domain.ItemCreateRequest) (domain.Item, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Item{}, fmt.Errorf("admin role required")
	}

	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.Code == "" || req.Name == "" || req.Category == "" {
		return domain.Item{}, fmt.Errorf("%w: code, name and category required", store.ErrValidation)
	}
	if req.PriceCents < 1 || req.InitialStock < 0 {
		return domain.Item{}, fmt.Errorf("%w: price must be positive", store.ErrValidation)
	}

	item := domain.Item{
		Code:           req.Code,
		Name:           req.Name,
		Category:       req.Category,
		Subcategory:    strings.TrimSpace(req.Subcategory),
		BasePriceCents: req.BasePriceCents,
		PriceCents:     req.PriceCents,
		TaxRate:        req.TaxRate,
		TrackInventory: req.TrackInventory,
		AvailableDays:  req.AvailableDays,
		AvailableFrom:  req.AvailableFrom,
		AvailableUntil: req.AvailableUntil,
		ModifierGroups: req.ModifierGroups,
		Active:         true,
	}

	created, err := s.repo.CreateItem(ctx, item)
	if err != nil {
		return domain.Item{}, err
	}

	if req.TrackInventory && req.InitialStock > 0 {
		_, err := s.repo.RecordMovement(ctx, domain.InventoryMovement{
			ItemCode:  created.Code,
			Type:      domain.MovementPurchase,
			QtyChange: req.InitialStock,
			Reason:    "initial stock",
			CreatedAt: s.now(),
		})
		if err != nil {
			return domain.Item{}, err
		}
		created.StockQty = req.InitialStock
	}

	s.logAudit(ctx, "", "item_create", "item", created.Code, fmt.Sprintf("name=%s,price=%d,stock=%d", created.Name, created.PriceCents, req.InitialStock))
	return *created, nil
}

func (s *Service) UpdateItem(ctx context.Context, code string, req domain.ItemUpdateRequest) (domain.Item, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Item{}, fmt.Errorf("admin role required")
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Item{}, fmt.Errorf("%w: item code required", store.ErrValidation)
	}

	existing, err := s.repo.GetItemByCode(ctx, code)
	if err != nil {
		return domain.Item{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Item{}, fmt.Errorf("%w: name cannot be empty", store.ErrValidation)
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Item{}, fmt.Errorf("%w: category cannot be empty", store.ErrValidation)
		}
		updated.Category = category
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Item{}, fmt.Errorf("%w: price must be positive", store.ErrValidation)
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.TaxRate != nil {
		if *req.TaxRate < 0 || *req.TaxRate > 1 {
			return domain.Item{}, fmt.Errorf("%w: tax rate out of range", store.ErrValidation)
		}
		updated.TaxRate = *req.TaxRate
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateItem(ctx, updated)
	if err != nil {
		return domain.Item{}, err
	}

	s.logAudit(ctx, "", "item_update", "item", saved.Code, fmt.Sprintf("active=%t,price=%d", saved.Active, saved.PriceCents))
	return *saved, nil
}

func (s *Service) OpenTransaction(ctx context.Context, req domain.TransactionCreateRequest) (domain.Transaction, error) {
	if req.LocationID == "" {
		req.LocationID = s.opts.DefaultLocationID
	}

	tx, err := s.repo.CreateTransaction(ctx, domain.Transaction{
		ID:          xid.New("txn"),
		LocationID:  req.LocationID,
		BookingRef:  strings.TrimSpace(req.BookingRef),
		RoomRef:     strings.TrimSpace(req.RoomRef),
		CustomerRef: strings.TrimSpace(req.CustomerRef),
		CreatedAt:   s.now(),
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	s.logAudit(ctx, tx.LocationID, "transaction_open", "transaction", tx.ID, fmt.Sprintf("booking=%s,room=%s", tx.BookingRef, tx.RoomRef))
	return *tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	tx, err := s.repo.GetTransactionByID(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func (s *Service) ListTransactions(ctx context.Context, locationID string, from time.Time, to time.Time, limit int) ([]domain.Transaction, error) {
	if locationID == "" {
		locationID = s.opts.DefaultLocationID
	}
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListTransactions(ctx, locationID, from, to, limit)
}

func (s *Service) AddLine(ctx context.Context, txID string, req domain.AddLineRequest) (domain.AddLineResponse, error) {
	req.ItemCode = strings.ToUpper(strings.TrimSpace(req.ItemCode))
	if req.ItemCode == "" {
		return domain.AddLineResponse{}, fmt.Errorf("%w: item code required", store.ErrValidation)
	}
	if req.Qty < 1 {
		return domain.AddLineResponse{}, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
	}

	tx, lineID, err := s.repo.AddTransactionLine(ctx, txID, store.AddLineInput{
		ItemCode:    req.ItemCode,
		Qty:         req.Qty,
		ModifierIDs: req.ModifierIDs,
	}, s.now())
	if err != nil {
		return domain.AddLineResponse{}, err
	}
	return domain.AddLineResponse{LineID: lineID, Transaction: *tx}, nil
}

func (s *Service) RemoveLine(ctx context.Context, txID string, lineID string) (domain.Transaction, error) {
	tx, err := s.repo.RemoveTransactionLine(ctx, txID, lineID, s.now())
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func (s *Service) SetLineStatus(ctx context.Context, txID string, lineID string, status string) (domain.Transaction, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	tx, err := s.repo.SetLineStatus(ctx, txID, lineID, status, s.now())
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func (s *Service) ApplyPromotion(ctx context.Context, txID string, req domain.ApplyPromotionRequest) (domain.ApplyPromotionResponse, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		return domain.ApplyPromotionResponse{}, fmt.Errorf("%w: promotion code required", store.ErrValidation)
	}

	tx, err := s.repo.ApplyPromotion(ctx, txID, code, s.now())
	if err != nil {
		return domain.ApplyPromotionResponse{}, err
	}

	resp := domain.ApplyPromotionResponse{Transaction: *tx}
	for _, applied := range tx.AppliedPromotions {
		if applied.Code == code {
			resp.Applied = true
			resp.DiscountCents = applied.DiscountCents
		}
	}
	s.logAudit(ctx, tx.LocationID, "promotion_apply", "transaction", tx.ID, fmt.Sprintf("code=%s,discount=%d", code, resp.DiscountCents))
	return resp, nil
}

func (s *Service) RemovePromotion(ctx context.Context, txID string, code string) (domain.Transaction, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	tx, err := s.repo.RemovePromotion(ctx, txID, code, s.now())
	if err != nil {
		return domain.Transaction{}, err
	}
	s.logAudit(ctx, tx.LocationID, "promotion_remove", "transaction", tx.ID, "code="+code)
	return *tx, nil
}

func (s *Service) Pay(ctx context.Context, txID string, req domain.PaymentRequest) (domain.PaymentResponse, error) {
	method := strings.ToLower(strings.TrimSpace(req.Method))
	if method == "" {
		return domain.PaymentResponse{}, fmt.Errorf("%w: payment method required", store.ErrValidation)
	}
	if req.AmountCents < 1 {
		return domain.PaymentResponse{}, fmt.Errorf("%w: amount must be positive", store.ErrValidation)
	}
	feePct, ok := s.opts.PaymentFees[method]
	if method != "cash" && !ok {
		return domain.PaymentResponse{}, fmt.Errorf("%w: unknown payment method %q", store.ErrValidation, method)
	}
	fee := int64(math.Round(float64(req.AmountCents) * feePct / 100))

	tx, err := s.repo.AddPayment(ctx, txID, store.PaymentInput{
		Method:      method,
		AmountCents: req.AmountCents,
		FeeCents:    fee,
		Reference:   strings.TrimSpace(req.Reference),
	}, s.now())
	if err != nil {
		return domain.PaymentResponse{}, err
	}

	resp := domain.PaymentResponse{
		Closed:      tx.Status == domain.TxStatusClosed,
		ChangeCents: tx.ChangeCents,
		Transaction: *tx,
	}
	if !resp.Closed {
		resp.RemainingCents = tx.TotalCents - tx.PaidCents
	}

	if resp.Closed {
		s.logAudit(ctx, tx.LocationID, "transaction_close", "transaction", tx.ID, fmt.Sprintf("total=%d,paid=%d,change=%d", tx.TotalCents, tx.PaidCents, tx.ChangeCents))
		s.invalidateSummary(ctx, tx.LocationID, tx.ClosedAt)
	} else {
		s.logAudit(ctx, tx.LocationID, "payment_add", "transaction", tx.ID, fmt.Sprintf("method=%s,amount=%d,remaining=%d", method, req.AmountCents, resp.RemainingCents))
	}
	return resp, nil
}

func (s *Service) VoidTransaction(ctx context.Context, txID string, reason string) (domain.Transaction, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Transaction{}, fmt.Errorf("admin role required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Transaction{}, fmt.Errorf("%w: void reason required", store.ErrValidation)
	}

	tx, err := s.repo.VoidTransaction(ctx, txID, reason, s.now())
	if err != nil {
		return domain.Transaction{}, err
	}

	s.logAudit(ctx, tx.LocationID, "transaction_void", "transaction", tx.ID, "reason="+reason)
	s.invalidateSummary(ctx, tx.LocationID, tx.ClosedAt)
	return *tx, nil
}

// Receipt renders a closed transaction for printing. Amounts become
// decimal strings in the configured currency.
func (s *Service) Receipt(ctx context.Context, txID string) (domain.Receipt, error) {
	tx, err := s.repo.GetTransactionByID(ctx, txID)
	if err != nil {
		return domain.Receipt{}, err
	}
	if tx.Status != domain.TxStatusClosed {
		return domain.Receipt{}, fmt.Errorf("%w: receipt requires a closed transaction", store.ErrStateConflict)
	}

	receipt := domain.Receipt{
		TransactionID: tx.ID,
		LocationID:    tx.LocationID,
		Currency:      s.opts.CurrencyCode,
		Totals: domain.ReceiptTotals{
			Subtotal: formatCents(tx.SubtotalCents),
			Discount: formatCents(tx.DiscountCents),
			Tax:      formatCents(tx.TaxCents),
			Total:    formatCents(tx.TotalCents),
		},
		Change:   formatCents(tx.ChangeCents),
		Footer:   s.opts.ReceiptFooter,
		IssuedAt: s.now().Format(time.RFC3339),
	}
	for _, line := range tx.Lines {
		if line.Status == domain.LineStatusCancelled {
			continue
		}
		receipt.Lines = append(receipt.Lines, domain.ReceiptLine{
			Name:          line.Name,
			Qty:           line.Qty,
			UnitPrice:     formatCents(line.UnitPriceCents + line.ModifierCents),
			LineSubtotal:  formatCents(line.SubtotalCents),
			DiscountCents: line.DiscountCents,
			Modifiers:     line.Modifiers,
		})
	}
	for _, pay := range tx.Payments {
		receipt.Payments = append(receipt.Payments, domain.ReceiptPayment{
			Method: pay.Method,
			Amount: formatCents(pay.AmountCents),
		})
	}
	return receipt, nil
}

// DailySummary serves the revenue rollup for one location and date.
// Lookup order is cache, persisted row for finished days, then a fresh
// aggregation that is persisted when the day is over.
func (s *Service) DailySummary(ctx context.Context, locationID string, date string) (domain.DailySummary, error) {
	if locationID == "" {
		locationID = s.opts.DefaultLocationID
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return domain.DailySummary{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
	}

	key := summaryKey(locationID, date)
	if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("summary cache read failed")
	}

	today := s.now().Format("2006-01-02")
	if date < today {
		if persisted, err := s.repo.GetDailySummary(ctx, locationID, date); err == nil {
			s.cacheSummary(ctx, key, persisted)
			return *persisted, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.DailySummary{}, err
		}
	}

	summary, err := s.repo.ComputeDailySummary(ctx, locationID, date, s.now())
	if err != nil {
		return domain.DailySummary{}, err
	}
	if date < today {
		// The day is over, so the numbers are final.
		if err := s.repo.UpsertDailySummary(ctx, *summary); err != nil {
			s.logger.Warn().Err(err).Str("date", date).Msg("failed to persist daily summary")
		}
	}
	s.cacheSummary(ctx, key, summary)
	return *summary, nil
}

func (s *Service) cacheSummary(ctx context.Context, key string, summary *domain.DailySummary) {
	if err := s.cache.Set(ctx, key, summary, s.opts.SummaryTTL); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("summary cache write failed")
	}
}

func (s *Service) invalidateSummary(ctx context.Context, locationID string, at *time.Time) {
	when := s.now()
	if at != nil {
		when = *at
	}
	key := summaryKey(locationID, when.UTC().Format("2006-01-02"))
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("summary cache invalidation failed")
	}
}

func summaryKey(locationID string, date string) string {
	return "summary:" + locationID + ":" + date
}

func (s *Service) AdjustInventory(ctx context.Context, req domain.InventoryAdjustmentRequest) (domain.InventoryMovement, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.InventoryMovement{}, fmt.Errorf("admin role required")
	}

	req.ItemCode = strings.ToUpper(strings.TrimSpace(req.ItemCode))
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	if req.ItemCode == "" {
		return domain.InventoryMovement{}, fmt.Errorf("%w: item code required", store.ErrValidation)
	}
	if req.Type == "" {
		req.Type = domain.MovementAdjustment
	}

	movement, err := s.repo.RecordMovement(ctx, domain.InventoryMovement{
		ItemCode:  req.ItemCode,
		Type:      req.Type,
		QtyChange: req.Delta,
		Reason:    strings.TrimSpace(req.Reason),
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.InventoryMovement{}, err
	}

	s.logAudit(ctx, "", "inventory_adjust", "item", req.ItemCode, fmt.Sprintf("type=%s,delta=%d,after=%d", movement.Type, movement.QtyChange, movement.QtyAfter))
	return *movement, nil
}

func (s *Service) ListMovements(ctx context.Context, itemCode string, limit int) ([]domain.InventoryMovement, error) {
	itemCode = strings.ToUpper(strings.TrimSpace(itemCode))
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListMovements(ctx, itemCode, limit)
}

func (s *Service) CreatePromotion(ctx context.Context, req domain.PromotionCreateRequest) (domain.Promotion, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Promotion{}, fmt.Errorf("admin role required")
	}

	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	if req.Code == "" || req.Name == "" {
		return domain.Promotion{}, fmt.Errorf("%w: code and name required", store.ErrValidation)
	}

	promo := domain.Promotion{
		Code:              req.Code,
		Name:              req.Name,
		Kind:              strings.ToLower(strings.TrimSpace(req.Kind)),
		DiscountPercent:   req.DiscountPercent,
		FlatDiscountCents: req.FlatDiscountCents,
		MinPurchaseCents:  req.MinPurchaseCents,
		MaxDiscountCents:  req.MaxDiscountCents,
		Categories:        req.Categories,
		ItemCodes:         req.ItemCodes,
		Days:              req.Days,
		WindowFrom:        req.WindowFrom,
		WindowUntil:       req.WindowUntil,
		UsageLimit:        req.UsageLimit,
		PerCustomerLimit:  req.PerCustomerLimit,
		AutoApply:         req.AutoApply,
		Active:            true,
		CreatedAt:         s.now(),
	}
	var err error
	if promo.ValidFrom, err = parseDateBound(req.ValidFrom, false); err != nil {
		return domain.Promotion{}, err
	}
	if promo.ValidTo, err = parseDateBound(req.ValidTo, true); err != nil {
		return domain.Promotion{}, err
	}
	if !promo.ValidFrom.IsZero() && !promo.ValidTo.IsZero() && promo.ValidTo.Before(promo.ValidFrom) {
		return domain.Promotion{}, fmt.Errorf("%w: valid_to precedes valid_from", store.ErrValidation)
	}

	created, err := s.repo.CreatePromotion(ctx, promo)
	if err != nil {
		return domain.Promotion{}, err
	}

	s.logAudit(ctx, "", "promotion_create", "promotion", created.Code, fmt.Sprintf("kind=%s,auto=%t", created.Kind, created.AutoApply))
	return *created, nil
}

// parseDateBound accepts RFC 3339 or a bare date. A bare date used as an
// upper bound covers the whole day.
func parseDateBound(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", store.ErrValidation, raw)
	}
	if endOfDay {
		return t.Add(24*time.Hour - time.Second).UTC(), nil
	}
	return t.UTC(), nil
}

func (s *Service) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	return s.repo.ListPromotions(ctx)
}

func (s *Service) TogglePromotion(ctx context.Context, code string, active bool) (domain.Promotion, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Promotion{}, fmt.Errorf("admin role required")
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	promo, err := s.repo.UpdatePromotionActive(ctx, code, active)
	if err != nil {
		return domain.Promotion{}, err
	}
	s.logAudit(ctx, "", "promotion_toggle", "promotion", code, fmt.Sprintf("active=%t", active))
	return *promo, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, locationID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if locationID == "" {
		locationID = s.opts.DefaultLocationID
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, locationID, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, locationID string, action string, entityType string, entityID string, detail string) {
	if locationID == "" {
		locationID = s.opts.DefaultLocationID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		LocationID:    locationID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("failed to write audit log")
	}
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
