package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/domain"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/pricing"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/promotion"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/store"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/xid"
)

// Options carries the engine policies every mutating operation enforces.
type Options struct {
	AllowNegativeStock bool
	TaxInclusive       bool
	MaxLineQty         int
	DiscountCapCents   int64
}

type Store struct {
	mu               sync.RWMutex
	opts             Options
	items            map[string]domain.Item
	modifierGroups   map[string]domain.ModifierGroup
	modifiers        map[string]domain.Modifier
	transactionsByID map[string]*domain.Transaction
	promosByCode     map[string]domain.Promotion
	movements        []domain.InventoryMovement
	summariesByKey   map[string]domain.DailySummary
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD.
// If unset, hardcoded dev defaults are used with a warning. The memory
// store is never used when DATABASE_URL is set.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New returns an empty store with the given policies.
func New(opts Options) *Store {
	if opts.MaxLineQty <= 0 {
		opts.MaxLineQty = 10
	}
	return &Store{
		opts:             opts,
		items:            make(map[string]domain.Item),
		modifierGroups:   make(map[string]domain.ModifierGroup),
		modifiers:        make(map[string]domain.Modifier),
		transactionsByID: make(map[string]*domain.Transaction),
		promosByCode:     make(map[string]domain.Promotion),
		movements:        make([]domain.InventoryMovement, 0, 256),
		summariesByKey:   make(map[string]domain.DailySummary),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  seedUsers(),
	}
}

// NewSeeded returns a store preloaded with a small cafe and bar catalog.
func NewSeeded(opts Options) *Store {
	s := New(opts)
	now := time.Now().UTC()

	groups := []domain.ModifierGroup{
		{ID: "grp-milk", Name: "Milk", Selection: domain.SelectionSingle},
		{ID: "grp-extras", Name: "Extras", Selection: domain.SelectionMulti},
	}
	mods := []domain.Modifier{
		{ID: "mod-whole", GroupID: "grp-milk", Name: "Whole Milk", PriceDeltaCents: 0, Default: true},
		{ID: "mod-oat", GroupID: "grp-milk", Name: "Oat Milk", PriceDeltaCents: 60},
		{ID: "mod-soy", GroupID: "grp-milk", Name: "Soy Milk", PriceDeltaCents: 50},
		{ID: "mod-shot", GroupID: "grp-extras", Name: "Extra Shot", PriceDeltaCents: 80},
		{ID: "mod-syrup", GroupID: "grp-extras", Name: "Vanilla Syrup", PriceDeltaCents: 50},
		{ID: "mod-cream", GroupID: "grp-extras", Name: "Whipped Cream", PriceDeltaCents: 40},
	}
	items := []domain.Item{
		{Code: "ESP-01", Name: "Espresso", Category: "beverages", Subcategory: "coffee", BasePriceCents: 220, PriceCents: 250, TaxRate: 0.10, ModifierGroups: []string{"grp-extras"}, Active: true},
		{Code: "LAT-01", Name: "Latte", Category: "beverages", Subcategory: "coffee", BasePriceCents: 320, PriceCents: 380, TaxRate: 0.10, ModifierGroups: []string{"grp-milk", "grp-extras"}, Active: true},
		{Code: "BEER-01", Name: "Draft Beer", Category: "beverages", Subcategory: "bar", BasePriceCents: 250, PriceCents: 320, TaxRate: 0.10, TrackInventory: true, StockQty: 48, Active: true},
		{Code: "WINE-01", Name: "House Wine Glass", Category: "beverages", Subcategory: "bar", BasePriceCents: 420, PriceCents: 550, TaxRate: 0.10, TrackInventory: true, StockQty: 24, Active: true},
		{Code: "BRG-01", Name: "Cheeseburger", Category: "food", Subcategory: "mains", BasePriceCents: 650, PriceCents: 890, TaxRate: 0.10, ModifierGroups: []string{"grp-extras"}, Active: true},
		{Code: "FRY-01", Name: "Fries", Category: "food", Subcategory: "sides", BasePriceCents: 180, PriceCents: 290, TaxRate: 0.10, Active: true},
		{Code: "SLD-01", Name: "Caesar Salad", Category: "food", Subcategory: "mains", BasePriceCents: 480, PriceCents: 690, TaxRate: 0.10, Active: true},
		{Code: "BRKF-01", Name: "Breakfast Plate", Category: "food", Subcategory: "breakfast", BasePriceCents: 520, PriceCents: 750, TaxRate: 0.10, AvailableDays: nil, AvailableFrom: "06:00", AvailableUntil: "11:00", Active: true},
		{Code: "CAKE-01", Name: "Cheesecake Slice", Category: "food", Subcategory: "dessert", BasePriceCents: 280, PriceCents: 420, TaxRate: 0.10, TrackInventory: true, StockQty: 12, Active: true},
		{Code: "WATER-01", Name: "Sparkling Water", Category: "beverages", Subcategory: "soft", BasePriceCents: 90, PriceCents: 180, TaxRate: 0.10, TrackInventory: true, StockQty: 60, Active: true},
	}
	promos := []domain.Promotion{
		{
			Code: "HAPPYHOUR", Name: "Happy Hour", Kind: domain.PromotionKindPercentage,
			DiscountPercent: 20, Categories: []string{"beverages"},
			Days: []string{"mon", "tue", "wed", "thu", "fri"}, WindowFrom: "17:00", WindowUntil: "19:00",
			AutoApply: true, Active: true, CreatedAt: now,
		},
		{
			Code: "WELCOME5", Name: "Welcome Discount", Kind: domain.PromotionKindFixed,
			FlatDiscountCents: 500, MinPurchaseCents: 2500, UsageLimit: 100,
			Active: true, CreatedAt: now,
		},
	}

	for _, g := range groups {
		s.modifierGroups[g.ID] = g
	}
	for _, m := range mods {
		s.modifiers[m.ID] = m
	}
	for _, it := range items {
		s.items[it.Code] = it
	}
	for _, p := range promos {
		s.promosByCode[p.Code] = p
	}
	return s
}

func (s *Store) ListItems(_ context.Context) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Item, 0, len(s.items))
	for _, it := range s.items {
		if !it.Active {
			continue
		}
		items = append(items, cloneItem(it))
	}

	slices.SortFunc(items, func(a, b domain.Item) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})

	return items, nil
}

func (s *Store) GetItemByCode(_ context.Context, code string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneItem(it)
	return &dup, nil
}

func (s *Store) CreateItem(_ context.Context, item domain.Item) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.Code == "" || item.Name == "" || item.Category == "" || item.PriceCents < 1 {
		return nil, fmt.Errorf("%w: item requires code, name, category and a positive price", store.ErrValidation)
	}
	if item.TaxRate < 0 || item.TaxRate > 1 {
		return nil, fmt.Errorf("%w: tax rate out of range", store.ErrValidation)
	}
	if _, exists := s.items[item.Code]; exists {
		return nil, fmt.Errorf("%w: item %s", store.ErrDuplicate, item.Code)
	}
	for _, gid := range item.ModifierGroups {
		if _, ok := s.modifierGroups[gid]; !ok {
			return nil, fmt.Errorf("%w: unknown modifier group %s", store.ErrValidation, gid)
		}
	}

	item.Active = true
	s.items[item.Code] = cloneItem(item)
	created := cloneItem(item)
	return &created, nil
}

func (s *Store) UpdateItem(_ context.Context, item domain.Item) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.Code == "" || item.Name == "" || item.Category == "" || item.PriceCents < 1 {
		return nil, fmt.Errorf("%w: item requires code, name, category and a positive price", store.ErrValidation)
	}
	existing, ok := s.items[item.Code]
	if !ok {
		return nil, store.ErrNotFound
	}
	// Stock is only ever moved through the movement ledger.
	item.StockQty = existing.StockQty
	item.TrackInventory = existing.TrackInventory
	s.items[item.Code] = cloneItem(item)
	updated := cloneItem(item)
	return &updated, nil
}

func (s *Store) GetModifiers(_ context.Context, ids []string) (map[string]domain.Modifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Modifier, len(ids))
	for _, id := range ids {
		m, ok := s.modifiers[id]
		if !ok {
			return nil, fmt.Errorf("%w: modifier %s", store.ErrNotFound, id)
		}
		out[id] = m
	}
	return out, nil
}

func (s *Store) GetModifierGroups(_ context.Context, ids []string) (map[string]domain.ModifierGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.ModifierGroup, len(ids))
	for _, id := range ids {
		g, ok := s.modifierGroups[id]
		if !ok {
			return nil, fmt.Errorf("%w: modifier group %s", store.ErrNotFound, id)
		}
		out[id] = g
	}
	return out, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.LocationID == "" {
		return nil, fmt.Errorf("%w: location required", store.ErrValidation)
	}
	if tx.ID == "" {
		tx.ID = xid.New("txn")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.Status = domain.TxStatusOpen
	tx.Lines = nil
	tx.Payments = nil
	tx.AppliedPromotions = nil

	stored := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = stored
	return cloneTransaction(stored), nil
}

func (s *Store) GetTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, locationID string, from time.Time, to time.Time, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Transaction, 0, 32)
	for _, tx := range s.transactionsByID {
		if locationID != "" && tx.LocationID != locationID {
			continue
		}
		if !from.IsZero() && tx.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && tx.CreatedAt.After(to) {
			continue
		}
		out = append(out, *cloneTransaction(tx))
	}
	slices.SortFunc(out, func(a, b domain.Transaction) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AddTransactionLine(_ context.Context, txID string, input store.AddLineInput, at time.Time) (*domain.Transaction, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[txID]
	if !ok {
		return nil, "", store.ErrNotFound
	}
	if tx.Status != domain.TxStatusOpen {
		return nil, "", fmt.Errorf("%w: transaction is %s", store.ErrStateConflict, tx.Status)
	}
	if input.Qty < 1 || input.Qty > s.opts.MaxLineQty {
		return nil, "", fmt.Errorf("%w: quantity must be between 1 and %d", store.ErrValidation, s.opts.MaxLineQty)
	}
	item, ok := s.items[input.ItemCode]
	if !ok {
		return nil, "", fmt.Errorf("%w: item %s", store.ErrNotFound, input.ItemCode)
	}
	if !item.Active {
		return nil, "", fmt.Errorf("%w: %s is inactive", store.ErrItemUnavailable, item.Code)
	}
	if !pricing.InWindow(at, item.AvailableDays, item.AvailableFrom, item.AvailableUntil) {
		return nil, "", fmt.Errorf("%w: %s is not sold at this hour", store.ErrItemUnavailable, item.Code)
	}

	selected, modifierCents, err := s.resolveModifiers(item, input.ModifierIDs)
	if err != nil {
		return nil, "", err
	}

	if item.TrackInventory && !s.opts.AllowNegativeStock && input.Qty > item.StockQty {
		return nil, "", fmt.Errorf("%w: %s has %d on hand", store.ErrInsufficientStock, item.Code, item.StockQty)
	}

	line := domain.LineItem{
		ID:             xid.New("line"),
		ItemCode:       item.Code,
		Name:           item.Name,
		Category:       item.Category,
		Qty:            input.Qty,
		UnitPriceCents: item.PriceCents,
		ModifierCents:  modifierCents,
		TaxRate:        item.TaxRate,
		Modifiers:      selected,
		Status:         domain.LineStatusOrdered,
		AddedAt:        at,
	}
	tx.Lines = append(tx.Lines, line)
	s.moveStock(item.Code, -input.Qty, domain.MovementSale, "", tx.ID, at)
	s.settlePromotions(tx, at)
	return cloneTransaction(tx), line.ID, nil
}

// moveStock moves the cached stock and appends the matching ledger
// entry in the same critical section, so a replay always reproduces
// the cached quantity. Untracked items are left alone.
func (s *Store) moveStock(itemCode string, delta int, movementType string, reason string, refID string, at time.Time) {
	item, ok := s.items[itemCode]
	if !ok || !item.TrackInventory {
		return
	}
	before := item.StockQty
	item.StockQty += delta
	s.items[itemCode] = item
	s.movements = append(s.movements, domain.InventoryMovement{
		ID:        xid.New("mov"),
		ItemCode:  itemCode,
		Type:      movementType,
		QtyChange: delta,
		QtyBefore: before,
		QtyAfter:  item.StockQty,
		Reason:    reason,
		RefID:     refID,
		CreatedAt: at,
	})
}

// resolveModifiers validates a modifier selection against the item's
// groups. Single-selection groups admit at most one choice.
func (s *Store) resolveModifiers(item domain.Item, ids []string) ([]domain.SelectedModifier, int64, error) {
	if len(ids) == 0 {
		return nil, 0, nil
	}
	allowed := make(map[string]bool, len(item.ModifierGroups))
	for _, gid := range item.ModifierGroups {
		allowed[gid] = true
	}
	perGroup := make(map[string]int)
	selected := make([]domain.SelectedModifier, 0, len(ids))
	var total int64
	for _, id := range ids {
		m, ok := s.modifiers[id]
		if !ok {
			return nil, 0, fmt.Errorf("%w: modifier %s", store.ErrNotFound, id)
		}
		if !allowed[m.GroupID] {
			return nil, 0, fmt.Errorf("%w: modifier %s does not apply to %s", store.ErrValidation, id, item.Code)
		}
		perGroup[m.GroupID]++
		group := s.modifierGroups[m.GroupID]
		if group.Selection == domain.SelectionSingle && perGroup[m.GroupID] > 1 {
			return nil, 0, fmt.Errorf("%w: group %s allows one choice", store.ErrValidation, group.ID)
		}
		selected = append(selected, domain.SelectedModifier{
			ModifierID:      m.ID,
			Name:            m.Name,
			GroupID:         m.GroupID,
			PriceDeltaCents: m.PriceDeltaCents,
		})
		total += m.PriceDeltaCents
	}
	return selected, total, nil
}

func (s *Store) RemoveTransactionLine(_ context.Context, txID string, lineID string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[txID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status != domain.TxStatusOpen {
		return nil, fmt.Errorf("%w: transaction is %s", store.ErrStateConflict, tx.Status)
	}
	idx := -1
	for i, line := range tx.Lines {
		if line.ID == lineID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: line %s", store.ErrNotFound, lineID)
	}
	if tx.Lines[idx].Status != domain.LineStatusOrdered {
		return nil, fmt.Errorf("%w: line is already %s, cancel it instead", store.ErrStateConflict, tx.Lines[idx].Status)
	}
	removed := tx.Lines[idx]
	tx.Lines = append(tx.Lines[:idx], tx.Lines[idx+1:]...)
	s.moveStock(removed.ItemCode, removed.Qty, domain.MovementAdjustment, "line_removed", tx.ID, at)
	s.settlePromotions(tx, at)
	return cloneTransaction(tx), nil
}

func (s *Store) SetLineStatus(_ context.Context, txID string, lineID string, status string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[txID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status == domain.TxStatusVoided {
		return nil, fmt.Errorf("%w: transaction is voided", store.ErrStateConflict)
	}
	for i := range tx.Lines {
		line := &tx.Lines[i]
		if line.ID != lineID {
			continue
		}
		if !domain.ValidLineTransition(line.Status, status) {
			return nil, fmt.Errorf("%w: cannot move line from %s to %s", store.ErrStateConflict, line.Status, status)
		}
		if status == domain.LineStatusCancelled && tx.Status != domain.TxStatusOpen {
			return nil, fmt.Errorf("%w: cannot cancel a line on a %s transaction", store.ErrStateConflict, tx.Status)
		}
		line.Status = status
		if status == domain.LineStatusCancelled {
			s.moveStock(line.ItemCode, line.Qty, domain.MovementAdjustment, "line_cancelled", tx.ID, at)
			s.settlePromotions(tx, at)
		}
		return cloneTransaction(tx), nil
	}
	return nil, fmt.Errorf("%w: line %s", store.ErrNotFound, lineID)
}

func (s *Store) ApplyPromotion(_ context.Context, txID string, code string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[txID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status != domain.TxStatusOpen {
		return nil, fmt.Errorf("%w: transaction is %s", store.ErrStateConflict, tx.Status)
	}
	promo, ok := s.promosByCode[code]
	if !ok {
		return nil, fmt.Errorf("%w: promotion %s", store.ErrNotFound, code)
	}
	for _, applied := range tx.AppliedPromotions {
		if applied.Code == code {
			return nil, fmt.Errorf("%w: %s already applied", store.ErrStateConflict, code)
		}
	}
	if !promotion.HasCapacity(promo) {
		return nil, fmt.Errorf("%w: %s", store.ErrPromotionExhausted, code)
	}
	if promo.PerCustomerLimit > 0 && s.customerUsage(code, tx.CustomerRef, tx.ID) >= promo.PerCustomerLimit {
		return nil, fmt.Errorf("%w: %s reached its per customer limit", store.ErrPromotionExhausted, code)
	}

	s.recompute(tx)
	discount, err := promotion.Evaluate(promo, *tx, at)
	if err != nil {
		return nil, err
	}

	tx.AppliedPromotions = append(tx.AppliedPromotions, domain.AppliedPromotion{
		Code:          promo.Code,
		Name:          promo.Name,
		DiscountCents: discount,
	})
	promo.UsageCount++
	s.promosByCode[code] = promo

	s.settlePromotions(tx, at)
	for _, applied := range tx.AppliedPromotions {
		if applied.Code == code {
			return cloneTransaction(tx), nil
		}
	}
	// settlePromotions dropped the code again, which means the cart no
	// longer qualifies once caps are applied.
	return nil, fmt.Errorf("%w: %s yields no discount on this cart", store.ErrPromotionIneligible, code)
}

func (s *Store) RemovePromotion(_ context.Context, txID string, code string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[txID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status != domain.TxStatusOpen {
		return nil, fmt.Errorf("%w: transaction is %s", store.ErrStateConflict, tx.Status)
	}
	found := false
	kept := tx.AppliedPromotions[:0]
	for _, applied := range tx.AppliedPromotions {
		if applied.Code == code {
			found = true
			continue
		}
		kept = append(kept, applied)
	}
	if !found {
		return nil, fmt.Errorf("%w: promotion %s not applied", store.ErrNotFound, code)
	}
	tx.AppliedPromotions = kept
	s.releaseUsage(code, 1)
	s.settlePromotions(tx, at)
	return cloneTransaction(tx), nil
}

// settlePromotions re-evaluates every applied promotion against the
// current cart, auto-applies qualifying auto promotions, adjusts usage
// counters by the difference, clamps to the transaction discount cap and
// recomputes totals. Running it twice in a row yields the same state.
func (s *Store) settlePromotions(tx *domain.Transaction, at time.Time) {
	previously := make(map[string]bool, len(tx.AppliedPromotions))
	manual := make(map[string]bool, len(tx.AppliedPromotions))
	for _, applied := range tx.AppliedPromotions {
		previously[applied.Code] = true
		if !applied.Auto {
			manual[applied.Code] = true
		}
	}

	tx.AppliedPromotions = nil
	s.recompute(tx)

	codes := make([]string, 0, len(s.promosByCode))
	for code := range s.promosByCode {
		codes = append(codes, code)
	}
	slices.SortFunc(codes, cmpString)

	var applied []domain.AppliedPromotion
	for _, code := range codes {
		promo := s.promosByCode[code]
		wasApplied := previously[code]
		if !wasApplied && !promo.AutoApply {
			continue
		}
		if !wasApplied && !promotion.HasCapacity(promo) {
			continue
		}
		if !wasApplied && promo.PerCustomerLimit > 0 &&
			s.customerUsage(code, tx.CustomerRef, tx.ID) >= promo.PerCustomerLimit {
			continue
		}
		discount, err := promotion.Evaluate(promo, *tx, at)
		if err != nil {
			if wasApplied {
				s.releaseUsage(code, 1)
			}
			continue
		}
		applied = append(applied, domain.AppliedPromotion{
			Code:          promo.Code,
			Name:          promo.Name,
			DiscountCents: discount,
			Auto:          !manual[code],
		})
		if !wasApplied {
			promo.UsageCount++
			s.promosByCode[code] = promo
		}
	}

	if cap := s.opts.DiscountCapCents; cap > 0 {
		var sum int64
		kept := applied[:0]
		for _, p := range applied {
			if sum >= cap {
				s.releaseUsage(p.Code, 1)
				continue
			}
			if sum+p.DiscountCents > cap {
				p.DiscountCents = cap - sum
			}
			sum += p.DiscountCents
			kept = append(kept, p)
		}
		applied = kept
	}

	tx.AppliedPromotions = applied
	s.recompute(tx)
}

func (s *Store) recompute(tx *domain.Transaction) {
	pricing.RecomputeMode(tx, s.opts.TaxInclusive)
}

// customerUsage counts how many other transactions for the same
// customer carry the promotion. Voided transactions released their
// usage and do not count. Walk-ins with no customer reference are
// never limited.
func (s *Store) customerUsage(code string, customerRef string, exceptTxID string) int {
	if customerRef == "" {
		return 0
	}
	count := 0
	for _, other := range s.transactionsByID {
		if other.ID == exceptTxID || other.Status == domain.TxStatusVoided || other.CustomerRef != customerRef {
			continue
		}
		for _, applied := range other.AppliedPromotions {
			if applied.Code == code {
				count++
				break
			}
		}
	}
	return count
}

func (s *Store) releaseUsage(code string, n int) {
	promo, ok := s.promosByCode[code]
	if !ok {
		return
	}
	promo.UsageCount -= n
	if promo.UsageCount < 0 {
		promo.UsageCount = 0
	}
	s.promosByCode[code] = promo
}

func (s *Store) AddPayment(_ context.Context, txID string, input store.PaymentInput, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[txID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status != domain.TxStatusOpen {
		return nil, fmt.Errorf("%w: transaction is %s", store.ErrStateConflict, tx.Status)
	}
	if input.AmountCents < 1 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrValidation)
	}
	if input.Method == "" {
		return nil, fmt.Errorf("%w: payment method required", store.ErrValidation)
	}
	activeLines := 0
	for _, line := range tx.Lines {
		if line.Status != domain.LineStatusCancelled {
			activeLines++
		}
	}
	if activeLines == 0 {
		return nil, fmt.Errorf("%w: nothing to pay for", store.ErrValidation)
	}

	remaining := tx.TotalCents - tx.PaidCents
	if input.Method != "cash" && input.AmountCents > remaining {
		return nil, fmt.Errorf("%w: %s tender exceeds the %d remaining", store.ErrValidation, input.Method, remaining)
	}

	payment := domain.Payment{
		ID:            xid.New("pay"),
		TransactionID: tx.ID,
		Method:        input.Method,
		AmountCents:   input.AmountCents,
		FeeCents:      input.FeeCents,
		Status:        domain.PaymentStatusCompleted,
		Reference:     input.Reference,
		CreatedAt:     at,
	}
	tx.Payments = append(tx.Payments, payment)
	tx.PaidCents += input.AmountCents

	if tx.PaidCents >= tx.TotalCents {
		tx.ChangeCents = tx.PaidCents - tx.TotalCents
		tx.Status = domain.TxStatusClosed
		closedAt := at
		tx.ClosedAt = &closedAt
	}
	return cloneTransaction(tx), nil
}

func (s *Store) VoidTransaction(_ context.Context, txID string, reason string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[txID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status == domain.TxStatusVoided {
		return nil, fmt.Errorf("%w: transaction already voided", store.ErrStateConflict)
	}

	tx.Status = domain.TxStatusVoided
	tx.VoidReason = reason
	voidedAt := at
	tx.VoidedAt = &voidedAt

	// Reverse the sale movements so replaying the ledger lands on the
	// restored stock. Cancelled lines were restored when cancelled.
	for _, line := range tx.Lines {
		if line.Status == domain.LineStatusCancelled {
			continue
		}
		s.moveStock(line.ItemCode, line.Qty, domain.MovementAdjustment, "void", tx.ID, at)
	}
	for _, applied := range tx.AppliedPromotions {
		s.releaseUsage(applied.Code, 1)
	}
	return cloneTransaction(tx), nil
}

func (s *Store) CreatePromotion(_ context.Context, promo domain.Promotion) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if promo.Code == "" || promo.Name == "" {
		return nil, fmt.Errorf("%w: promotion requires code and name", store.ErrValidation)
	}
	switch promo.Kind {
	case domain.PromotionKindPercentage:
		if promo.DiscountPercent <= 0 || promo.DiscountPercent > 100 {
			return nil, fmt.Errorf("%w: percent out of range", store.ErrValidation)
		}
	case domain.PromotionKindFixed:
		if promo.FlatDiscountCents < 1 {
			return nil, fmt.Errorf("%w: flat discount must be positive", store.ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown promotion kind %q", store.ErrValidation, promo.Kind)
	}
	if _, exists := s.promosByCode[promo.Code]; exists {
		return nil, fmt.Errorf("%w: promotion %s", store.ErrDuplicate, promo.Code)
	}
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = time.Now().UTC()
	}
	promo.Active = true
	promo.UsageCount = 0
	s.promosByCode[promo.Code] = clonePromotion(promo)
	created := clonePromotion(promo)
	return &created, nil
}

func (s *Store) ListPromotions(_ context.Context) ([]domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Promotion, 0, len(s.promosByCode))
	for _, p := range s.promosByCode {
		out = append(out, clonePromotion(p))
	}
	slices.SortFunc(out, func(a, b domain.Promotion) int {
		return cmpString(a.Code, b.Code)
	})
	return out, nil
}

func (s *Store) GetPromotionByCode(_ context.Context, code string) (*domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.promosByCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := clonePromotion(p)
	return &dup, nil
}

func (s *Store) UpdatePromotionActive(_ context.Context, code string, active bool) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.promosByCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	p.Active = active
	s.promosByCode[code] = p
	dup := clonePromotion(p)
	return &dup, nil
}

func (s *Store) RecordMovement(_ context.Context, movement domain.InventoryMovement) (*domain.InventoryMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !domain.AdjustmentTypes[movement.Type] {
		return nil, fmt.Errorf("%w: movement type %q", store.ErrValidation, movement.Type)
	}
	if movement.QtyChange == 0 {
		return nil, fmt.Errorf("%w: movement requires a non-zero quantity", store.ErrValidation)
	}
	item, ok := s.items[movement.ItemCode]
	if !ok {
		return nil, fmt.Errorf("%w: item %s", store.ErrNotFound, movement.ItemCode)
	}
	if !item.TrackInventory {
		return nil, fmt.Errorf("%w: %s does not track inventory", store.ErrValidation, movement.ItemCode)
	}
	after := item.StockQty + movement.QtyChange
	if after < 0 && !s.opts.AllowNegativeStock {
		return nil, fmt.Errorf("%w: %s has %d on hand", store.ErrInsufficientStock, movement.ItemCode, item.StockQty)
	}

	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	movement.QtyBefore = item.StockQty
	movement.QtyAfter = after
	item.StockQty = after
	s.items[movement.ItemCode] = item
	s.movements = append(s.movements, movement)
	created := movement
	return &created, nil
}

func (s *Store) ListMovements(_ context.Context, itemCode string, limit int) ([]domain.InventoryMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.InventoryMovement, 0, 32)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if itemCode != "" && m.ItemCode != itemCode {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ComputeDailySummary(_ context.Context, locationID string, date string, at time.Time) (*domain.DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
	}

	summary := domain.DailySummary{
		LocationID: locationID,
		Date:       date,
		ComputedAt: at,
	}
	tenders := map[string]*domain.TenderBreakdown{}
	categories := map[string]*domain.CategoryBreakdown{}

	for _, tx := range s.transactionsByID {
		if tx.Status != domain.TxStatusClosed || tx.ClosedAt == nil {
			continue
		}
		if locationID != "" && tx.LocationID != locationID {
			continue
		}
		if tx.ClosedAt.UTC().Format("2006-01-02") != date {
			continue
		}
		summary.TransactionCount++
		summary.GrossCents += tx.SubtotalCents
		summary.NetCents += tx.TotalCents
		summary.TaxCents += tx.TaxCents
		summary.DiscountCents += tx.DiscountCents
		for _, line := range tx.Lines {
			if line.Status == domain.LineStatusCancelled {
				continue
			}
			summary.ItemsSold += int64(line.Qty)
			cat, ok := categories[line.Category]
			if !ok {
				cat = &domain.CategoryBreakdown{Category: line.Category}
				categories[line.Category] = cat
			}
			cat.ItemsSold += int64(line.Qty)
			cat.AmountCents += line.SubtotalCents - line.DiscountCents
		}
		for _, pay := range tx.Payments {
			if pay.Status != domain.PaymentStatusCompleted {
				continue
			}
			tender, ok := tenders[pay.Method]
			if !ok {
				tender = &domain.TenderBreakdown{Method: pay.Method}
				tenders[pay.Method] = tender
			}
			tender.Transactions++
			tender.AmountCents += pay.AmountCents
			tender.FeeCents += pay.FeeCents
		}
		// Cash change went back to the customer.
		if tx.ChangeCents > 0 {
			if tender, ok := tenders["cash"]; ok {
				tender.AmountCents -= tx.ChangeCents
			}
		}
	}

	if summary.TransactionCount > 0 {
		summary.AvgTicketCents = summary.NetCents / summary.TransactionCount
	}
	for _, t := range tenders {
		summary.ByTender = append(summary.ByTender, *t)
	}
	slices.SortFunc(summary.ByTender, func(a, b domain.TenderBreakdown) int {
		return cmpString(a.Method, b.Method)
	})
	for _, c := range categories {
		summary.ByCategory = append(summary.ByCategory, *c)
	}
	slices.SortFunc(summary.ByCategory, func(a, b domain.CategoryBreakdown) int {
		return cmpString(a.Category, b.Category)
	})
	return &summary, nil
}

func (s *Store) GetDailySummary(_ context.Context, locationID string, date string) (*domain.DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summariesByKey[locationID+"|"+date]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneSummary(summary)
	return &dup, nil
}

func (s *Store) UpsertDailySummary(_ context.Context, summary domain.DailySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.summariesByKey[summary.LocationID+"|"+summary.Date] = cloneSummary(summary)
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, locationID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, 32)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if locationID != "" && entry.LocationID != locationID {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return fmt.Errorf("%w: username and password required", store.ErrValidation)
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("%w: user %s", store.ErrDuplicate, user.Username)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := user
	return &dup, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		u.Password = ""
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	if strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: password required", store.ErrValidation)
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneItem(src domain.Item) domain.Item {
	dup := src
	dup.AvailableDays = slices.Clone(src.AvailableDays)
	dup.ModifierGroups = slices.Clone(src.ModifierGroups)
	return dup
}

func clonePromotion(src domain.Promotion) domain.Promotion {
	dup := src
	dup.Categories = slices.Clone(src.Categories)
	dup.ItemCodes = slices.Clone(src.ItemCodes)
	dup.Days = slices.Clone(src.Days)
	return dup
}

func cloneSummary(src domain.DailySummary) domain.DailySummary {
	dup := src
	dup.ByTender = slices.Clone(src.ByTender)
	dup.ByCategory = slices.Clone(src.ByCategory)
	return dup
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	lines := make([]domain.LineItem, len(src.Lines))
	copy(lines, src.Lines)
	for i := range lines {
		lines[i].Modifiers = slices.Clone(src.Lines[i].Modifiers)
	}
	dup.Lines = lines
	dup.Payments = slices.Clone(src.Payments)
	dup.AppliedPromotions = slices.Clone(src.AppliedPromotions)
	if src.ClosedAt != nil {
		closedAt := *src.ClosedAt
		dup.ClosedAt = &closedAt
	}
	if src.VoidedAt != nil {
		voidedAt := *src.VoidedAt
		dup.VoidedAt = &voidedAt
	}
	return &dup
}
