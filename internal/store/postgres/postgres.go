package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/domain"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/pricing"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/promotion"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/store"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/xid"
)

// Options mirrors the engine policies enforced by the memory store.
type Options struct {
	AllowNegativeStock bool
	TaxInclusive       bool
	MaxLineQty         int
	DiscountCapCents   int64
}

type Store struct {
	db   *sql.DB
	opts Options
}

func New(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if opts.MaxLineQty <= 0 {
		opts.MaxLineQty = 10
	}
	return &Store{db: db, opts: opts}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const itemColumns = `code, name, category, subcategory, base_price_cents, price_cents, tax_rate,
	track_inventory, stock_qty, available_days, available_from, available_until, modifier_groups, active`

func scanItem(row interface{ Scan(...any) error }) (domain.Item, error) {
	var it domain.Item
	var days, groups []byte
	err := row.Scan(&it.Code, &it.Name, &it.Category, &it.Subcategory, &it.BasePriceCents,
		&it.PriceCents, &it.TaxRate, &it.TrackInventory, &it.StockQty, &days,
		&it.AvailableFrom, &it.AvailableUntil, &groups, &it.Active)
	if err != nil {
		return it, err
	}
	if err := unmarshalList(days, &it.AvailableDays); err != nil {
		return it, err
	}
	if err := unmarshalList(groups, &it.ModifierGroups); err != nil {
		return it, err
	}
	return it, nil
}

func (s *Store) ListItems(ctx context.Context) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Item, 0, 64)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetItemByCode(ctx context.Context, code string) (*domain.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE code = $1
	`, code)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &it, nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	if item.Code == "" || item.Name == "" || item.Category == "" || item.PriceCents < 1 {
		return nil, fmt.Errorf("%w: item requires code, name, category and a positive price", store.ErrValidation)
	}
	if item.TaxRate < 0 || item.TaxRate > 1 {
		return nil, fmt.Errorf("%w: tax rate out of range", store.ErrValidation)
	}

	item.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (
			code, name, category, subcategory, base_price_cents, price_cents, tax_rate,
			track_inventory, stock_qty, available_days, available_from, available_until,
			modifier_groups, active, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now())
	`, item.Code, item.Name, item.Category, item.Subcategory, item.BasePriceCents,
		item.PriceCents, item.TaxRate, item.TrackInventory, item.StockQty,
		marshalList(item.AvailableDays), item.AvailableFrom, item.AvailableUntil,
		marshalList(item.ModifierGroups), item.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: item %s", store.ErrDuplicate, item.Code)
		}
		return nil, err
	}

	created := item
	return &created, nil
}

func (s *Store) UpdateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	if item.Code == "" || item.Name == "" || item.Category == "" || item.PriceCents < 1 {
		return nil, fmt.Errorf("%w: item requires code, name, category and a positive price", store.ErrValidation)
	}

	// Stock only moves through the movement ledger.
	res, err := s.db.ExecContext(ctx, `
		UPDATE items
		SET name = $2, category = $3, subcategory = $4, price_cents = $5, tax_rate = $6,
			available_days = $7, available_from = $8, available_until = $9,
			modifier_groups = $10, active = $11, updated_at = now()
		WHERE code = $1
	`, item.Code, item.Name, item.Category, item.Subcategory, item.PriceCents, item.TaxRate,
		marshalList(item.AvailableDays), item.AvailableFrom, item.AvailableUntil,
		marshalList(item.ModifierGroups), item.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := item
	return &updated, nil
}

func (s *Store) GetModifiers(ctx context.Context, ids []string) (map[string]domain.Modifier, error) {
	result := make(map[string]domain.Modifier, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, name, price_delta_cents, is_default
		FROM modifiers
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m domain.Modifier
		if err := rows.Scan(&m.ID, &m.GroupID, &m.Name, &m.PriceDeltaCents, &m.Default); err != nil {
			return nil, err
		}
		result[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := result[id]; !ok {
			return nil, fmt.Errorf("%w: modifier %s", store.ErrNotFound, id)
		}
	}
	return result, nil
}

func (s *Store) GetModifierGroups(ctx context.Context, ids []string) (map[string]domain.ModifierGroup, error) {
	result := make(map[string]domain.ModifierGroup, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, selection
		FROM modifier_groups
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var g domain.ModifierGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Selection); err != nil {
			return nil, err
		}
		result[g.ID] = g
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := result[id]; !ok {
			return nil, fmt.Errorf("%w: modifier group %s", store.ErrNotFound, id)
		}
	}
	return result, nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, location_id, booking_ref, room_ref, customer_ref,
			subtotal_cents, discount_cents, tax_cents, total_cents, paid_cents, change_cents,
			status, void_reason, created_at, closed_at, voided_at
		)
		VALUES ($1,$2,$3,$4,$5,0,0,0,0,0,0,$6,'',$7,NULL,NULL)
	`, tx.ID, tx.LocationID, tx.BookingRef, tx.RoomRef, tx.CustomerRef, tx.Status, tx.CreatedAt)
	if err != nil {
		return nil, err
	}

	created := tx
	return &created, nil
}

func (s *Store) GetTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.loadTransaction(ctx, s.db, id, false)
}

func (s *Store) ListTransactions(ctx context.Context, locationID string, from time.Time, to time.Time, limit int) ([]domain.Transaction, error) {
	if limit < 1 {
		limit = 50
	}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(24 * time.Hour)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM transactions
		WHERE ($1 = '' OR location_id = $1) AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC, id
		LIMIT $4
	`, locationID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Transaction, 0, len(ids))
	for _, id := range ids {
		tx, err := s.loadTransaction(ctx, s.db, id, false)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadTransaction(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Transaction, error) {
	query := `
		SELECT id, location_id, booking_ref, room_ref, customer_ref,
			subtotal_cents, discount_cents, tax_cents, total_cents, paid_cents, change_cents,
			status, void_reason, created_at, closed_at, voided_at
		FROM transactions
		WHERE id = $1
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var tx domain.Transaction
	var closedAt, voidedAt sql.NullTime
	err := q.QueryRowContext(ctx, query, id).Scan(
		&tx.ID, &tx.LocationID, &tx.BookingRef, &tx.RoomRef, &tx.CustomerRef,
		&tx.SubtotalCents, &tx.DiscountCents, &tx.TaxCents, &tx.TotalCents, &tx.PaidCents, &tx.ChangeCents,
		&tx.Status, &tx.VoidReason, &tx.CreatedAt, &closedAt, &voidedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		tx.ClosedAt = &at
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		tx.VoidedAt = &at
	}

	lineRows, err := q.QueryContext(ctx, `
		SELECT id, item_code, name, category, qty, unit_price_cents, modifier_cents,
			subtotal_cents, tax_rate, tax_cents, discount_cents, modifiers, status, added_at
		FROM transaction_lines
		WHERE transaction_id = $1
		ORDER BY added_at, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var line domain.LineItem
		var mods []byte
		if err := lineRows.Scan(&line.ID, &line.ItemCode, &line.Name, &line.Category, &line.Qty,
			&line.UnitPriceCents, &line.ModifierCents, &line.SubtotalCents, &line.TaxRate,
			&line.TaxCents, &line.DiscountCents, &mods, &line.Status, &line.AddedAt); err != nil {
			return nil, err
		}
		line.AddedAt = line.AddedAt.UTC()
		if len(mods) > 0 {
			if err := json.Unmarshal(mods, &line.Modifiers); err != nil {
				return nil, err
			}
		}
		tx.Lines = append(tx.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	promoRows, err := q.QueryContext(ctx, `
		SELECT code, name, discount_cents, auto
		FROM transaction_promotions
		WHERE transaction_id = $1
		ORDER BY code
	`, id)
	if err != nil {
		return nil, err
	}
	defer promoRows.Close()
	for promoRows.Next() {
		var applied domain.AppliedPromotion
		if err := promoRows.Scan(&applied.Code, &applied.Name, &applied.DiscountCents, &applied.Auto); err != nil {
			return nil, err
		}
		tx.AppliedPromotions = append(tx.AppliedPromotions, applied)
	}
	if err := promoRows.Err(); err != nil {
		return nil, err
	}

	payRows, err := q.QueryContext(ctx, `
		SELECT id, method, amount_cents, fee_cents, status, reference, created_at
		FROM payments
		WHERE transaction_id = $1
		ORDER BY created_at, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer payRows.Close()
	for payRows.Next() {
		pay := domain.Payment{TransactionID: id}
		if err := payRows.Scan(&pay.ID, &pay.Method, &pay.AmountCents, &pay.FeeCents, &pay.Status, &pay.Reference, &pay.CreatedAt); err != nil {
			return nil, err
		}
		pay.CreatedAt = pay.CreatedAt.UTC()
		tx.Payments = append(tx.Payments, pay)
	}
	if err := payRows.Err(); err != nil {
		return nil, err
	}

	return &tx, nil
}

// saveCart rewrites the mutable parts of an open transaction: its header
// totals, lines and applied promotions. Payments are append-only and are
// written by AddPayment itself.
func saveCart(ctx context.Context, pgTx *sql.Tx, tx *domain.Transaction) error {
	var closedAt, voidedAt any
	if tx.ClosedAt != nil {
		closedAt = *tx.ClosedAt
	}
	if tx.VoidedAt != nil {
		voidedAt = *tx.VoidedAt
	}
	_, err := pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET subtotal_cents = $2, discount_cents = $3, tax_cents = $4, total_cents = $5,
			paid_cents = $6, change_cents = $7, status = $8, void_reason = $9,
			closed_at = $10, voided_at = $11
		WHERE id = $1
	`, tx.ID, tx.SubtotalCents, tx.DiscountCents, tx.TaxCents, tx.TotalCents,
		tx.PaidCents, tx.ChangeCents, tx.Status, tx.VoidReason, closedAt, voidedAt)
	if err != nil {
		return err
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM transaction_lines WHERE transaction_id = $1`, tx.ID); err != nil {
		return err
	}
	for _, line := range tx.Lines {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_lines (
				id, transaction_id, item_code, name, category, qty, unit_price_cents,
				modifier_cents, subtotal_cents, tax_rate, tax_cents, discount_cents,
				modifiers, status, added_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, line.ID, tx.ID, line.ItemCode, line.Name, line.Category, line.Qty, line.UnitPriceCents,
			line.ModifierCents, line.SubtotalCents, line.TaxRate, line.TaxCents, line.DiscountCents,
			marshalModifiers(line.Modifiers), line.Status, line.AddedAt)
		if err != nil {
			return err
		}
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM transaction_promotions WHERE transaction_id = $1`, tx.ID); err != nil {
		return err
	}
	for _, applied := range tx.AppliedPromotions {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_promotions (transaction_id, code, name, discount_cents, auto)
			VALUES ($1,$2,$3,$4,$5)
		`, tx.ID, applied.Code, applied.Name, applied.DiscountCents, applied.Auto)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) AddTransactionLine(ctx context.Context, txID string, input store.AddLineInput, at time.Time) (*domain.Transaction, string, error) {
	if input.Qty < 1 || input.Qty > s.opts.MaxLineQty {
		return nil, "", fmt.Errorf("%w: quantity must be between 1 and %d", store.ErrValidation, s.opts.MaxLineQty)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = pgTx.Rollback() }()

	tx, err := s.loadTransaction(ctx, pgTx, txID, true)
	if err != nil {
		return nil, "", err
	}
	if tx.Status != domain.TxStatusOpen {
		return nil, "", fmt.Errorf("%w: transaction is %s", store.ErrStateConflict, tx.Status)
	}

	row := pgTx.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE code = $1
		FOR UPDATE
	`, input.ItemCode)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", fmt.Errorf("%w: item %s", store.ErrNotFound, input.ItemCode)
		}
		return nil, "", err
	}
	if !item.Active {
		return nil, "", fmt.Errorf("%w: %s is inactive", store.ErrItemUnavailable, item.Code)
	}
	if !pricing.InWindow(at, item.AvailableDays, item.AvailableFrom, item.AvailableUntil) {
		return nil, "", fmt.Errorf("%w: %s is not sold at this hour", store.ErrItemUnavailable, item.Code)
	}

	selected, modifierCents, err := s.resolveModifiers(ctx, pgTx, item, input.ModifierIDs)
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

	if item.TrackInventory {
		if err := moveStock(ctx, pgTx, domain.InventoryMovement{
			ID:        xid.New("mov"),
			ItemCode:  item.Code,
			Type:      domain.MovementSale,
			QtyChange: -input.Qty,
			RefID:     tx.ID,
			CreatedAt: at,
		}, true); err != nil {
			return nil, "", err
		}
	}

	if err := s.settlePromotions(ctx, pgTx, tx, at); err != nil {
		return nil, "", err
	}
	if err := saveCart(ctx, pgTx, tx); err != nil {
		return nil, "", err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, "", err
	}
	return tx, line.ID, nil
}

func (s *Store) resolveModifiers(ctx context.Context, q querier, item domain.Item, ids []string) ([]domain.SelectedModifier, int64, error) {
	if len(ids) == 0 {
		return nil, 0, nil
	}
	allowed := make(map[string]bool, len(item.ModifierGroups))
	for _, gid := range item.ModifierGroups {
		allowed[gid] = true
	}

	rows, err := q.QueryContext(ctx, `
		SELECT m.id, m.group_id, m.name, m.price_delta_cents, g.selection
		FROM modifiers m
		JOIN modifier_groups g ON g.id = m.group_id
		WHERE m.id = ANY($1)
	`, ids)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	type modRow struct {
		mod       domain.Modifier
		selection string
	}
	byID := make(map[string]modRow, len(ids))
	for rows.Next() {
		var r modRow
		if err := rows.Scan(&r.mod.ID, &r.mod.GroupID, &r.mod.Name, &r.mod.PriceDeltaCents, &r.selection); err != nil {
			return nil, 0, err
		}
		byID[r.mod.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	perGroup := make(map[string]int)
	selected := make([]domain.SelectedModifier, 0, len(ids))
	var total int64
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, 0, fmt.Errorf("%w: modifier %s", store.ErrNotFound, id)
		}
		if !allowed[r.mod.GroupID] {
			return nil, 0, fmt.Errorf("%w: modifier %s does not apply to %s", store.ErrValidation, id, item.Code)
		}
		perGroup[r.mod.GroupID]++
		if r.selection == domain.SelectionSingle && perGroup[r.mod.GroupID] > 1 {
			return nil, 0, fmt.Errorf("%w: group %s allows one choice", store.ErrValidation, r.mod.GroupID)
		}
		selected = append(selected, domain.SelectedModifier{
			ModifierID:      r.mod.ID,
			Name:            r.mod.Name,
			GroupID:         r.mod.GroupID,
			PriceDeltaCents: r.mod.PriceDeltaCents,
		})
		total += r.mod.PriceDeltaCents
	}
	return selected, total, nil
}

func (s *Store) RemoveTransactionLine(ctx context.Context, txID string, lineID string, at time.Time) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	tx, err := s.loadTransaction(ctx, pgTx, txID, true)
	if err != nil {
		return nil, err
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

	if err := moveStock(ctx, pgTx, domain.InventoryMovement{
		ID:        xid.New("mov"),
		ItemCode:  removed.ItemCode,
		Type:      domain.MovementAdjustment,
		QtyChange: removed.Qty,
		Reason:    "line_removed",
		RefID:     tx.ID,
		CreatedAt: at,
	}, true); err != nil {
		return nil, err
	}

	if err := s.settlePromotions(ctx, pgTx, tx, at); err != nil {
		return nil, err
	}
	if err := saveCart(ctx, pgTx, tx); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Store) SetLineStatus(ctx context.Context, txID string, lineID string, status string, at time.Time) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	tx, err := s.loadTransaction(ctx, pgTx, txID, true)
	if err != nil {
		return nil, err
	}
	if tx.Status == domain.TxStatusVoided {
		return nil, fmt.Errorf("%w: transaction is voided", store.ErrStateConflict)
	}
	idx := -1
	for i := range tx.Lines {
		if tx.Lines[i].ID == lineID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: line %s", store.ErrNotFound, lineID)
	}
	if !domain.ValidLineTransition(tx.Lines[idx].Status, status) {
		return nil, fmt.Errorf("%w: cannot move line from %s to %s", store.ErrStateConflict, tx.Lines[idx].Status, status)
	}
	if status == domain.LineStatusCancelled && tx.Status != domain.TxStatusOpen {
		return nil, fmt.Errorf("%w: cannot cancel a line on a %s transaction", store.ErrStateConflict, tx.Status)
	}
	tx.Lines[idx].Status = status

	if status == domain.LineStatusCancelled {
		if err := moveStock(ctx, pgTx, domain.InventoryMovement{
			ID:        xid.New("mov"),
			ItemCode:  tx.Lines[idx].ItemCode,
			Type:      domain.MovementAdjustment,
			QtyChange: tx.Lines[idx].Qty,
			Reason:    "line_cancelled",
			RefID:     tx.ID,
			CreatedAt: at,
		}, true); err != nil {
			return nil, err
		}
		if err := s.settlePromotions(ctx, pgTx, tx, at); err != nil {
			return nil, err
		}
	}
	if err := saveCart(ctx, pgTx, tx); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Store) ApplyPromotion(ctx context.Context, txID string, code string, at time.Time) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	tx, err := s.loadTransaction(ctx, pgTx, txID, true)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TxStatusOpen {
		return nil, fmt.Errorf("%w: transaction is %s", store.ErrStateConflict, tx.Status)
	}
	for _, applied := range tx.AppliedPromotions {
		if applied.Code == code {
			return nil, fmt.Errorf("%w: %s already applied", store.ErrStateConflict, code)
		}
	}

	promo, err := s.lockPromotion(ctx, pgTx, code)
	if err != nil {
		return nil, err
	}
	if !promotion.HasCapacity(*promo) {
		return nil, fmt.Errorf("%w: %s", store.ErrPromotionExhausted, code)
	}
	if promo.PerCustomerLimit > 0 {
		used, err := customerUsage(ctx, pgTx, code, tx.CustomerRef, tx.ID)
		if err != nil {
			return nil, err
		}
		if used >= promo.PerCustomerLimit {
			return nil, fmt.Errorf("%w: %s reached its per customer limit", store.ErrPromotionExhausted, code)
		}
	}

	s.recompute(tx)
	discount, err := promotion.Evaluate(*promo, *tx, at)
	if err != nil {
		return nil, err
	}

	tx.AppliedPromotions = append(tx.AppliedPromotions, domain.AppliedPromotion{
		Code:          promo.Code,
		Name:          promo.Name,
		DiscountCents: discount,
	})
	if err := adjustUsage(ctx, pgTx, code, 1); err != nil {
		return nil, err
	}

	if err := s.settlePromotions(ctx, pgTx, tx, at); err != nil {
		return nil, err
	}
	kept := false
	for _, applied := range tx.AppliedPromotions {
		if applied.Code == code {
			kept = true
		}
	}
	if !kept {
		return nil, fmt.Errorf("%w: %s yields no discount on this cart", store.ErrPromotionIneligible, code)
	}

	if err := saveCart(ctx, pgTx, tx); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Store) RemovePromotion(ctx context.Context, txID string, code string, at time.Time) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	tx, err := s.loadTransaction(ctx, pgTx, txID, true)
	if err != nil {
		return nil, err
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
	if err := adjustUsage(ctx, pgTx, code, -1); err != nil {
		return nil, err
	}

	if err := s.settlePromotions(ctx, pgTx, tx, at); err != nil {
		return nil, err
	}
	if err := saveCart(ctx, pgTx, tx); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return tx, nil
}

// settlePromotions mirrors the memory store. It re-evaluates every
// applied promotion, auto-applies qualifying ones, moves usage counters
// by the difference, clamps to the discount cap and recomputes totals.
func (s *Store) settlePromotions(ctx context.Context, pgTx *sql.Tx, tx *domain.Transaction, at time.Time) error {
	previously := make(map[string]bool, len(tx.AppliedPromotions))
	manual := make(map[string]bool, len(tx.AppliedPromotions))
	codes := make([]string, 0, len(tx.AppliedPromotions))
	for _, applied := range tx.AppliedPromotions {
		previously[applied.Code] = true
		codes = append(codes, applied.Code)
		if !applied.Auto {
			manual[applied.Code] = true
		}
	}

	tx.AppliedPromotions = nil
	s.recompute(tx)

	rows, err := pgTx.QueryContext(ctx, `
		SELECT `+promoColumns+`
		FROM promotions
		WHERE (auto_apply = true AND active = true) OR code = ANY($1)
		ORDER BY code
		FOR UPDATE
	`, codes)
	if err != nil {
		return err
	}
	candidates, err := collectPromotions(rows)
	if err != nil {
		return err
	}

	var applied []domain.AppliedPromotion
	for _, promo := range candidates {
		wasApplied := previously[promo.Code]
		if !wasApplied && !promo.AutoApply {
			continue
		}
		if !wasApplied && !promotion.HasCapacity(promo) {
			continue
		}
		if !wasApplied && promo.PerCustomerLimit > 0 {
			used, err := customerUsage(ctx, pgTx, promo.Code, tx.CustomerRef, tx.ID)
			if err != nil {
				return err
			}
			if used >= promo.PerCustomerLimit {
				continue
			}
		}
		discount, err := promotion.Evaluate(promo, *tx, at)
		if err != nil {
			if wasApplied {
				if err := adjustUsage(ctx, pgTx, promo.Code, -1); err != nil {
					return err
				}
			}
			continue
		}
		applied = append(applied, domain.AppliedPromotion{
			Code:          promo.Code,
			Name:          promo.Name,
			DiscountCents: discount,
			Auto:          !manual[promo.Code],
		})
		if !wasApplied {
			if err := adjustUsage(ctx, pgTx, promo.Code, 1); err != nil {
				return err
			}
		}
	}

	if cap := s.opts.DiscountCapCents; cap > 0 {
		var sum int64
		kept := applied[:0]
		for _, p := range applied {
			if sum >= cap {
				if err := adjustUsage(ctx, pgTx, p.Code, -1); err != nil {
					return err
				}
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
	return nil
}

func (s *Store) recompute(tx *domain.Transaction) {
	pricing.RecomputeMode(tx, s.opts.TaxInclusive)
}

// customerUsage counts how many other transactions for the same
// customer carry the promotion. Voided transactions released their
// usage and do not count. Walk-ins with no customer reference are
// never limited.
func customerUsage(ctx context.Context, q querier, code string, customerRef string, exceptTxID string) (int, error) {
	if customerRef == "" {
		return 0, nil
	}
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT t.id)
		FROM transaction_promotions tp
		JOIN transactions t ON t.id = tp.transaction_id
		WHERE tp.code = $1 AND t.customer_ref = $2 AND t.id <> $3 AND t.status <> $4
	`, code, customerRef, exceptTxID, domain.TxStatusVoided).Scan(&count)
	return count, err
}

func adjustUsage(ctx context.Context, pgTx *sql.Tx, code string, delta int) error {
	_, err := pgTx.ExecContext(ctx, `
		UPDATE promotions
		SET usage_count = GREATEST(usage_count + $2, 0)
		WHERE code = $1
	`, code, delta)
	return err
}

func (s *Store) AddPayment(ctx context.Context, txID string, input store.PaymentInput, at time.Time) (*domain.Transaction, error) {
	if input.AmountCents < 1 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrValidation)
	}
	if input.Method == "" {
		return nil, fmt.Errorf("%w: payment method required", store.ErrValidation)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	tx, err := s.loadTransaction(ctx, pgTx, txID, true)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TxStatusOpen {
		return nil, fmt.Errorf("%w: transaction is %s", store.ErrStateConflict, tx.Status)
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
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO payments (id, transaction_id, method, amount_cents, fee_cents, status, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, payment.ID, payment.TransactionID, payment.Method, payment.AmountCents, payment.FeeCents,
		payment.Status, payment.Reference, payment.CreatedAt)
	if err != nil {
		return nil, err
	}
	tx.Payments = append(tx.Payments, payment)
	tx.PaidCents += input.AmountCents

	if tx.PaidCents >= tx.TotalCents {
		tx.ChangeCents = tx.PaidCents - tx.TotalCents
		tx.Status = domain.TxStatusClosed
		closedAt := at
		tx.ClosedAt = &closedAt
	}

	if err := saveCart(ctx, pgTx, tx); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return tx, nil
}

// moveStock locks the item row, records before and after quantities and
// appends the movement. Untracked items are skipped when skipUntracked
// is set, otherwise they are rejected.
func moveStock(ctx context.Context, pgTx *sql.Tx, movement domain.InventoryMovement, skipUntracked bool) error {
	var stock int
	var tracked bool
	err := pgTx.QueryRowContext(ctx, `
		SELECT stock_qty, track_inventory FROM items WHERE code = $1 FOR UPDATE
	`, movement.ItemCode).Scan(&stock, &tracked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: item %s", store.ErrNotFound, movement.ItemCode)
		}
		return err
	}
	if !tracked {
		if skipUntracked {
			return nil
		}
		return fmt.Errorf("%w: %s does not track inventory", store.ErrValidation, movement.ItemCode)
	}

	movement.QtyBefore = stock
	movement.QtyAfter = stock + movement.QtyChange

	_, err = pgTx.ExecContext(ctx, `
		UPDATE items SET stock_qty = $2, updated_at = now() WHERE code = $1
	`, movement.ItemCode, movement.QtyAfter)
	if err != nil {
		return err
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO inventory_movements (id, item_code, type, qty_change, qty_before, qty_after, reason, ref_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, movement.ID, movement.ItemCode, movement.Type, movement.QtyChange,
		movement.QtyBefore, movement.QtyAfter, movement.Reason, movement.RefID, movement.CreatedAt)
	return err
}

func (s *Store) VoidTransaction(ctx context.Context, txID string, reason string, at time.Time) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	tx, err := s.loadTransaction(ctx, pgTx, txID, true)
	if err != nil {
		return nil, err
	}
	if tx.Status == domain.TxStatusVoided {
		return nil, fmt.Errorf("%w: transaction already voided", store.ErrStateConflict)
	}

	tx.Status = domain.TxStatusVoided
	tx.VoidReason = reason
	voidedAt := at
	tx.VoidedAt = &voidedAt

	// Reverse the sale movements written at line addition. Cancelled
	// lines were restored when cancelled.
	for _, line := range tx.Lines {
		if line.Status == domain.LineStatusCancelled {
			continue
		}
		if err := moveStock(ctx, pgTx, domain.InventoryMovement{
			ID:        xid.New("mov"),
			ItemCode:  line.ItemCode,
			Type:      domain.MovementAdjustment,
			QtyChange: line.Qty,
			Reason:    "void",
			RefID:     tx.ID,
			CreatedAt: at,
		}, true); err != nil {
			return nil, err
		}
	}
	for _, applied := range tx.AppliedPromotions {
		if err := adjustUsage(ctx, pgTx, applied.Code, -1); err != nil {
			return nil, err
		}
	}

	if err := saveCart(ctx, pgTx, tx); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return tx, nil
}

const promoColumns = `code, name, kind, discount_percent, flat_discount_cents, min_purchase_cents,
	max_discount_cents, categories, item_codes, valid_from, valid_to, days, window_from,
	window_until, usage_limit, per_customer_limit, usage_count, auto_apply, active, created_at`

func collectPromotions(rows *sql.Rows) ([]domain.Promotion, error) {
	defer rows.Close()
	out := make([]domain.Promotion, 0, 8)
	for rows.Next() {
		var p domain.Promotion
		var categories, itemCodes, days []byte
		var validFrom, validTo sql.NullTime
		if err := rows.Scan(&p.Code, &p.Name, &p.Kind, &p.DiscountPercent, &p.FlatDiscountCents,
			&p.MinPurchaseCents, &p.MaxDiscountCents, &categories, &itemCodes, &validFrom, &validTo,
			&days, &p.WindowFrom, &p.WindowUntil, &p.UsageLimit, &p.PerCustomerLimit,
			&p.UsageCount, &p.AutoApply, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		if validFrom.Valid {
			p.ValidFrom = validFrom.Time.UTC()
		}
		if validTo.Valid {
			p.ValidTo = validTo.Time.UTC()
		}
		if err := unmarshalList(categories, &p.Categories); err != nil {
			return nil, err
		}
		if err := unmarshalList(itemCodes, &p.ItemCodes); err != nil {
			return nil, err
		}
		if err := unmarshalList(days, &p.Days); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) lockPromotion(ctx context.Context, pgTx *sql.Tx, code string) (*domain.Promotion, error) {
	rows, err := pgTx.QueryContext(ctx, `
		SELECT `+promoColumns+`
		FROM promotions
		WHERE code = $1
		FOR UPDATE
	`, code)
	if err != nil {
		return nil, err
	}
	promos, err := collectPromotions(rows)
	if err != nil {
		return nil, err
	}
	if len(promos) == 0 {
		return nil, fmt.Errorf("%w: promotion %s", store.ErrNotFound, code)
	}
	return &promos[0], nil
}

func (s *Store) CreatePromotion(ctx context.Context, promo domain.Promotion) (*domain.Promotion, error) {
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
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = time.Now().UTC()
	}
	promo.Active = true
	promo.UsageCount = 0

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promotions (
			code, name, kind, discount_percent, flat_discount_cents, min_purchase_cents,
			max_discount_cents, categories, item_codes, valid_from, valid_to, days,
			window_from, window_until, usage_limit, per_customer_limit, usage_count,
			auto_apply, active, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,0,$17,$18,$19)
	`, promo.Code, promo.Name, promo.Kind, promo.DiscountPercent, promo.FlatDiscountCents,
		promo.MinPurchaseCents, promo.MaxDiscountCents, marshalList(promo.Categories),
		marshalList(promo.ItemCodes), nullTime(promo.ValidFrom), nullTime(promo.ValidTo),
		marshalList(promo.Days), promo.WindowFrom, promo.WindowUntil, promo.UsageLimit,
		promo.PerCustomerLimit, promo.AutoApply, promo.Active, promo.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: promotion %s", store.ErrDuplicate, promo.Code)
		}
		return nil, err
	}

	created := promo
	return &created, nil
}

func (s *Store) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+promoColumns+`
		FROM promotions
		ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	return collectPromotions(rows)
}

func (s *Store) GetPromotionByCode(ctx context.Context, code string) (*domain.Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+promoColumns+`
		FROM promotions
		WHERE code = $1
	`, code)
	if err != nil {
		return nil, err
	}
	promos, err := collectPromotions(rows)
	if err != nil {
		return nil, err
	}
	if len(promos) == 0 {
		return nil, store.ErrNotFound
	}
	return &promos[0], nil
}

func (s *Store) UpdatePromotionActive(ctx context.Context, code string, active bool) (*domain.Promotion, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE promotions SET active = $2 WHERE code = $1
	`, code, active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetPromotionByCode(ctx, code)
}

func (s *Store) RecordMovement(ctx context.Context, movement domain.InventoryMovement) (*domain.InventoryMovement, error) {
	if !domain.AdjustmentTypes[movement.Type] {
		return nil, fmt.Errorf("%w: movement type %q", store.ErrValidation, movement.Type)
	}
	if movement.QtyChange == 0 {
		return nil, fmt.Errorf("%w: movement requires a non-zero quantity", store.ErrValidation)
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var stock int
	var tracked bool
	err = pgTx.QueryRowContext(ctx, `
		SELECT stock_qty, track_inventory FROM items WHERE code = $1 FOR UPDATE
	`, movement.ItemCode).Scan(&stock, &tracked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: item %s", store.ErrNotFound, movement.ItemCode)
		}
		return nil, err
	}
	if !tracked {
		return nil, fmt.Errorf("%w: %s does not track inventory", store.ErrValidation, movement.ItemCode)
	}
	if stock+movement.QtyChange < 0 && !s.opts.AllowNegativeStock {
		return nil, fmt.Errorf("%w: %s has %d on hand", store.ErrInsufficientStock, movement.ItemCode, stock)
	}

	if err := moveStock(ctx, pgTx, movement, false); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	movement.QtyBefore = stock
	movement.QtyAfter = stock + movement.QtyChange
	created := movement
	return &created, nil
}

func (s *Store) ListMovements(ctx context.Context, itemCode string, limit int) ([]domain.InventoryMovement, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_code, type, qty_change, qty_before, qty_after, reason, ref_id, created_at
		FROM inventory_movements
		WHERE $1 = '' OR item_code = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, itemCode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.InventoryMovement, 0, limit)
	for rows.Next() {
		var m domain.InventoryMovement
		if err := rows.Scan(&m.ID, &m.ItemCode, &m.Type, &m.QtyChange, &m.QtyBefore, &m.QtyAfter, &m.Reason, &m.RefID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) ComputeDailySummary(ctx context.Context, locationID string, date string, at time.Time) (*domain.DailySummary, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
	}
	dayStart := day.UTC()
	dayEnd := dayStart.Add(24 * time.Hour)

	summary := domain.DailySummary{
		LocationID: locationID,
		Date:       date,
		ComputedAt: at,
	}

	var changeTotal int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(subtotal_cents), 0), COALESCE(SUM(total_cents), 0),
			COALESCE(SUM(tax_cents), 0), COALESCE(SUM(discount_cents), 0), COALESCE(SUM(change_cents), 0)
		FROM transactions
		WHERE status = $1 AND ($2 = '' OR location_id = $2) AND closed_at >= $3 AND closed_at < $4
	`, domain.TxStatusClosed, locationID, dayStart, dayEnd).Scan(
		&summary.TransactionCount, &summary.GrossCents, &summary.NetCents,
		&summary.TaxCents, &summary.DiscountCents, &changeTotal)
	if err != nil {
		return nil, err
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT l.category, COALESCE(SUM(l.qty), 0), COALESCE(SUM(l.subtotal_cents - l.discount_cents), 0)
		FROM transaction_lines l
		JOIN transactions t ON t.id = l.transaction_id
		WHERE t.status = $1 AND ($2 = '' OR t.location_id = $2)
			AND t.closed_at >= $3 AND t.closed_at < $4 AND l.status <> $5
		GROUP BY l.category
		ORDER BY l.category
	`, domain.TxStatusClosed, locationID, dayStart, dayEnd, domain.LineStatusCancelled)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var c domain.CategoryBreakdown
		if err := lineRows.Scan(&c.Category, &c.ItemsSold, &c.AmountCents); err != nil {
			return nil, err
		}
		summary.ItemsSold += c.ItemsSold
		summary.ByCategory = append(summary.ByCategory, c)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	payRows, err := s.db.QueryContext(ctx, `
		SELECT p.method, COUNT(*), COALESCE(SUM(p.amount_cents), 0), COALESCE(SUM(p.fee_cents), 0)
		FROM payments p
		JOIN transactions t ON t.id = p.transaction_id
		WHERE t.status = $1 AND ($2 = '' OR t.location_id = $2)
			AND t.closed_at >= $3 AND t.closed_at < $4 AND p.status = $5
		GROUP BY p.method
		ORDER BY p.method
	`, domain.TxStatusClosed, locationID, dayStart, dayEnd, domain.PaymentStatusCompleted)
	if err != nil {
		return nil, err
	}
	defer payRows.Close()
	for payRows.Next() {
		var t domain.TenderBreakdown
		if err := payRows.Scan(&t.Method, &t.Transactions, &t.AmountCents, &t.FeeCents); err != nil {
			return nil, err
		}
		summary.ByTender = append(summary.ByTender, t)
	}
	if err := payRows.Err(); err != nil {
		return nil, err
	}

	// Cash change went back to the customer.
	if changeTotal > 0 {
		for i := range summary.ByTender {
			if summary.ByTender[i].Method == "cash" {
				summary.ByTender[i].AmountCents -= changeTotal
			}
		}
	}
	if summary.TransactionCount > 0 {
		summary.AvgTicketCents = summary.NetCents / summary.TransactionCount
	}
	return &summary, nil
}

func (s *Store) GetDailySummary(ctx context.Context, locationID string, date string) (*domain.DailySummary, error) {
	var summary domain.DailySummary
	var byTender, byCategory []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT location_id, date, transaction_count, items_sold, gross_cents, net_cents,
			tax_cents, discount_cents, avg_ticket_cents, by_tender, by_category, computed_at
		FROM daily_summaries
		WHERE location_id = $1 AND date = $2
	`, locationID, date).Scan(
		&summary.LocationID, &summary.Date, &summary.TransactionCount, &summary.ItemsSold,
		&summary.GrossCents, &summary.NetCents, &summary.TaxCents, &summary.DiscountCents,
		&summary.AvgTicketCents, &byTender, &byCategory, &summary.ComputedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(byTender) > 0 {
		if err := json.Unmarshal(byTender, &summary.ByTender); err != nil {
			return nil, err
		}
	}
	if len(byCategory) > 0 {
		if err := json.Unmarshal(byCategory, &summary.ByCategory); err != nil {
			return nil, err
		}
	}
	summary.ComputedAt = summary.ComputedAt.UTC()
	return &summary, nil
}

func (s *Store) UpsertDailySummary(ctx context.Context, summary domain.DailySummary) error {
	byTender, err := json.Marshal(summary.ByTender)
	if err != nil {
		return err
	}
	byCategory, err := json.Marshal(summary.ByCategory)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_summaries (
			location_id, date, transaction_count, items_sold, gross_cents, net_cents,
			tax_cents, discount_cents, avg_ticket_cents, by_tender, by_category, computed_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (location_id, date)
		DO UPDATE SET transaction_count = EXCLUDED.transaction_count,
			items_sold = EXCLUDED.items_sold, gross_cents = EXCLUDED.gross_cents,
			net_cents = EXCLUDED.net_cents, tax_cents = EXCLUDED.tax_cents,
			discount_cents = EXCLUDED.discount_cents, avg_ticket_cents = EXCLUDED.avg_ticket_cents,
			by_tender = EXCLUDED.by_tender, by_category = EXCLUDED.by_category,
			computed_at = EXCLUDED.computed_at
	`, summary.LocationID, summary.Date, summary.TransactionCount, summary.ItemsSold,
		summary.GrossCents, summary.NetCents, summary.TaxCents, summary.DiscountCents,
		summary.AvgTicketCents, byTender, byCategory, summary.ComputedAt)
	return err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, location_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.LocationID, entry.ActorUsername, entry.ActorRole, entry.Action,
		entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, locationID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Hour)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, location_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR location_id = $1) AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
		LIMIT $4
	`, locationID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.LocationID, &entry.ActorUsername, &entry.ActorRole,
			&entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return fmt.Errorf("%w: username and password required", store.ErrValidation)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: user %s", store.ErrDuplicate, user.Username)
	}
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func marshalList(values []string) []byte {
	if values == nil {
		values = []string{}
	}
	payload, _ := json.Marshal(values)
	return payload
}

func unmarshalList(raw []byte, dest *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return err
	}
	if len(*dest) == 0 {
		*dest = nil
	}
	*dest = slices.Clip(*dest)
	return nil
}

func marshalModifiers(mods []domain.SelectedModifier) []byte {
	if mods == nil {
		mods = []domain.SelectedModifier{}
	}
	payload, _ := json.Marshal(mods)
	return payload
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
