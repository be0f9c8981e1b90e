package domain

import "time"

type Item struct {
	Code           string   `json:"code"`
	Name           string   `json:"name"`
	Category       string   `json:"category"`
	Subcategory    string   `json:"subcategory,omitempty"`
	BasePriceCents int64    `json:"base_price_cents"`
	PriceCents     int64    `json:"price_cents"`
	TaxRate        float64  `json:"tax_rate"`
	TrackInventory bool     `json:"track_inventory"`
	StockQty       int      `json:"stock_qty"`
	AvailableDays  []string `json:"available_days,omitempty"`
	AvailableFrom  string   `json:"available_from,omitempty"`
	AvailableUntil string   `json:"available_until,omitempty"`
	ModifierGroups []string `json:"modifier_groups,omitempty"`
	Active         bool     `json:"active"`
}

type ItemCreateRequest struct {
	Code           string   `json:"code"`
	Name           string   `json:"name"`
	Category       string   `json:"category"`
	Subcategory    string   `json:"subcategory"`
	BasePriceCents int64    `json:"base_price_cents"`
	PriceCents     int64    `json:"price_cents"`
	TaxRate        float64  `json:"tax_rate"`
	TrackInventory bool     `json:"track_inventory"`
	InitialStock   int      `json:"initial_stock"`
	AvailableDays  []string `json:"available_days"`
	AvailableFrom  string   `json:"available_from"`
	AvailableUntil string   `json:"available_until"`
	ModifierGroups []string `json:"modifier_groups"`
}

type ItemUpdateRequest struct {
	Name       *string  `json:"name,omitempty"`
	Category   *string  `json:"category,omitempty"`
	PriceCents *int64   `json:"price_cents,omitempty"`
	TaxRate    *float64 `json:"tax_rate,omitempty"`
	Active     *bool    `json:"active,omitempty"`
}

type ModifierGroup struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Selection string `json:"selection"`
}

type Modifier struct {
	ID              string `json:"id"`
	GroupID         string `json:"group_id"`
	Name            string `json:"name"`
	PriceDeltaCents int64  `json:"price_delta_cents"`
	Default         bool   `json:"default"`
}

type SelectedModifier struct {
	ModifierID      string `json:"modifier_id"`
	Name            string `json:"name"`
	GroupID         string `json:"group_id"`
	PriceDeltaCents int64  `json:"price_delta_cents"`
}

type Promotion struct {
	Code              string    `json:"code"`
	Name              string    `json:"name"`
	Kind              string    `json:"kind"`
	DiscountPercent   float64   `json:"discount_percent"`
	FlatDiscountCents int64     `json:"flat_discount_cents"`
	MinPurchaseCents  int64     `json:"min_purchase_cents"`
	MaxDiscountCents  int64     `json:"max_discount_cents"`
	Categories        []string  `json:"categories,omitempty"`
	ItemCodes         []string  `json:"item_codes,omitempty"`
	ValidFrom         time.Time `json:"valid_from"`
	ValidTo           time.Time `json:"valid_to"`
	Days              []string  `json:"days,omitempty"`
	WindowFrom        string    `json:"window_from,omitempty"`
	WindowUntil       string    `json:"window_until,omitempty"`
	UsageLimit        int       `json:"usage_limit"`
	PerCustomerLimit  int       `json:"per_customer_limit"`
	UsageCount        int       `json:"usage_count"`
	AutoApply         bool      `json:"auto_apply"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
}

type PromotionCreateRequest struct {
	Code              string   `json:"code"`
	Name              string   `json:"name"`
	Kind              string   `json:"kind"`
	DiscountPercent   float64  `json:"discount_percent"`
	FlatDiscountCents int64    `json:"flat_discount_cents"`
	MinPurchaseCents  int64    `json:"min_purchase_cents"`
	MaxDiscountCents  int64    `json:"max_discount_cents"`
	Categories        []string `json:"categories"`
	ItemCodes         []string `json:"item_codes"`
	ValidFrom         string   `json:"valid_from"`
	ValidTo           string   `json:"valid_to"`
	Days              []string `json:"days"`
	WindowFrom        string   `json:"window_from"`
	WindowUntil       string   `json:"window_until"`
	UsageLimit        int      `json:"usage_limit"`
	PerCustomerLimit  int      `json:"per_customer_limit"`
	AutoApply         bool     `json:"auto_apply"`
}

type PromotionToggleRequest struct {
	Active bool `json:"active"`
}

type AppliedPromotion struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	DiscountCents int64  `json:"discount_cents"`
	Auto          bool   `json:"auto"`
}

type LineItem struct {
	ID             string             `json:"id"`
	ItemCode       string             `json:"item_code"`
	Name           string             `json:"name"`
	Category       string             `json:"category"`
	Qty            int                `json:"qty"`
	UnitPriceCents int64              `json:"unit_price_cents"`
	ModifierCents  int64              `json:"modifier_cents"`
	SubtotalCents  int64              `json:"subtotal_cents"`
	TaxRate        float64            `json:"tax_rate"`
	TaxCents       int64              `json:"tax_cents"`
	DiscountCents  int64              `json:"discount_cents"`
	Modifiers      []SelectedModifier `json:"modifiers,omitempty"`
	Status         string             `json:"status"`
	AddedAt        time.Time          `json:"added_at"`
}

type Payment struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	Method        string    `json:"method"`
	AmountCents   int64     `json:"amount_cents"`
	FeeCents      int64     `json:"fee_cents"`
	Status        string    `json:"status"`
	Reference     string    `json:"reference,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type Transaction struct {
	ID                string             `json:"id"`
	LocationID        string             `json:"location_id"`
	BookingRef        string             `json:"booking_ref,omitempty"`
	RoomRef           string             `json:"room_ref,omitempty"`
	CustomerRef       string             `json:"customer_ref,omitempty"`
	Lines             []LineItem         `json:"lines"`
	SubtotalCents     int64              `json:"subtotal_cents"`
	DiscountCents     int64              `json:"discount_cents"`
	TaxCents          int64              `json:"tax_cents"`
	TotalCents        int64              `json:"total_cents"`
	PaidCents         int64              `json:"paid_cents"`
	ChangeCents       int64              `json:"change_cents"`
	AppliedPromotions []AppliedPromotion `json:"applied_promotions,omitempty"`
	Payments          []Payment          `json:"payments,omitempty"`
	Status            string             `json:"status"`
	VoidReason        string             `json:"void_reason,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	ClosedAt          *time.Time         `json:"closed_at,omitempty"`
	VoidedAt          *time.Time         `json:"voided_at,omitempty"`
}

type TransactionCreateRequest struct {
	LocationID  string `json:"location_id"`
	BookingRef  string `json:"booking_ref"`
	RoomRef     string `json:"room_ref"`
	CustomerRef string `json:"customer_ref"`
}

type AddLineRequest struct {
	ItemCode    string   `json:"item_code"`
	Qty         int      `json:"qty"`
	ModifierIDs []string `json:"modifier_ids"`
}

type AddLineResponse struct {
	LineID      string      `json:"line_id"`
	Transaction Transaction `json:"transaction"`
}

type LineStatusRequest struct {
	Status string `json:"status"`
}

type ApplyPromotionRequest struct {
	Code string `json:"code"`
}

type ApplyPromotionResponse struct {
	Applied       bool        `json:"applied"`
	DiscountCents int64       `json:"discount_cents"`
	Transaction   Transaction `json:"transaction"`
}

type PaymentRequest struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference"`
}

type PaymentResponse struct {
	Closed         bool        `json:"closed"`
	ChangeCents    int64       `json:"change_cents"`
	RemainingCents int64       `json:"remaining_cents"`
	Transaction    Transaction `json:"transaction"`
}

type VoidRequest struct {
	Reason string `json:"reason"`
}

type ReceiptLine struct {
	Name          string             `json:"name"`
	Qty           int                `json:"qty"`
	UnitPrice     string             `json:"unit_price"`
	LineSubtotal  string             `json:"line_subtotal"`
	DiscountCents int64              `json:"discount_cents"`
	Modifiers     []SelectedModifier `json:"modifiers,omitempty"`
}

type ReceiptTotals struct {
	Subtotal string `json:"subtotal"`
	Discount string `json:"discount"`
	Tax      string `json:"tax"`
	Total    string `json:"total"`
}

type ReceiptPayment struct {
	Method string `json:"method"`
	Amount string `json:"amount"`
}

type Receipt struct {
	TransactionID string           `json:"transaction_id"`
	LocationID    string           `json:"location_id"`
	Currency      string           `json:"currency"`
	Lines         []ReceiptLine    `json:"lines"`
	Totals        ReceiptTotals    `json:"totals"`
	Payments      []ReceiptPayment `json:"payments"`
	Change        string           `json:"change"`
	Footer        string           `json:"footer,omitempty"`
	IssuedAt      string           `json:"issued_at"`
}

type InventoryMovement struct {
	ID        string    `json:"id"`
	ItemCode  string    `json:"item_code"`
	Type      string    `json:"type"`
	QtyChange int       `json:"qty_change"`
	QtyBefore int       `json:"qty_before"`
	QtyAfter  int       `json:"qty_after"`
	Reason    string    `json:"reason,omitempty"`
	RefID     string    `json:"ref_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type InventoryAdjustmentRequest struct {
	ItemCode string `json:"item_code"`
	Delta    int    `json:"delta"`
	Type     string `json:"type"`
	Reason   string `json:"reason"`
}

type TenderBreakdown struct {
	Method       string `json:"method"`
	Transactions int64  `json:"transactions"`
	AmountCents  int64  `json:"amount_cents"`
	FeeCents     int64  `json:"fee_cents"`
}

type CategoryBreakdown struct {
	Category    string `json:"category"`
	ItemsSold   int64  `json:"items_sold"`
	AmountCents int64  `json:"amount_cents"`
}

type DailySummary struct {
	LocationID       string              `json:"location_id"`
	Date             string              `json:"date"`
	TransactionCount int64               `json:"transaction_count"`
	ItemsSold        int64               `json:"items_sold"`
	GrossCents       int64               `json:"gross_cents"`
	NetCents         int64               `json:"net_cents"`
	TaxCents         int64               `json:"tax_cents"`
	DiscountCents    int64               `json:"discount_cents"`
	AvgTicketCents   int64               `json:"avg_ticket_cents"`
	ByTender         []TenderBreakdown   `json:"by_tender"`
	ByCategory       []CategoryBreakdown `json:"by_category"`
	ComputedAt       time.Time           `json:"computed_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	LocationID    string    `json:"location_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount holds auth credentials. Password is a bcrypt hash.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	TxStatusOpen   = "open"
	TxStatusClosed = "closed"
	TxStatusVoided = "voided"
)

const (
	LineStatusOrdered   = "ordered"
	LineStatusPreparing = "preparing"
	LineStatusReady     = "ready"
	LineStatusServed    = "served"
	LineStatusCancelled = "cancelled"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

const (
	MovementSale       = "sale"
	MovementPurchase   = "purchase"
	MovementAdjustment = "adjustment"
	MovementWaste      = "waste"
	MovementTransfer   = "transfer"
)

const (
	PromotionKindPercentage = "percentage"
	PromotionKindFixed      = "fixed_amount"
)

const (
	SelectionSingle = "single"
	SelectionMulti  = "multi"
)

// ValidLineTransition reports whether a fulfillment status change is allowed.
// Served and cancelled are terminal.
func ValidLineTransition(current, next string) bool {
	switch current {
	case LineStatusOrdered:
		return next == LineStatusPreparing || next == LineStatusCancelled
	case LineStatusPreparing:
		return next == LineStatusReady || next == LineStatusCancelled
	case LineStatusReady:
		return next == LineStatusServed || next == LineStatusCancelled
	default:
		return false
	}
}

// AdjustmentTypes lists the movement types accepted from manual adjustments.
// Sale movements are only written by the settlement path itself.
var AdjustmentTypes = map[string]bool{
	MovementPurchase:   true,
	MovementAdjustment: true,
	MovementWaste:      true,
	MovementTransfer:   true,
}
