// Package model содержит доменные сущности торгового ядра shopcore.
package model

import "time"

// Scope определяет область видимости данных: арендатор, сайт и магазин.
type Scope struct {
	TenantID string `json:"tenant_id"`
	SiteID   string `json:"site_id"`
	StoreID  string `json:"store_id"`
}

// DiscountType описывает тип скидки промо-правила.
type DiscountType string

const (
	DiscountTypePercent DiscountType = "percent"
	DiscountTypeFixed   DiscountType = "fixed"
)

// DiscountScope описывает базу скидки: весь заказ или только совпавшие строки.
type DiscountScope string

const (
	DiscountScopeOrder DiscountScope = "order"
	DiscountScopeItems DiscountScope = "items"
)

// TargetType описывает тип цели промо-правила.
type TargetType string

const (
	TargetTypeStore    TargetType = "store"
	TargetTypeBrand    TargetType = "brand"
	TargetTypeCategory TargetType = "category"
	TargetTypeProduct  TargetType = "product"
)

// Promotion описывает промо-правило со скидкой.
type Promotion struct {
	ID string
	Scope
	Name string
	// Code хранится в нормализованном виде (верхний регистр, без пробелов);
	// пустая строка означает автоматическое правило без кода.
	Code                  string
	IsActive              bool
	IsSecret              bool
	StartsAt              *time.Time
	EndsAt                *time.Time
	DiscountType          DiscountType
	DiscountScope         DiscountScope
	DiscountValue         float64
	MinOrderCents         int64
	MaxDiscountCents      *int64
	UsageLimitTotal       *int64
	UsageLimitPerCustomer *int64
	FirstNCustomers       *int64
	Priority              int
	ArchivedAt            *time.Time
	Targets               []PromotionTarget
}

// PromotionTarget связывает промо-правило с магазином, брендом, категорией или товаром.
type PromotionTarget struct {
	PromotionID string
	Type        TargetType
	TargetID    string
}

// PromotionUsage — неизменяемая запись о применении промо-правила.
type PromotionUsage struct {
	PromotionID   string
	CustomerKey   string
	OrderID       string
	DiscountCents int64
	CreatedAt     time.Time
}

// UsageStats содержит агрегаты журнала применений одного промо-правила.
type UsageStats struct {
	TotalCount        int64
	DistinctCustomers int64
	// CustomerCount — число применений текущим покупателем (по его ключу).
	CustomerCount int64
}

// Variant — единица товара с собственной ценой и остатком.
// InventoryQty никогда не опускается ниже нуля.
type Variant struct {
	ID           string
	ProductID    string
	PriceCents   int64
	InventoryQty int64
	CreatedAt    time.Time
}

// Product — товар каталога с пользовательскими атрибутами.
type Product struct {
	ID string
	Scope
	Name       string
	BrandID    string
	CategoryID string
	Attributes map[string]AttributeValue
	CreatedAt  time.Time
	Variants   []Variant
}

// CartLine — строка корзины, переданная на оценку или покупку.
type CartLine struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Qty       int64  `json:"qty"`
}

// ResolvedLine — строка корзины после разрешения через каталог.
type ResolvedLine struct {
	ProductID      string
	VariantID      string
	UnitPriceCents int64
	Qty            int64
	BrandID        string
	CategoryID     string
}

// LineTotalCents возвращает стоимость строки в центах.
func (l ResolvedLine) LineTotalCents() int64 {
	return l.UnitPriceCents * l.Qty
}

// Customer содержит контактные данные покупателя.
type Customer struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Name  string `json:"name,omitempty"`
}

// OrderStatus описывает статус заказа. Переходы статусов выполняются
// вне ядра; здесь заказ всегда создаётся в начальном статусе.
type OrderStatus string

// OrderStatusNew — начальный статус только что размещённого заказа.
const OrderStatusNew OrderStatus = "NEW"

// Order описывает размещённый заказ.
type Order struct {
	ID     string
	Number string
	Scope
	Status          OrderStatus
	SubtotalCents   int64
	DiscountCents   int64
	TotalCents      int64
	Currency        string
	Customer        Customer
	ShippingAddress string
	CreatedAt       time.Time
	Lines           []OrderLine
}

// OrderLine — строка заказа; LineTotalCents = UnitPriceCents × Qty.
type OrderLine struct {
	OrderID        string
	ProductID      string
	VariantID      string
	UnitPriceCents int64
	Qty            int64
	LineTotalCents int64
}

// InventoryChangeType описывает причину изменения остатка.
type InventoryChangeType string

const (
	InventoryChangeOrder            InventoryChangeType = "order"
	InventoryChangeRestock          InventoryChangeType = "restock"
	InventoryChangeManualAdjustment InventoryChangeType = "manual_adjustment"
)

// InventoryLogEntry — запись append-only журнала движений остатков.
// Всегда выполняется QuantityAfter = QuantityBefore + DeltaQuantity.
type InventoryLogEntry struct {
	VariantID      string
	ChangeType     InventoryChangeType
	QuantityBefore int64
	QuantityAfter  int64
	DeltaQuantity  int64
	OrderID        string
	Reason         string
	CreatedAt      time.Time
}

// Candidate — промо-правило, прошедшее отбор, с рассчитанной скидкой.
type Candidate struct {
	PromotionID   string `json:"promotion_id"`
	Name          string `json:"name"`
	Code          string `json:"code,omitempty"`
	DiscountCents int64  `json:"discount_cents"`
	Priority      int    `json:"priority"`
}

// Evaluation — результат оценки промо-правил для корзины.
// Applied равен nil, если подходящих правил нет.
type Evaluation struct {
	SubtotalCents int64       `json:"subtotal_cents"`
	Candidates    []Candidate `json:"candidates"`
	Applied       *Candidate  `json:"applied"`
}
