package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vbelyaev/shopcore/internal/model"
	"github.com/vbelyaev/shopcore/internal/promo"
	"github.com/vbelyaev/shopcore/internal/validation"
)

// PlaceOrderParams содержит параметры размещения заказа.
type PlaceOrderParams struct {
	Scope           model.Scope
	Currency        string
	Customer        model.Customer
	ShippingAddress string
	Items           []model.CartLine
	// PromotionID и CouponCode задаются вызывающей стороной по итогам
	// предварительной оценки; правило повторно проверяется внутри
	// транзакции по заблокированным ценам.
	PromotionID string
	CouponCode  string
}

// AdjustParams содержит параметры ручной корректировки остатка.
type AdjustParams struct {
	Scope      model.Scope
	ProductID  string
	VariantID  string
	ChangeType model.InventoryChangeType
	DeltaQty   int64
	Reason     string
}

// AdjustResult описывает результат корректировки остатка.
type AdjustResult struct {
	VariantID string `json:"variant_id"`
	Before    int64  `json:"before"`
	After     int64  `json:"after"`
}

// PlaceOrder размещает заказ в одной транзакции: блокирует строки
// вариантов в порядке перечисления позиций, проверяет остатки,
// списывает их, повторно проверяет промо-правило и сохраняет заказ,
// строки, записи журнала остатков и запись применения правила.
// Любая ошибка откатывает транзакцию целиком: частичных списаний
// после неудачного заказа не остаётся.
func (r *PostgresRepository) PlaceOrder(ctx context.Context, p PlaceOrderParams) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lines := make([]model.ResolvedLine, 0, len(p.Items))
	logs := make([]model.InventoryLogEntry, 0, len(p.Items))

	for _, item := range p.Items {
		line, before, err := lockVariant(ctx, tx, p.Scope, item.ProductID, item.VariantID)
		if err != nil {
			return nil, err
		}

		if before < item.Qty {
			return nil, &InsufficientStockError{ProductID: item.ProductID}
		}

		after := before - item.Qty
		if _, err := tx.Exec(ctx,
			`UPDATE variants SET inventory_qty = $2 WHERE id = $1`,
			line.VariantID, after,
		); err != nil {
			return nil, fmt.Errorf("decrement inventory: %w", err)
		}

		line.Qty = item.Qty
		lines = append(lines, *line)
		logs = append(logs, model.InventoryLogEntry{
			VariantID:      line.VariantID,
			ChangeType:     model.InventoryChangeOrder,
			QuantityBefore: before,
			QuantityAfter:  after,
			DeltaQuantity:  after - before,
		})
	}

	subtotal := promo.SubtotalCents(lines)

	var applied *model.Promotion
	var discount int64
	if p.PromotionID != "" || p.CouponCode != "" {
		applied, discount, err = revalidatePromotion(ctx, tx, p, lines, subtotal)
		if err != nil {
			return nil, err
		}
	}

	order := model.Order{
		ID:              uuid.NewString(),
		Number:          generateOrderNumber(),
		Scope:           p.Scope,
		Status:          model.OrderStatusNew,
		SubtotalCents:   subtotal,
		DiscountCents:   discount,
		TotalCents:      subtotal - discount,
		Currency:        p.Currency,
		Customer:        p.Customer,
		ShippingAddress: p.ShippingAddress,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (id, number, tenant_id, site_id, store_id, status,
		                     subtotal_cents, discount_cents, total_cents, currency,
		                     customer_email, customer_phone, customer_name, shipping_address)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING created_at`,
		order.ID, order.Number, p.Scope.TenantID, p.Scope.SiteID, p.Scope.StoreID,
		string(order.Status), order.SubtotalCents, order.DiscountCents, order.TotalCents,
		order.Currency, p.Customer.Email, p.Customer.Phone, p.Customer.Name, p.ShippingAddress,
	).Scan(&order.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("order number collision: %w", err)
		}
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for _, l := range lines {
		ol := model.OrderLine{
			OrderID:        order.ID,
			ProductID:      l.ProductID,
			VariantID:      l.VariantID,
			UnitPriceCents: l.UnitPriceCents,
			Qty:            l.Qty,
			LineTotalCents: l.LineTotalCents(),
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO order_lines (order_id, product_id, variant_id, unit_price_cents, qty, line_total_cents)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			ol.OrderID, ol.ProductID, ol.VariantID, ol.UnitPriceCents, ol.Qty, ol.LineTotalCents,
		); err != nil {
			return nil, fmt.Errorf("insert order line: %w", err)
		}
		order.Lines = append(order.Lines, ol)
	}

	for _, entry := range logs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO inventory_log (variant_id, change_type, quantity_before, quantity_after, delta_quantity, order_id)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.VariantID, string(entry.ChangeType), entry.QuantityBefore, entry.QuantityAfter, entry.DeltaQuantity, order.ID,
		); err != nil {
			return nil, fmt.Errorf("insert inventory log: %w", err)
		}
	}

	if applied != nil {
		customerKey := validation.CustomerKey(p.Customer.Email, p.Customer.Phone)
		if _, err := tx.Exec(ctx,
			`INSERT INTO promotion_usages (promotion_id, customer_key, order_id, discount_cents)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (promotion_id, order_id) WHERE order_id IS NOT NULL DO NOTHING`,
			applied.ID, customerKey, order.ID, discount,
		); err != nil {
			return nil, fmt.Errorf("insert promotion usage: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &order, nil
}

// lockVariant блокирует строку варианта (FOR UPDATE) и возвращает
// разрешённую строку корзины вместе с текущим остатком. Без указания
// варианта блокируется самый ранний вариант товара.
func lockVariant(ctx context.Context, tx pgx.Tx, scope model.Scope, productID, variantID string) (*model.ResolvedLine, int64, error) {
	if _, err := uuid.Parse(productID); err != nil {
		return nil, 0, &ProductNotFoundError{ProductID: productID}
	}
	if variantID != "" {
		if _, err := uuid.Parse(variantID); err != nil {
			return nil, 0, &ProductNotFoundError{ProductID: productID}
		}
	}

	var row pgx.Row
	if variantID != "" {
		row = tx.QueryRow(ctx,
			`SELECT v.id, v.price_cents, v.inventory_qty,
			        COALESCE(p.brand_id, ''), COALESCE(p.category_id, '')
			 FROM variants v
			 JOIN products p ON p.id = v.product_id
			 WHERE v.id = $1 AND v.product_id = $2
			   AND p.tenant_id = $3 AND p.site_id = $4 AND p.store_id = $5
			 FOR UPDATE OF v`,
			variantID, productID, scope.TenantID, scope.SiteID, scope.StoreID,
		)
	} else {
		row = tx.QueryRow(ctx,
			`SELECT v.id, v.price_cents, v.inventory_qty,
			        COALESCE(p.brand_id, ''), COALESCE(p.category_id, '')
			 FROM variants v
			 JOIN products p ON p.id = v.product_id
			 WHERE v.product_id = $1
			   AND p.tenant_id = $2 AND p.site_id = $3 AND p.store_id = $4
			 ORDER BY v.created_at
			 LIMIT 1
			 FOR UPDATE OF v`,
			productID, scope.TenantID, scope.SiteID, scope.StoreID,
		)
	}

	line := model.ResolvedLine{ProductID: productID}
	var qty int64
	err := row.Scan(&line.VariantID, &line.UnitPriceCents, &qty, &line.BrandID, &line.CategoryID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, &ProductNotFoundError{ProductID: productID}
		}
		return nil, 0, fmt.Errorf("lock variant: %w", err)
	}

	return &line, qty, nil
}

// revalidatePromotion повторно проверяет выбранное промо-правило внутри
// транзакции заказа по свежезаблокированным ценам. Дрейф применимости
// между оценкой и размещением приводит к отказу всей транзакции.
func revalidatePromotion(ctx context.Context, tx pgx.Tx, p PlaceOrderParams, lines []model.ResolvedLine, subtotal int64) (*model.Promotion, int64, error) {
	query := `SELECT ` + promotionColumns + `
		 FROM promotions
		 WHERE tenant_id = $1 AND site_id = $2 AND store_id = $3
		   AND is_active AND archived_at IS NULL`

	args := []any{p.Scope.TenantID, p.Scope.SiteID, p.Scope.StoreID}
	if p.PromotionID != "" {
		if _, err := uuid.Parse(p.PromotionID); err != nil {
			return nil, 0, ErrPromotionNotFound
		}
		query += ` AND id = $4`
		args = append(args, p.PromotionID)
	} else {
		query += ` AND code = $4`
		args = append(args, p.CouponCode)
	}

	prom, err := scanPromotion(tx.QueryRow(ctx, query, args...), p.Scope)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrPromotionNotFound
		}
		return nil, 0, fmt.Errorf("select promotion for order: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT target_type, COALESCE(target_id, '')
		 FROM promotion_targets
		 WHERE promotion_id = $1`,
		prom.ID,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("select promotion targets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		t := model.PromotionTarget{PromotionID: prom.ID}
		if err := rows.Scan(&t.Type, &t.TargetID); err != nil {
			return nil, 0, fmt.Errorf("scan promotion target: %w", err)
		}
		prom.Targets = append(prom.Targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("promotion targets rows: %w", err)
	}

	customerKey := validation.CustomerKey(p.Customer.Email, p.Customer.Phone)
	var stats model.UsageStats
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(DISTINCT customer_key) FILTER (WHERE customer_key <> ''),
		        COUNT(*) FILTER (WHERE $2 <> '' AND customer_key = $2)
		 FROM promotion_usages
		 WHERE promotion_id = $1`,
		prom.ID, customerKey,
	).Scan(&stats.TotalCount, &stats.DistinctCustomers, &stats.CustomerCount)
	if err != nil {
		return nil, 0, fmt.Errorf("select usage stats for order: %w", err)
	}

	// Явный выбор правила по идентификатору равносилен точному коду,
	// поэтому секретность здесь не ограничивает применимость.
	if err := promo.Qualify(*prom, time.Now().UTC(), subtotal, stats, p.CouponCode, true); err != nil {
		return nil, 0, ErrPromotionNotFound
	}
	discount, err := promo.Discount(*prom, lines, subtotal)
	if err != nil {
		return nil, 0, ErrPromotionNotFound
	}

	return prom, discount, nil
}

// AdjustInventory выполняет ручную корректировку остатка одного
// варианта: блокирует строку, применяет дельту с нижней границей ноль
// и записывает движение в журнал остатков.
func (r *PostgresRepository) AdjustInventory(ctx context.Context, p AdjustParams) (*AdjustResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	line, before, err := lockVariant(ctx, tx, p.Scope, p.ProductID, p.VariantID)
	if err != nil {
		return nil, err
	}

	// Большая отрицательная дельта упирается в ноль, а не в ошибку.
	after := before + p.DeltaQty
	if after < 0 {
		after = 0
	}

	if _, err := tx.Exec(ctx,
		`UPDATE variants SET inventory_qty = $2 WHERE id = $1`,
		line.VariantID, after,
	); err != nil {
		return nil, fmt.Errorf("update inventory: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO inventory_log (variant_id, change_type, quantity_before, quantity_after, delta_quantity, reason)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		line.VariantID, string(p.ChangeType), before, after, after-before, p.Reason,
	); err != nil {
		return nil, fmt.Errorf("insert inventory log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &AdjustResult{VariantID: line.VariantID, Before: before, After: after}, nil
}

// GetOrderByNumber возвращает заказ магазина по его номеру вместе со строками.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, scope model.Scope, number string) (*model.Order, error) {
	var o model.Order
	err := r.readRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			`SELECT id, number, status, subtotal_cents, discount_cents, total_cents, currency,
			        COALESCE(customer_email, ''), COALESCE(customer_phone, ''), COALESCE(customer_name, ''),
			        COALESCE(shipping_address, ''), created_at
			 FROM orders
			 WHERE number = $1 AND tenant_id = $2 AND site_id = $3 AND store_id = $4`,
			number, scope.TenantID, scope.SiteID, scope.StoreID,
		)
		return row.Scan(
			&o.ID, &o.Number, &o.Status, &o.SubtotalCents, &o.DiscountCents, &o.TotalCents,
			&o.Currency, &o.Customer.Email, &o.Customer.Phone, &o.Customer.Name,
			&o.ShippingAddress, &o.CreatedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.Scope = scope

	err = r.readRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT order_id, product_id, variant_id, unit_price_cents, qty, line_total_cents
			 FROM order_lines
			 WHERE order_id = $1`,
			o.ID,
		)
		if err != nil {
			return fmt.Errorf("select order lines: %w", err)
		}
		defer rows.Close()

		o.Lines = o.Lines[:0]
		for rows.Next() {
			var l model.OrderLine
			if err := rows.Scan(&l.OrderID, &l.ProductID, &l.VariantID, &l.UnitPriceCents, &l.Qty, &l.LineTotalCents); err != nil {
				return fmt.Errorf("scan order line: %w", err)
			}
			o.Lines = append(o.Lines, l)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return &o, nil
}

// generateOrderNumber формирует человекочитаемый номер заказа:
// метка времени UTC и суффикс из UUID. Уникальность дополнительно
// гарантируется индексом в БД: коллизия откатывает транзакцию.
func generateOrderNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return time.Now().UTC().Format("20060102-150405") + "-" + suffix
}
