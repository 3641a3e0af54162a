package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vbelyaev/shopcore/internal/catalog"
	"github.com/vbelyaev/shopcore/internal/model"
)

const promotionColumns = `id, name, COALESCE(code, ''), is_active, is_secret,
	starts_at, ends_at, discount_type, discount_scope, discount_value,
	min_order_cents, max_discount_cents, usage_limit_total,
	usage_limit_per_customer, first_n_customers, priority, archived_at`

func scanPromotion(row pgx.Row, scope model.Scope) (*model.Promotion, error) {
	var p model.Promotion
	err := row.Scan(
		&p.ID, &p.Name, &p.Code, &p.IsActive, &p.IsSecret,
		&p.StartsAt, &p.EndsAt, &p.DiscountType, &p.DiscountScope, &p.DiscountValue,
		&p.MinOrderCents, &p.MaxDiscountCents, &p.UsageLimitTotal,
		&p.UsageLimitPerCustomer, &p.FirstNCustomers, &p.Priority, &p.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Scope = scope
	return &p, nil
}

// ListPromotions возвращает активные неархивные промо-правила магазина
// вместе с их целями. При непустом code выборка сужается до точного
// совпадения кода; иначе секретные правила исключаются, если не задан
// includeSecret. Окно действия и лимиты проверяет чистый оценщик.
func (r *PostgresRepository) ListPromotions(ctx context.Context, scope model.Scope, code string, includeSecret bool) ([]model.Promotion, error) {
	query := `SELECT ` + promotionColumns + `
		 FROM promotions
		 WHERE tenant_id = $1 AND site_id = $2 AND store_id = $3
		   AND is_active AND archived_at IS NULL`

	args := []any{scope.TenantID, scope.SiteID, scope.StoreID}
	switch {
	case code != "":
		query += ` AND code = $4`
		args = append(args, code)
	case !includeSecret:
		query += ` AND NOT is_secret`
	}

	var promotions []model.Promotion
	err := r.readRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select promotions: %w", err)
		}
		defer rows.Close()

		promotions = promotions[:0]
		for rows.Next() {
			p, err := scanPromotion(rows, scope)
			if err != nil {
				return fmt.Errorf("scan promotion: %w", err)
			}
			promotions = append(promotions, *p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	if err := r.loadTargets(ctx, promotions); err != nil {
		return nil, err
	}

	return promotions, nil
}

// GetPromotion возвращает одно промо-правило магазина по идентификатору.
func (r *PostgresRepository) GetPromotion(ctx context.Context, scope model.Scope, id string) (*model.Promotion, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrPromotionNotFound
	}

	var p *model.Promotion
	err := r.readRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			`SELECT `+promotionColumns+`
			 FROM promotions
			 WHERE id = $1 AND tenant_id = $2 AND site_id = $3 AND store_id = $4`,
			id, scope.TenantID, scope.SiteID, scope.StoreID,
		)
		var scanErr error
		p, scanErr = scanPromotion(row, scope)
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPromotionNotFound
		}
		return nil, fmt.Errorf("get promotion: %w", err)
	}

	promotions := []model.Promotion{*p}
	if err := r.loadTargets(ctx, promotions); err != nil {
		return nil, err
	}

	return &promotions[0], nil
}

func (r *PostgresRepository) loadTargets(ctx context.Context, promotions []model.Promotion) error {
	if len(promotions) == 0 {
		return nil
	}

	ids := make([]string, 0, len(promotions))
	for _, p := range promotions {
		ids = append(ids, p.ID)
	}

	byPromotion := make(map[string][]model.PromotionTarget)
	err := r.readRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT promotion_id, target_type, COALESCE(target_id, '')
			 FROM promotion_targets
			 WHERE promotion_id = ANY($1)`,
			ids,
		)
		if err != nil {
			return fmt.Errorf("select promotion targets: %w", err)
		}
		defer rows.Close()

		clear(byPromotion)
		for rows.Next() {
			var t model.PromotionTarget
			if err := rows.Scan(&t.PromotionID, &t.Type, &t.TargetID); err != nil {
				return fmt.Errorf("scan promotion target: %w", err)
			}
			byPromotion[t.PromotionID] = append(byPromotion[t.PromotionID], t)
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}

	for i := range promotions {
		promotions[i].Targets = byPromotion[promotions[i].ID]
	}
	return nil
}

// UsageStats возвращает агрегаты журнала применений для набора правил.
// Пустой ключ покупателя не учитывается ни в числе уникальных
// покупателей, ни в персональном счётчике.
func (r *PostgresRepository) UsageStats(ctx context.Context, promotionIDs []string, customerKey string) (map[string]model.UsageStats, error) {
	stats := make(map[string]model.UsageStats, len(promotionIDs))
	if len(promotionIDs) == 0 {
		return stats, nil
	}

	err := r.readRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT promotion_id,
			        COUNT(*),
			        COUNT(DISTINCT customer_key) FILTER (WHERE customer_key <> ''),
			        COUNT(*) FILTER (WHERE $2 <> '' AND customer_key = $2)
			 FROM promotion_usages
			 WHERE promotion_id = ANY($1)
			 GROUP BY promotion_id`,
			promotionIDs, customerKey,
		)
		if err != nil {
			return fmt.Errorf("select usage stats: %w", err)
		}
		defer rows.Close()

		clear(stats)
		for rows.Next() {
			var id string
			var s model.UsageStats
			if err := rows.Scan(&id, &s.TotalCount, &s.DistinctCustomers, &s.CustomerCount); err != nil {
				return fmt.Errorf("scan usage stats: %w", err)
			}
			stats[id] = s
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// RecordUsage добавляет запись о применении промо-правила. Запись с
// заполненным order_id идемпотентна: повтор по той же паре
// (promotion_id, order_id) не создаёт дубликата.
func (r *PostgresRepository) RecordUsage(ctx context.Context, u model.PromotionUsage) error {
	var orderID *string
	if u.OrderID != "" {
		orderID = &u.OrderID
	}

	var err error
	if orderID != nil {
		_, err = r.pool.Exec(ctx,
			`INSERT INTO promotion_usages (promotion_id, customer_key, order_id, discount_cents)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (promotion_id, order_id) WHERE order_id IS NOT NULL DO NOTHING`,
			u.PromotionID, u.CustomerKey, orderID, u.DiscountCents,
		)
	} else {
		_, err = r.pool.Exec(ctx,
			`INSERT INTO promotion_usages (promotion_id, customer_key, order_id, discount_cents)
			 VALUES ($1, $2, NULL, $3)`,
			u.PromotionID, u.CustomerKey, u.DiscountCents,
		)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			if pgErr.ConstraintName == "promotion_usages_order_id_fkey" {
				return ErrOrderNotFound
			}
			return ErrPromotionNotFound
		}
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.InvalidTextRepresentation {
			return ErrPromotionNotFound
		}
		return fmt.Errorf("insert promotion usage: %w", err)
	}

	return nil
}

// Resolve реализует catalog.Resolver поверх собственных таблиц товаров.
// Без указания варианта берётся самый ранний вариант товара.
func (r *PostgresRepository) Resolve(ctx context.Context, scope model.Scope, productID, variantID string) (*catalog.Resolved, error) {
	if _, err := uuid.Parse(productID); err != nil {
		return nil, catalog.ErrNotFound
	}
	if variantID != "" {
		if _, err := uuid.Parse(variantID); err != nil {
			return nil, catalog.ErrNotFound
		}
	}

	var res catalog.Resolved
	err := r.readRetry(ctx, func(ctx context.Context) error {
		var row pgx.Row
		if variantID != "" {
			row = r.pool.QueryRow(ctx,
				`SELECT v.id, v.price_cents, v.inventory_qty,
				        COALESCE(p.brand_id, ''), COALESCE(p.category_id, '')
				 FROM variants v
				 JOIN products p ON p.id = v.product_id
				 WHERE v.id = $1 AND v.product_id = $2
				   AND p.tenant_id = $3 AND p.site_id = $4 AND p.store_id = $5`,
				variantID, productID, scope.TenantID, scope.SiteID, scope.StoreID,
			)
		} else {
			row = r.pool.QueryRow(ctx,
				`SELECT v.id, v.price_cents, v.inventory_qty,
				        COALESCE(p.brand_id, ''), COALESCE(p.category_id, '')
				 FROM variants v
				 JOIN products p ON p.id = v.product_id
				 WHERE v.product_id = $1
				   AND p.tenant_id = $2 AND p.site_id = $3 AND p.store_id = $4
				 ORDER BY v.created_at
				 LIMIT 1`,
				productID, scope.TenantID, scope.SiteID, scope.StoreID,
			)
		}
		return row.Scan(&res.VariantID, &res.UnitPriceCents, &res.InventoryQty, &res.BrandID, &res.CategoryID)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("resolve product: %w", err)
	}

	return &res, nil
}

// GetProduct возвращает товар с вариантами и проверенными атрибутами.
func (r *PostgresRepository) GetProduct(ctx context.Context, scope model.Scope, id string) (*model.Product, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, &ProductNotFoundError{ProductID: id}
	}

	var p model.Product
	var rawAttrs []byte
	err := r.readRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			`SELECT id, name, COALESCE(brand_id, ''), COALESCE(category_id, ''), attributes, created_at
			 FROM products
			 WHERE id = $1 AND tenant_id = $2 AND site_id = $3 AND store_id = $4`,
			id, scope.TenantID, scope.SiteID, scope.StoreID,
		)
		return row.Scan(&p.ID, &p.Name, &p.BrandID, &p.CategoryID, &rawAttrs, &p.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ProductNotFoundError{ProductID: id}
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	p.Scope = scope

	if len(rawAttrs) > 0 {
		if err := json.Unmarshal(rawAttrs, &p.Attributes); err != nil {
			return nil, fmt.Errorf("decode product attributes: %w", err)
		}
		for name, attr := range p.Attributes {
			if err := attr.Validate(); err != nil {
				return nil, fmt.Errorf("product attribute %q: %w", name, err)
			}
		}
	}

	err = r.readRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT id, product_id, price_cents, inventory_qty, created_at
			 FROM variants
			 WHERE product_id = $1
			 ORDER BY created_at`,
			id,
		)
		if err != nil {
			return fmt.Errorf("select variants: %w", err)
		}
		defer rows.Close()

		p.Variants = p.Variants[:0]
		for rows.Next() {
			var v model.Variant
			if err := rows.Scan(&v.ID, &v.ProductID, &v.PriceCents, &v.InventoryQty, &v.CreatedAt); err != nil {
				return fmt.Errorf("scan variant: %w", err)
			}
			p.Variants = append(p.Variants, v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return &p, nil
}
