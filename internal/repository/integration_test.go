package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/vbelyaev/shopcore/internal/model"
)

// Интеграционные тесты требуют живой PostgreSQL и пропускаются,
// если переменная TEST_DATABASE_URI не задана.
func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

// newTestScope выделяет каждому тесту собственную область видимости,
// чтобы тесты не мешали друг другу в общей базе.
func newTestScope() model.Scope {
	return model.Scope{
		TenantID: "tenant-" + uuid.NewString(),
		SiteID:   "site-1",
		StoreID:  "store-1",
	}
}

func seedProduct(t *testing.T, repo *PostgresRepository, scope model.Scope, priceCents, qty int64) (productID, variantID string) {
	t.Helper()
	ctx := context.Background()

	productID = uuid.NewString()
	variantID = uuid.NewString()

	_, err := repo.pool.Exec(ctx,
		`INSERT INTO products (id, tenant_id, site_id, store_id, name, brand_id, category_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		productID, scope.TenantID, scope.SiteID, scope.StoreID, "test product", "brand-1", "category-1")
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}

	_, err = repo.pool.Exec(ctx,
		`INSERT INTO variants (id, product_id, price_cents, inventory_qty)
		 VALUES ($1, $2, $3, $4)`,
		variantID, productID, priceCents, qty)
	if err != nil {
		t.Fatalf("seed variant: %v", err)
	}

	return productID, variantID
}

func seedPromotion(t *testing.T, repo *PostgresRepository, scope model.Scope, p model.Promotion) string {
	t.Helper()
	ctx := context.Background()

	id := uuid.NewString()
	code := any(nil)
	if p.Code != "" {
		code = p.Code
	}

	_, err := repo.pool.Exec(ctx,
		`INSERT INTO promotions (id, tenant_id, site_id, store_id, name, code, is_active, is_secret,
		                         discount_type, discount_scope, discount_value, min_order_cents, priority)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, scope.TenantID, scope.SiteID, scope.StoreID, p.Name, code, p.IsActive, p.IsSecret,
		string(p.DiscountType), string(p.DiscountScope), p.DiscountValue, p.MinOrderCents, p.Priority)
	if err != nil {
		t.Fatalf("seed promotion: %v", err)
	}

	return id
}

func variantQty(t *testing.T, repo *PostgresRepository, variantID string) int64 {
	t.Helper()

	var qty int64
	err := repo.pool.QueryRow(context.Background(),
		`SELECT inventory_qty FROM variants WHERE id = $1`, variantID).Scan(&qty)
	if err != nil {
		t.Fatalf("query variant qty: %v", err)
	}
	return qty
}

func TestPlaceOrder_ConcurrentNoOversell(t *testing.T) {
	repo := newTestRepository(t)
	scope := newTestScope()
	productID, variantID := seedProduct(t, repo, scope, 1000, 5)

	const attempts = 10

	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.PlaceOrder(context.Background(), PlaceOrderParams{
				Scope:    scope,
				Currency: "USD",
				Items:    []model.CartLine{{ProductID: productID, Qty: 1}},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var placed, rejected int
	for err := range results {
		switch {
		case err == nil:
			placed++
		case errors.Is(err, ErrInsufficientStock):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if placed != 5 || rejected != 5 {
		t.Fatalf("placed = %d, rejected = %d; want 5/5", placed, rejected)
	}
	if qty := variantQty(t, repo, variantID); qty != 0 {
		t.Fatalf("final inventory = %d, want 0", qty)
	}
}

func TestPlaceOrder_AtomicOnUnderstockedItem(t *testing.T) {
	repo := newTestRepository(t)
	scope := newTestScope()
	ctx := context.Background()

	stockedProduct, stockedVariant := seedProduct(t, repo, scope, 1000, 10)
	emptyProduct, _ := seedProduct(t, repo, scope, 500, 0)

	_, err := repo.PlaceOrder(ctx, PlaceOrderParams{
		Scope:    scope,
		Currency: "USD",
		Items: []model.CartLine{
			{ProductID: stockedProduct, Qty: 3},
			{ProductID: emptyProduct, Qty: 1},
		},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) || stockErr.ProductID != emptyProduct {
		t.Fatalf("error must name the understocked product, got %v", err)
	}

	// откат не оставляет частичных списаний
	if qty := variantQty(t, repo, stockedVariant); qty != 10 {
		t.Fatalf("stocked variant qty = %d, want 10 (untouched)", qty)
	}

	var logCount int64
	err = repo.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM inventory_log WHERE variant_id = $1`, stockedVariant).Scan(&logCount)
	if err != nil {
		t.Fatalf("query inventory log: %v", err)
	}
	if logCount != 0 {
		t.Fatalf("inventory log entries = %d, want 0 after rollback", logCount)
	}
}

func TestPlaceOrder_AppliesPromotionAndRecordsUsage(t *testing.T) {
	repo := newTestRepository(t)
	scope := newTestScope()
	ctx := context.Background()

	productID, _ := seedProduct(t, repo, scope, 10000, 10)
	promotionID := seedPromotion(t, repo, scope, model.Promotion{
		Name:          "ten percent",
		IsActive:      true,
		DiscountType:  model.DiscountTypePercent,
		DiscountScope: model.DiscountScopeOrder,
		DiscountValue: 10,
	})

	order, err := repo.PlaceOrder(ctx, PlaceOrderParams{
		Scope:       scope,
		Currency:    "USD",
		Customer:    model.Customer{Email: "buyer@example.com"},
		Items:       []model.CartLine{{ProductID: productID, Qty: 1}},
		PromotionID: promotionID,
	})
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}

	if order.SubtotalCents != 10000 || order.DiscountCents != 1000 || order.TotalCents != 9000 {
		t.Fatalf("order totals = %d/%d/%d, want 10000/1000/9000",
			order.SubtotalCents, order.DiscountCents, order.TotalCents)
	}
	if order.Number == "" {
		t.Fatalf("order number must be set")
	}

	var usageCount int64
	err = repo.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM promotion_usages WHERE promotion_id = $1 AND order_id = $2`,
		promotionID, order.ID).Scan(&usageCount)
	if err != nil {
		t.Fatalf("query usages: %v", err)
	}
	if usageCount != 1 {
		t.Fatalf("usage rows = %d, want 1", usageCount)
	}

	got, err := repo.GetOrderByNumber(ctx, scope, order.Number)
	if err != nil {
		t.Fatalf("GetOrderByNumber error: %v", err)
	}
	if got.ID != order.ID || len(got.Lines) != 1 {
		t.Fatalf("unexpected fetched order: %+v", got)
	}
}

func TestPlaceOrder_UnknownPromotionRollsBack(t *testing.T) {
	repo := newTestRepository(t)
	scope := newTestScope()

	productID, variantID := seedProduct(t, repo, scope, 1000, 5)

	_, err := repo.PlaceOrder(context.Background(), PlaceOrderParams{
		Scope:       scope,
		Currency:    "USD",
		Items:       []model.CartLine{{ProductID: productID, Qty: 1}},
		PromotionID: uuid.NewString(),
	})
	if !errors.Is(err, ErrPromotionNotFound) {
		t.Fatalf("expected ErrPromotionNotFound, got %v", err)
	}

	if qty := variantQty(t, repo, variantID); qty != 5 {
		t.Fatalf("inventory = %d, want 5 after rollback", qty)
	}
}

func TestAdjustInventory_FloorsAtZero(t *testing.T) {
	repo := newTestRepository(t)
	scope := newTestScope()
	ctx := context.Background()

	productID, variantID := seedProduct(t, repo, scope, 1000, 10)

	res, err := repo.AdjustInventory(ctx, AdjustParams{
		Scope:      scope,
		ProductID:  productID,
		ChangeType: model.InventoryChangeManualAdjustment,
		DeltaQty:   -100,
		Reason:     "inventory recount",
	})
	if err != nil {
		t.Fatalf("AdjustInventory error: %v", err)
	}

	if res.Before != 10 || res.After != 0 {
		t.Fatalf("adjust result = %d -> %d, want 10 -> 0", res.Before, res.After)
	}
	if qty := variantQty(t, repo, variantID); qty != 0 {
		t.Fatalf("inventory = %d, want 0", qty)
	}

	var before, after, delta int64
	err = repo.pool.QueryRow(ctx,
		`SELECT quantity_before, quantity_after, delta_quantity
		 FROM inventory_log WHERE variant_id = $1 ORDER BY id DESC LIMIT 1`,
		variantID).Scan(&before, &after, &delta)
	if err != nil {
		t.Fatalf("query inventory log: %v", err)
	}
	if before != 10 || after != 0 || delta != -10 {
		t.Fatalf("log entry = %d/%d/%d, want 10/0/-10", before, after, delta)
	}
}

func TestRecordUsage_IdempotentPerOrder(t *testing.T) {
	repo := newTestRepository(t)
	scope := newTestScope()
	ctx := context.Background()

	productID, _ := seedProduct(t, repo, scope, 1000, 5)
	promotionID := seedPromotion(t, repo, scope, model.Promotion{
		Name:          "fixed",
		IsActive:      true,
		DiscountType:  model.DiscountTypeFixed,
		DiscountScope: model.DiscountScopeOrder,
		DiscountValue: 100,
	})

	order, err := repo.PlaceOrder(ctx, PlaceOrderParams{
		Scope:    scope,
		Currency: "USD",
		Items:    []model.CartLine{{ProductID: productID, Qty: 1}},
	})
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}

	usage := model.PromotionUsage{
		PromotionID:   promotionID,
		OrderID:       order.ID,
		CustomerKey:   "buyer@example.com",
		DiscountCents: 100,
	}
	if err := repo.RecordUsage(ctx, usage); err != nil {
		t.Fatalf("first RecordUsage error: %v", err)
	}
	if err := repo.RecordUsage(ctx, usage); err != nil {
		t.Fatalf("repeated RecordUsage error: %v", err)
	}

	var count int64
	err = repo.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM promotion_usages WHERE promotion_id = $1 AND order_id = $2`,
		promotionID, order.ID).Scan(&count)
	if err != nil {
		t.Fatalf("query usages: %v", err)
	}
	if count != 1 {
		t.Fatalf("usage rows = %d, want 1 (idempotent)", count)
	}

	stats, err := repo.UsageStats(ctx, []string{promotionID}, "buyer@example.com")
	if err != nil {
		t.Fatalf("UsageStats error: %v", err)
	}
	s := stats[promotionID]
	if s.TotalCount != 1 || s.DistinctCustomers != 1 || s.CustomerCount != 1 {
		t.Fatalf("stats = %+v, want 1/1/1", s)
	}
}

func TestResolve_PicksEarliestVariant(t *testing.T) {
	repo := newTestRepository(t)
	scope := newTestScope()
	ctx := context.Background()

	productID := uuid.NewString()
	_, err := repo.pool.Exec(ctx,
		`INSERT INTO products (id, tenant_id, site_id, store_id, name)
		 VALUES ($1, $2, $3, $4, $5)`,
		productID, scope.TenantID, scope.SiteID, scope.StoreID, "multi-variant")
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}

	first := uuid.NewString()
	second := uuid.NewString()
	_, err = repo.pool.Exec(ctx,
		`INSERT INTO variants (id, product_id, price_cents, inventory_qty, created_at)
		 VALUES ($1, $3, 1000, 5, now() - interval '1 hour'),
		        ($2, $3, 2000, 5, now())`,
		first, second, productID)
	if err != nil {
		t.Fatalf("seed variants: %v", err)
	}

	res, err := repo.Resolve(ctx, scope, productID, "")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.VariantID != first {
		t.Fatalf("resolved variant = %s, want earliest %s", res.VariantID, first)
	}
	if res.UnitPriceCents != 1000 {
		t.Fatalf("price = %d, want 1000", res.UnitPriceCents)
	}
}
