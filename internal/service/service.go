// Package service реализует бизнес-логику торгового ядра shopcore.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vbelyaev/shopcore/internal/catalog"
	"github.com/vbelyaev/shopcore/internal/model"
	"github.com/vbelyaev/shopcore/internal/promo"
	"github.com/vbelyaev/shopcore/internal/repository"
	"github.com/vbelyaev/shopcore/internal/validation"
)

// ErrValidation возвращается при некорректных входных данных запроса.
var ErrValidation = errors.New("validation error")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	ListPromotions(ctx context.Context, scope model.Scope, code string, includeSecret bool) ([]model.Promotion, error)
	GetPromotion(ctx context.Context, scope model.Scope, id string) (*model.Promotion, error)
	UsageStats(ctx context.Context, promotionIDs []string, customerKey string) (map[string]model.UsageStats, error)
	RecordUsage(ctx context.Context, u model.PromotionUsage) error
	PlaceOrder(ctx context.Context, p repository.PlaceOrderParams) (*model.Order, error)
	AdjustInventory(ctx context.Context, p repository.AdjustParams) (*repository.AdjustResult, error)
	GetOrderByNumber(ctx context.Context, scope model.Scope, number string) (*model.Order, error)
	GetProduct(ctx context.Context, scope model.Scope, id string) (*model.Product, error)
	Resolve(ctx context.Context, scope model.Scope, productID, variantID string) (*catalog.Resolved, error)
}

// Service содержит бизнес-логику торгового ядра.
type Service struct {
	repo     Repository
	resolver catalog.Resolver
}

// NewService создаёт сервис с указанным репозиторием и разрешителем
// каталога. При nil-разрешителе каталогом служат собственные таблицы
// репозитория.
func NewService(repo Repository, resolver catalog.Resolver) *Service {
	if resolver == nil {
		resolver = repo
	}
	return &Service{
		repo:     repo,
		resolver: resolver,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// EvaluateParams содержит параметры оценки промо-правил для корзины.
type EvaluateParams struct {
	Scope      model.Scope
	Lines      []model.CartLine
	CouponCode string
	Customer   model.Customer
	// IncludeSecret включает секретные правила в автоматический подбор.
	IncludeSecret bool
	// OnlyVisible исключает секретные правила из списка кандидатов,
	// например для публичной витрины предложений.
	OnlyVisible bool
}

// Evaluate оценивает промо-правила для корзины. Путь только для чтения:
// ошибка каталога или хранилища деградирует до отсутствия применимых
// правил, а не до отказа оформления заказа.
func (s *Service) Evaluate(ctx context.Context, p EvaluateParams) *model.Evaluation {
	lines := s.resolveLines(ctx, p.Scope, p.Lines)

	empty := &model.Evaluation{
		SubtotalCents: promo.SubtotalCents(lines),
		Candidates:    []model.Candidate{},
	}

	code := validation.NormalizeCode(p.CouponCode)
	customerKey := validation.CustomerKey(p.Customer.Email, p.Customer.Phone)

	promotions, err := s.repo.ListPromotions(ctx, p.Scope, code, p.IncludeSecret)
	if err != nil {
		return empty
	}

	if p.OnlyVisible {
		visible := promotions[:0]
		for _, prom := range promotions {
			if !prom.IsSecret {
				visible = append(visible, prom)
			}
		}
		promotions = visible
	}

	ids := make([]string, 0, len(promotions))
	for _, prom := range promotions {
		ids = append(ids, prom.ID)
	}

	usage, err := s.repo.UsageStats(ctx, ids, customerKey)
	if err != nil {
		return empty
	}

	eval := promo.Evaluate(promo.Input{
		Now:           time.Now().UTC(),
		Lines:         lines,
		Promotions:    promotions,
		Usage:         usage,
		CouponCode:    code,
		CustomerKey:   customerKey,
		IncludeSecret: p.IncludeSecret,
	})
	return &eval
}

// resolveLines разрешает строки корзины через каталог. Строки с
// неразрешимым товаром или некорректным количеством молча выбывают.
func (s *Service) resolveLines(ctx context.Context, scope model.Scope, lines []model.CartLine) []model.ResolvedLine {
	resolved := make([]model.ResolvedLine, 0, len(lines))
	for _, l := range lines {
		if l.Qty <= 0 {
			continue
		}
		res, err := s.resolver.Resolve(ctx, scope, l.ProductID, l.VariantID)
		if err != nil {
			continue
		}
		resolved = append(resolved, model.ResolvedLine{
			ProductID:      l.ProductID,
			VariantID:      res.VariantID,
			UnitPriceCents: res.UnitPriceCents,
			Qty:            l.Qty,
			BrandID:        res.BrandID,
			CategoryID:     res.CategoryID,
		})
	}
	return resolved
}

// PlaceOrderParams содержит параметры размещения заказа.
type PlaceOrderParams struct {
	Scope           model.Scope
	Currency        string
	Customer        model.Customer
	ShippingAddress string
	Items           []model.CartLine
	PromotionID     string
	CouponCode      string
}

// PlaceOrder размещает заказ атомарно; при любой невозможности
// выполнить заказ целиком ничего не сохраняется.
func (s *Service) PlaceOrder(ctx context.Context, p PlaceOrderParams) (*model.Order, error) {
	if len(p.Items) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	}
	for _, item := range p.Items {
		if item.ProductID == "" {
			return nil, fmt.Errorf("%w: item product_id is required", ErrValidation)
		}
		if item.Qty <= 0 {
			return nil, fmt.Errorf("%w: item qty must be positive", ErrValidation)
		}
	}
	if !validation.IsValidCurrency(p.Currency) {
		return nil, fmt.Errorf("%w: invalid currency %q", ErrValidation, p.Currency)
	}

	return s.repo.PlaceOrder(ctx, repository.PlaceOrderParams{
		Scope:           p.Scope,
		Currency:        p.Currency,
		Customer:        p.Customer,
		ShippingAddress: p.ShippingAddress,
		Items:           p.Items,
		PromotionID:     p.PromotionID,
		CouponCode:      validation.NormalizeCode(p.CouponCode),
	})
}

// AdjustParams содержит параметры ручной корректировки остатка.
type AdjustParams struct {
	Scope      model.Scope
	ProductID  string
	VariantID  string
	ChangeType string
	DeltaQty   int64
	Reason     string
}

// AdjustInventory выполняет ручную корректировку остатка варианта.
func (s *Service) AdjustInventory(ctx context.Context, p AdjustParams) (*repository.AdjustResult, error) {
	changeType := model.InventoryChangeType(p.ChangeType)
	if changeType != model.InventoryChangeRestock && changeType != model.InventoryChangeManualAdjustment {
		return nil, fmt.Errorf("%w: unsupported change type %q", ErrValidation, p.ChangeType)
	}
	if p.ProductID == "" {
		return nil, fmt.Errorf("%w: product_id is required", ErrValidation)
	}
	if p.DeltaQty == 0 {
		return nil, fmt.Errorf("%w: delta_qty must be non-zero", ErrValidation)
	}

	return s.repo.AdjustInventory(ctx, repository.AdjustParams{
		Scope:      p.Scope,
		ProductID:  p.ProductID,
		VariantID:  p.VariantID,
		ChangeType: changeType,
		DeltaQty:   p.DeltaQty,
		Reason:     p.Reason,
	})
}

// RecordUsageParams содержит параметры записи применения промо-правила.
type RecordUsageParams struct {
	Scope         model.Scope
	PromotionID   string
	PromotionCode string
	OrderID       string
	Customer      model.Customer
	DiscountCents int64
}

// RecordUsage добавляет запись в журнал применений. Правило задаётся
// идентификатором или кодом; запись с номером заказа идемпотентна.
func (s *Service) RecordUsage(ctx context.Context, p RecordUsageParams) error {
	promotionID := p.PromotionID
	if promotionID == "" {
		code := validation.NormalizeCode(p.PromotionCode)
		if code == "" {
			return fmt.Errorf("%w: promotion id or code is required", ErrValidation)
		}
		promotions, err := s.repo.ListPromotions(ctx, p.Scope, code, true)
		if err != nil {
			return err
		}
		if len(promotions) == 0 {
			return repository.ErrPromotionNotFound
		}
		promotionID = promotions[0].ID
	}
	if p.DiscountCents < 0 {
		return fmt.Errorf("%w: discount_cents must be non-negative", ErrValidation)
	}

	return s.repo.RecordUsage(ctx, model.PromotionUsage{
		PromotionID:   promotionID,
		CustomerKey:   validation.CustomerKey(p.Customer.Email, p.Customer.Phone),
		OrderID:       p.OrderID,
		DiscountCents: p.DiscountCents,
	})
}

// GetOrder возвращает заказ магазина по номеру.
func (s *Service) GetOrder(ctx context.Context, scope model.Scope, number string) (*model.Order, error) {
	return s.repo.GetOrderByNumber(ctx, scope, number)
}

// GetPromotion возвращает промо-правило магазина по идентификатору.
func (s *Service) GetPromotion(ctx context.Context, scope model.Scope, id string) (*model.Promotion, error) {
	return s.repo.GetPromotion(ctx, scope, id)
}

// GetProduct возвращает товар магазина с вариантами и атрибутами.
func (s *Service) GetProduct(ctx context.Context, scope model.Scope, id string) (*model.Product, error) {
	return s.repo.GetProduct(ctx, scope, id)
}
