// Package handler содержит HTTP-обработчики API торгового ядра shopcore.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vbelyaev/shopcore/internal/middleware"
	"github.com/vbelyaev/shopcore/internal/model"
	"github.com/vbelyaev/shopcore/internal/repository"
	"github.com/vbelyaev/shopcore/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Evaluate(ctx context.Context, p service.EvaluateParams) *model.Evaluation
	PlaceOrder(ctx context.Context, p service.PlaceOrderParams) (*model.Order, error)
	AdjustInventory(ctx context.Context, p service.AdjustParams) (*repository.AdjustResult, error)
	RecordUsage(ctx context.Context, p service.RecordUsageParams) error
	GetOrder(ctx context.Context, scope model.Scope, number string) (*model.Order, error)
	GetPromotion(ctx context.Context, scope model.Scope, id string) (*model.Promotion, error)
	GetProduct(ctx context.Context, scope model.Scope, id string) (*model.Product, error)
}

// Handler реализует HTTP-обработчики API торгового ядра.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeDomainError транслирует ошибки ядра в HTTP-статусы. Помеченные
// идентификаторы ошибок (PRODUCT_NOT_FOUND:<id> и т.п.) передаются в
// теле ответа, чтобы вызывающая сторона могла ветвиться по ним.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrInsufficientStock):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrProductNotFound),
		errors.Is(err, repository.ErrVariantNotFound),
		errors.Is(err, repository.ErrPromotionNotFound),
		errors.Is(err, repository.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		h.logger.Error(op, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func requestScope(w http.ResponseWriter, r *http.Request) (model.Scope, bool) {
	scope, ok := middleware.GetScopeFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return scope, ok
}

type evaluateRequest struct {
	Lines         []model.CartLine `json:"lines"`
	CouponCode    string           `json:"coupon_code,omitempty"`
	Customer      model.Customer   `json:"customer,omitempty"`
	IncludeSecret bool             `json:"include_secret,omitempty"`
	OnlyVisible   bool             `json:"only_visible,omitempty"`
}

// EvaluateCart оценивает промо-правила для корзины текущего магазина.
func (h *Handler) EvaluateCart(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	eval := h.service.Evaluate(r.Context(), service.EvaluateParams{
		Scope:         scope,
		Lines:         req.Lines,
		CouponCode:    req.CouponCode,
		Customer:      req.Customer,
		IncludeSecret: req.IncludeSecret,
		OnlyVisible:   req.OnlyVisible,
	})

	writeJSON(w, http.StatusOK, eval)
}

type placeOrderRequest struct {
	Currency        string           `json:"currency"`
	Customer        model.Customer   `json:"customer,omitempty"`
	ShippingAddress string           `json:"shipping_address,omitempty"`
	Items           []model.CartLine `json:"items"`
	PromotionID     string           `json:"promotion_id,omitempty"`
	CouponCode      string           `json:"coupon_code,omitempty"`
}

type orderLineResponse struct {
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int64  `json:"qty"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type orderResponse struct {
	OrderID       string              `json:"order_id"`
	Number        string              `json:"number"`
	Status        string              `json:"status"`
	SubtotalCents int64               `json:"subtotal_cents"`
	DiscountCents int64               `json:"discount_cents"`
	TotalCents    int64               `json:"total_cents"`
	Currency      string              `json:"currency"`
	CreatedAt     string              `json:"created_at"`
	Lines         []orderLineResponse `json:"lines"`
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		OrderID:       o.ID,
		Number:        o.Number,
		Status:        string(o.Status),
		SubtotalCents: o.SubtotalCents,
		DiscountCents: o.DiscountCents,
		TotalCents:    o.TotalCents,
		Currency:      o.Currency,
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		Lines:         make([]orderLineResponse, 0, len(o.Lines)),
	}
	for _, l := range o.Lines {
		resp.Lines = append(resp.Lines, orderLineResponse{
			ProductID:      l.ProductID,
			VariantID:      l.VariantID,
			UnitPriceCents: l.UnitPriceCents,
			Qty:            l.Qty,
			LineTotalCents: l.LineTotalCents,
		})
	}
	return resp
}

// PlaceOrder размещает заказ для текущего магазина.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.PlaceOrder(r.Context(), service.PlaceOrderParams{
		Scope:           scope,
		Currency:        req.Currency,
		Customer:        req.Customer,
		ShippingAddress: req.ShippingAddress,
		Items:           req.Items,
		PromotionID:     req.PromotionID,
		CouponCode:      req.CouponCode,
	})
	if err != nil {
		h.writeDomainError(w, err, "place order error")
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// GetOrder возвращает заказ текущего магазина по номеру.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	number := pathParam(r, "number")

	order, err := h.service.GetOrder(r.Context(), scope, number)
	if err != nil {
		h.writeDomainError(w, err, "get order error")
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type adjustRequest struct {
	ProductID  string `json:"product_id"`
	VariantID  string `json:"variant_id,omitempty"`
	ChangeType string `json:"change_type"`
	DeltaQty   int64  `json:"delta_qty"`
	Reason     string `json:"reason,omitempty"`
}

// AdjustInventory выполняет ручную корректировку остатка.
func (h *Handler) AdjustInventory(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.AdjustInventory(r.Context(), service.AdjustParams{
		Scope:      scope,
		ProductID:  req.ProductID,
		VariantID:  req.VariantID,
		ChangeType: req.ChangeType,
		DeltaQty:   req.DeltaQty,
		Reason:     req.Reason,
	})
	if err != nil {
		h.writeDomainError(w, err, "adjust inventory error")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type recordUsageRequest struct {
	PromotionID   string         `json:"promotion_id,omitempty"`
	PromotionCode string         `json:"promotion_code,omitempty"`
	OrderID       string         `json:"order_id,omitempty"`
	Customer      model.Customer `json:"customer,omitempty"`
	DiscountCents int64          `json:"discount_cents"`
}

// RecordUsage добавляет запись о применении промо-правила.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	var req recordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.RecordUsage(r.Context(), service.RecordUsageParams{
		Scope:         scope,
		PromotionID:   req.PromotionID,
		PromotionCode: req.PromotionCode,
		OrderID:       req.OrderID,
		Customer:      req.Customer,
		DiscountCents: req.DiscountCents,
	})
	if err != nil {
		h.writeDomainError(w, err, "record usage error")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

type promotionResponse struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Code             string   `json:"code,omitempty"`
	IsActive         bool     `json:"is_active"`
	IsSecret         bool     `json:"is_secret"`
	StartsAt         *string  `json:"starts_at,omitempty"`
	EndsAt           *string  `json:"ends_at,omitempty"`
	DiscountType     string   `json:"discount_type"`
	DiscountScope    string   `json:"discount_scope"`
	DiscountValue    float64  `json:"discount_value"`
	MinOrderCents    int64    `json:"min_order_cents"`
	MaxDiscountCents *int64   `json:"max_discount_cents,omitempty"`
	Priority         int      `json:"priority"`
	Targets          []target `json:"targets"`
}

type target struct {
	Type     string `json:"type"`
	TargetID string `json:"target_id,omitempty"`
}

// GetPromotion возвращает промо-правило текущего магазина.
func (h *Handler) GetPromotion(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	prom, err := h.service.GetPromotion(r.Context(), scope, pathParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "get promotion error")
		return
	}

	resp := promotionResponse{
		ID:               prom.ID,
		Name:             prom.Name,
		Code:             prom.Code,
		IsActive:         prom.IsActive,
		IsSecret:         prom.IsSecret,
		StartsAt:         formatTimePtr(prom.StartsAt),
		EndsAt:           formatTimePtr(prom.EndsAt),
		DiscountType:     string(prom.DiscountType),
		DiscountScope:    string(prom.DiscountScope),
		DiscountValue:    prom.DiscountValue,
		MinOrderCents:    prom.MinOrderCents,
		MaxDiscountCents: prom.MaxDiscountCents,
		Priority:         prom.Priority,
		Targets:          make([]target, 0, len(prom.Targets)),
	}
	for _, t := range prom.Targets {
		resp.Targets = append(resp.Targets, target{Type: string(t.Type), TargetID: t.TargetID})
	}

	writeJSON(w, http.StatusOK, resp)
}

type variantResponse struct {
	ID           string `json:"id"`
	PriceCents   int64  `json:"price_cents"`
	InventoryQty int64  `json:"inventory_qty"`
}

type productResponse struct {
	ID         string                          `json:"id"`
	Name       string                          `json:"name"`
	BrandID    string                          `json:"brand_id,omitempty"`
	CategoryID string                          `json:"category_id,omitempty"`
	Attributes map[string]model.AttributeValue `json:"attributes,omitempty"`
	Variants   []variantResponse               `json:"variants"`
}

// GetProduct возвращает товар текущего магазина с вариантами и атрибутами.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	product, err := h.service.GetProduct(r.Context(), scope, pathParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "get product error")
		return
	}

	resp := productResponse{
		ID:         product.ID,
		Name:       product.Name,
		BrandID:    product.BrandID,
		CategoryID: product.CategoryID,
		Attributes: product.Attributes,
		Variants:   make([]variantResponse, 0, len(product.Variants)),
	}
	for _, v := range product.Variants {
		resp.Variants = append(resp.Variants, variantResponse{
			ID:           v.ID,
			PriceCents:   v.PriceCents,
			InventoryQty: v.InventoryQty,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
