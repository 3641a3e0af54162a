// Package catalog предоставляет доступ к каталогу товаров: разрешение
// товара и его варианта в цену, остаток, бренд и категорию.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/vbelyaev/shopcore/internal/model"
)

// ErrNotFound возвращается, если товар или вариант не найден в каталоге.
var ErrNotFound = errors.New("product not found in catalog")

// Resolved описывает результат разрешения строки корзины каталогом.
type Resolved struct {
	VariantID      string `json:"variant_id"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	InventoryQty   int64  `json:"inventory_qty"`
	BrandID        string `json:"brand_id,omitempty"`
	CategoryID     string `json:"category_id,omitempty"`
}

// Resolver разрешает товар (и опционально вариант) в данные каталога.
type Resolver interface {
	Resolve(ctx context.Context, scope model.Scope, productID, variantID string) (*Resolved, error)
}

// Client инкапсулирует HTTP-взаимодействие с внешним сервисом каталога.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт HTTP-клиент каталога по указанному адресу.
// Запросы каталога только читают данные, поэтому безопасно повторяются
// при сетевых сбоях.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// Resolve запрашивает данные каталога для указанного товара.
func (c *Client) Resolve(ctx context.Context, scope model.Scope, productID, variantID string) (*Resolved, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("catalog client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	q := url.Values{}
	q.Set("tenant_id", scope.TenantID)
	q.Set("site_id", scope.SiteID)
	q.Set("store_id", scope.StoreID)
	if variantID != "" {
		q.Set("variant_id", variantID)
	}

	reqURL := fmt.Sprintf("%s/api/catalog/products/%s?%s", base, url.PathEscape(productID), q.Encode())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Resolved
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}
