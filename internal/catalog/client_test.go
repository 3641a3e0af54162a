package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vbelyaev/shopcore/internal/model"
)

func testScope() model.Scope {
	return model.Scope{TenantID: "t1", SiteID: "s1", StoreID: "st1"}
}

func TestClientResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/catalog/products/p1" {
			t.Errorf("path = %q, want /api/catalog/products/p1", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("tenant_id") != "t1" || q.Get("site_id") != "s1" || q.Get("store_id") != "st1" {
			t.Errorf("scope query missing: %v", q)
		}
		if q.Get("variant_id") != "v1" {
			t.Errorf("variant_id = %q, want v1", q.Get("variant_id"))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Resolved{
			VariantID:      "v1",
			UnitPriceCents: 2500,
			InventoryQty:   10,
			BrandID:        "b1",
			CategoryID:     "c1",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)

	res, err := client.Resolve(context.Background(), testScope(), "p1", "v1")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.VariantID != "v1" || res.UnitPriceCents != 2500 || res.BrandID != "b1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestClientResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)

	_, err := client.Resolve(context.Background(), testScope(), "ghost", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientResolveUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)

	_, err := client.Resolve(context.Background(), testScope(), "p1", "")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unexpected-status error, got %v", err)
	}
}

func TestClientAddressWithoutScheme(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Resolved{VariantID: "v1", UnitPriceCents: 100})
	}))
	defer srv.Close()

	// адрес без схемы, как из флага -c
	client := NewClient(srv.Listener.Addr().String())

	res, err := client.Resolve(context.Background(), testScope(), "p1", "")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.VariantID != "v1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
