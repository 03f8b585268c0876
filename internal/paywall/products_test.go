// internal/paywall/products_test.go
package paywall

import (
	"context"
	"testing"

	"github.com/gatekit/gatekit/internal/types"
)

type fakeResolver map[string]types.StoreProduct

func (f fakeResolver) Products(_ context.Context, ids []string) (map[string]types.StoreProduct, error) {
	out := map[string]types.StoreProduct{}
	for _, id := range ids {
		if p, ok := f[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func testDefinition() *types.PaywallDefinition {
	return &types.PaywallDefinition{
		ID: "pw-1",
		Products: []types.Product{
			{Type: "primary", ID: "com.app.monthly"},
			{Type: "secondary", ID: "com.app.yearly"},
		},
	}
}

func TestResolveProducts_FreeTrialIsOrOverProducts(t *testing.T) {
	resolver := fakeResolver{
		"com.app.monthly": {ID: "com.app.monthly", HasFreeTrialOffer: false},
		"com.app.yearly":  {ID: "com.app.yearly", HasFreeTrialOffer: true},
	}

	def := testDefinition()
	if err := ResolveProducts(context.Background(), resolver, def, nil, nil); err != nil {
		t.Fatalf("ResolveProducts() error = %v, want nil", err)
	}
	if !def.IsFreeTrialAvailable {
		t.Errorf("IsFreeTrialAvailable = false, want true (one product offers a trial)")
	}
	if len(def.ProductVariables) != 2 {
		t.Errorf("ProductVariables = %d, want 2", len(def.ProductVariables))
	}
}

func TestResolveProducts_UnresolvedIDsSkipped(t *testing.T) {
	resolver := fakeResolver{
		"com.app.monthly": {ID: "com.app.monthly"},
	}

	def := testDefinition()
	if err := ResolveProducts(context.Background(), resolver, def, nil, nil); err != nil {
		t.Fatalf("ResolveProducts() error = %v, want nil", err)
	}
	if len(def.ProductVariables) != 1 {
		t.Errorf("ProductVariables = %d, want 1 (unresolved id skipped)", len(def.ProductVariables))
	}
	if def.ProductVariables[0].Type != "primary" {
		t.Errorf("ProductVariables[0].Type = %q, want primary", def.ProductVariables[0].Type)
	}
}

func TestResolveProducts_OverrideReplacesSlot(t *testing.T) {
	resolver := fakeResolver{
		"com.app.promo":  {ID: "com.app.promo"},
		"com.app.yearly": {ID: "com.app.yearly"},
	}

	def := testDefinition()
	overrides := map[string]string{"primary": "com.app.promo"}
	if err := ResolveProducts(context.Background(), resolver, def, overrides, nil); err != nil {
		t.Fatalf("ResolveProducts() error = %v, want nil", err)
	}
	if def.Products[0].ID != "com.app.promo" {
		t.Errorf("Products[0].ID = %q, want com.app.promo", def.Products[0].ID)
	}
}

func TestResolveProducts_FreeTrialOverrideWins(t *testing.T) {
	resolver := fakeResolver{
		"com.app.monthly": {ID: "com.app.monthly", HasFreeTrialOffer: true},
		"com.app.yearly":  {ID: "com.app.yearly", HasFreeTrialOffer: true},
	}

	def := testDefinition()
	override := false
	if err := ResolveProducts(context.Background(), resolver, def, nil, &override); err != nil {
		t.Fatalf("ResolveProducts() error = %v, want nil", err)
	}
	if def.IsFreeTrialAvailable {
		t.Errorf("IsFreeTrialAvailable = true, want false (override wins)")
	}
}

func TestResolveProducts_NilResolver(t *testing.T) {
	def := testDefinition()
	if err := ResolveProducts(context.Background(), nil, def, nil, nil); err != nil {
		t.Fatalf("ResolveProducts() error = %v, want nil", err)
	}
	if len(def.ProductVariables) != 0 {
		t.Errorf("ProductVariables = %d, want 0 without a resolver", len(def.ProductVariables))
	}
}
