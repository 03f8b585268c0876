// internal/paywall/products.go
package paywall

import (
	"context"

	"github.com/gatekit/gatekit/internal/types"
)

// Resolver loads store product records for product ids. The host app
// supplies the implementation backed by its store client.
type Resolver interface {
	Products(ctx context.Context, ids []string) (map[string]types.StoreProduct, error)
}

// ResolveProducts fills a paywall definition's product variables from
// resolved store products, applying per-slot overrides first. The free
// trial flag is the OR over resolved products, or the caller's override
// when set.
func ResolveProducts(ctx context.Context, resolver Resolver, def *types.PaywallDefinition, overrides map[string]string, freeTrialOverride *bool) error {
	products := make([]types.Product, len(def.Products))
	copy(products, def.Products)
	for i, p := range products {
		if id, ok := overrides[p.Type]; ok {
			products[i].ID = id
		}
	}

	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}

	resolved := map[string]types.StoreProduct{}
	if resolver != nil && len(ids) > 0 {
		var err error
		resolved, err = resolver.Products(ctx, ids)
		if err != nil {
			return err
		}
	}

	freeTrial := false
	variables := make([]types.ProductVariable, 0, len(products))
	for _, p := range products {
		sp, ok := resolved[p.ID]
		if !ok {
			continue
		}
		variables = append(variables, types.ProductVariable{
			Type:       p.Type,
			Attributes: sp.Attributes,
		})
		if sp.HasFreeTrialOffer {
			freeTrial = true
		}
	}
	if freeTrialOverride != nil {
		freeTrial = *freeTrialOverride
	}

	def.Products = products
	def.ProductVariables = variables
	def.IsFreeTrialAvailable = freeTrial
	return nil
}
