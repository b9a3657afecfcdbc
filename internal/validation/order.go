package validation

import (
	"strings"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/pkg/models"
)

// OrderRules carries the configurable bounds of order validation.
type OrderRules struct {
	// MaxQuantityPerItem caps a single line item; zero disables the cap.
	MaxQuantityPerItem int
}

// ValidateOrder checks an order request field by field and returns the first
// failure. It never touches storage.
func ValidateOrder(req models.OrderRequest, rules OrderRules) error {
	if len(req.Items) == 0 {
		return apperr.Validation("items", "items array cannot be empty")
	}
	for _, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return apperr.Validation("productId", "productId should not be empty")
		}
		if item.Quantity <= 0 {
			return apperr.Validation("quantity", "quantity must be positive integer")
		}
		if rules.MaxQuantityPerItem > 0 && item.Quantity > rules.MaxQuantityPerItem {
			return apperr.Validation("quantity", "quantity exceeds the per-item limit")
		}
	}

	if len(strings.TrimSpace(req.CustomerName)) < 2 {
		return apperr.Validation("customerName", "customerName should not be empty")
	}
	if req.CustomerEmail == "" || !strings.Contains(req.CustomerEmail, "@") {
		return apperr.Validation("customerEmail", "customerEmail should not be empty")
	}
	if len(strings.TrimSpace(req.CustomerAddress)) < 5 {
		return apperr.Validation("customerAddress", "customerAddress should not be empty")
	}

	info := req.DeliveryInfo
	fields := []struct {
		name  string
		value string
	}{
		{"firstName", info.FirstName},
		{"lastName", info.LastName},
		{"address", info.Address},
		{"city", info.City},
		{"state", info.State},
		{"postalCode", info.PostalCode},
		{"phone", info.Phone},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return apperr.Validation("deliveryInfo."+f.name, "deliveryInfo is incomplete")
		}
	}

	return nil
}
