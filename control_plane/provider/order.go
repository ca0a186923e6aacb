package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itskum47/ovhsniper/control_plane/errs"
	"github.com/itskum47/ovhsniper/control_plane/observability"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

const (
	orderSource   = "purchase"
	orderDuration = "P1M"
	orderPricing  = "default"
	orderOS       = "none_64.en"
)

// OrderResult identifies a checked-out order.
type OrderResult struct {
	OrderID  string
	OrderURL string
}

type cartResponse struct {
	CartID string `json:"cartId"`
}

type cartItemResponse struct {
	ItemID int64 `json:"itemId"`
}

type checkoutResponse struct {
	OrderID json.Number `json:"orderId"`
	URL     string      `json:"url"`
}

type cartItemRequest struct {
	PlanCode    string `json:"planCode"`
	PricingMode string `json:"pricingMode"`
	Duration    string `json:"duration"`
	Quantity    int    `json:"quantity"`
}

type cartOptionRequest struct {
	ItemID      int64  `json:"itemId"`
	PlanCode    string `json:"planCode"`
	PricingMode string `json:"pricingMode"`
	Duration    string `json:"duration"`
	Quantity    int    `json:"quantity"`
}

type configurationRequest struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type checkoutRequest struct {
	AutoPayWithPreferredPaymentMethod bool `json:"autoPayWithPreferredPaymentMethod"`
	WaiveRetractationPeriod           bool `json:"waiveRetractationPeriod"`
}

// PlaceOrder runs the cart flow for one server and checks it out without
// automatic payment. Options that the provider refuses are skipped.
func (c *Client) PlaceOrder(ctx context.Context, planCode, datacenter string, options []string) (*OrderResult, error) {
	api, snap, err := c.session()
	if err != nil {
		return nil, err
	}

	c.journalf(ctx, store.LevelInfo, orderSource, fmt.Sprintf("Creating cart for %s", snap.Zone))
	var cart cartResponse
	if err := c.post(ctx, api, snap, "create_cart", "/order/cart",
		map[string]string{"ovhSubsidiary": snap.Zone}, &cart); err != nil {
		return nil, err
	}
	if cart.CartID == "" {
		return nil, errs.Transient("create_cart: empty cart id")
	}
	cartPath := "/order/cart/" + cart.CartID

	if err := c.post(ctx, api, snap, "assign_cart", cartPath+"/assign", nil, nil); err != nil {
		return nil, err
	}

	c.journalf(ctx, store.LevelInfo, orderSource, fmt.Sprintf("Adding %s to cart %s", planCode, cart.CartID))
	var item cartItemResponse
	if err := c.post(ctx, api, snap, "add_item", cartPath+"/eco", cartItemRequest{
		PlanCode:    planCode,
		PricingMode: orderPricing,
		Duration:    orderDuration,
		Quantity:    1,
	}, &item); err != nil {
		return nil, err
	}
	itemPath := fmt.Sprintf("%s/item/%d", cartPath, item.ItemID)

	var required []json.RawMessage
	if err := c.get(ctx, api, snap, "required_configuration", itemPath+"/requiredConfiguration", &required); err != nil {
		return nil, err
	}

	for _, cfg := range []configurationRequest{
		{Label: "dedicated_datacenter", Value: datacenter},
		{Label: "dedicated_os", Value: orderOS},
	} {
		if err := c.post(ctx, api, snap, "configure_item", itemPath+"/configuration", cfg, nil); err != nil {
			return nil, err
		}
	}

	for _, opt := range options {
		if opt == "" {
			continue
		}
		err := c.post(ctx, api, snap, "add_option", cartPath+"/eco/options", cartOptionRequest{
			ItemID:      item.ItemID,
			PlanCode:    opt,
			PricingMode: orderPricing,
			Duration:    orderDuration,
			Quantity:    1,
		}, nil)
		if err != nil {
			if errs.Is(err, errs.KindAuth) {
				return nil, err
			}
			c.journalf(ctx, store.LevelWarning, orderSource, fmt.Sprintf("Failed to add option %s: %s", opt, errs.Message(err)))
		}
	}

	c.journalf(ctx, store.LevelInfo, orderSource, fmt.Sprintf("Checking out cart %s", cart.CartID))
	var checkout checkoutResponse
	if err := c.post(ctx, api, snap, "checkout", cartPath+"/checkout", checkoutRequest{
		AutoPayWithPreferredPaymentMethod: false,
		WaiveRetractationPeriod:           true,
	}, &checkout); err != nil {
		return nil, err
	}

	observability.OrdersPlaced.Inc()
	return &OrderResult{OrderID: checkout.OrderID.String(), OrderURL: checkout.URL}, nil
}
