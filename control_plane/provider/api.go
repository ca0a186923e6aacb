package provider

import (
	"context"

	"github.com/ovh/go-ovh/ovh"
	"github.com/pkg/errors"

	"github.com/itskum47/ovhsniper/control_plane/store"
)

// API is the subset of the OVH client the inventory and order clients use.
// *ovh.Client satisfies it.
type API interface {
	GetWithContext(ctx context.Context, url string, resType interface{}) error
	PostWithContext(ctx context.Context, url string, reqBody, resType interface{}) error
}

// Factory builds an API for one credential record.
type Factory func(s store.Settings) (API, error)

// NewOVHAPI builds a signed OVH client. Endpoint may be an alias such as
// "ovh-eu" or a full base URL.
func NewOVHAPI(s store.Settings) (API, error) {
	client, err := ovh.NewClient(s.Endpoint, s.AppKey, s.AppSecret, s.ConsumerKey)
	if err != nil {
		return nil, errors.Wrapf(err, "create ovh client for %s", s.Endpoint)
	}
	return client, nil
}
