package provider

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/itskum47/ovhsniper/control_plane/errs"
	"github.com/itskum47/ovhsniper/control_plane/observability"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

const notAvailable = "N/A"

type availabilityEntry struct {
	PlanCode    string                         `json:"planCode"`
	Datacenters []store.DatacenterAvailability `json:"datacenters"`
}

type catalogResponse struct {
	Plans []catalogPlan `json:"plans"`
}

type catalogPlan struct {
	PlanCode    string `json:"planCode"`
	InvoiceName string `json:"invoiceName"`
	Description string `json:"description"`
	Addons      []struct {
		PlanCode    string `json:"planCode"`
		Description string `json:"description"`
	} `json:"addons"`
	Details struct {
		Properties []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"properties"`
	} `json:"details"`
}

// IsAvailable reports whether a datacenter availability value means stock.
func IsAvailable(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	return v != "" && v != "unavailable" && v != "unknown"
}

// Availability returns the per-datacenter availability of planCode. Snapshots
// are cached for the configured freshness window.
func (c *Client) Availability(ctx context.Context, planCode string) (map[string]string, error) {
	api, snap, err := c.session()
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%d/%s", snap.Generation, planCode)
	if c.cfg.CacheTTL > 0 {
		if item := c.cache.Get(key); item != nil && !item.IsExpired() {
			observability.AvailabilityCache.WithLabelValues("hit").Inc()
			return copyAvailability(item.Value()), nil
		}
		observability.AvailabilityCache.WithLabelValues("miss").Inc()
	}

	var entries []availabilityEntry
	path := "/dedicated/server/datacenter/availabilities?planCode=" + url.QueryEscape(planCode)
	if err := c.get(ctx, api, snap, "availability", path, &entries); err != nil {
		return nil, err
	}

	result := make(map[string]string)
	for _, e := range entries {
		if e.PlanCode != "" && e.PlanCode != planCode {
			continue
		}
		for _, dc := range e.Datacenters {
			name := strings.ToLower(dc.Datacenter)
			// A plan can be listed once per hardware variant; any variant in stock counts.
			if prev, ok := result[name]; ok && IsAvailable(prev) {
				continue
			}
			result[name] = dc.Availability
		}
	}
	if len(result) == 0 {
		return nil, errs.NotFound("plan %s not found in availability", planCode)
	}

	if c.cfg.CacheTTL > 0 {
		c.cache.Set(key, result, ttlcache.DefaultTTL)
	}
	return copyAvailability(result), nil
}

// CheckAvailability reports whether planCode is in stock in datacenter.
func (c *Client) CheckAvailability(ctx context.Context, planCode, datacenter string) (bool, error) {
	start := time.Now()
	defer func() {
		observability.ProviderRequestDuration.WithLabelValues("check_availability").Observe(time.Since(start).Seconds())
	}()

	avail, err := c.Availability(ctx, planCode)
	if err != nil {
		return false, err
	}
	value, ok := avail[strings.ToLower(datacenter)]
	if !ok {
		return false, errs.NotFound("datacenter %s not offered for plan %s", datacenter, planCode)
	}
	return IsAvailable(value), nil
}

// ListPlans loads the public eco catalog for the configured zone and joins
// each plan with its current availability.
func (c *Client) ListPlans(ctx context.Context) ([]store.ServerPlan, error) {
	api, snap, err := c.session()
	if err != nil {
		return nil, err
	}

	var catalog catalogResponse
	path := "/order/catalog/public/eco?ovhSubsidiary=" + url.QueryEscape(snap.Zone)
	if err := c.get(ctx, api, snap, "catalog", path, &catalog); err != nil {
		return nil, err
	}

	plans := make([]store.ServerPlan, 0, len(catalog.Plans))
	for _, p := range catalog.Plans {
		if p.PlanCode == "" {
			continue
		}
		plan := store.ServerPlan{
			PlanCode:         p.PlanCode,
			Name:             p.InvoiceName,
			Description:      p.Description,
			CPU:              notAvailable,
			Memory:           notAvailable,
			Storage:          notAvailable,
			Bandwidth:        notAvailable,
			VrackBandwidth:   notAvailable,
			DefaultOptions:   []store.PlanOption{},
			AvailableOptions: []store.PlanOption{},
			Datacenters:      []store.DatacenterAvailability{},
		}
		for _, a := range p.Addons {
			if a.PlanCode == "" {
				continue
			}
			label := a.Description
			if label == "" {
				label = a.PlanCode
			}
			plan.AvailableOptions = append(plan.AvailableOptions, store.PlanOption{Label: label, Value: a.PlanCode})
		}
		for _, prop := range p.Details.Properties {
			if prop.Value == "" {
				continue
			}
			switch prop.Name {
			case "cpu":
				plan.CPU = prop.Value
			case "memory":
				plan.Memory = prop.Value
			case "storage":
				plan.Storage = prop.Value
			case "bandwidth":
				plan.Bandwidth = prop.Value
			case "vrackBandwidth":
				plan.VrackBandwidth = prop.Value
			}
		}

		avail, err := c.Availability(ctx, p.PlanCode)
		switch {
		case err == nil:
			plan.Datacenters = sortedAvailability(avail)
		case errs.Is(err, errs.KindNotFound):
		case errs.Is(err, errs.KindAuth):
			return nil, err
		default:
			c.logger.WithError(err).WithField("plan", p.PlanCode).Warn("Availability lookup failed during catalog load")
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func copyAvailability(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedAvailability(in map[string]string) []store.DatacenterAvailability {
	out := make([]store.DatacenterAvailability, 0, len(in))
	for dc, v := range in {
		out = append(out, store.DatacenterAvailability{Datacenter: dc, Availability: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Datacenter < out[j].Datacenter })
	return out
}
