package settings

import (
	"context"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/itskum47/ovhsniper/control_plane/store"
)

const (
	DefaultEndpoint = "ovh-eu"
	DefaultZone     = "IE"
	DefaultIAM      = "go-ovh-ie"
)

// Snapshot is an immutable view of the credentials tagged with the
// generation it was read at.
type Snapshot struct {
	store.Settings
	Generation uint64
}

// HasProviderCredentials reports whether provider calls can be signed.
func (s Snapshot) HasProviderCredentials() bool {
	return s.AppKey != "" && s.AppSecret != "" && s.ConsumerKey != ""
}

// HasTelegram reports whether notifications can be pushed.
func (s Snapshot) HasTelegram() bool {
	return s.TgToken != "" && s.TgChatID != ""
}

// Store owns the single credential record. Reads are lock-free snapshots of
// the last committed value; Update replaces the record and bumps Generation.
type Store struct {
	mu         sync.RWMutex
	current    store.Settings
	generation atomic.Uint64
	backend    store.Store
}

// New loads persisted settings from backend, falling back to defaults.
func New(ctx context.Context, backend store.Store) (*Store, error) {
	s := &Store{backend: backend, current: Normalize(store.Settings{})}
	persisted, err := backend.LoadSettings(ctx)
	if err != nil {
		return nil, err
	}
	if persisted != nil {
		s.current = Normalize(*persisted)
		log.WithField("component", "settings").Info("Loaded persisted settings")
	}
	s.generation.Store(1)
	return s, nil
}

// Get returns the current snapshot.
func (s *Store) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Settings: s.current, Generation: s.generation.Load()}
}

// Generation returns the current credential generation.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// Update persists in and makes it current. The previous record stays current
// if persistence fails.
func (s *Store) Update(ctx context.Context, in store.Settings) (Snapshot, error) {
	next := Normalize(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.SaveSettings(ctx, &next); err != nil {
		return Snapshot{}, err
	}
	s.current = next
	gen := s.generation.Inc()
	log.WithFields(log.Fields{"component": "settings", "generation": gen}).Info("Settings updated")
	return Snapshot{Settings: next, Generation: gen}, nil
}

// Normalize fills defaults: endpoint and zone fall back to the EU defaults and
// an empty IAM identifier is derived from the zone.
func Normalize(in store.Settings) store.Settings {
	in.AppKey = strings.TrimSpace(in.AppKey)
	in.AppSecret = strings.TrimSpace(in.AppSecret)
	in.ConsumerKey = strings.TrimSpace(in.ConsumerKey)
	in.Endpoint = strings.TrimSpace(in.Endpoint)
	in.Zone = strings.TrimSpace(in.Zone)
	in.IAM = strings.TrimSpace(in.IAM)
	if in.Endpoint == "" {
		in.Endpoint = DefaultEndpoint
	}
	if in.Zone == "" {
		in.Zone = DefaultZone
	}
	if in.IAM == "" {
		in.IAM = "go-ovh-" + strings.ToLower(in.Zone)
	}
	return in
}
