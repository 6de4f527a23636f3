package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

var (
	ErrInvalidKey         = errors.New("service type key must contain only A-Z, 0-9 and _")
	ErrMissingDisplayName = errors.New("display name is required")
)

var validKey = regexp.MustCompile(`^[A-Z0-9_]+$`)

const (
	ActionAdded   = "added"
	ActionRenamed = "renamed"
	ActionRemoved = "removed"
)

// Reloader rebuilds in-memory dispatch state after a catalog change.
type Reloader interface {
	ServicesConfigurationChanged(ctx context.Context) error
}

// Announcer tells other processes that the catalog changed.
type Announcer interface {
	Announce(ctx context.Context, action, key string) error
}

type Manager struct {
	store     store.CatalogStore
	reloader  Reloader
	announcer Announcer
	logger    *slog.Logger
}

// NewManager accepts a nil announcer for single-process deployments.
func NewManager(st store.CatalogStore, reloader Reloader, announcer Announcer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, reloader: reloader, announcer: announcer, logger: logger}
}

func (m *Manager) List(ctx context.Context) ([]models.ServiceType, error) {
	return m.store.ListServiceTypes(ctx)
}

func (m *Manager) Add(ctx context.Context, key, displayName string) (models.ServiceType, error) {
	svc, err := validate(key, displayName)
	if err != nil {
		return models.ServiceType{}, err
	}
	if err := m.store.AddServiceType(ctx, svc); err != nil {
		return models.ServiceType{}, err
	}
	m.logger.Info("service type added", "service_type", svc.Key, "display_name", svc.DisplayName)
	return svc, m.changed(ctx, ActionAdded, svc.Key)
}

func (m *Manager) Rename(ctx context.Context, key, displayName string) (models.ServiceType, error) {
	svc, err := validate(key, displayName)
	if err != nil {
		return models.ServiceType{}, err
	}
	if err := m.store.UpdateServiceTypeDisplayName(ctx, svc.Key, svc.DisplayName); err != nil {
		return models.ServiceType{}, err
	}
	m.logger.Info("service type renamed", "service_type", svc.Key, "display_name", svc.DisplayName)
	return svc, m.changed(ctx, ActionRenamed, svc.Key)
}

// Remove fails with store.ErrServiceTypeInUse while any ticket references
// the type.
func (m *Manager) Remove(ctx context.Context, key string) error {
	key = models.NormalizeServiceKey(key)
	if !validKey.MatchString(key) {
		return ErrInvalidKey
	}
	if err := m.store.RemoveServiceType(ctx, key); err != nil {
		return err
	}
	m.logger.Info("service type removed", "service_type", key)
	return m.changed(ctx, ActionRemoved, key)
}

func (m *Manager) changed(ctx context.Context, action, key string) error {
	if m.announcer != nil {
		if err := m.announcer.Announce(ctx, action, key); err != nil {
			m.logger.Warn("catalog announce failed", "action", action, "service_type", key, "error", err)
		}
	}
	if m.reloader == nil {
		return nil
	}
	if err := m.reloader.ServicesConfigurationChanged(ctx); err != nil {
		return fmt.Errorf("reload after %s %s: %w", action, key, err)
	}
	return nil
}

func validate(key, displayName string) (models.ServiceType, error) {
	key = models.NormalizeServiceKey(key)
	if !validKey.MatchString(key) {
		return models.ServiceType{}, ErrInvalidKey
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return models.ServiceType{}, ErrMissingDisplayName
	}
	return models.ServiceType{Key: key, DisplayName: displayName}, nil
}
