package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"gopkg.in/yaml.v3"
)

// DefaultServiceTypes is the catalog a fresh installation starts with.
var DefaultServiceTypes = []models.ServiceType{
	{Key: "NEW_APPLICATION", DisplayName: "New Application"},
	{Key: "RENEWAL", DisplayName: "Renewal"},
	{Key: "PAYMENT", DisplayName: "Payment"},
	{Key: "INQUIRY", DisplayName: "Inquiry"},
	{Key: "CLAIMS", DisplayName: "Claims"},
	{Key: "PERMITS", DisplayName: "Permits"},
	{Key: "COMPLAINTS", DisplayName: "Complaints"},
	{Key: "INFORMATION", DisplayName: "Information Desk"},
}

type seedFile struct {
	ServiceTypes []struct {
		Key         string `yaml:"key"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"service_types"`
}

// LoadSeedFile reads a YAML catalog:
//
//	service_types:
//	  - key: RENEWAL
//	    display_name: License Renewal
func LoadSeedFile(path string) ([]models.ServiceType, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed seedFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(parsed.ServiceTypes) == 0 {
		return nil, fmt.Errorf("%s: no service_types", path)
	}
	out := make([]models.ServiceType, 0, len(parsed.ServiceTypes))
	for i, entry := range parsed.ServiceTypes {
		svc, err := validate(entry.Key, entry.DisplayName)
		if err != nil {
			return nil, fmt.Errorf("%s: entry %d: %w", path, i, err)
		}
		out = append(out, svc)
	}
	return out, nil
}

// SeedDefaults fills an empty catalog from path, or from DefaultServiceTypes
// when path is blank. A non-empty catalog is left alone.
func SeedDefaults(ctx context.Context, st store.CatalogStore, path string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	existing, err := st.ListServiceTypes(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	seed := DefaultServiceTypes
	if path != "" {
		seed, err = LoadSeedFile(path)
		if err != nil {
			return 0, err
		}
	}

	added := 0
	for _, svc := range seed {
		if err := st.AddServiceType(ctx, svc); err != nil {
			if errors.Is(err, store.ErrServiceTypeExists) {
				continue
			}
			return added, fmt.Errorf("seed %s: %w", svc.Key, err)
		}
		added++
	}
	logger.Info("service types seeded", "count", added, "source", seedSource(path))
	return added, nil
}

func seedSource(path string) string {
	if path == "" {
		return "defaults"
	}
	return path
}
