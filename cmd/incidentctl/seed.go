package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
	"github.com/logiwatch/incident-orchestrator/internal/store"
)

// fixture is the on-disk seed format. Money fields are strings so they
// round-trip exactly through decimal.
type fixture struct {
	Shipments  []shipmentFixture `yaml:"shipments"`
	Facilities []domain.Resource `yaml:"facilities"`
	Drivers    []domain.Resource `yaml:"drivers"`
}

type shipmentFixture struct {
	ID               string         `yaml:"id"`
	Reference        string         `yaml:"reference"`
	Carrier          string         `yaml:"carrier"`
	Origin           domain.Point   `yaml:"origin"`
	Destination      domain.Point   `yaml:"destination"`
	Route            []domain.Point `yaml:"route"`
	Progress         float64        `yaml:"progress"`
	RiskScore        float64        `yaml:"risk_score"`
	CargoValue       string         `yaml:"cargo_value"`
	DelayCostPerHour string         `yaml:"delay_cost_per_hour"`
}

func (f shipmentFixture) toDomain() (domain.Shipment, error) {
	s := domain.Shipment{
		ID:          f.ID,
		Reference:   f.Reference,
		Carrier:     f.Carrier,
		Origin:      f.Origin,
		Destination: f.Destination,
		Route:       f.Route,
		Progress:    f.Progress,
		RiskScore:   f.RiskScore,
	}
	var err error
	if s.CargoValue, err = parseMoney(f.CargoValue); err != nil {
		return s, fmt.Errorf("shipment %s cargo_value: %w", f.ID, err)
	}
	if s.DelayCostPerHour, err = parseMoney(f.DelayCostPerHour); err != nil {
		return s, fmt.Errorf("shipment %s delay_cost_per_hour: %w", f.ID, err)
	}
	return s, nil
}

func parseMoney(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// parseFixture decodes a seed file and normalizes resource kinds.
func parseFixture(r io.Reader) ([]domain.Shipment, []domain.Resource, error) {
	var f fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, nil, fmt.Errorf("decode fixture: %w", err)
	}

	shipments := make([]domain.Shipment, 0, len(f.Shipments))
	for _, sf := range f.Shipments {
		if sf.ID == "" {
			return nil, nil, fmt.Errorf("shipment without id")
		}
		s, err := sf.toDomain()
		if err != nil {
			return nil, nil, err
		}
		shipments = append(shipments, s)
	}

	resources := make([]domain.Resource, 0, len(f.Facilities)+len(f.Drivers))
	for _, fac := range f.Facilities {
		fac.Kind = domain.KindFacility
		resources = append(resources, fac)
	}
	for _, drv := range f.Drivers {
		drv.Kind = domain.KindAsset
		resources = append(resources, drv)
	}
	for _, res := range resources {
		if res.ID == "" {
			return nil, nil, fmt.Errorf("%s resource without id", res.Kind)
		}
	}
	return shipments, resources, nil
}

func newSeedCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load shipments, facilities and drivers into the store",
		Long: `Upsert shipments and recovery resources from a YAML fixture.

Example:
  incidentctl seed examples/fixture.yaml --config config.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open fixture: %w", err)
			}
			defer f.Close()

			shipments, resources, err := parseFixture(f)
			if err != nil {
				return err
			}

			db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := seed(cmd.Context(), db, shipments, resources); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d shipments and %d resources\n", len(shipments), len(resources))
			return nil
		},
	}
}

func seed(ctx context.Context, db *store.DB, shipments []domain.Shipment, resources []domain.Resource) error {
	shipRepo := &store.ShipmentRepo{}
	resRepo := &store.ResourceRepo{}
	now := time.Now().Unix()
	for _, s := range shipments {
		s.UpdatedAtUnix = now
		if err := shipRepo.Upsert(ctx, db, s); err != nil {
			return fmt.Errorf("upsert shipment %s: %w", s.ID, err)
		}
	}
	for _, r := range resources {
		if err := resRepo.Upsert(ctx, db, r); err != nil {
			return fmt.Errorf("upsert resource %s: %w", r.ID, err)
		}
	}
	return nil
}
