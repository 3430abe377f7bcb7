package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/httpapi"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/store/postgres"

	"github.com/spf13/cobra"
)

// withStore loads config, opens Postgres and hands fn a store and an engine
// configured like the server's.
func withStore(fn func(ctx context.Context, cfg *config.Config, st *postgres.Store, engine *queue.Engine) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := postgres.NewStore(pool)
	engine := queue.NewEngine(st, queue.Options{
		Location:            cfg.Location(),
		DefaultMaxTokens:    cfg.DefaultMaxTokensPerDay,
		DefaultRadiusMeters: cfg.DefaultGeofenceRadiusMeters,
		TokenTTL:            cfg.TokenTTL(),
		Logger:              newLogger(cfg),
	})
	return fn(ctx, cfg, st, engine)
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Manage doctor availability",
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Set today's doctor status for a clinic or one specialist",
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, _ := cmd.Flags().GetString("tenant")
			specialistID, _ := cmd.Flags().GetString("specialist")
			status, _ := cmd.Flags().GetString("status")
			setBy, _ := cmd.Flags().GetString("by")
			if slug == "" {
				return fmt.Errorf("--tenant is required")
			}

			return withStore(func(ctx context.Context, cfg *config.Config, st *postgres.Store, engine *queue.Engine) error {
				tenant, err := engine.GetTenantBySlug(ctx, slug)
				if err != nil {
					return err
				}
				record, err := engine.SetDoctorStatus(ctx, tenant.TenantID, specialistID, strings.ToUpper(status), setBy)
				if err != nil {
					return err
				}
				scope := "general"
				if record.SpecialistID != "" {
					scope = record.SpecialistID
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s set to %s\n", tenant.Slug, record.Date.Format(models.DateLayout), scope, record.Status)
				return nil
			})
		},
	}
	setCmd.Flags().String("tenant", "", "Clinic slug")
	setCmd.Flags().String("specialist", "", "Specialist id; empty sets the general status")
	setCmd.Flags().String("status", models.DoctorIn, "IN or OUT")
	setCmd.Flags().String("by", "cli", "Who set the status")

	cmd.AddCommand(setCmd)
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a clinic",
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, _ := cmd.Flags().GetString("slug")
			name, _ := cmd.Flags().GetString("name")
			qrActive, _ := cmd.Flags().GetBool("qr-active")
			if slug == "" || name == "" {
				return fmt.Errorf("--slug and --name are required")
			}

			tenant := models.Tenant{Slug: slug, Name: name, QRActive: qrActive}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
				lat, _ := cmd.Flags().GetFloat64("lat")
				lng, _ := cmd.Flags().GetFloat64("lng")
				tenant.GeoLat = &lat
				tenant.GeoLng = &lng
			}
			if cmd.Flags().Changed("radius") {
				radius, _ := cmd.Flags().GetFloat64("radius")
				tenant.LocationRadiusMeters = &radius
			}

			return withStore(func(ctx context.Context, cfg *config.Config, st *postgres.Store, engine *queue.Engine) error {
				created, err := st.CreateTenant(ctx, tenant)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created clinic %s (%s)\n", created.Slug, created.TenantID)
				return nil
			})
		},
	}
	createCmd.Flags().String("slug", "", "URL slug")
	createCmd.Flags().String("name", "", "Display name")
	createCmd.Flags().Bool("qr-active", true, "Accept public QR intake")
	createCmd.Flags().Float64("lat", 0, "Geofence center latitude")
	createCmd.Flags().Float64("lng", 0, "Geofence center longitude")
	createCmd.Flags().Float64("radius", 0, "Geofence radius in meters")

	cmd.AddCommand(createCmd)
	return cmd
}

func specialistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "specialist",
		Short: "Manage specialists",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Add a specialist to a clinic",
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, _ := cmd.Flags().GetString("tenant")
			name, _ := cmd.Flags().GetString("name")
			specialty, _ := cmd.Flags().GetString("specialty")
			if slug == "" || name == "" {
				return fmt.Errorf("--tenant and --name are required")
			}

			specialist := models.Specialist{Name: name, Specialty: specialty, IsActive: true}
			if cmd.Flags().Changed("max-tokens") {
				maxTokens, _ := cmd.Flags().GetInt("max-tokens")
				if maxTokens <= 0 {
					return fmt.Errorf("--max-tokens must be positive")
				}
				specialist.MaxTokensPerDay = &maxTokens
			}

			return withStore(func(ctx context.Context, cfg *config.Config, st *postgres.Store, engine *queue.Engine) error {
				tenant, err := engine.GetTenantBySlug(ctx, slug)
				if err != nil {
					return err
				}
				specialist.TenantID = tenant.TenantID
				created, err := st.CreateSpecialist(ctx, specialist)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created specialist %s (%s)\n", created.Name, created.SpecialistID)
				return nil
			})
		},
	}
	createCmd.Flags().String("tenant", "", "Clinic slug")
	createCmd.Flags().String("name", "", "Specialist name")
	createCmd.Flags().String("specialty", "General", "Specialty")
	createCmd.Flags().Int("max-tokens", 0, "Daily token cap; unset uses DEFAULT_MAX_TOKENS_PER_DAY")

	cmd.AddCommand(createCmd)
	return cmd
}

func staffTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staff-token",
		Short: "Sign a staff bearer token for a clinic",
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, _ := cmd.Flags().GetString("tenant")
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if slug == "" {
				return fmt.Errorf("--tenant is required")
			}

			return withStore(func(ctx context.Context, cfg *config.Config, st *postgres.Store, engine *queue.Engine) error {
				tenant, err := engine.GetTenantBySlug(ctx, slug)
				if err != nil {
					return err
				}
				token, err := httpapi.NewAuthenticator(cfg.JWTSecret).Sign(tenant.TenantID, subject, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
	cmd.Flags().String("tenant", "", "Clinic slug")
	cmd.Flags().String("subject", "staff", "Staff member id recorded as set_by")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
