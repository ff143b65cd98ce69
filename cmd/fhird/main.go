package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhird/fhird/internal/bundle"
	"github.com/fhird/fhird/internal/config"
	"github.com/fhird/fhird/internal/notify"
	"github.com/fhird/fhird/internal/platform/auth"
	"github.com/fhird/fhird/internal/platform/db"
	"github.com/fhird/fhird/internal/platform/middleware"
	"github.com/fhird/fhird/internal/platform/sandbox"
	"github.com/fhird/fhird/internal/platform/webhook"
	"github.com/fhird/fhird/internal/platform/websocket"
	"github.com/fhird/fhird/internal/rest"
	"github.com/fhird/fhird/internal/search"
	"github.com/fhird/fhird/internal/store"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhird",
		Short: "FHIR R4 resource server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s).\n", count)
				return nil
			})
		},
	}
	migrateFlags(upCmd)
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	migrateFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				reverted, err := m.Down(ctx, schema)
				if err != nil {
					return fmt.Errorf("rollback failed: %w", err)
				}
				if reverted == 0 {
					fmt.Println("Nothing to revert.")
					return nil
				}
				fmt.Printf("Reverted migration %d on schema %s.\n", reverted, schema)
				return nil
			})
		},
	}
	migrateFlags(downCmd)
	cmd.AddCommand(downCmd)

	return cmd
}

func migrateFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", "", "Target schema (default: the default tenant's schema)")
	cmd.Flags().String("dir", "", "Migrations directory (default: MIGRATIONS_DIR)")
}

// withMigrator loads config, opens a pool and hands a ready Migrator to fn.
func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if schema == "" {
		schema = db.TenantSchema(cfg.DefaultTenant)
	}
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	logger := cliLogger()
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir, logger), schema)
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := cliLogger()
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.ProvisionTenant(ctx, pool, name, cfg.MigrationsDir, logger); err != nil {
				return err
			}
			fmt.Printf("Tenant %s ready (schema %s).\n", name, db.TenantSchema(name))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (lowercase alphanumeric)")
	cmd.AddCommand(createCmd)

	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load synthetic clinical data into a tenant",
		Long: `Seed creates a reproducible synthetic population: organizations,
practitioners, and patients with encounters, vital-sign observations,
conditions and medication requests. Resources take the regular write path,
so they are versioned, indexed and visible to search immediately.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			patients, _ := cmd.Flags().GetInt("patients")
			observations, _ := cmd.Flags().GetInt("observations")
			seed, _ := cmd.Flags().GetInt64("seed")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			seedCfg := sandbox.DefaultConfig()
			if patients > 0 {
				seedCfg.Patients = patients
			}
			if observations > 0 {
				seedCfg.ObservationsPerPatient = observations
			}
			if seed != 0 {
				seedCfg.Seed = seed
			}

			logger := cliLogger()
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.ProvisionTenant(ctx, pool, tenant, cfg.MigrationsDir, logger); err != nil {
				return err
			}

			svc := store.NewService(store.NewRepo(pool, logger), notify.Multi{}, logger)
			var result *sandbox.Result
			err = db.WithTenantConn(ctx, pool, tenant, func(ctx context.Context) error {
				var runErr error
				result, runErr = sandbox.New(svc, seedCfg, logger).Run(ctx)
				return runErr
			})
			if err != nil {
				return err
			}

			fmt.Printf("Seeded tenant %s with %d resources in %s:\n", tenant, result.Total(), result.Duration.Round(time.Millisecond))
			fmt.Printf("  %-20s %d\n", "Organizations", result.Organizations)
			fmt.Printf("  %-20s %d\n", "Practitioners", result.Practitioners)
			fmt.Printf("  %-20s %d\n", "Patients", result.Patients)
			fmt.Printf("  %-20s %d\n", "Encounters", result.Encounters)
			fmt.Printf("  %-20s %d\n", "Observations", result.Observations)
			fmt.Printf("  %-20s %d\n", "Conditions", result.Conditions)
			fmt.Printf("  %-20s %d\n", "MedicationRequests", result.MedicationRequests)
			return nil
		},
	}

	cmd.Flags().String("tenant", "", "Tenant to seed (default: the default tenant)")
	cmd.Flags().Int("patients", 0, "Number of patients to create")
	cmd.Flags().Int("observations", 0, "Observations per patient")
	cmd.Flags().Int64("seed", 0, "Random seed for reproducible data")

	return cmd
}

func cliLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func runServer() error {
	// Logger first so config errors have somewhere to go
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "" || os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	search.SetPageBounds(cfg.DefaultPageSize, cfg.MaxPageSize)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	// The default tenant must exist before the first request hits it.
	if err := db.ProvisionTenant(ctx, pool, cfg.DefaultTenant, cfg.MigrationsDir, logger); err != nil {
		logger.Fatal().Err(err).Str("tenant", cfg.DefaultTenant).Msg("failed to provision default tenant")
	}

	// Core wiring: repository, change notifier fan-out, service, bundle
	// processor and the REST handler on top.
	hub := websocket.NewHub(logger)
	notifier := notify.Multi{notify.NewLogNotifier(logger), hub}
	if len(cfg.WebhookURLs) > 0 {
		sender := webhook.NewSender(webhook.Config{
			URLs:   cfg.WebhookURLs,
			Secret: cfg.WebhookSecret,
			Events: cfg.WebhookEvents,
		}, logger)
		defer sender.Close()
		notifier = append(notifier, sender)
	}
	svc := store.NewService(store.NewRepo(pool, logger), notifier, logger)
	proc := bundle.NewProcessor(svc, cfg.APIBase(), logger)
	handler := rest.NewHandler(svc, proc, cfg.APIBase(), logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Timeout sits outside Recovery so a panic in the timed goroutine is
	// still turned into a 500 by the inner chain.
	e.Use(middleware.RequestTimeout(30*time.Second, "/R4/ws"))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("2M", "16M", "/R4"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID",
			"If-Match", "If-None-Exist"},
		ExposeHeaders: []string{"ETag", "Location", "Last-Modified", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.Health(pool))

	authMW := auth.Middleware(auth.Config{
		SigningKey: []byte(cfg.AuthSigningKey),
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
	}, logger)

	// The websocket endpoint shares the /R4 prefix but skips the tenant
	// middleware: a socket held open must not pin a pooled connection.
	ws := e.Group("/R4", authMW)
	websocket.NewHandler(hub, logger).RegisterRoutes(ws)

	api := e.Group("/R4", authMW, db.TenantMiddleware(pool, cfg.DefaultTenant, logger))
	handler.RegisterRoutes(api)

	// Graceful shutdown
	go func() {
		logger.Info().Str("addr", cfg.Addr()).Str("base", cfg.APIBase()).Msg("starting server")
		if err := e.Start(cfg.Addr()); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
