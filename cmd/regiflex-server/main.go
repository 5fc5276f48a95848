package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/regiflex/regiflex/internal/config"
	"github.com/regiflex/regiflex/internal/domain/clinic"
	"github.com/regiflex/regiflex/internal/domain/identity"
	"github.com/regiflex/regiflex/internal/domain/ledger"
	"github.com/regiflex/regiflex/internal/domain/provisioning"
	"github.com/regiflex/regiflex/internal/domain/reconciliation"
	"github.com/regiflex/regiflex/internal/domain/subscription"
	"github.com/regiflex/regiflex/internal/platform/auth"
	"github.com/regiflex/regiflex/internal/platform/billing"
	"github.com/regiflex/regiflex/internal/platform/db"
	"github.com/regiflex/regiflex/internal/platform/inflight"
	"github.com/regiflex/regiflex/internal/platform/metrics"
	"github.com/regiflex/regiflex/internal/platform/middleware"
	"github.com/regiflex/regiflex/internal/platform/notification"
	"github.com/regiflex/regiflex/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "regiflex-server",
		Short:        "Regiflex clinic billing API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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
		},
	})

	return cmd
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinics",
	}

	var ci provisioning.ClinicInfo
	var ai provisioning.AdminInfo
	var plan string
	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Create a clinic on trial with its administrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := newApp(cfg, pool, newLogger(cfg))
			if err != nil {
				return err
			}
			res, err := a.provisioning.Provision(ctx, ci, ai, plan)
			if err != nil {
				return err
			}

			fmt.Printf("Clinic %s (%s) provisioned on plan %s.\n", res.Clinic.Name, res.Clinic.ID, res.Clinic.Plan)
			fmt.Printf("Administrator: %s\n", res.Credentials.Email)
			fmt.Printf("Temporary password: %s\n", res.Credentials.TempPassword)
			fmt.Printf("Sign in at: %s\n", res.LoginURL)
			return nil
		},
	}
	provisionCmd.Flags().StringVar(&ci.Name, "name", "", "Clinic name")
	provisionCmd.Flags().StringVar(&ci.Email, "email", "", "Clinic contact email")
	provisionCmd.Flags().StringVar(&ci.TaxID, "tax-id", "", "Clinic tax ID")
	provisionCmd.Flags().StringVar(&ci.Phone, "phone", "", "Clinic phone")
	provisionCmd.Flags().StringVar(&ci.Address, "address", "", "Clinic address")
	provisionCmd.Flags().StringVar(&ai.FullName, "admin-name", "", "Administrator full name")
	provisionCmd.Flags().StringVar(&ai.Email, "admin-email", "", "Administrator email")
	provisionCmd.Flags().StringVar(&ai.Username, "admin-username", "", "Administrator username (defaults to the email's local part)")
	provisionCmd.Flags().StringVar(&plan, "plan", clinic.PlanIndividual, "Plan: individual or clinic")

	cmd.AddCommand(provisionCmd)
	return cmd
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the services shared by the server and the CLI commands.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	metrics    *metrics.Collector
	signingKey []byte

	clinics      *clinic.Service
	identity     *identity.Service
	ledger       *ledger.Ledger
	provisioning *provisioning.Service
	gateway      billing.Gateway
	notifier     *notification.Notifier
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	key, random, err := resolveSigningKey(cfg.JWTSigningKey, cfg.IsDev())
	if err != nil {
		return nil, err
	}
	if random {
		logger.Warn().Msg("JWT_SIGNING_KEY not set; tokens are signed with a random key and will not survive a restart")
	}

	m := metrics.New()
	tx := db.NewTransactor(pool)
	clinicRepo := clinic.NewRepo(pool)
	clinicSvc := clinic.NewService(clinicRepo, clinic.NewSettingsRepo(pool))

	issuer := auth.NewIssuer(auth.JWTConfig{Issuer: cfg.JWTIssuer, SigningKey: key, TTL: cfg.TokenTTL})
	identitySvc := identity.NewService(identity.NewProfileRepo(pool), auth.NewAccounts(auth.NewAccountRepo(pool)), issuer, tx)

	notifier := notification.NewNotifier(notification.NewLogSender(logger.With().Str("component", "email").Logger()), nil)
	prov := provisioning.NewService(clinicRepo, clinicSvc, identitySvc, notifier, tx, m, logger,
		provisioning.Config{AppURL: cfg.AppURL, TrialDays: cfg.TrialDays})

	return &app{
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
		signingKey:   key,
		clinics:      clinicSvc,
		identity:     identitySvc,
		ledger:       ledger.New(ledger.NewRepo(pool)),
		provisioning: prov,
		gateway:      billing.NewStripeGateway(billing.StripeConfig{SecretKey: cfg.StripeSecretKey, MaxRetries: 2}, m),
		notifier:     notifier,
	}, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := newApp(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise services")
	}

	// In-flight guard
	var guard inflight.Guard = inflight.Noop{}
	health := map[string]db.Pinger{"postgres": pool}
	if cfg.RedisURL != "" {
		rg, client, err := inflight.NewRedisGuardFromURL(cfg.RedisURL, "regiflex:webhook:", cfg.InFlightTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure redis")
		}
		defer client.Close()
		guard = rg
		health["redis"] = rg
		logger.Info().Msg("webhook in-flight guard enabled")
	}

	driver := reconciliation.NewDriver(billing.NewVerifier(cfg.WebhookSecrets()), a.ledger, clinic.NewRepo(pool),
		a.provisioning, a.gateway, guard, db.NewTransactor(pool), a.metrics, logger)
	driver.SetNotifier(a.notifier, cfg.AppURL)
	driver.SetPlans(cfg.PriceIDs())

	subscriptions := subscription.NewService(a.gateway, clinic.NewRepo(pool), driver, logger,
		subscription.Config{PriceIDs: cfg.PriceIDs(), AppURL: cfg.AppURL})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(a.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.JWTIssuer,
		SigningKey: a.signingKey,
		Skipper:    auth.AuthSkipper,
	}))
	e.Use(middleware.Audit(logger))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	root := e.Group("")
	public := e.Group("", middleware.RateLimit(rateLimitCfg))
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg), middleware.RequestTimeout(30*time.Second))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(health))
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	// Domain routes
	identity.NewHandler(a.identity).RegisterRoutes(apiV1, public)
	clinic.NewHandler(a.clinics).RegisterRoutes(apiV1)
	ledger.NewHandler(a.ledger).RegisterRoutes(apiV1)
	subscription.NewHandler(subscriptions).RegisterRoutes(apiV1)
	provisioning.NewHandler(a.provisioning, cfg.IsProduction()).RegisterRoutes(public)

	// The processor retries on its own schedule, so the webhook is not rate
	// limited.
	reconciliation.NewHandler(driver).RegisterRoutes(root)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
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

// resolveSigningKey returns the configured token key. Development falls back
// to a random key; other environments have already been rejected by
// Config.Validate when the key is missing.
func resolveSigningKey(configured string, dev bool) ([]byte, bool, error) {
	if configured != "" {
		return []byte(configured), false, nil
	}
	if !dev {
		return nil, false, fmt.Errorf("JWT_SIGNING_KEY is required")
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate signing key: %w", err)
	}
	return key, true, nil
}
