// Command kipubank runs the custody ledger HTTP service.
//
//	kipubank [-mode serve|migrate|token] [-principal name] [-ttl 24h]
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "github.com/lib/pq"

	app "github.com/jsegovia1984/KipuBankV2/internal/app"
	"github.com/jsegovia1984/KipuBankV2/internal/app/httpapi"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage/postgres"
	"github.com/jsegovia1984/KipuBankV2/internal/config"
	"github.com/jsegovia1984/KipuBankV2/internal/middleware"
	"github.com/jsegovia1984/KipuBankV2/internal/platform/migrations"
	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

func main() {
	mode := flag.String("mode", "serve", "serve, migrate or token")
	principal := flag.String("principal", "", "subject of the issued token (token mode)")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime of the issued token (token mode)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging)

	switch *mode {
	case "serve":
		err = serve(cfg, log)
	case "migrate":
		err = migrate(cfg, log)
	case "token":
		err = issueToken(cfg, *principal, *ttl)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.WithError(err).Fatal("kipubank exited")
	}
}

func serve(cfg *config.Config, log *logger.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores := app.Stores{}
	if cfg.Database.DSN != "" {
		db, err := openDB(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.Database.AutoMigrate {
			if err := migrations.Up(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		store := postgres.New(db)
		stores = app.Stores{Ledger: store, Roles: store, PriceFeeds: store}
		log.Info("using postgres storage")
	} else {
		log.Warn("DATABASE_URL not set; ledger state is kept in memory")
	}

	application, err := app.New(ctx, *cfg, stores, nil, log)
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(application, httpapi.Options{
		Auth: middleware.AuthConfig{
			Secret:      []byte(cfg.Auth.JWTSecret),
			Issuer:      cfg.Auth.Issuer,
			AllowHeader: cfg.Auth.AllowHeaderPrincipal,
			SkipPaths:   []string{"/healthz", "/metrics"},
		},
		RateLimit:   cfg.RateLimit.RequestsPerSecond,
		Burst:       cfg.RateLimit.Burst,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, log.Named("httpapi"))
	server := httpapi.NewService(httpapi.ServerConfig{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, handler, log.Named("http"))
	if err := application.Attach(server); err != nil {
		return err
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.Info("kipubank started")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return application.Stop(shutdownCtx)
}

func migrate(cfg *config.Config, log *logger.Logger) error {
	if cfg.Database.DSN == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}
	db, err := openDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := migrations.Up(db); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}

func issueToken(cfg *config.Config, principal string, ttl time.Duration) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("AUTH_JWT_SECRET is required to issue tokens")
	}
	if principal == "" {
		return errors.New("-principal is required")
	}
	now := time.Now()
	token, err := middleware.SignToken([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, principal, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
