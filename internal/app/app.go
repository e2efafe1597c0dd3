// Package app wires configuration, persistence, providers and the HTTP
// server into a runnable gateway.
package app

import (
	"context"
	"fmt"

	"github.com/kertaslab/papergate/internal/admission"
	"github.com/kertaslab/papergate/internal/audit"
	"github.com/kertaslab/papergate/internal/config"
	"github.com/kertaslab/papergate/internal/db"
	"github.com/kertaslab/papergate/internal/freepool"
	"github.com/kertaslab/papergate/internal/fx"
	"github.com/kertaslab/papergate/internal/ledger"
	"github.com/kertaslab/papergate/internal/logging"
	"github.com/kertaslab/papergate/internal/pricing"
	"github.com/kertaslab/papergate/internal/provider"
	"github.com/kertaslab/papergate/internal/selector"
	"github.com/kertaslab/papergate/internal/server"
	"github.com/kertaslab/papergate/internal/util"
	log "github.com/sirupsen/logrus"
)

// Migrate opens the database and applies the schema.
func Migrate(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the gateway and serves until ctx is done.
func RunServer(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Logging)

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("app: jwt secret not configured")
	}

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	pool := freepool.New(conn, cfg.Policy.DailyPoolTokens)

	primary := provider.NewOpenAI(
		cfg.Providers.Primary.APIKey,
		cfg.Providers.Primary.BaseURL,
		cfg.Providers.Timeout.Std(),
		cfg.Providers.StreamTimeout.Std(),
	)
	secondary := provider.NewOpenRouter(
		cfg.Providers.Secondary.APIKey,
		cfg.Providers.Secondary.BaseURL,
		cfg.Providers.Secondary.Referer,
		cfg.Providers.Secondary.Title,
		cfg.Providers.Timeout.Std(),
		cfg.Providers.StreamTimeout.Std(),
	)

	rates := fx.New(conn,
		cfg.FX.SourceURL,
		cfg.FX.CacheTTL.Std(),
		cfg.FX.MaxDBAge.Std(),
		cfg.FX.PlaceholderIDR,
	)

	srv := server.New(server.Deps{
		Config:    cfg,
		Admission: admission.New(cfg.Policy.MaxConcurrent),
		Selector:  selector.New(pool, cfg.Policy.FreeUsersPerDay, cfg.Policy.UserDailyCap),
		Estimator: pricing.New(cfg.Pricing.ModelsUSDPerMTok, cfg.Pricing.Markup),
		Rates:     rates,
		Ledger:    ledger.New(conn),
		Pool:      pool,
		Audit:     audit.New(conn),
		Primary:   primary,
		Secondary: secondary,
		Tokenizer: server.DefaultTokenizer(),
	})

	log.WithFields(log.Fields{
		"addr":          cfg.Server.Addr,
		"dialect":       db.DialectName(conn),
		"primary_key":   util.HideAPIKey(cfg.Providers.Primary.APIKey),
		"secondary_key": util.HideAPIKey(cfg.Providers.Secondary.APIKey),
	}).Info("gateway starting")
	return srv.Run(ctx)
}
