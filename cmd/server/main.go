package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mandi/auction/internal/api"
	"github.com/mandi/auction/internal/commission"
	"github.com/mandi/auction/internal/config"
	"github.com/mandi/auction/internal/ingestion"
	"github.com/mandi/auction/internal/reconciliation"
	"github.com/mandi/auction/internal/repository"
	"github.com/mandi/auction/internal/settlement"
)

func main() {
	var (
		tokenSub  = flag.String("issue-token", "", "Print a bearer token for this operator id and exit")
		tokenRole = flag.String("role", api.RoleOperator, "Role for -issue-token (operator|admin)")
		tokenTTL  = flag.Duration("ttl", 12*time.Hour, "Lifetime for -issue-token")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed: ", err)
	}

	authOpts := api.AuthOptions{
		Enabled: cfg.Auth.IsEnabled(),
		Secret:  []byte(cfg.Auth.JWTSecret),
		Issuer:  cfg.Auth.Issuer,
	}
	if *tokenSub != "" {
		token, err := api.IssueToken(authOpts, *tokenSub, *tokenRole, *tokenTTL)
		if err != nil {
			log.Fatal("issue token: ", err)
		}
		fmt.Println(token)
		return
	}

	logger := cfg.Logger()
	logger.Info(
		"mandi auction starting",
		"addr", cfg.Server.Addr(),
		"env", cfg.Env(),
		"driver", cfg.Database.Driver,
		"auth", authOpts.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, cfg.Database.Options(), logger)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	lots := repository.NewLotRepo(db)
	sales := repository.NewSaleRepo(db)
	rules := repository.NewRuleRepo(db)
	traders := repository.NewTraderRepo(db)
	findings := repository.NewFindingRepo(db)
	weighings := repository.NewWeighingRepo(db)

	resolver := commission.NewResolver(rules, logger)
	engineOpts := cfg.Settlement.Options()
	engineOpts.Traders = traders
	engine, err := settlement.NewEngine(lots, sales, resolver, engineOpts, logger)
	if err != nil {
		logger.Error("settlement engine", "error", err)
		os.Exit(1)
	}
	ingestSvc := ingestion.NewService(weighings, logger)
	auditSvc := reconciliation.NewService(lots, sales, findings, logger)

	if cfg.SeedDir != "" {
		s := &seeder{dir: cfg.SeedDir, traders: traders, rules: rules, ingest: ingestSvc, logger: logger}
		if err := s.run(ctx); err != nil {
			logger.Warn("seeding failed", "dir", cfg.SeedDir, "error", err)
		}
	}

	router := api.NewRouter(api.Deps{
		Lots:     lots,
		Sales:    sales,
		Rules:    rules,
		Traders:  traders,
		Findings: findings,
		Resolver: resolver,
		Engine:   engine,
		Ingest:   ingestSvc,
		Audit:    auditSvc,
	}, api.Options{
		Auth:           authOpts,
		CORSOrigins:    cfg.Server.CORSOrigins,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, logger)

	srv := newHTTPServer(&cfg.Server, router, cfg.ShutdownTimeoutDuration(), logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("mandi auction stopped")
}
