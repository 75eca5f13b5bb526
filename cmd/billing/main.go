package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dukerupert/sitekit/internal/billing/batch"
	"github.com/dukerupert/sitekit/internal/billing/calendar"
	"github.com/dukerupert/sitekit/internal/billing/document"
	"github.com/dukerupert/sitekit/internal/billing/invoice"
	"github.com/dukerupert/sitekit/internal/billing/metrics"
	"github.com/dukerupert/sitekit/internal/billing/planchange"
	"github.com/dukerupert/sitekit/internal/billing/scheduler"
	"github.com/dukerupert/sitekit/internal/billing/selector"
	"github.com/dukerupert/sitekit/internal/billing/server"
	"github.com/dukerupert/sitekit/internal/billing/store"
	billingstripe "github.com/dukerupert/sitekit/internal/billing/stripe"
	"github.com/dukerupert/sitekit/internal/clock"
	"github.com/dukerupert/sitekit/internal/database"
	"github.com/dukerupert/sitekit/internal/email"
	"github.com/dukerupert/sitekit/internal/logging"
	"github.com/dukerupert/sitekit/internal/websocket"
)

func main() {
	cfg, err := loadConfig()
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var cal calendar.BusinessCalendar = calendar.Weekends{}
	if cfg.HolidaysFile != "" {
		h, err := calendar.LoadHolidaysFile(cfg.HolidaysFile)
		if err != nil {
			slog.Error("failed to load holiday calendar", "path", cfg.HolidaysFile, "error", err)
			os.Exit(1)
		}
		cal = h
	}

	contracts := store.NewContractStore(db)
	users := store.NewUserStore(db)
	invoices := store.NewInvoiceStore(db)
	notifications := store.NewNotificationStore(db)
	runs := store.NewRunStore(db)
	clk := clock.Real{}

	// Mail is optional; without it notifications are retried on later runs.
	var planMailer planchange.Mailer
	var invoiceMailer invoice.Mailer
	emailClient := email.NewClient(cfg.PostmarkToken, cfg.FromEmail, cfg.BaseURL)
	if emailClient.Configured() {
		planMailer = emailClient
		invoiceMailer = emailClient
	} else {
		slog.Warn("BILLING_POSTMARK_TOKEN not set, billing email disabled")
	}

	var archive invoice.Archive
	if a := document.NewArchive(cfg.S3, logger); a != nil {
		archive = a
	}

	stripeClient := billingstripe.NewClient(cfg.Stripe)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	hub := websocket.NewHub(logger)
	machine := planchange.New(contracts, users, notifications, planMailer, clk, cfg.Location, logger)

	runner := batch.NewRunner(batch.Deps{
		Selector:  selector.New(contracts, cal, logger),
		Machine:   machine,
		Enforcer:  planchange.NewEnforcer(contracts, users, notifications, planMailer, clk, logger),
		Issuer:    invoice.NewIssuer(stripeClient, invoiceMailer, archive, invoices, store.NewPackageStore(db), clk, invoice.Config{TaxRatePercent: cfg.TaxRatePercent}, logger),
		Contracts: contracts,
		Runs:      runs,
		Feed:      hub,
		Metrics:   m,
		Clock:     clk,
	}, batch.Config{Location: cfg.Location, ContractTimeout: cfg.ContractTimeout}, logger)

	deps := server.Deps{
		Runner:    runner,
		Changes:   machine,
		Contracts: contracts,
		Runs:      runs,
		Invoices:  invoices,
		Hub:       hub,
		Registry:  registry,
	}
	if cfg.Stripe.WebhookSecret != "" {
		deps.Webhooks = stripeClient
	}
	srv := server.New(deps, server.Config{
		CronToken:   cfg.CronToken,
		AdminToken:  cfg.AdminToken,
		FeedOrigins: cfg.FeedOrigins,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// A triggered run answers only when every contract is processed.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	var sched *scheduler.Scheduler
	if cfg.Schedule != "" {
		sched, err = scheduler.New(cfg.Schedule, cfg.Location, runner, logger)
		if err != nil {
			slog.Error("invalid BILLING_SCHEDULE", "error", err)
			os.Exit(1)
		}
		sched.Start()
	}

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-bgCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("billing service starting",
			"addr", ":"+cfg.Port,
			"timezone", cfg.Location.String(),
			"schedule", cfg.Schedule,
			"archive", archive != nil,
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	if sched != nil {
		sched.Stop()
	}
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
