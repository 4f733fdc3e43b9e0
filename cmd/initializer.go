package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"taskmarket/internal/config"
	"taskmarket/internal/handlers"
	"taskmarket/internal/payments"
	"taskmarket/internal/repositories"
	"taskmarket/internal/services"
)

type application struct {
	errorLog *log.Logger
	infoLog  *log.Logger
	logger   *slog.Logger

	jwtSecret []byte

	db  *sql.DB
	rdb *redis.Client

	ledger *services.PaymentLedger

	cartHandler       *handlers.CartHandler
	paymentHandler    *handlers.PaymentHandler
	webhookHandler    *handlers.WebhookHandler
	assignmentHandler *handlers.AssignmentHandler
	invoiceHandler    *handlers.InvoiceHandler
}

func initializeApp(ctx context.Context, cfg config.Config, db *sql.DB, errorLog, infoLog *log.Logger) (*application, error) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Repositories
	invoiceRepo := repositories.NewInvoiceRepository(db)
	paymentRepo := repositories.NewPaymentRepository(db)
	assignmentRepo := repositories.NewAssignmentRepository(db)

	var (
		cartStore services.CartStore
		rdb       *redis.Client
	)
	switch cfg.Cart.Store {
	case "redis":
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		cartStore = repositories.NewRedisCartRepository(rdb, cfg.Cart.TTL.Std())
		infoLog.Printf("Cart store: redis at %s", cfg.Redis.Addr)
	default:
		cartStore = repositories.NewCartRepository(db)
	}

	// Gateways
	gateways, err := buildGateways(cfg, logger, infoLog)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return nil, err
	}

	// Services
	policy := services.AssignmentPolicy{
		Statuses:        cfg.Assignment.Statuses,
		Strict:          cfg.Assignment.Strict,
		PaidStatus:      cfg.Assignment.PaidStatus,
		CompletedStatus: cfg.Assignment.CompletedStatus,
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("assignment policy: %w", err)
	}
	assignmentService := &services.AssignmentService{AssignmentRepo: assignmentRepo, Policy: policy, Logger: logger}
	cartService := &services.CartService{Store: cartStore, InvoiceRepo: invoiceRepo, Logger: logger}
	ledger := &services.PaymentLedger{PaymentRepo: paymentRepo, InvoiceRepo: invoiceRepo, Logger: logger}
	invoiceService := &services.InvoiceService{
		InvoiceRepo:    invoiceRepo,
		AssignmentRepo: assignmentRepo,
		Assignments:    assignmentService,
		Logger:         logger,
	}
	engine := &services.ReconciliationService{
		Cart:           cartService,
		Ledger:         ledger,
		Gateways:       gateways,
		Assignments:    assignmentService,
		InvoiceRepo:    invoiceRepo,
		AssignmentRepo: assignmentRepo,
		Logger:         logger,
	}

	return &application{
		errorLog:  errorLog,
		infoLog:   infoLog,
		logger:    logger,
		jwtSecret: []byte(cfg.Auth.JWTSecret),
		db:        db,
		rdb:       rdb,
		ledger:    ledger,

		cartHandler:       &handlers.CartHandler{Service: cartService, Logger: logger},
		paymentHandler:    &handlers.PaymentHandler{Engine: engine, Ledger: ledger, Logger: logger},
		webhookHandler:    &handlers.WebhookHandler{Engine: engine, Logger: logger},
		assignmentHandler: &handlers.AssignmentHandler{Service: assignmentService, Logger: logger},
		invoiceHandler:    &handlers.InvoiceHandler{Service: invoiceService, Logger: logger},
	}, nil
}

func buildGateways(cfg config.Config, logger *slog.Logger, infoLog *log.Logger) (*payments.Registry, error) {
	var list []payments.Gateway

	if cfg.Airbapay.Enabled() {
		var pem []byte
		if cfg.Airbapay.PublicKeyPath != "" {
			data, err := os.ReadFile(cfg.Airbapay.PublicKeyPath)
			if err != nil {
				return nil, fmt.Errorf("read airbapay public key: %w", err)
			}
			pem = data
		}
		card, err := payments.NewAirbapayGateway(payments.AirbapayConfig{
			Username:       cfg.Airbapay.Username,
			Password:       cfg.Airbapay.Password,
			TerminalID:     cfg.Airbapay.TerminalID,
			BaseURL:        cfg.Airbapay.BaseURL,
			SuccessBackURL: cfg.Airbapay.SuccessBackURL,
			FailureBackURL: cfg.Airbapay.FailureBackURL,
			CallbackURL:    cfg.Airbapay.CallbackURL,
			DefaultEmail:   cfg.Airbapay.DefaultEmail,
			DefaultPhone:   cfg.Airbapay.DefaultPhone,
			PublicKeyPEM:   pem,
			PublicKeyURL:   cfg.Airbapay.PublicKeyURL,
			WebhookSecret:  cfg.Airbapay.WebhookSecret,
			Logger:         logger.With("gateway", "airbapay"),
		})
		if err != nil {
			return nil, err
		}
		list = append(list, card)
		infoLog.Println("AirbaPay card gateway enabled")
	} else {
		infoLog.Println("AirbaPay card gateway disabled: missing credentials")
	}

	if cfg.Robokassa.Enabled() {
		wallet, err := payments.NewRobokassaGateway(payments.RobokassaConfig{
			MerchantLogin: cfg.Robokassa.MerchantLogin,
			Password1:     cfg.Robokassa.Password1,
			Password2:     cfg.Robokassa.Password2,
			TestPassword1: cfg.Robokassa.TestPassword1,
			TestPassword2: cfg.Robokassa.TestPassword2,
			BaseURL:       cfg.Robokassa.BaseURL,
			ServiceURL:    cfg.Robokassa.ServiceURL,
			IsTest:        cfg.Robokassa.IsTest,
			Logger:        logger.With("gateway", "robokassa"),
		})
		if err != nil {
			return nil, err
		}
		list = append(list, wallet)
		infoLog.Printf("Robokassa wallet gateway enabled (test=%t)", cfg.Robokassa.IsTest)
	} else {
		infoLog.Println("Robokassa wallet gateway disabled: missing credentials")
	}

	return payments.NewRegistry(list...), nil
}

func (app *application) close() {
	if app.rdb != nil {
		if err := app.rdb.Close(); err != nil {
			app.errorLog.Printf("close redis: %v", err)
		}
	}
}
