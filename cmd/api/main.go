package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/mcclellann/fleetledger/internal/config"
	"github.com/mcclellann/fleetledger/internal/logger"
	"github.com/mcclellann/fleetledger/pkg/ledger"
	"github.com/mcclellann/fleetledger/pkg/store"
	"github.com/rs/zerolog"
)

// Server holds the ledger instance.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage // Keep a reference to the storage to close it
	log     zerolog.Logger
}

func NewServer(s store.Storage, opts ...ledger.Option) *Server {
	return &Server{
		ledger:  ledger.NewLedger(s, opts...),
		storage: s,
		log:     logger.WithComponent("api"),
	}
}

// Router registers every route. Literal segments come before {id} routes
// with the same prefix.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/reversal-preview", s.reversalPreviewHandler).Methods("POST")

	c := router.PathPrefix("/companies/{company}").Subrouter()

	c.HandleFunc("/payments", s.createPaymentHandler).Methods("POST")
	c.HandleFunc("/payments/{id}", s.getPaymentHandler).Methods("GET")
	c.HandleFunc("/payments/{id}", s.deletePaymentHandler).Methods("DELETE")
	c.HandleFunc("/payments/{id}/suggestions", s.suggestionsHandler).Methods("GET")
	c.HandleFunc("/payments/{id}/match", s.matchHandler).Methods("POST")
	c.HandleFunc("/payments/{id}/allocations", s.allocateHandler).Methods("POST")
	c.HandleFunc("/payments/{id}/reverse", s.reversePaymentHandler).Methods("POST")
	c.HandleFunc("/payments/{id}/cancel", s.cancelPaymentHandler).Methods("POST")
	c.HandleFunc("/payments/{id}/late-fine", s.assessLateFineHandler).Methods("POST")
	c.HandleFunc("/payments/{id}/late-fine/waive", s.waiveLateFineHandler).Methods("POST")

	c.HandleFunc("/invoices", s.createInvoiceHandler).Methods("POST")
	c.HandleFunc("/invoices/overpaid", s.overpaidInvoicesHandler).Methods("GET")
	c.HandleFunc("/invoices/{id}", s.getInvoiceHandler).Methods("GET")
	c.HandleFunc("/invoices/{id}", s.deleteInvoiceHandler).Methods("DELETE")

	c.HandleFunc("/contracts", s.createContractHandler).Methods("POST")
	c.HandleFunc("/contracts/{id}", s.getContractHandler).Methods("GET")
	c.HandleFunc("/contracts/{id}/overdue", s.overdueHandler).Methods("GET")
	c.HandleFunc("/contracts/{id}/schedules", s.createScheduleHandler).Methods("POST")
	c.HandleFunc("/contracts/{id}/schedules/dedupe", s.dedupeSchedulesHandler).Methods("POST")

	c.HandleFunc("/backfill", s.backfillHandler).Methods("POST")
	c.HandleFunc("/sweep", s.sweepHandler).Methods("POST")
	return router
}

// runScheduled refreshes overdue state and backfills invoices for the given
// companies, or for every company in the store when none are given.
func (s *Server) runScheduled(ctx context.Context, companies []uuid.UUID) {
	if len(companies) == 0 {
		ids, err := s.storage.ListCompanyIDs(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to list companies for sweep")
			return
		}
		companies = ids
	}
	for _, companyID := range companies {
		if ctx.Err() != nil {
			return
		}
		clog := logger.WithCompany("scheduler", companyID.String())
		if res, err := s.ledger.SweepOverdue(ctx, companyID); err != nil {
			clog.Error().Err(err).Msg("Overdue sweep failed")
		} else if err := res.Err(); err != nil {
			clog.Warn().Err(err).Msg("Overdue sweep completed with errors")
		}
		if res, err := s.ledger.BackfillInvoices(ctx, companyID); err != nil {
			clog.Error().Err(err).Msg("Invoice backfill failed")
		} else if err := res.Err(); err != nil {
			clog.Warn().Err(err).Msg("Invoice backfill completed with errors")
		}
	}
}

func (s *Server) startScheduler(ctx context.Context, interval time.Duration, companies []uuid.UUID) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.log.Info().Msg("Running scheduled overdue sweep and backfill...")
				s.runScheduled(ctx, companies)
				s.log.Info().Msg("Scheduled run complete.")
			}
		}
	}()
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logger.Setup(cfg.GetLoggerConfig()); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Initialize SQLite Store
	sqliteStore, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Fatal(err, "Failed to initialize SQLite store")
	}
	defer sqliteStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := NewServer(sqliteStore, cfg.LedgerOptions()...)
	server.startScheduler(ctx, cfg.SweepInterval, cfg.SweepCompanies)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			server.log.Error().Err(err).Msg("Server shutdown failed")
		}
	}()

	server.log.Info().Str("addr", cfg.Addr).Msg("Server starting")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(err, "Server stopped")
	}
	server.log.Info().Msg("Server stopped")
}
