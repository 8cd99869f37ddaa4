// Package paymentsmarble serves the payments and agent-wallet HTTP API.
//
// Handlers validate input, gate agent spending through the session authorizer,
// hand signing material from the key-value store to the contract dispatcher and
// record the outcome in the ledger. Recipients are notified asynchronously.
// A cron worker reconciles escrow rows left pending by CreateEscrow.
package paymentsmarble

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/Asupkay/vibe-platform/internal/kv"
	"github.com/Asupkay/vibe-platform/internal/logging"
	"github.com/Asupkay/vibe-platform/internal/metrics"
	"github.com/Asupkay/vibe-platform/internal/middleware"
	commonservice "github.com/Asupkay/vibe-platform/services/common/service"
	"github.com/Asupkay/vibe-platform/services/dispatcher"
	"github.com/Asupkay/vibe-platform/services/payments/ledger"
	"github.com/Asupkay/vibe-platform/services/session"
)

// =============================================================================
// Service Constants
// =============================================================================

const (
	ServiceID   = "payments"
	ServiceName = "Vibe Payments Service"
	Version     = "1.0.0"

	// DefaultReconcileInterval applies when Config.ReconcileInterval is zero.
	DefaultReconcileInterval = 30 * time.Second
	// DefaultStaleEscrowAfter is how long an escrow creation may stay unmined
	// before the reconciler gives up on it.
	DefaultStaleEscrowAfter = 24 * time.Hour
	reconcileBatchSize      = 50
)

// Dispatcher is the subset of *dispatcher.Dispatcher the handlers use.
type Dispatcher interface {
	Tip(ctx context.Context, req dispatcher.TipRequest) (*dispatcher.TipResult, error)
	CreateEscrow(ctx context.Context, req dispatcher.EscrowRequest) (*dispatcher.EscrowResult, error)
	CompleteEscrow(ctx context.Context, req dispatcher.CompleteRequest) (*dispatcher.CompleteResult, error)
	GetTransactionStatus(ctx context.Context, txHash common.Hash) (*dispatcher.TxStatusResult, error)
	BalanceOf(ctx context.Context, account common.Address) (decimal.Decimal, error)
}

// =============================================================================
// Service Definition
// =============================================================================

// Service implements the payments API.
type Service struct {
	*commonservice.BaseService

	dispatcher Dispatcher
	authorizer *session.Authorizer
	ledger     ledger.Ledger
	keys       kv.Store
	notifier   Notifier
	tipLimiter *middleware.WindowLimiter

	staleEscrowAfter time.Duration

	stats serviceStats
}

type serviceStats struct {
	tips        atomic.Int64
	escrows     atomic.Int64
	completions atomic.Int64
	spends      atomic.Int64
	earnings    atomic.Int64
	sessions    atomic.Int64
	reconciled  atomic.Int64
}

// Config holds payments service configuration.
type Config struct {
	Dispatcher Dispatcher
	Authorizer *session.Authorizer
	Ledger     ledger.Ledger
	// KV holds wallet key material and backs the tip rate limit.
	KV       kv.Store
	Notifier Notifier
	// TipLimiter defaults to TipsPerHour tips per hour per sender, counted in KV.
	TipLimiter  *middleware.WindowLimiter
	TipsPerHour int

	ReconcileInterval time.Duration
	// StaleEscrowAfter defaults to DefaultStaleEscrowAfter; negative disables it.
	StaleEscrowAfter time.Duration
	Logger           *logging.Logger
	Metrics          *metrics.Metrics
	Checks           map[string]commonservice.HealthCheck
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the payments service and registers its routes and workers.
func New(cfg Config) (*Service, error) {
	if cfg.Dispatcher == nil || cfg.Authorizer == nil || cfg.Ledger == nil || cfg.KV == nil {
		return nil, errMissingDependency
	}

	base := commonservice.NewBase(commonservice.BaseConfig{
		ID:      ServiceID,
		Name:    ServiceName,
		Version: Version,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
		Checks:  cfg.Checks,
	})

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	limiter := cfg.TipLimiter
	if limiter == nil {
		perHour := cfg.TipsPerHour
		if perHour <= 0 {
			perHour = 10
		}
		limiter = middleware.NewWindowLimiter(cfg.KV, "tip", perHour, time.Hour)
	}

	s := &Service{
		BaseService: base,
		dispatcher:  cfg.Dispatcher,
		authorizer:  cfg.Authorizer,
		ledger:      cfg.Ledger,
		keys:        cfg.KV,
		notifier:    notifier,
		tipLimiter:  limiter,
	}
	s.staleEscrowAfter = cfg.StaleEscrowAfter
	if s.staleEscrowAfter == 0 {
		s.staleEscrowAfter = DefaultStaleEscrowAfter
	}

	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if err := base.AddCronWorker("@every "+interval.String(), s.reconcilePendingEscrows); err != nil {
		return nil, err
	}
	base.WithHydrate(s.reconcileOnStart)
	base.WithStats(s.statistics)

	s.registerRoutes()
	return s, nil
}

func (s *Service) statistics() map[string]any {
	return map[string]any{
		"tips":               s.stats.tips.Load(),
		"escrows_created":    s.stats.escrows.Load(),
		"escrows_completed":  s.stats.completions.Load(),
		"agent_spends":       s.stats.spends.Load(),
		"agent_earnings":     s.stats.earnings.Load(),
		"expert_sessions":    s.stats.sessions.Load(),
		"escrows_reconciled": s.stats.reconciled.Load(),
		"background_workers": s.WorkerCount(),
	}
}
