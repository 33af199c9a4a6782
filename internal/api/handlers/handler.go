package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/partner-guardian/internal/api/middleware"
	"github.com/leozw/partner-guardian/internal/apperr"
	"github.com/leozw/partner-guardian/internal/auth"
	"github.com/leozw/partner-guardian/internal/core"
	"github.com/leozw/partner-guardian/internal/db"
	"github.com/leozw/partner-guardian/internal/scheduler"
)

// Store is the persistence the API reads and writes.
type Store interface {
	Ping() error

	GetUserByUsername(ctx context.Context, username string) (*core.User, error)
	GetUser(ctx context.Context, id string) (*core.User, error)
	UpdateUserPassword(ctx context.Context, id, hash string) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error

	ListPartners(ctx context.Context, activeOnly bool) ([]*core.Partner, error)
	GetPartner(ctx context.Context, id string) (*core.Partner, error)
	CreatePartner(ctx context.Context, p *core.Partner) error
	UpdatePartner(ctx context.Context, p *core.Partner) error
	DeletePartner(ctx context.Context, id string) error

	LatestSnapshot(ctx context.Context, partnerID string) (*core.Snapshot, error)
	LatestSnapshots(ctx context.Context) (map[string]*core.Snapshot, error)
	SaveConnectionLog(ctx context.Context, l *core.ConnectionLogEntry) error
	ListConnectionLogs(ctx context.Context, partnerID string, limit int) ([]*core.ConnectionLogEntry, error)
	DeleteConnectionLogs(ctx context.Context, partnerID string) (int64, error)
	ListHistory(ctx context.Context, partnerID string, limit int) ([]*core.ConcurrencyHistoryEntry, error)

	ListSettings(ctx context.Context) ([]core.Setting, error)
	GetSetting(ctx context.Context, key string) (*core.Setting, error)
	LoadSettings(ctx context.Context) (core.Settings, error)
	UpsertSettings(ctx context.Context, settings []core.Setting, updatedBy string) error

	ListAlerts(ctx context.Context, resolved bool, limit int) ([]*core.AlertLog, error)
	DismissAlert(ctx context.Context, id, by string, until time.Time) (*core.AlertLog, error)
	DismissedPartnerIDs(ctx context.Context, now time.Time) ([]string, error)
}

// Collector runs partner collection on demand.
type Collector interface {
	FetchAll(ctx context.Context) (scheduler.RunSummary, error)
	ForceSync(ctx context.Context, partnerID string) (*core.Snapshot, error)
}

type Tester interface {
	TestConnection(ctx context.Context, p *core.Partner) core.ConnectionTestResult
}

type Concurrency interface {
	Update(ctx context.Context, partnerID string, upd core.ConcurrencyUpdate, changedBy string) (*core.ConcurrencyResult, error)
	UpdateMany(ctx context.Context, upd core.BulkConcurrencyUpdate, changedBy string) ([]core.BulkConcurrencyItem, error)
	SetPauseNonPriority(ctx context.Context, partnerID string, enabled bool, changedBy string) (*core.PauseNonPriorityResult, error)
	SuggestFor(ctx context.Context, partnerID string) (core.ConcurrencySuggestion, error)
}

// PeriodReader queries a partner tenant for period statistics.
type PeriodReader interface {
	PeriodStats(ctx context.Context, p *core.Partner, period core.Period) (*core.PeriodStats, error)
}

// SeriesForgetter drops metric series of deleted partners.
type SeriesForgetter interface {
	ForgetPartner(partnerID string)
}

type Deps struct {
	Store       Store
	Collector   Collector
	Tester      Tester
	Concurrency Concurrency
	Periods     PeriodReader
	Tokens      *auth.TokenManager
	Origins     *middleware.Origins
	Metrics     SeriesForgetter
	Logger      *zap.Logger
}

type Handler struct {
	store       Store
	collector   Collector
	tester      Tester
	concurrency Concurrency
	periods     PeriodReader
	tokens      *auth.TokenManager
	origins     *middleware.Origins
	metrics     SeriesForgetter
	logger      *zap.Logger
	now         func() time.Time

	// background is the parent context of fire-and-forget work such as
	// force-sync, so it outlives the request that started it.
	background context.Context
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		store:       d.Store,
		collector:   d.Collector,
		tester:      d.Tester,
		concurrency: d.Concurrency,
		periods:     d.Periods,
		tokens:      d.Tokens,
		origins:     d.Origins,
		metrics:     d.Metrics,
		logger:      d.Logger,
		now:         time.Now,
		background:  context.Background(),
	}
}

// WithBackground sets the context background jobs run under; cancelling it
// stops them on shutdown.
func (h *Handler) WithBackground(ctx context.Context) *Handler {
	h.background = ctx
	return h
}

// respondError maps an error to a status code. Unexpected errors are logged
// and reported with the generic message.
func (h *Handler) respondError(c *gin.Context, err error, message string) {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr) && appErr.Kind == apperr.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": appErr.Err.Error()})
	case errors.Is(err, core.ErrAmbiguousCredential):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": message + ": not found"})
	default:
		h.logger.Error(message, zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

// queryLimit reads ?limit=, defaulting to def and capped at ceiling.
func queryLimit(c *gin.Context, def, ceiling int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > ceiling {
		return ceiling
	}
	return n
}

func (h *Handler) settings(ctx context.Context) core.Settings {
	settings, err := h.store.LoadSettings(ctx)
	if err != nil {
		h.logger.Warn("Failed to load settings, using defaults", zap.Error(err))
		return core.DefaultSettings()
	}
	return settings
}
