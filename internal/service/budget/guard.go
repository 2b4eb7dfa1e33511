// Package budget enforces per-tenant monthly spend caps against the
// append-only billing ledger.
//
// Every spend decision runs the same sequence inside one tenant-scoped lock:
// idempotency lookup, month-to-date sum, decision, append. Nothing else in
// the package writes to the ledger.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/dispatch-guard/internal/domain/billing"
	apperrors "github.com/davidleathers/dispatch-guard/internal/domain/errors"
	"github.com/davidleathers/dispatch-guard/internal/domain/validation"
	"github.com/davidleathers/dispatch-guard/internal/infrastructure/telemetry"
	"github.com/davidleathers/dispatch-guard/internal/metrics"
)

const DefaultLockTimeout = 2 * time.Second

// Reservation results reported to metrics.
const (
	resultReserved = "reserved"
	resultRejected = "rejected"
	resultReplayed = "replayed"
	resultError    = "error"
)

// ReserveRequest asks to spend AmountMinor for one metered operation.
// Currency defaults to the tenant policy currency and must match it.
type ReserveRequest struct {
	TenantID       uuid.UUID         `json:"tenant_id" validate:"required"`
	AmountMinor    int64             `json:"amount_minor" validate:"gt=0"`
	Currency       string            `json:"currency,omitempty" validate:"omitempty,iso4217"`
	IdempotencyKey string            `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
	OperationKind  string            `json:"operation_kind" validate:"required,max=64"`
	Provider       string            `json:"provider,omitempty" validate:"omitempty,max=64"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CreditRequest reverses earlier spend with a correction entry.
type CreditRequest struct {
	TenantID       uuid.UUID `json:"tenant_id" validate:"required"`
	AmountMinor    int64     `json:"amount_minor" validate:"gt=0"`
	Currency       string    `json:"currency,omitempty" validate:"omitempty,iso4217"`
	IdempotencyKey string    `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
	Reason         string    `json:"reason" validate:"required,max=255"`
}

// Usage is a point-in-time report of a tenant's spend.
type Usage struct {
	TenantID     uuid.UUID       `json:"tenant_id"`
	Window       billing.Window  `json:"window"`
	MTDMinor     int64           `json:"mtd_minor"`
	CapMinor     int64           `json:"cap_minor"`
	Currency     string          `json:"currency"`
	HardStop     bool            `json:"hard_stop"`
	Ratio        decimal.Decimal `json:"ratio"`
	ThresholdHit string          `json:"threshold_hit,omitempty"`
}

type Config struct {
	LockTimeout time.Duration
}

// Guard is the BudgetGuard. It is safe for concurrent use; serialization is
// delegated to the ledger store's tenant lock.
type Guard struct {
	ledger      LedgerStore
	lockTimeout time.Duration
	now         func() time.Time
	metrics     *metrics.Registry
	logger      *zap.Logger
}

// NewGuard builds a Guard. m and now may be nil.
func NewGuard(ledger LedgerStore, cfg Config, m *metrics.Registry, logger *zap.Logger, now func() time.Time) *Guard {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{
		ledger:      ledger,
		lockTimeout: cfg.LockTimeout,
		now:         now,
		metrics:     m,
		logger:      logger.Named("budget"),
	}
}

// CheckAndReserve decides whether req fits the tenant budget and, if so,
// appends it to the ledger. A hard-stop rejection is returned as an
// unreserved Reservation with a nil error. Errors are validation failures
// or ResourceUnavailable.
func (g *Guard) CheckAndReserve(ctx context.Context, req ReserveRequest) (res billing.Reservation, err error) {
	if err := validation.Struct(req); err != nil {
		return billing.Reservation{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.Tracer("budget"), "budget.CheckAndReserve",
		attribute.String("tenant.id", req.TenantID.String()),
		attribute.Int64("amount_minor", req.AmountMinor))
	defer func() {
		result := resultError
		switch {
		case err != nil:
		case res.Replayed:
			result = resultReplayed
		case res.Reserved:
			result = resultReserved
		default:
			result = resultRejected
		}
		g.metrics.RecordReservation(ctx, result, err == nil && res.Warning())
		span.SetAttributes(attribute.String("reservation.result", result))
		telemetry.EndSpan(span, err)
	}()

	logger := telemetry.WithTrace(ctx, g.logger).With(
		zap.String("tenant_id", req.TenantID.String()),
		zap.Int64("amount_minor", req.AmountMinor))

	err = g.locked(ctx, req.TenantID, func(tx LedgerTx) error {
		policy, err := tx.Policy(ctx)
		if err != nil {
			return err
		}
		now := g.now()

		if req.IdempotencyKey != "" {
			prior, err := tx.FindByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				if prior.AmountMinor != req.AmountMinor || prior.IsCorrection() {
					return idempotencyMismatch(req.IdempotencyKey)
				}
				res = prior.Outcome()
				return nil
			}
		}

		currency, err := matchCurrency(policy, req.Currency)
		if err != nil {
			return err
		}

		window := billing.WindowAt(policy.ResetDay, now)
		mtd, err := tx.SumWindow(ctx, window)
		if err != nil {
			return err
		}

		a := policy.Assess(mtd, req.AmountMinor)
		res = billing.Reservation{
			AmountMinor:  req.AmountMinor,
			MTDBefore:    a.MTDBefore,
			MTDAfter:     a.MTDAfter,
			CapMinor:     policy.MonthlyCapMinor,
			ThresholdHit: a.ThresholdHit,
			Window:       window,
		}
		if a.OverCap {
			if policy.HardStop {
				res.Reason = apperrors.CodeBudgetExceeded
				return nil
			}
			res.SoftExceeded = true
		}

		entry := billing.LedgerEntry{
			ID:             uuid.New(),
			TenantID:       req.TenantID,
			AmountMinor:    req.AmountMinor,
			Currency:       currency,
			Provider:       req.Provider,
			Kind:           req.OperationKind,
			Metadata:       req.Metadata,
			IdempotencyKey: req.IdempotencyKey,
			MTDBefore:      a.MTDBefore,
			MTDAfter:       a.MTDAfter,
			CapMinor:       policy.MonthlyCapMinor,
			ResetDay:       policy.ResetDay,
			ThresholdHit:   a.ThresholdHit,
			SoftExceeded:   res.SoftExceeded,
			CreatedAt:      now,
		}
		id, err := tx.Append(ctx, entry)
		if err != nil {
			return err
		}
		res.Reserved = true
		res.EntryID = id
		return nil
	})
	if err != nil {
		return billing.Reservation{}, g.classify(ctx, err)
	}

	switch {
	case !res.Reserved:
		logger.Info("reservation rejected, budget exceeded",
			zap.Int64("mtd_before", res.MTDBefore),
			zap.Int64("mtd_after", res.MTDAfter),
			zap.Int64("cap", res.CapMinor))
	case res.SoftExceeded:
		logger.Info("reservation over cap under soft stop",
			zap.Int64("mtd_after", res.MTDAfter),
			zap.Int64("cap", res.CapMinor))
	case res.ThresholdHit != "" && !res.Replayed:
		logger.Debug("budget warning threshold reached", zap.String("threshold", res.ThresholdHit))
	}
	return res, nil
}

// Credit appends a negative correction entry. Credits are never blocked by
// the cap. A repeated idempotency key returns the original entry.
func (g *Guard) Credit(ctx context.Context, req CreditRequest) (billing.LedgerEntry, error) {
	if err := validation.Struct(req); err != nil {
		return billing.LedgerEntry{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.Tracer("budget"), "budget.Credit",
		attribute.String("tenant.id", req.TenantID.String()))

	var out billing.LedgerEntry
	err := g.locked(ctx, req.TenantID, func(tx LedgerTx) error {
		policy, err := tx.Policy(ctx)
		if err != nil {
			return err
		}

		if req.IdempotencyKey != "" {
			prior, err := tx.FindByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				if prior.AmountMinor != -req.AmountMinor {
					return idempotencyMismatch(req.IdempotencyKey)
				}
				out = *prior
				return nil
			}
		}

		currency, err := matchCurrency(policy, req.Currency)
		if err != nil {
			return err
		}

		now := g.now()
		mtd, err := tx.SumWindow(ctx, billing.WindowAt(policy.ResetDay, now))
		if err != nil {
			return err
		}

		out = billing.LedgerEntry{
			ID:             uuid.New(),
			TenantID:       req.TenantID,
			AmountMinor:    -req.AmountMinor,
			Currency:       currency,
			Kind:           billing.KindCorrection,
			Metadata:       map[string]string{"reason": req.Reason},
			IdempotencyKey: req.IdempotencyKey,
			MTDBefore:      mtd,
			MTDAfter:       mtd - req.AmountMinor,
			CapMinor:       policy.MonthlyCapMinor,
			ResetDay:       policy.ResetDay,
			CreatedAt:      now,
		}
		out.ID, err = tx.Append(ctx, out)
		return err
	})
	if err != nil {
		err = g.classify(ctx, err)
		telemetry.EndSpan(span, err)
		return billing.LedgerEntry{}, err
	}
	telemetry.EndSpan(span, nil)

	fields := []zap.Field{
		zap.String("tenant_id", req.TenantID.String()),
		zap.Int64("amount_minor", req.AmountMinor),
		zap.String("reason", req.Reason),
	}
	if amount, err := out.Amount(); err == nil {
		fields = append(fields, zap.Stringer("amount", amount))
	}
	telemetry.WithTrace(ctx, g.logger).Info("credit recorded", fields...)
	return out, nil
}

// Usage reports month-to-date spend without taking the tenant lock.
func (g *Guard) Usage(ctx context.Context, tenantID uuid.UUID) (Usage, error) {
	policy, err := g.ledger.Policy(ctx, tenantID)
	if err != nil {
		return Usage{}, g.classify(ctx, err)
	}
	window := billing.WindowAt(policy.ResetDay, g.now())
	mtd, err := g.ledger.SumWindow(ctx, tenantID, window)
	if err != nil {
		return Usage{}, g.classify(ctx, err)
	}

	a := policy.Assess(mtd, 0)
	return Usage{
		TenantID:     tenantID,
		Window:       window,
		MTDMinor:     mtd,
		CapMinor:     policy.MonthlyCapMinor,
		Currency:     policy.Currency,
		HardStop:     policy.HardStop,
		Ratio:        a.Ratio,
		ThresholdHit: a.ThresholdHit,
	}, nil
}

// locked is the only entry to the tenant lock.
func (g *Guard) locked(ctx context.Context, tenantID uuid.UUID, fn func(tx LedgerTx) error) error {
	start := time.Now()
	acquired := false
	err := g.ledger.WithTenantLock(ctx, tenantID, g.lockTimeout, func(tx LedgerTx) error {
		acquired = true
		g.metrics.RecordLockWait(ctx, time.Since(start), true)
		return fn(tx)
	})
	if !acquired {
		g.metrics.RecordLockWait(ctx, time.Since(start), false)
	}
	return err
}

func (g *Guard) classify(ctx context.Context, err error) error {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, ErrLockTimeout):
		telemetry.WithTrace(ctx, g.logger).Warn("tenant budget lock timed out", zap.Duration("timeout", g.lockTimeout))
		return apperrors.NewResourceUnavailableError(apperrors.CodeLockTimeout, "tenant budget lock").WithCause(err)
	case errors.Is(err, ErrTenantNotFound):
		return apperrors.NewValidationError(apperrors.CodeInvalidInput, "unknown tenant").WithCause(err)
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return apperrors.NewValidationError(apperrors.CodeIdempotencyMismatch, "idempotency key already used").WithCause(err)
	default:
		telemetry.WithTrace(ctx, g.logger).Warn("ledger store unavailable", zap.Error(err))
		return apperrors.NewResourceUnavailableError(apperrors.CodeStoreUnavailable, "billing ledger").WithCause(err)
	}
}

func matchCurrency(policy billing.BudgetPolicy, requested string) (string, error) {
	if requested == "" {
		return policy.Currency, nil
	}
	if !strings.EqualFold(requested, policy.Currency) {
		return "", apperrors.NewValidationError(apperrors.CodeInvalidInput,
			fmt.Sprintf("currency %s does not match tenant budget currency %s", requested, policy.Currency))
	}
	return policy.Currency, nil
}

func idempotencyMismatch(key string) error {
	return apperrors.NewValidationError(apperrors.CodeIdempotencyMismatch,
		fmt.Sprintf("idempotency key %q was used for a different amount", key))
}
