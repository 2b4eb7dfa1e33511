// Package preflight is the reference gateway adapter: it runs the compliance
// evaluation and, only when the call is allowed, reserves its cost.
package preflight

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/dispatch-guard/internal/domain/billing"
	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
	"github.com/davidleathers/dispatch-guard/internal/infrastructure/telemetry"
	"github.com/davidleathers/dispatch-guard/internal/service/budget"
	compliancesvc "github.com/davidleathers/dispatch-guard/internal/service/compliance"
)

// Evaluator is satisfied by the compliance service.
type Evaluator interface {
	Evaluate(ctx context.Context, req compliancesvc.EvaluateRequest) (compliance.Verdict, error)
}

// Reserver is satisfied by the budget guard.
type Reserver interface {
	CheckAndReserve(ctx context.Context, req budget.ReserveRequest) (billing.Reservation, error)
}

// Request carries everything needed to clear one outbound call.
type Request struct {
	TenantID       uuid.UUID
	ToNumber       string
	Lead           *compliance.Lead
	ScheduledAt    *time.Time // defaults to now
	Flags          compliancesvc.Flags
	CostMinor      int64
	Currency       string
	IdempotencyKey string
	OperationKind  string
	Provider       string
	Metadata       map[string]string
}

// Decision is the gateway's answer. Reason is the stable code of whatever
// stopped the call, empty when Proceed is true.
type Decision struct {
	Proceed     bool                 `json:"proceed"`
	Verdict     compliance.Verdict   `json:"verdict"`
	Reservation *billing.Reservation `json:"reservation,omitempty"`
	Reason      string               `json:"reason,omitempty"`
}

type Service struct {
	evaluator Evaluator
	reserver  Reserver
	logger    *zap.Logger
}

func NewService(evaluator Evaluator, reserver Reserver, logger *zap.Logger) *Service {
	return &Service{
		evaluator: evaluator,
		reserver:  reserver,
		logger:    logger.Named("preflight"),
	}
}

// Check evaluates the call and reserves its cost. A blocked verdict stops
// before any reservation is attempted. Errors are only returned for invalid
// input and unavailable resources.
func (s *Service) Check(ctx context.Context, req Request) (Decision, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.Tracer("preflight"), "preflight.Check")

	verdict, err := s.evaluator.Evaluate(ctx, compliancesvc.EvaluateRequest{
		TenantID:    req.TenantID,
		ToNumber:    req.ToNumber,
		Lead:        req.Lead,
		ScheduledAt: req.ScheduledAt,
		Flags:       req.Flags,
	})
	if err != nil {
		telemetry.EndSpan(span, err)
		return Decision{}, err
	}

	d := Decision{Verdict: verdict}
	if !verdict.Allowed {
		d.Reason = verdict.BlockCode
		telemetry.EndSpan(span, nil)
		return d, nil
	}

	kind := req.OperationKind
	if kind == "" {
		kind = "call"
	}
	res, err := s.reserver.CheckAndReserve(ctx, budget.ReserveRequest{
		TenantID:       req.TenantID,
		AmountMinor:    req.CostMinor,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		OperationKind:  kind,
		Provider:       req.Provider,
		Metadata:       req.Metadata,
	})
	if err != nil {
		telemetry.EndSpan(span, err)
		return Decision{}, err
	}

	d.Reservation = &res
	d.Proceed = res.Reserved
	if !res.Reserved {
		d.Reason = res.Reason
	}
	telemetry.EndSpan(span, nil)

	telemetry.WithTrace(ctx, s.logger).Debug("preflight decided",
		zap.String("tenant_id", req.TenantID.String()),
		zap.Bool("proceed", d.Proceed),
		zap.String("reason", d.Reason))
	return d, nil
}
