// Package compliance decides whether a call may be placed: do-not-call
// lists, quiet hours, consent regime and legal review, evaluated against the
// country rule resolved for the tenant.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
	apperrors "github.com/davidleathers/dispatch-guard/internal/domain/errors"
	"github.com/davidleathers/dispatch-guard/internal/domain/values"
	"github.com/davidleathers/dispatch-guard/internal/infrastructure/telemetry"
	"github.com/davidleathers/dispatch-guard/internal/metrics"
	"github.com/davidleathers/dispatch-guard/internal/service/dnc"
)

const skippedUndetectable = "skipped: country undetectable"

// Flags are per-request switches supplied by the gateway.
type Flags struct {
	LegalAccepted bool `json:"legal_accepted"`
}

// EvaluateRequest describes one intended outbound call.
type EvaluateRequest struct {
	TenantID    uuid.UUID        `json:"tenant_id"`
	ToNumber    string           `json:"to_number"`
	Lead        *compliance.Lead `json:"lead,omitempty"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"` // defaults to now
	Flags       Flags            `json:"flags"`
}

// Dependencies are the collaborators of a Service. Registry may be nil.
type Dependencies struct {
	Rules        RuleResolver
	CallingCodes values.CallingCodeTable
	LocalDNC     dnc.LocalList
	Registry     dnc.RegistryChecker
	Tenants      TenantSettingsStore
	Campaigns    CampaignStore
	Metrics      *metrics.Registry
	Now          func() time.Time
}

// Service is the compliance decision engine. It holds no per-request state
// and is safe for concurrent use.
type Service struct {
	deps   Dependencies
	now    func() time.Time
	logger *zap.Logger
}

func NewService(deps Dependencies, logger *zap.Logger) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		deps:   deps,
		now:    now,
		logger: logger.Named("compliance"),
	}
}

// Evaluate runs every check for req and returns the verdict. Blocks are
// reported in the verdict; the error is reserved for invalid requests and
// unreachable stores.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (verdict compliance.Verdict, err error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.Tracer("compliance"), "compliance.Evaluate",
		attribute.String("tenant.id", req.TenantID.String()))
	defer func() {
		if err == nil {
			span.SetAttributes(
				attribute.Bool("verdict.allowed", verdict.Allowed),
				attribute.String("verdict.country", verdict.CountryISO),
				attribute.String("verdict.block_code", verdict.BlockCode))
			s.deps.Metrics.RecordVerdict(ctx, verdict.Allowed, verdict.BlockCode, time.Since(start))
		}
		telemetry.EndSpan(span, err)
	}()

	if req.TenantID == uuid.Nil || strings.TrimSpace(req.ToNumber) == "" {
		return compliance.Verdict{}, apperrors.NewValidationError(apperrors.CodeInvalidInput, "tenant_id and to_number are required")
	}

	instant := s.now()
	if req.ScheduledAt != nil {
		instant = *req.ScheduledAt
	}

	settings, err := s.deps.Tenants.Settings(ctx, req.TenantID)
	if err != nil {
		return compliance.Verdict{}, unavailable("tenant settings", err)
	}

	lead := req.Lead
	verdict = compliance.Verdict{Nature: lead.LeadNature()}

	phone, phoneErr := values.NewPhoneNumber(req.ToNumber)
	iso := s.detectCountry(lead, phone, phoneErr)

	if err := s.checkLocalDNC(ctx, &verdict, req.TenantID, phone, phoneErr); err != nil {
		return compliance.Verdict{}, err
	}

	if iso == "" {
		verdict.Warn(compliance.WarnCountryUndetectable, fmt.Sprintf("could not derive a country from %q", req.ToNumber))
		for _, name := range []compliance.CheckName{
			compliance.CheckDNCRegistry,
			compliance.CheckQuietHours,
			compliance.CheckConsent,
			compliance.CheckAIDisclosure,
		} {
			verdict.Record(compliance.Check{Name: name, Passed: true, Message: skippedUndetectable})
		}
	} else {
		resolved, err := s.deps.Rules.Resolve(ctx, req.TenantID, iso)
		if err != nil {
			return compliance.Verdict{}, err
		}
		rule := resolved.Rule
		verdict.CountryISO = iso
		verdict.RuleSource = resolved.Source
		verdict.DatasetVersion = resolved.DatasetVersion
		verdict.RecordingBasis = rule.RecordingBasis

		s.checkRegistry(ctx, &verdict, settings, rule, phone, phoneErr)

		if err := s.checkQuietHours(ctx, &verdict, lead, settings, rule, instant); err != nil {
			return compliance.Verdict{}, err
		}

		regime := rule.RegimeFor(verdict.Nature)
		verdict.ResolvedRegime = regime
		passed, msg := compliance.CheckConsent(regime, lead.Consent())
		verdict.Record(compliance.Check{Name: compliance.CheckConsent, Passed: passed, Message: msg, Source: string(resolved.Source)})

		checkAIDisclosure(&verdict, rule)
	}

	checkLegalReview(&verdict, settings, req.Flags)
	verdict.Finalize()

	if !verdict.Allowed {
		telemetry.WithTrace(ctx, s.logger).Debug("call blocked",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("country_iso", verdict.CountryISO),
			zap.String("block_code", verdict.BlockCode),
			zap.String("block_reason", verdict.BlockReason))
	}
	return verdict, nil
}

// detectCountry prefers the lead's explicit country, then the calling code.
// It returns "" when neither is available.
func (s *Service) detectCountry(lead *compliance.Lead, phone values.PhoneNumber, phoneErr error) string {
	if lead != nil && lead.CountryISO != "" {
		return strings.ToUpper(lead.CountryISO)
	}
	if phoneErr != nil {
		return ""
	}
	iso, ok := phone.CountryISO(s.deps.CallingCodes)
	if !ok {
		return ""
	}
	return iso
}

func (s *Service) checkLocalDNC(ctx context.Context, v *compliance.Verdict, tenantID uuid.UUID, phone values.PhoneNumber, phoneErr error) error {
	if phoneErr != nil {
		v.Record(compliance.Check{Name: compliance.CheckDNCLocal, Passed: true, Message: "skipped: number not in E.164 form"})
		return nil
	}
	listed, err := s.deps.LocalDNC.Contains(ctx, tenantID, phone)
	if err != nil {
		return unavailable("local dnc list", err)
	}
	if listed {
		v.Record(compliance.Check{Name: compliance.CheckDNCLocal, Message: "DNC: number is on the tenant do-not-call list"})
		return nil
	}
	v.Record(compliance.Check{Name: compliance.CheckDNCLocal, Passed: true, Message: "not on local list"})
	return nil
}

// checkRegistry never fails the evaluation: an unreachable or unconfigured
// registry becomes a warning.
func (s *Service) checkRegistry(ctx context.Context, v *compliance.Verdict, settings compliance.TenantSettings, rule compliance.CountryRule, phone values.PhoneNumber, phoneErr error) {
	check := compliance.Check{Name: compliance.CheckDNCRegistry, Passed: true, Source: rule.DNC.Name}

	if !rule.DNC.Required {
		check.Message = "registry check not required"
		v.Record(check)
		return
	}
	if phoneErr != nil {
		check.Message = "skipped: number not in E.164 form"
		v.Record(check)
		v.Warn(compliance.WarnDNCRegistryUnavailable, fmt.Sprintf("%s cannot be queried without an E.164 number", registryName(rule)))
		return
	}

	registry := s.deps.Registry
	if registry == nil || !settings.DNCRegistryEnabled || !rule.DNC.APIAvailable || !registry.Supports(rule.CountryISO) {
		check.Message = "registry check required but not configured"
		v.Record(check)
		v.Warn(compliance.WarnDNCRegistryUnavailable, fmt.Sprintf("%s check required for %s but no registry is configured", registryName(rule), rule.CountryISO))
		return
	}

	listed, err := registry.Listed(ctx, rule.CountryISO, phone)
	switch {
	case err != nil:
		check.Message = "registry unavailable"
		v.Record(check)
		v.Warn(compliance.WarnDNCRegistryUnavailable, fmt.Sprintf("%s lookup failed: %v", registryName(rule), err))
		telemetry.WithTrace(ctx, s.logger).Warn("dnc registry lookup failed, continuing without it",
			zap.String("country_iso", rule.CountryISO), zap.Error(err))
	case listed:
		check.Passed = false
		check.Message = fmt.Sprintf("DNC: number is listed on %s", registryName(rule))
		v.Record(check)
	default:
		check.Message = "not listed"
		v.Record(check)
	}
}

func registryName(rule compliance.CountryRule) string {
	if rule.DNC.Name != "" {
		return rule.DNC.Name
	}
	return "the national do-not-call registry"
}

func (s *Service) checkQuietHours(ctx context.Context, v *compliance.Verdict, lead *compliance.Lead, settings compliance.TenantSettings, rule compliance.CountryRule, instant time.Time) error {
	var campaign *compliance.CampaignQuietHours
	if lead != nil && lead.CampaignID != nil && s.deps.Campaigns != nil {
		c, err := s.deps.Campaigns.QuietHours(ctx, *lead.CampaignID)
		if err != nil {
			return unavailable("campaign store", err)
		}
		campaign = c
	}

	policy := compliance.ResolveQuietHours(campaign, settings.QuietHours, &rule, rule.Timezone)
	blocked, reason := compliance.InQuietHours(policy, instant)

	check := compliance.Check{Name: compliance.CheckQuietHours, Passed: !blocked, Source: string(policy.Source)}
	switch {
	case blocked:
		check.Message = fmt.Sprintf("%s [source=%s]", reason, policy.Source)
	case !policy.Enabled:
		check.Message = fmt.Sprintf("quiet hours disabled [source=%s]", policy.Source)
	default:
		check.Message = fmt.Sprintf("outside quiet hours [source=%s]", policy.Source)
	}
	v.Record(check)
	return nil
}

func checkAIDisclosure(v *compliance.Verdict, rule compliance.CountryRule) {
	if !rule.AIDisclosureRequired {
		v.Record(compliance.Check{Name: compliance.CheckAIDisclosure, Passed: true, Message: "no disclosure required"})
		return
	}
	note := rule.AIDisclosureNote
	if note == "" {
		note = fmt.Sprintf("AI disclosure required in %s", rule.CountryISO)
	}
	v.Record(compliance.Check{Name: compliance.CheckAIDisclosure, Passed: true, Message: "disclosure required"})
	v.Warn(compliance.WarnAIDisclosureRequired, note)
}

func checkLegalReview(v *compliance.Verdict, settings compliance.TenantSettings, flags Flags) {
	switch {
	case !settings.RequireLegalReview:
		v.Record(compliance.Check{Name: compliance.CheckLegalReview, Passed: true, Message: "not required"})
	case flags.LegalAccepted:
		v.Record(compliance.Check{Name: compliance.CheckLegalReview, Passed: true, Message: "legal terms accepted"})
	default:
		v.Record(compliance.Check{Name: compliance.CheckLegalReview, Message: "legal review: campaign terms not accepted"})
	}
}

// unavailable maps a collaborator failure to ResourceUnavailable unless it
// already carries a classification.
func unavailable(resource string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.NewResourceUnavailableError(apperrors.CodeStoreUnavailable, resource).WithCause(err)
}
