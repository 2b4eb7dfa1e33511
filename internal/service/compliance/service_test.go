package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
	apperrors "github.com/davidleathers/dispatch-guard/internal/domain/errors"
	"github.com/davidleathers/dispatch-guard/internal/domain/values"
	"github.com/davidleathers/dispatch-guard/internal/service/dnc"
	"github.com/davidleathers/dispatch-guard/internal/service/rules"
)

const (
	usNumber = "+12125550100"
	itNumber = "+390612345678"
)

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) Listed(ctx context.Context, countryISO string, phone values.PhoneNumber) (bool, error) {
	args := m.Called(ctx, countryISO, phone)
	return args.Bool(0), args.Error(1)
}

func (m *MockRegistry) Supports(countryISO string) bool {
	return m.Called(countryISO).Bool(0)
}

type failingSettings struct{}

func (failingSettings) Settings(context.Context, uuid.UUID) (compliance.TenantSettings, error) {
	return compliance.TenantSettings{}, errors.New("connection refused")
}

type fixture struct {
	tenant   uuid.UUID
	service  *Service
	settings *MemorySettings
	local    *dnc.MemoryList
	deps     Dependencies
}

func newFixture(t *testing.T, registry dnc.RegistryChecker) *fixture {
	t.Helper()
	ds, err := rules.EmbeddedDataset()
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	settings := NewMemorySettings()
	local := dnc.NewMemoryList()
	deps := Dependencies{
		Rules:        rules.NewStore(rules.NewMemoryOverrideStore(), nil, ds, nil, logger),
		CallingCodes: ds.CallingCodes(),
		LocalDNC:     local,
		Registry:     registry,
		Tenants:      settings,
		Campaigns:    settings,
	}
	return &fixture{
		tenant:   uuid.New(),
		service:  NewService(deps, logger),
		settings: settings,
		local:    local,
		deps:     deps,
	}
}

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

// Wednesday noon in New York, outside every configured quiet window.
func usBusinessHours(t *testing.T) *time.Time {
	at := time.Date(2026, 10, 14, 12, 0, 0, 0, mustLocation(t, "America/New_York"))
	return &at
}

func lead(consent compliance.ConsentStatus, nature compliance.Nature) *compliance.Lead {
	return &compliance.Lead{ID: uuid.New(), ConsentStatus: consent, Nature: nature}
}

func TestEvaluate_ItalySaturdayForbidden(t *testing.T) {
	f := newFixture(t, nil)
	rome := mustLocation(t, "Europe/Rome")

	for hour := 0; hour < 24; hour++ {
		at := time.Date(2026, 10, 17, hour, 30, 0, 0, rome)
		v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
			TenantID:    f.tenant,
			ToNumber:    itNumber,
			Lead:        lead(compliance.ConsentGranted, compliance.NatureB2B),
			ScheduledAt: &at,
		})
		require.NoError(t, err)

		assert.False(t, v.Allowed, "hour %d", hour)
		assert.Equal(t, apperrors.CodeQuietHours, v.BlockCode)
		assert.Contains(t, v.BlockReason, "Saturday calls forbidden")
		assert.Contains(t, v.BlockReason, "[source=country]")
		assert.Equal(t, "IT", v.CountryISO)
	}
}

func TestEvaluate_RegimeMatrix(t *testing.T) {
	tests := []struct {
		name    string
		nature  compliance.Nature
		consent compliance.ConsentStatus
		regime  compliance.ConsentRegime
		allowed bool
	}{
		{"opt_in unknown blocks", compliance.NatureB2C, compliance.ConsentUnknown, compliance.RegimeOptIn, false},
		{"opt_in denied blocks", compliance.NatureB2C, compliance.ConsentDenied, compliance.RegimeOptIn, false},
		{"opt_in granted allows", compliance.NatureB2C, compliance.ConsentGranted, compliance.RegimeOptIn, true},
		{"opt_out unknown allows", compliance.NatureB2B, compliance.ConsentUnknown, compliance.RegimeOptOut, true},
		{"opt_out denied blocks", compliance.NatureB2B, compliance.ConsentDenied, compliance.RegimeOptOut, false},
		{"unknown nature takes stricter regime", compliance.NatureUnknown, compliance.ConsentUnknown, compliance.RegimeOptIn, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
				TenantID:    f.tenant,
				ToNumber:    usNumber,
				Lead:        lead(tt.consent, tt.nature),
				ScheduledAt: usBusinessHours(t),
			})
			require.NoError(t, err)

			assert.Equal(t, tt.allowed, v.Allowed)
			assert.Equal(t, tt.regime, v.ResolvedRegime)
			if !tt.allowed {
				assert.Equal(t, apperrors.CodeConsent, v.BlockCode)
				assert.Contains(t, v.BlockReason, "no consent")
			}
		})
	}
}

func TestEvaluate_MissingLeadIsUnknown(t *testing.T) {
	f := newFixture(t, nil)

	v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
		TenantID:    f.tenant,
		ToNumber:    usNumber,
		ScheduledAt: usBusinessHours(t),
	})
	require.NoError(t, err)

	assert.Equal(t, compliance.NatureUnknown, v.Nature)
	assert.False(t, v.Allowed)
	assert.Equal(t, apperrors.CodeConsent, v.BlockCode)
}

func TestEvaluate_CampaignDisablesQuietHours(t *testing.T) {
	f := newFixture(t, nil)
	campaignID := uuid.New()
	disabled := false
	f.settings.SetCampaign(campaignID, compliance.CampaignQuietHours{Enabled: &disabled})

	l := lead(compliance.ConsentGranted, compliance.NatureB2B)
	l.CampaignID = &campaignID
	at := time.Date(2026, 10, 17, 11, 0, 0, 0, mustLocation(t, "Europe/Rome"))

	v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
		TenantID:    f.tenant,
		ToNumber:    itNumber,
		Lead:        l,
		ScheduledAt: &at,
	})
	require.NoError(t, err)

	assert.True(t, v.Allowed)
	check, ok := v.Find(compliance.CheckQuietHours)
	require.True(t, ok)
	assert.True(t, check.Passed)
	assert.Equal(t, string(compliance.PolicyFromCampaign), check.Source)
}

func TestEvaluate_TenantDefaultQuietHours(t *testing.T) {
	f := newFixture(t, nil)
	f.settings.SetTenant(f.tenant, compliance.TenantSettings{
		QuietHours: &compliance.QuietHours{
			Enabled: true,
			Weekday: compliance.MustParseDayWindow("11:00-13:00"),
		},
	})

	v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
		TenantID:    f.tenant,
		ToNumber:    usNumber,
		Lead:        lead(compliance.ConsentGranted, compliance.NatureB2C),
		ScheduledAt: usBusinessHours(t),
	})
	require.NoError(t, err)

	assert.False(t, v.Allowed)
	assert.Equal(t, apperrors.CodeQuietHours, v.BlockCode)
	assert.Contains(t, v.BlockReason, "weekday quiet hours 11:00-13:00 America/New_York")
	assert.Contains(t, v.BlockReason, "[source=tenant_default]")
}

func TestEvaluate_LocalDNCTakesPrecedence(t *testing.T) {
	f := newFixture(t, nil)
	f.local.Add(f.tenant, values.MustNewPhoneNumber(itNumber))
	at := time.Date(2026, 10, 17, 11, 0, 0, 0, mustLocation(t, "Europe/Rome"))

	v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
		TenantID:    f.tenant,
		ToNumber:    itNumber,
		ScheduledAt: &at,
	})
	require.NoError(t, err)

	assert.False(t, v.Allowed)
	assert.Equal(t, apperrors.CodeDNC, v.BlockCode)
	assert.Contains(t, v.BlockReason, "DNC")

	// The quiet-hours failure is still recorded.
	qh, _ := v.Find(compliance.CheckQuietHours)
	assert.False(t, qh.Passed)
}

func TestEvaluate_CheckOrder(t *testing.T) {
	f := newFixture(t, nil)

	v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
		TenantID:    f.tenant,
		ToNumber:    usNumber,
		Lead:        lead(compliance.ConsentGranted, compliance.NatureB2C),
		ScheduledAt: usBusinessHours(t),
	})
	require.NoError(t, err)

	names := make([]compliance.CheckName, 0, len(v.Checks))
	for _, c := range v.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []compliance.CheckName{
		compliance.CheckDNCLocal,
		compliance.CheckDNCRegistry,
		compliance.CheckQuietHours,
		compliance.CheckConsent,
		compliance.CheckAIDisclosure,
		compliance.CheckLegalReview,
	}, names)

	assert.True(t, v.Allowed)
	assert.Equal(t, compliance.RecordingOnePartyConsent, v.RecordingBasis)
	assert.Equal(t, compliance.SourceDataset, v.RuleSource)
	assert.True(t, v.HasWarning(compliance.WarnAIDisclosureRequired))
	assert.True(t, v.HasWarning(compliance.WarnDNCRegistryUnavailable))
}

func TestEvaluate_Registry(t *testing.T) {
	phone := values.MustNewPhoneNumber(usNumber)

	t.Run("listed blocks", func(t *testing.T) {
		reg := new(MockRegistry)
		reg.On("Supports", "US").Return(true)
		reg.On("Listed", mock.Anything, "US", phone).Return(true, nil)

		f := newFixture(t, reg)
		f.settings.SetTenant(f.tenant, compliance.TenantSettings{DNCRegistryEnabled: true})

		v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
			TenantID:    f.tenant,
			ToNumber:    usNumber,
			Lead:        lead(compliance.ConsentGranted, compliance.NatureB2C),
			ScheduledAt: usBusinessHours(t),
		})
		require.NoError(t, err)

		assert.False(t, v.Allowed)
		assert.Equal(t, apperrors.CodeDNC, v.BlockCode)
		assert.Contains(t, v.BlockReason, "National Do Not Call Registry")
		reg.AssertExpectations(t)
	})

	t.Run("unavailable warns", func(t *testing.T) {
		reg := new(MockRegistry)
		reg.On("Supports", "US").Return(true)
		reg.On("Listed", mock.Anything, "US", phone).Return(false, dnc.ErrRegistryUnavailable)

		f := newFixture(t, reg)
		f.settings.SetTenant(f.tenant, compliance.TenantSettings{DNCRegistryEnabled: true})

		v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
			TenantID:    f.tenant,
			ToNumber:    usNumber,
			Lead:        lead(compliance.ConsentGranted, compliance.NatureB2C),
			ScheduledAt: usBusinessHours(t),
		})
		require.NoError(t, err)

		assert.True(t, v.Allowed)
		assert.True(t, v.HasWarning(compliance.WarnDNCRegistryUnavailable))
	})

	t.Run("tenant opted out of registry", func(t *testing.T) {
		reg := new(MockRegistry)
		f := newFixture(t, reg)

		v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
			TenantID:    f.tenant,
			ToNumber:    usNumber,
			Lead:        lead(compliance.ConsentGranted, compliance.NatureB2C),
			ScheduledAt: usBusinessHours(t),
		})
		require.NoError(t, err)

		assert.True(t, v.Allowed)
		assert.True(t, v.HasWarning(compliance.WarnDNCRegistryUnavailable))
		reg.AssertNotCalled(t, "Listed", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestEvaluate_CountryUndetectable(t *testing.T) {
	f := newFixture(t, nil)

	v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
		TenantID: f.tenant,
		ToNumber: "+8861234567",
	})
	require.NoError(t, err)

	assert.True(t, v.Allowed)
	assert.Empty(t, v.CountryISO)
	assert.True(t, v.HasWarning(compliance.WarnCountryUndetectable))
	qh, ok := v.Find(compliance.CheckQuietHours)
	require.True(t, ok)
	assert.Equal(t, skippedUndetectable, qh.Message)
	assert.Len(t, v.Checks, 6)
}

func TestEvaluate_NationalFormatIsUndetectable(t *testing.T) {
	f := newFixture(t, nil)

	v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
		TenantID:    f.tenant,
		ToNumber:    "333 123 4567",
		Lead:        lead(compliance.ConsentUnknown, compliance.NatureB2C),
		ScheduledAt: usBusinessHours(t),
	})
	require.NoError(t, err)

	assert.True(t, v.Allowed)
	assert.Empty(t, v.CountryISO)
	assert.True(t, v.HasWarning(compliance.WarnCountryUndetectable))
	consent, ok := v.Find(compliance.CheckConsent)
	require.True(t, ok)
	assert.Equal(t, skippedUndetectable, consent.Message)
}

func TestEvaluate_UndetectableStillRunsIndependentChecks(t *testing.T) {
	f := newFixture(t, nil)
	f.settings.SetTenant(f.tenant, compliance.TenantSettings{RequireLegalReview: true})

	v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
		TenantID: f.tenant,
		ToNumber: "not a number",
	})
	require.NoError(t, err)

	assert.False(t, v.Allowed)
	assert.Equal(t, apperrors.CodeLegalReview, v.BlockCode)
	assert.True(t, v.HasWarning(compliance.WarnCountryUndetectable))
}

func TestEvaluate_LegalReview(t *testing.T) {
	f := newFixture(t, nil)
	f.settings.SetTenant(f.tenant, compliance.TenantSettings{RequireLegalReview: true})
	req := EvaluateRequest{
		TenantID:    f.tenant,
		ToNumber:    usNumber,
		Lead:        lead(compliance.ConsentGranted, compliance.NatureB2C),
		ScheduledAt: usBusinessHours(t),
	}

	v, err := f.service.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, apperrors.CodeLegalReview, v.BlockCode)

	blocked := v.Err()
	assert.True(t, apperrors.IsType(blocked, apperrors.ErrorTypeBlockedByPolicy))

	req.Flags.LegalAccepted = true
	v, err = f.service.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.NoError(t, v.Err())
}

func TestEvaluate_LeadCountryWins(t *testing.T) {
	f := newFixture(t, nil)
	l := lead(compliance.ConsentGranted, compliance.NatureB2B)
	l.CountryISO = "it"

	v, err := f.service.Evaluate(context.Background(), EvaluateRequest{
		TenantID:    f.tenant,
		ToNumber:    usNumber,
		Lead:        l,
		ScheduledAt: usBusinessHours(t),
	})
	require.NoError(t, err)
	assert.Equal(t, "IT", v.CountryISO)
}

func TestEvaluate_Errors(t *testing.T) {
	t.Run("invalid request", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.service.Evaluate(context.Background(), EvaluateRequest{TenantID: f.tenant})
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	})

	t.Run("settings store down", func(t *testing.T) {
		f := newFixture(t, nil)
		deps := f.deps
		deps.Tenants = failingSettings{}
		svc := NewService(deps, zaptest.NewLogger(t))

		_, err := svc.Evaluate(context.Background(), EvaluateRequest{TenantID: f.tenant, ToNumber: usNumber})
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeResourceUnavailable))
		assert.True(t, apperrors.IsRetryable(err))
	})
}

func TestEvaluate_DefaultsToNow(t *testing.T) {
	f := newFixture(t, nil)
	deps := f.deps
	deps.Now = func() time.Time {
		return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) // Sunday
	}
	svc := NewService(deps, zaptest.NewLogger(t))

	v, err := svc.Evaluate(context.Background(), EvaluateRequest{
		TenantID: f.tenant,
		ToNumber: itNumber,
		Lead:     lead(compliance.ConsentGranted, compliance.NatureB2B),
	})
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Contains(t, v.BlockReason, "Sunday calls forbidden")
}
