package compliance

import (
	"fmt"
	"time"
)

// PolicySource names where an effective quiet-hours policy came from.
type PolicySource string

const (
	PolicyFromCampaign PolicySource = "campaign"
	PolicyFromTenant   PolicySource = "tenant_default"
	PolicyFromCountry  PolicySource = "country"
	PolicyNone         PolicySource = "none"
)

// QuietHoursPolicy is the single effective policy for one evaluation. It is
// never stored; ResolveQuietHours builds it from exactly one source.
type QuietHoursPolicy struct {
	Enabled  bool
	Weekday  DayWindow
	Saturday DayWindow
	Sunday   DayWindow
	Timezone string
	Source   PolicySource
}

// CampaignQuietHours is a campaign's tri-state override. A nil Enabled means
// the campaign has no opinion.
type CampaignQuietHours struct {
	Enabled *bool      `json:"quiet_hours_enabled"`
	Hours   QuietHours `json:"quiet_hours"`
}

// ResolveQuietHours applies source precedence: an explicit campaign setting
// (enabling or disabling), then an enabled tenant default, then an enabled
// country rule. countryTZ locates campaign and tenant windows that carry no
// timezone of their own. Any argument may be nil.
func ResolveQuietHours(campaign *CampaignQuietHours, tenant *QuietHours, country *CountryRule, countryTZ string) QuietHoursPolicy {
	if countryTZ == "" {
		countryTZ = "UTC"
	}

	if campaign != nil && campaign.Enabled != nil {
		return fromHours(campaign.Hours, *campaign.Enabled, countryTZ, PolicyFromCampaign)
	}
	if tenant != nil && tenant.Enabled {
		return fromHours(*tenant, true, countryTZ, PolicyFromTenant)
	}
	if country != nil && country.QuietHours.Enabled {
		tz := country.QuietHours.Timezone
		if tz == "" {
			tz = country.Timezone
		}
		return fromHours(country.QuietHours, true, tz, PolicyFromCountry)
	}
	return QuietHoursPolicy{Timezone: countryTZ, Source: PolicyNone}
}

func fromHours(h QuietHours, enabled bool, fallbackTZ string, source PolicySource) QuietHoursPolicy {
	tz := h.Timezone
	if tz == "" {
		tz = fallbackTZ
	}
	return QuietHoursPolicy{
		Enabled:  enabled,
		Weekday:  h.Weekday,
		Saturday: h.Saturday,
		Sunday:   h.Sunday,
		Timezone: tz,
		Source:   source,
	}
}

// Location loads the policy timezone, falling back to UTC.
func (p QuietHoursPolicy) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InQuietHours reports whether instant falls in a restricted period of the
// policy, with a human-readable reason when it does.
func InQuietHours(policy QuietHoursPolicy, instant time.Time) (bool, string) {
	if !policy.Enabled {
		return false, ""
	}

	loc := policy.Location()
	local := instant.In(loc)

	var (
		window DayWindow
		bucket string
	)
	switch local.Weekday() {
	case time.Saturday:
		window, bucket = policy.Saturday, "Saturday"
	case time.Sunday:
		window, bucket = policy.Sunday, "Sunday"
	default:
		window, bucket = policy.Weekday, "weekday"
	}

	switch window.Kind {
	case WindowForbidden:
		day := bucket
		if day == "weekday" {
			day = local.Weekday().String()
		}
		return true, fmt.Sprintf("%s calls forbidden (day forbidden)", day)
	case WindowRange:
		minute := local.Hour()*60 + local.Minute()
		if window.Contains(minute) {
			return true, fmt.Sprintf("%s quiet hours %s %s", bucket, window, loc)
		}
	}
	return false, ""
}
