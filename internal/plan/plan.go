// Package plan holds the subscription catalogue and decides which plan is in
// effect for a location, including the unconditional agency override.
package plan

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrInvalidPlanCode = errors.New("plan: unknown plan code")
	ErrPlanNotFound    = errors.New("plan: plan not found")
	ErrNoSubscription  = errors.New("plan: no active subscription")
	ErrAgencyNotFound  = errors.New("plan: agency permissions not found")
	ErrLicenseLimit    = errors.New("plan: agency location limit reached")
)

// Catalogue codes.
const (
	CodeFree      = "free"
	CodeStarter   = "starter"
	CodeGrowth    = "growth"
	CodePro       = "pro"
	CodeAgency    = "agency"
	CodeAgencyPro = "agency_pro"
)

// CallPackage is a prepaid block of call-extraction minutes.
type CallPackage struct {
	Minutes int64           `json:"minutes"`
	Price   decimal.Decimal `json:"price"`
}

// Plan is a catalogue entry. Plans are shared by every tenant and read-only
// at request time.
type Plan struct {
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	PriceMonthly decimal.Decimal `json:"priceMonthly"`
	PriceAnnual  decimal.Decimal `json:"priceAnnual"`

	MaxUsers         Quota           `json:"maxUsers"`
	MessagesIncluded Quota           `json:"messagesIncluded"`
	DailyCapMessages Quota           `json:"dailyCapMessages"`
	OveragePrice     decimal.Decimal `json:"overagePrice"`

	CanUseOwnAIKey bool `json:"canUseOwnAiKey"`
	CanWhiteLabel  bool `json:"canWhiteLabel"`

	CallExtractionRatePerMinute decimal.Decimal `json:"callExtractionRatePerMinute"`
	CallMinutesIncluded         Quota           `json:"callMinutesIncluded"`
	DailyCapCallMinutes         Quota           `json:"dailyCapCallMinutes"`
	CallPackages                []CallPackage   `json:"callPackages,omitempty"`

	SortOrder int  `json:"sortOrder"`
	IsActive  bool `json:"isActive"`
}

// IsAgencyPlan reports whether the plan belongs to the agency family.
func (p *Plan) IsAgencyPlan() bool {
	return p.Code == CodeAgency || strings.HasPrefix(p.Code, CodeAgency+"_")
}

// CallsEnabled reports whether call extraction is part of the plan.
func (p *Plan) CallsEnabled() bool {
	return p.CallExtractionRatePerMinute.IsPositive() || len(p.CallPackages) > 0
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	cp := *p
	if p.CallPackages != nil {
		cp.CallPackages = append([]CallPackage(nil), p.CallPackages...)
	}
	return &cp
}

func dollars(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// FreePlan is the built-in fallback used when the catalogue has no free row.
func FreePlan() *Plan {
	return &Plan{
		Code:                        CodeFree,
		Name:                        "Free",
		PriceMonthly:                decimal.Zero,
		PriceAnnual:                 decimal.Zero,
		MaxUsers:                    Bounded(1),
		MessagesIncluded:            Bounded(50),
		DailyCapMessages:            Bounded(10),
		OveragePrice:                decimal.Zero,
		CallExtractionRatePerMinute: decimal.Zero,
		SortOrder:                   0,
		IsActive:                    true,
	}
}

// AgencyPlan is synthesized for agency callers when no agency row exists.
func AgencyPlan() *Plan {
	return &Plan{
		Code:                        CodeAgency,
		Name:                        "Agency",
		PriceMonthly:                dollars("297"),
		PriceAnnual:                 dollars("2970"),
		MaxUsers:                    Unlimited(),
		MessagesIncluded:            Unlimited(),
		DailyCapMessages:            Unlimited(),
		OveragePrice:                decimal.Zero,
		CanUseOwnAIKey:              true,
		CanWhiteLabel:               true,
		CallExtractionRatePerMinute: dollars("0.06"),
		CallMinutesIncluded:         Unlimited(),
		DailyCapCallMinutes:         Unlimited(),
		SortOrder:                   40,
		IsActive:                    true,
	}
}

// DefaultCatalog returns the seeded catalogue ordered by tier.
func DefaultCatalog() []*Plan {
	agencyPro := AgencyPlan()
	agencyPro.Code = CodeAgencyPro
	agencyPro.Name = "Agency Pro"
	agencyPro.PriceMonthly = dollars("497")
	agencyPro.PriceAnnual = dollars("4970")
	agencyPro.CallExtractionRatePerMinute = dollars("0.05")
	agencyPro.SortOrder = 50

	return []*Plan{
		FreePlan(),
		{
			Code:                        CodeStarter,
			Name:                        "Starter",
			PriceMonthly:                dollars("29"),
			PriceAnnual:                 dollars("290"),
			MaxUsers:                    Bounded(2),
			MessagesIncluded:            Bounded(500),
			DailyCapMessages:            Bounded(50),
			OveragePrice:                dollars("0.05"),
			CallExtractionRatePerMinute: decimal.Zero,
			SortOrder:                   10,
			IsActive:                    true,
		},
		{
			Code:                        CodeGrowth,
			Name:                        "Growth",
			PriceMonthly:                dollars("79"),
			PriceAnnual:                 dollars("790"),
			MaxUsers:                    Bounded(5),
			MessagesIncluded:            Bounded(2000),
			DailyCapMessages:            Bounded(200),
			OveragePrice:                dollars("0.04"),
			CanUseOwnAIKey:              true,
			CallExtractionRatePerMinute: dollars("0.10"),
			CallMinutesIncluded:         Bounded(60),
			DailyCapCallMinutes:         Bounded(30),
			CallPackages: []CallPackage{
				{Minutes: 100, Price: dollars("8")},
				{Minutes: 500, Price: dollars("35")},
			},
			SortOrder: 20,
			IsActive:  true,
		},
		{
			Code:                        CodePro,
			Name:                        "Pro",
			PriceMonthly:                dollars("149"),
			PriceAnnual:                 dollars("1490"),
			MaxUsers:                    Bounded(15),
			MessagesIncluded:            Bounded(5000),
			DailyCapMessages:            Bounded(500),
			OveragePrice:                dollars("0.03"),
			CanUseOwnAIKey:              true,
			CanWhiteLabel:               true,
			CallExtractionRatePerMinute: dollars("0.08"),
			CallMinutesIncluded:         Bounded(200),
			DailyCapCallMinutes:         Bounded(100),
			CallPackages: []CallPackage{
				{Minutes: 250, Price: dollars("18")},
				{Minutes: 1000, Price: dollars("65")},
			},
			SortOrder: 30,
			IsActive:  true,
		},
		AgencyPlan(),
		agencyPro,
	}
}

func sortPlans(plans []*Plan) {
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].SortOrder != plans[j].SortOrder {
			return plans[i].SortOrder < plans[j].SortOrder
		}
		return plans[i].Code < plans[j].Code
	})
}

// Payment states stored on a subscription. Collection happens elsewhere.
const (
	PaymentNone     = "none"
	PaymentActive   = "active"
	PaymentTrialing = "trialing"
	PaymentPastDue  = "past_due"
	PaymentCanceled = "canceled"
)

// Subscription binds a location to a plan. There is at most one per location.
type Subscription struct {
	LocationID    string     `json:"locationId"`
	PlanCode      string     `json:"planCode"`
	StartDate     time.Time  `json:"startDate"`
	EndDate       *time.Time `json:"endDate,omitempty"`
	IsActive      bool       `json:"isActive"`
	PaymentStatus string     `json:"paymentStatus"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// ActiveAt reports whether the subscription is in force at t.
func (s *Subscription) ActiveAt(t time.Time) bool {
	return s.IsActive && (s.EndDate == nil || s.EndDate.After(t))
}

// AgencyPermissions is the stored agency entitlement row. For agency callers
// it is a fallback only; the agency type always grants the feature flags.
type AgencyPermissions struct {
	AgencyID             string    `json:"agencyId"`
	Tier                 string    `json:"tier"`
	CanUseOwnAIKey       bool      `json:"canUseOwnAiKey"`
	CanCustomizeBranding bool      `json:"canCustomizeBranding"`
	MaxLocations         Quota     `json:"maxLocations"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// LicensedLocation links an agency to a location it manages.
type LicensedLocation struct {
	AgencyID   string    `json:"agencyId"`
	LocationID string    `json:"locationId"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
}
