package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangePlan_UnknownCodeLeavesSubscription(t *testing.T) {
	store := NewSeededMemoryStore()
	svc := NewService(store, NewResolver(store, nil, 0, nil), nil)
	ctx := context.Background()

	_, err := svc.ChangePlan(ctx, "loc1", CodeGrowth)
	require.NoError(t, err)

	_, err = svc.ChangePlan(ctx, "loc1", "platinum")
	assert.ErrorIs(t, err, ErrInvalidPlanCode)

	sub, err := store.GetActiveSubscription(ctx, "loc1")
	require.NoError(t, err)
	assert.Equal(t, CodeGrowth, sub.PlanCode)
}

func TestChangePlan_RetiredPlanIsInvalid(t *testing.T) {
	store := NewSeededMemoryStore()
	retired := FreePlan()
	retired.Code = "legacy"
	retired.IsActive = false
	require.NoError(t, store.UpsertPlan(context.Background(), retired))

	_, err := NewService(store, nil, nil).ChangePlan(context.Background(), "loc1", "legacy")
	assert.ErrorIs(t, err, ErrInvalidPlanCode)
}

func TestChangePlan_UpsertKeepsOneRow(t *testing.T) {
	store := NewSeededMemoryStore()
	svc := NewService(store, nil, nil)
	ctx := context.Background()

	first, err := svc.ChangePlan(ctx, "loc1", CodeStarter)
	require.NoError(t, err)
	second, err := svc.ChangePlan(ctx, "loc1", CodePro)
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	sub, err := store.GetActiveSubscription(ctx, "loc1")
	require.NoError(t, err)
	assert.Equal(t, CodePro, sub.PlanCode)
	assert.Len(t, store.subscriptions, 1)
}

func TestListPlans_ActiveInTierOrder(t *testing.T) {
	store := NewSeededMemoryStore()
	retired := FreePlan()
	retired.Code = "legacy"
	retired.IsActive = false
	require.NoError(t, store.UpsertPlan(context.Background(), retired))

	plans, err := NewService(store, nil, nil).ListPlans(context.Background())
	require.NoError(t, err)

	codes := make([]string, 0, len(plans))
	for _, p := range plans {
		codes = append(codes, p.Code)
	}
	assert.Equal(t, []string{CodeFree, CodeStarter, CodeGrowth, CodePro, CodeAgency, CodeAgencyPro}, codes)
}

func TestEnsureSubscription(t *testing.T) {
	store := NewSeededMemoryStore()
	svc := NewService(store, nil, nil)
	ctx := context.Background()

	sub, err := svc.EnsureSubscription(ctx, "loc1")
	require.NoError(t, err)
	assert.Equal(t, CodeFree, sub.PlanCode)

	_, err = svc.ChangePlan(ctx, "loc1", CodePro)
	require.NoError(t, err)
	sub, err = svc.EnsureSubscription(ctx, "loc1")
	require.NoError(t, err)
	assert.Equal(t, CodePro, sub.PlanCode)

	empty := NewMemoryStore()
	sub, err = NewService(empty, nil, nil).EnsureSubscription(ctx, "loc2")
	require.NoError(t, err)
	assert.Equal(t, CodeFree, sub.PlanCode)
}

func TestAgencyPermissionsAndLicensing(t *testing.T) {
	store := NewSeededMemoryStore()
	svc := NewService(store, nil, nil)
	ctx := context.Background()

	_, err := svc.SetAgencyPermissions(ctx, &AgencyPermissions{AgencyID: "comp1", Tier: CodeStarter})
	assert.ErrorIs(t, err, ErrInvalidPlanCode)

	_, err = svc.LicenseLocation(ctx, "comp1", "loc1")
	assert.ErrorIs(t, err, ErrAgencyNotFound)

	_, err = svc.SetAgencyPermissions(ctx, &AgencyPermissions{
		AgencyID: "comp1", Tier: CodeAgencyPro, MaxLocations: Bounded(2),
	})
	require.NoError(t, err)

	_, err = svc.LicenseLocation(ctx, "comp1", "loc1")
	require.NoError(t, err)
	_, err = svc.LicenseLocation(ctx, "comp1", "loc1")
	require.NoError(t, err, "re-licensing is idempotent")
	_, err = svc.LicenseLocation(ctx, "comp1", "loc2")
	require.NoError(t, err)
	_, err = svc.LicenseLocation(ctx, "comp1", "loc3")
	assert.ErrorIs(t, err, ErrLicenseLimit)

	perms, locs, err := svc.GetAgency(ctx, "comp1")
	require.NoError(t, err)
	assert.Equal(t, CodeAgencyPro, perms.Tier)
	require.Len(t, locs, 2)
	assert.Equal(t, "loc1", locs[0].LocationID)
}

func TestSeedCatalog(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, NewService(store, nil, nil).SeedCatalog(context.Background()))

	p, err := store.GetPlan(context.Background(), CodeStarter)
	require.NoError(t, err)
	assert.Equal(t, Bounded(500), p.MessagesIncluded)
	assert.False(t, p.CallsEnabled())

	growth, err := store.GetPlan(context.Background(), CodeGrowth)
	require.NoError(t, err)
	assert.True(t, growth.CallsEnabled())
	assert.Len(t, growth.CallPackages, 2)
}
