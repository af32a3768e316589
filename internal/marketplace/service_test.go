package marketplace_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boostflow/internal/db"
	"boostflow/internal/domain"
	"boostflow/internal/engine"
	"boostflow/internal/engine/auth"
	"boostflow/internal/marketplace"
	"boostflow/internal/migrate"
	"boostflow/internal/repo"
)

type testEnv struct {
	Svc     marketplace.Service
	Ctx     context.Context
	Client  *domain.Viewer
	Partner *domain.Viewer
	Rival   *domain.Viewer
	Admin   *domain.Viewer
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	svc := marketplace.New(conn, nil)
	svc.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	var n int
	var mu sync.Mutex
	svc.NewID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%03d", n)
	}
	login := func(name string, roles ...domain.Role) *domain.Viewer {
		u, err := svc.Login(ctx, name, roles)
		if err != nil {
			t.Fatalf("login %s: %v", name, err)
		}
		return &domain.Viewer{ID: u.ID, Roles: u.Roles}
	}
	return testEnv{
		Svc:     svc,
		Ctx:     ctx,
		Client:  login("client", domain.RoleClient),
		Partner: login("booster", domain.RolePartner),
		Rival:   login("rival", domain.RolePartner),
		Admin:   login("admin", domain.RoleAdmin),
	}
}

func (env testEnv) apply(t *testing.T, v *domain.Viewer, id string, a engine.Action) engine.Result {
	t.Helper()
	res, err := env.Svc.Apply(env.Ctx, v, id, a)
	if err != nil {
		t.Fatalf("%s %s: %v", a, id, err)
	}
	return res
}

func TestOpenOrderLifecycleWithCancelAndRecover(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Svc.CreateOrder(env.Ctx, env.Client, marketplace.CreateOrderInput{Price: 100000})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, o.Status)
	owner, ok := o.Owner.User()
	require.True(t, ok, "owner should be resolved")
	assert.Equal(t, "client", owner.Username)

	res := env.apply(t, env.Client, o.BoostID, engine.ActionPay)
	assert.Equal(t, domain.StatusInActive, res.Order.Status)

	_, err = env.Svc.Apply(env.Ctx, env.Client, o.BoostID, engine.ActionAccept)
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe), "owner accept: %v", err)

	res = env.apply(t, env.Partner, o.BoostID, engine.ActionAccept)
	assert.Equal(t, domain.StatusInProgress, res.Order.Status)
	assert.True(t, res.Order.ProcessingPartner.Is(env.Partner.ID))

	res = env.apply(t, env.Partner, o.BoostID, engine.ActionCancel)
	assert.Equal(t, domain.StatusCancel, res.Order.Status)

	entries, total, err := env.Svc.Ledger(env.Ctx, env.Partner)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-5000), total)

	res = env.apply(t, env.Client, o.BoostID, engine.ActionRecover)
	require.Equal(t, engine.ResultSpawned, res.Kind)
	assert.NotEqual(t, o.BoostID, res.NewBoostID)

	original, err := env.Svc.GetOrder(env.Ctx, o.BoostID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancel, original.Status)
	assert.Equal(t, 1, original.RetryCount)
	assert.False(t, engine.DerivePermissions(&original, env.Client).CanRecover)

	spawned, err := env.Svc.GetOrder(env.Ctx, res.NewBoostID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInActive, spawned.Status)
	assert.Equal(t, 1, spawned.RetryCount)

	_, err = env.Svc.Apply(env.Ctx, env.Client, o.BoostID, engine.ActionRecover)
	assert.ErrorIs(t, err, engine.ErrStale)
}

func TestAssignedOrderRefuseAndComplete(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Svc.CreateOrder(env.Ctx, env.Client, marketplace.CreateOrderInput{Price: 2000, AssignedPartnerID: env.Partner.ID})
	require.NoError(t, err)

	res := env.apply(t, env.Client, o.BoostID, engine.ActionPay)
	assert.Equal(t, domain.StatusWaiting, res.Order.Status)

	_, err = env.Svc.Apply(env.Ctx, env.Rival, o.BoostID, engine.ActionAccept)
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe), "rival accept on waiting order: %v", err)

	res = env.apply(t, env.Partner, o.BoostID, engine.ActionRefuse)
	assert.Equal(t, domain.StatusPending, res.Order.Status)
	assert.True(t, res.Order.AssignedPartner.IsZero())

	res = env.apply(t, env.Client, o.BoostID, engine.ActionPay)
	assert.Equal(t, domain.StatusInActive, res.Order.Status)
	env.apply(t, env.Rival, o.BoostID, engine.ActionAccept)
	res = env.apply(t, env.Rival, o.BoostID, engine.ActionComplete)
	assert.Equal(t, domain.StatusCompleted, res.Order.Status)

	_, total, err := env.Svc.Ledger(env.Ctx, env.Rival)
	require.NoError(t, err)
	assert.Equal(t, int64(1600), total)

	res = env.apply(t, env.Client, o.BoostID, engine.ActionRenew)
	renewed, err := env.Svc.GetOrder(env.Ctx, res.NewBoostID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, renewed.Status)
	assert.True(t, engine.DerivePermissions(&renewed, env.Client).CanDelete)
}

func TestSecondAcceptIsStale(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Svc.CreateOrder(env.Ctx, env.Client, marketplace.CreateOrderInput{Price: 500})
	require.NoError(t, err)
	env.apply(t, env.Client, o.BoostID, engine.ActionPay)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []error
	)
	for _, v := range []*domain.Viewer{env.Partner, env.Rival} {
		wg.Add(1)
		go func(v *domain.Viewer) {
			defer wg.Done()
			_, err := env.Svc.Apply(env.Ctx, v, o.BoostID, engine.ActionAccept)
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		}(v)
	}
	wg.Wait()

	var ok, stale int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, engine.ErrStale):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, stale)
}

func TestDeleteAndMissingOrder(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Svc.CreateOrder(env.Ctx, env.Client, marketplace.CreateOrderInput{Price: 500})
	require.NoError(t, err)
	res := env.apply(t, env.Client, o.BoostID, engine.ActionDelete)
	assert.Equal(t, engine.ResultDeleted, res.Kind)

	_, err = env.Svc.GetOrder(env.Ctx, o.BoostID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Svc.Apply(env.Ctx, env.Client, o.BoostID, engine.ActionPay)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateOrderValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Svc.CreateOrder(env.Ctx, env.Client, marketplace.CreateOrderInput{Price: 0})
	assert.ErrorIs(t, err, marketplace.ErrValidation)
	_, err = env.Svc.CreateOrder(env.Ctx, env.Client, marketplace.CreateOrderInput{Price: 10, AssignedPartnerID: env.Admin.ID})
	assert.ErrorIs(t, err, marketplace.ErrValidation)
	_, err = env.Svc.CreateOrder(env.Ctx, env.Partner, marketplace.CreateOrderInput{Price: 10})
	var re auth.ForbiddenRoleError
	assert.True(t, errors.As(err, &re))
}

func TestBanRemovesPermissions(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Svc.CreateOrder(env.Ctx, env.Client, marketplace.CreateOrderInput{Price: 500})
	require.NoError(t, err)

	_, err = env.Svc.SetBanned(env.Ctx, env.Partner, env.Client.ID, true)
	assert.Error(t, err)
	u, err := env.Svc.SetBanned(env.Ctx, env.Admin, env.Client.ID, true)
	require.NoError(t, err)
	assert.True(t, u.Banned)

	banned, err := env.Svc.Viewer(env.Ctx, env.Client.ID)
	require.NoError(t, err)
	_, err = env.Svc.Apply(env.Ctx, banned, o.BoostID, engine.ActionPay)
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe), "banned pay: %v", err)
}

func TestCommissionConfigDrivesLedger(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, 0.80, env.Svc.CommissionConfig(env.Ctx).PartnerCommissionRate)

	_, err := env.Svc.SetCommissionConfig(env.Ctx, env.Client, domain.CommissionConfig{PartnerCommissionRate: 0.9, CancellationPenaltyRate: 0.1})
	assert.Error(t, err)
	_, err = env.Svc.SetCommissionConfig(env.Ctx, env.Admin, domain.CommissionConfig{PartnerCommissionRate: 0.99, CancellationPenaltyRate: 0.1})
	assert.ErrorIs(t, err, marketplace.ErrValidation)
	_, err = env.Svc.SetCommissionConfig(env.Ctx, env.Admin, domain.CommissionConfig{PartnerCommissionRate: 0.9, CancellationPenaltyRate: 0.1})
	require.NoError(t, err)

	o, err := env.Svc.CreateOrder(env.Ctx, env.Client, marketplace.CreateOrderInput{Price: 1000})
	require.NoError(t, err)
	env.apply(t, env.Client, o.BoostID, engine.ActionPay)
	env.apply(t, env.Partner, o.BoostID, engine.ActionAccept)
	env.apply(t, env.Partner, o.BoostID, engine.ActionComplete)
	_, total, err := env.Svc.Ledger(env.Ctx, env.Partner)
	require.NoError(t, err)
	assert.Equal(t, int64(900), total)
}
