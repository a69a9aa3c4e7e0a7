package guard

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kanefrayzy/pixera-sub000/internal/observability"
	"github.com/kanefrayzy/pixera-sub000/internal/signals"
)

func newTestService(cfg Config) (*Service, *memDevices, *memClusters, *memGrants, *memAttempts) {
	devices := newMemDevices()
	grants := newMemGrants()
	clusters := newMemClusters(grants)
	attempts := &memAttempts{}
	service := NewService(devices, clusters, grants, attempts, observability.NewLogger(), cfg)
	return service, devices, clusters, grants, attempts
}

func sigWith(ua, fp, gid, ip string) signals.Signals {
	return signals.Signals{
		ClientFP:   fp,
		ServerFP:   "server-fp-" + ua + ip,
		GID:        gid,
		UAHash:     ua,
		IPHash:     ip,
		SessionKey: "session-1",
		FirstIP:    "203.0.113.7",
	}
}

func TestEnsureGuestGrantMissingAnchor(t *testing.T) {
	service, _, _, _, _ := newTestService(Config{GrantTotal: 30})

	_, _, err := service.EnsureGuestGrant(context.Background(), sigWith("", "fp1", "gid1", "ip1"))
	if err != ErrMissingAnchor {
		t.Fatalf("expected ErrMissingAnchor, got %v", err)
	}
}

func TestEnsureGuestGrantFreshVisitor(t *testing.T) {
	service, _, _, _, attempts := newTestService(Config{GrantTotal: 30})

	grant, device, err := service.EnsureGuestGrant(context.Background(), sigWith("ua1", "fp1", "gid1", "ip1"))
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if grant.Total != 30 || grant.Consumed != 0 || grant.Left() != 30 {
		t.Errorf("fresh grant = total %d consumed %d left %d, want 30/0/30", grant.Total, grant.Consumed, grant.Left())
	}
	if device.ID == "" {
		t.Error("expected a device to be created")
	}
	if attempts.count() != 1 {
		t.Errorf("expected 1 audit attempt, got %d", attempts.count())
	}
}

func TestSpendArithmetic(t *testing.T) {
	service, _, _, _, _ := newTestService(Config{GrantTotal: 30})
	ctx := context.Background()
	sig := sigWith("ua1", "fp1", "gid1", "ip1")

	grant, device, err := service.EnsureGuestGrant(ctx, sig)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	if ok, reason := service.CheckAndSpend(ctx, sig, 10, &grant, &device); !ok {
		t.Fatalf("spend(10) failed: %s", reason)
	}

	grant, _, err = service.EnsureGuestGrant(ctx, sig)
	if err != nil {
		t.Fatalf("re-ensure failed: %v", err)
	}
	if grant.Left() != 20 {
		t.Fatalf("left after spend(10) = %d, want 20", grant.Left())
	}

	if ok, _ := service.CheckAndSpend(ctx, sig, 25, &grant, &device); ok {
		t.Fatal("spend(25) with 20 left should fail")
	}

	grant, _, _ = service.EnsureGuestGrant(ctx, sig)
	if grant.Left() != 20 {
		t.Errorf("failed spend must leave balance unchanged, left = %d, want 20", grant.Left())
	}
	if grant.Consumed != 10 {
		t.Errorf("consumed = %d, want 10", grant.Consumed)
	}
}

func TestSpendNonPositiveAmountTriviallySucceeds(t *testing.T) {
	service, _, _, _, _ := newTestService(Config{GrantTotal: 30})
	ctx := context.Background()
	sig := sigWith("ua1", "fp1", "gid1", "ip1")

	for _, amount := range []int{0, -5} {
		if ok, reason := service.CheckAndSpend(ctx, sig, amount, nil, nil); !ok {
			t.Errorf("spend(%d) should trivially succeed, got %s", amount, reason)
		}
	}
}

func TestRotatedSignalsReuseSameGrant(t *testing.T) {
	service, _, _, _, _ := newTestService(Config{GrantTotal: 30})
	ctx := context.Background()

	first := sigWith("ua1", "fp1", "gid1", "ip1")
	grant1, device1, err := service.EnsureGuestGrant(ctx, first)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if ok, reason := service.CheckAndSpend(ctx, first, 10, &grant1, &device1); !ok {
		t.Fatalf("spend failed: %s", reason)
	}

	// Same browser, cookies and fingerprint cleared, new IP.
	rotated := sigWith("ua1", "fp2", "gid2", "ip2")
	grant2, _, err := service.EnsureGuestGrant(ctx, rotated)
	if err != nil {
		t.Fatalf("ensure after rotation failed: %v", err)
	}

	if grant2.ID != grant1.ID {
		t.Fatalf("rotation produced a new grant %s, want reuse of %s", grant2.ID, grant1.ID)
	}
	if grant2.Left() != 20 {
		t.Errorf("reused grant left = %d, want 20", grant2.Left())
	}
}

func TestCookieClearResistance(t *testing.T) {
	service, _, _, grants, _ := newTestService(Config{GrantTotal: 30})
	ctx := context.Background()

	// N requests sharing the anchor, everything else freshly rotated each
	// time. Total consumption must never exceed the fixed allowance.
	spent := 0
	for i := 0; i < 10; i++ {
		sig := sigWith("ua1", fmt.Sprintf("fp%d", i), fmt.Sprintf("gid%d", i), fmt.Sprintf("ip%d", i))
		if ok, _ := service.CheckAndSpend(ctx, sig, 7, nil, nil); ok {
			spent += 7
		}
	}

	if spent > 30 {
		t.Fatalf("rotating visitor consumed %d units, allowance is 30", spent)
	}
	if spent != 28 {
		t.Errorf("spent = %d, want 28 (4 spends of 7)", spent)
	}

	grants.mu.Lock()
	defer grants.mu.Unlock()
	if len(grants.grants) != 1 {
		t.Errorf("rotation minted %d grants, want 1", len(grants.grants))
	}
	for _, g := range grants.grants {
		if g.Consumed < 0 || g.Consumed > g.Total {
			t.Errorf("consumed %d out of range [0,%d]", g.Consumed, g.Total)
		}
	}
}

func TestBlockedDeviceNeverGranted(t *testing.T) {
	service, devices, _, _, attempts := newTestService(Config{GrantTotal: 30})
	ctx := context.Background()
	sig := sigWith("ua1", "fp1", "gid1", "ip1")

	// Seed the device, then block it before any grant exists.
	device, _, err := devices.GetOrCreate(ctx, sig)
	if err != nil {
		t.Fatalf("seed device: %v", err)
	}
	devices.block(device.ID)

	_, _, err = service.EnsureGuestGrant(ctx, sig)
	var blocked BlockedError
	if !asBlocked(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if blocked.Reason != ReasonBlocked {
		t.Errorf("reason = %q, want %q", blocked.Reason, ReasonBlocked)
	}
	if attempts.count() != 1 {
		t.Errorf("denial should be audited, got %d attempts", attempts.count())
	}

	if ok, reason := service.CheckAndSpend(ctx, sig, 1, nil, nil); ok {
		t.Fatal("blocked device must not spend")
	} else if reason != ReasonBlocked {
		t.Errorf("spend denial reason = %q, want %q", reason, ReasonBlocked)
	}
}

func TestBypassCeiling(t *testing.T) {
	service, devices, _, _, _ := newTestService(Config{
		GrantTotal:        30,
		MaxBypassAttempts: 3,
		BypassWindow:      time.Hour,
	})
	ctx := context.Background()
	sig := sigWith("ua1", "fp1", "gid1", "ip1")

	device, _, err := devices.GetOrCreate(ctx, sig)
	if err != nil {
		t.Fatalf("seed device: %v", err)
	}

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if err := devices.RegisterBypassAttempt(ctx, device.ID, now); err != nil {
			t.Fatalf("register bypass: %v", err)
		}
	}

	_, _, err = service.EnsureGuestGrant(ctx, sig)
	var blocked BlockedError
	if !asBlocked(err, &blocked) || blocked.Reason != ReasonTooManyAttempts {
		t.Fatalf("expected too-many-attempts denial, got %v", err)
	}

	// Outside the recency window the streak ages out.
	service.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, _, err := service.EnsureGuestGrant(ctx, sig); err != nil {
		t.Fatalf("aged-out streak should be granted, got %v", err)
	}
}

func TestConcurrentSpendNoDoubleSpend(t *testing.T) {
	service, _, _, _, _ := newTestService(Config{GrantTotal: 10})
	ctx := context.Background()
	sig := sigWith("ua1", "fp1", "gid1", "ip1")

	grant, device, err := service.EnsureGuestGrant(ctx, sig)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, d := grant, device
			results[i], _ = service.CheckAndSpend(ctx, sig, 10, &g, &d)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, ok := range results {
		if ok {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("concurrent spends with left==amount: %d successes, want exactly 1", successes)
	}
}

func TestBindTransfersOnce(t *testing.T) {
	service, _, _, grants, _ := newTestService(Config{GrantTotal: 30})
	ctx := context.Background()
	sig := sigWith("ua1", "fp1", "gid1", "ip1")

	grant, device, err := service.EnsureGuestGrant(ctx, sig)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if ok, _ := service.CheckAndSpend(ctx, sig, 10, &grant, &device); !ok {
		t.Fatal("spend failed")
	}

	credited, err := service.TransferAllLeftToWallet(ctx, sig, "user-1")
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if credited != 20 {
		t.Fatalf("credited = %d, want 20", credited)
	}

	bound, err := grants.GetByID(ctx, grant.ID)
	if err != nil {
		t.Fatalf("get grant: %v", err)
	}
	if bound.UserID == nil || *bound.UserID != "user-1" {
		t.Fatal("grant should be bound to user-1")
	}
	if bound.Left() != 0 {
		t.Errorf("bound grant left = %d, want 0", bound.Left())
	}

	// Repeating the hand-off never credits again.
	credited, err = service.TransferAllLeftToWallet(ctx, sig, "user-1")
	if err != nil {
		t.Fatalf("second transfer failed: %v", err)
	}
	if credited != 0 {
		t.Fatalf("second transfer credited %d, want 0", credited)
	}

	grants.mu.Lock()
	balance := grants.wallets["user-1"]
	grants.mu.Unlock()
	if balance != 20 {
		t.Errorf("wallet balance = %d, want 20", balance)
	}

	// The next anonymous visitor sharing the browser signature starts fresh.
	fresh, _, err := service.EnsureGuestGrant(ctx, sig)
	if err != nil {
		t.Fatalf("post-bind ensure failed: %v", err)
	}
	if fresh.ID == grant.ID {
		t.Fatal("retired grant must not be reissued to guests")
	}
	if fresh.Left() != 30 {
		t.Errorf("fresh grant left = %d, want 30", fresh.Left())
	}
}

func TestBindStaysWithFirstUser(t *testing.T) {
	service, _, _, grants, _ := newTestService(Config{GrantTotal: 30})
	ctx := context.Background()
	sig := sigWith("ua1", "fp1", "gid1", "ip1")

	grant, _, err := service.EnsureGuestGrant(ctx, sig)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	if _, err := grants.BindToUser(ctx, grant.ID, "user-1", true); err != nil {
		t.Fatalf("first bind failed: %v", err)
	}

	credited, err := grants.BindToUser(ctx, grant.ID, "user-2", true)
	if err != nil {
		t.Fatalf("second bind errored: %v", err)
	}
	if credited != 0 {
		t.Errorf("bind to second user credited %d, want 0", credited)
	}

	bound, _ := grants.GetByID(ctx, grant.ID)
	if bound.UserID == nil || *bound.UserID != "user-1" {
		t.Fatal("grant must stay bound to the first user")
	}
}

func TestTokensInfo(t *testing.T) {
	service, devices, _, _, _ := newTestService(Config{GrantTotal: 30})
	ctx := context.Background()
	sig := sigWith("ua1", "fp1", "gid1", "ip1")

	t.Run("missing anchor fails closed", func(t *testing.T) {
		info := service.TokensInfo(ctx, sigWith("", "fp1", "gid1", "ip1"))
		if info.CanGenerate || info.Total != 0 || info.Left != 0 {
			t.Errorf("unidentified visitor got %+v, want all-zero deny", info)
		}
	})

	t.Run("fresh visitor sees prospective allowance", func(t *testing.T) {
		info := service.TokensInfo(ctx, sig)
		if !info.CanGenerate || info.Total != 30 || info.Left != 30 {
			t.Errorf("fresh visitor info = %+v, want 30 available", info)
		}
	})

	t.Run("existing grant is projected", func(t *testing.T) {
		grant, device, err := service.EnsureGuestGrant(ctx, sig)
		if err != nil {
			t.Fatalf("ensure failed: %v", err)
		}
		if ok, _ := service.CheckAndSpend(ctx, sig, 12, &grant, &device); !ok {
			t.Fatal("spend failed")
		}

		info := service.TokensInfo(ctx, sig)
		if info.Total != 30 || info.Consumed != 12 || info.Left != 18 {
			t.Errorf("info = %+v, want 30/12/18", info)
		}
		if !info.CanGenerate {
			t.Error("visitor with balance left should be able to generate")
		}
	})

	t.Run("blocked device cannot generate", func(t *testing.T) {
		device, _, err := devices.GetOrCreate(ctx, sig)
		if err != nil {
			t.Fatalf("device: %v", err)
		}
		devices.block(device.ID)

		info := service.TokensInfo(ctx, sig)
		if info.CanGenerate {
			t.Error("blocked device must not be able to generate")
		}
		if !info.IsBlocked || info.BlockReason != ReasonBlocked {
			t.Errorf("info = %+v, want blocked", info)
		}
	})
}

func TestTokensInfoFailsClosedOnStoreError(t *testing.T) {
	service, _, clusters, _, _ := newTestService(Config{GrantTotal: 30})
	clusters.fail = true

	info := service.TokensInfo(context.Background(), sigWith("ua1", "fp1", "gid1", "ip1"))
	if info.CanGenerate {
		t.Fatal("storage failure must never grant access")
	}
	if info.Total != 0 || info.Left != 0 {
		t.Errorf("fail-closed payload should be all-zero, got %+v", info)
	}
}

func TestSpendFailsClosedOnStoreError(t *testing.T) {
	service, _, _, grants, _ := newTestService(Config{GrantTotal: 30})
	ctx := context.Background()
	sig := sigWith("ua1", "fp1", "gid1", "ip1")

	grant, device, err := service.EnsureGuestGrant(ctx, sig)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	grants.fail = true
	ok, reason := service.CheckAndSpend(ctx, sig, 5, &grant, &device)
	if ok {
		t.Fatal("spend must fail when the ledger is unreachable")
	}
	if reason != ReasonUnverified {
		t.Errorf("reason = %q, want %q", reason, ReasonUnverified)
	}
}

func TestAuditFailureDoesNotBlockGrant(t *testing.T) {
	service, _, _, _, attempts := newTestService(Config{GrantTotal: 30})
	attempts.fail = true

	grant, _, err := service.EnsureGuestGrant(context.Background(), sigWith("ua1", "fp1", "gid1", "ip1"))
	if err != nil {
		t.Fatalf("broken audit log must not block the grant: %v", err)
	}
	if grant.Left() != 30 {
		t.Errorf("grant left = %d, want 30", grant.Left())
	}
}

// boundGrantClusters simulates a cluster lookup that leaks an account-owned
// grant, which the live-grant filter is supposed to make impossible.
type boundGrantClusters struct {
	*memClusters
	grant Grant
}

func (c *boundGrantClusters) FindClusterGrant(ctx context.Context, clusterID string) (*Grant, error) {
	g := c.grant
	return &g, nil
}

func TestEnsureRefusesRetiredGrantFromLookup(t *testing.T) {
	devices := newMemDevices()
	grants := newMemGrants()
	userID := "user-1"
	clusters := &boundGrantClusters{
		memClusters: newMemClusters(grants),
		grant:       Grant{ID: "grant-1", UAHash: "ua1", Total: 30, Consumed: 30, UserID: &userID},
	}
	service := NewService(devices, clusters, grants, &memAttempts{}, observability.NewLogger(), Config{GrantTotal: 30})

	_, _, err := service.EnsureGuestGrant(context.Background(), sigWith("ua1", "fp1", "gid1", "ip1"))
	if err != ErrGrantBound {
		t.Fatalf("expected ErrGrantBound for a retired grant, got %v", err)
	}
}

func TestGuestJobsCapAppliesWithCallerResolvedGrant(t *testing.T) {
	service, _, clusters, _, _ := newTestService(Config{GrantTotal: 30, GuestJobsLimit: 2})
	ctx := context.Background()
	sig := sigWith("ua1", "fp1", "gid1", "ip1")

	grant, device, err := service.EnsureGuestGrant(ctx, sig)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if ok, reason := service.CheckAndSpend(ctx, sig, 1, &grant, &device); !ok {
			t.Fatalf("spend %d denied: %s", i+1, reason)
		}
	}

	ok, reason := service.CheckAndSpend(ctx, sig, 1, &grant, &device)
	if ok {
		t.Fatal("third spend must hit the guest job cap")
	}
	if reason != ReasonJobCapReached {
		t.Errorf("reason = %q, want %q", reason, ReasonJobCapReached)
	}

	// The cap denial fails closed even with a pre-resolved grant because the
	// cluster is re-read on every call.
	clusters.fail = true
	if ok, reason := service.CheckAndSpend(ctx, sig, 1, &grant, &device); ok || reason != ReasonUnverified {
		t.Errorf("cluster lookup failure = (%v, %q), want denial with %q", ok, reason, ReasonUnverified)
	}
}

func asBlocked(err error, target *BlockedError) bool {
	if err == nil {
		return false
	}
	be, ok := err.(BlockedError)
	if ok {
		*target = be
	}
	return ok
}
