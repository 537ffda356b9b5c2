package services

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"sixjars/internal/core"
	"sixjars/internal/memory"
)

const testUser = "user-1"

var testIncome = decimal.NewFromInt(1000)

func ptr[T any](v T) *T { return &v }

// newSixJarService seeds the classic six-jar split, which sums to 1.0.
func newSixJarService(t *testing.T) (*JarService, *memory.Store) {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	if err := store.SetTotalIncome(ctx, testUser, testIncome); err != nil {
		t.Fatalf("set income: %v", err)
	}

	seed := []struct {
		name    string
		percent float64
	}{
		{"necessities", 0.55},
		{"long_term_savings", 0.10},
		{"play", 0.10},
		{"education", 0.10},
		{"financial_freedom", 0.10},
		{"give", 0.05},
	}
	for _, s := range seed {
		jar := core.Jar{Name: s.name, Percent: s.percent}
		jar.Refresh(testIncome)
		if err := store.InsertJar(ctx, testUser, jar); err != nil {
			t.Fatalf("seed jar %s: %v", s.name, err)
		}
	}

	return NewJarService(store, store, nil), store
}

func jarPercents(t *testing.T, store *memory.Store) map[string]float64 {
	t.Helper()
	jars, err := store.ListJars(context.Background(), testUser)
	if err != nil {
		t.Fatalf("list jars: %v", err)
	}
	out := make(map[string]float64, len(jars))
	for _, j := range jars {
		out[j.Name] = j.Percent
	}
	return out
}

func assertInvariant(t *testing.T, store *memory.Store) {
	t.Helper()
	jars, err := store.ListJars(context.Background(), testUser)
	if err != nil {
		t.Fatalf("list jars: %v", err)
	}
	if len(jars) == 0 {
		return
	}
	if sum := core.PercentSum(jars); math.Abs(sum-1.0) > core.Epsilon {
		t.Fatalf("invariant broken: sum = %v", sum)
	}
}

func TestCreateScalesOthersDown(t *testing.T) {
	service, store := newSixJarService(t)
	ctx := context.Background()

	result, err := service.Create(ctx, testUser, []core.CreateSpec{
		{Name: "Vacation", Description: "summer trip", Percent: ptr(0.20)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.Exhausted {
		t.Fatal("unexpected exhausted state")
	}
	// Every jar shows up in the summary: 1 created + 6 rebalanced.
	if len(result.Changes) != 7 {
		t.Fatalf("changes = %d, want 7", len(result.Changes))
	}

	want := map[string]float64{
		"necessities":       0.44,
		"long_term_savings": 0.08,
		"play":              0.08,
		"education":         0.08,
		"financial_freedom": 0.08,
		"give":              0.04,
		"vacation":          0.20,
	}
	got := jarPercents(t, store)
	for name, p := range want {
		if math.Abs(got[name]-p) > core.Epsilon {
			t.Errorf("%s = %v, want %v", name, got[name], p)
		}
	}
	assertInvariant(t, store)
}

func TestCreateDeleteRoundTrip(t *testing.T) {
	service, store := newSixJarService(t)
	ctx := context.Background()
	original := jarPercents(t, store)

	if _, err := service.Create(ctx, testUser, []core.CreateSpec{
		{Name: "vacation", Percent: ptr(0.20)},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.Delete(ctx, testUser, []string{"vacation"}, "trip cancelled"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	restored := jarPercents(t, store)
	if len(restored) != len(original) {
		t.Fatalf("jar count = %d, want %d", len(restored), len(original))
	}
	for name, p := range original {
		if math.Abs(restored[name]-p) > core.Epsilon {
			t.Errorf("%s = %v, want %v", name, restored[name], p)
		}
	}
	assertInvariant(t, store)
}

func TestRejectionLeavesStateUntouched(t *testing.T) {
	service, store := newSixJarService(t)
	ctx := context.Background()
	before := jarPercents(t, store)

	_, err := service.Create(ctx, testUser, []core.CreateSpec{
		{Name: "first", Percent: ptr(0.50)},
		{Name: "second", Percent: ptr(0.60)},
	})
	if !errors.Is(err, core.ErrOverAllocation) {
		t.Fatalf("err = %v, want ErrOverAllocation", err)
	}

	after := jarPercents(t, store)
	if len(after) != len(before) {
		t.Fatalf("jar count changed: %d -> %d", len(before), len(after))
	}
	for name, p := range before {
		if after[name] != p {
			t.Errorf("%s changed: %v -> %v", name, p, after[name])
		}
	}
}

func TestCreateNearWholeSpacePinsFloors(t *testing.T) {
	service, store := newSixJarService(t)
	ctx := context.Background()

	result, err := service.Create(ctx, testUser, []core.CreateSpec{
		{Name: "mega", Percent: ptr(0.97)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !result.Exhausted {
		t.Fatal("expected exhausted state")
	}

	got := jarPercents(t, store)
	if got["mega"] != 0.97 {
		t.Fatalf("mega = %v, want 0.97", got["mega"])
	}
	for name, p := range got {
		if name == "mega" {
			continue
		}
		if p != core.FloorPercent {
			t.Errorf("%s = %v, want floor %v", name, p, core.FloorPercent)
		}
	}
}

func TestUpdateCoveringAllJarsMustAllocateEverything(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.SetTotalIncome(ctx, testUser, testIncome); err != nil {
		t.Fatalf("set income: %v", err)
	}
	jar := core.Jar{Name: "everything", Percent: 1.0}
	jar.Refresh(testIncome)
	if err := store.InsertJar(ctx, testUser, jar); err != nil {
		t.Fatalf("seed: %v", err)
	}
	service := NewJarService(store, store, nil)

	// With no other jars to absorb the difference, shrinking the only jar
	// would leave the sum at 0.5; the batch must be rejected.
	_, err := service.Update(ctx, testUser, []core.UpdateSpec{
		{JarName: "everything", NewPercent: ptr(0.5)},
	})
	if !errors.Is(err, core.ErrShortAllocation) {
		t.Fatalf("err = %v, want ErrShortAllocation", err)
	}

	got, _ := store.GetJar(ctx, testUser, "everything")
	if got.Percent != 1.0 {
		t.Fatalf("everything = %v, rejected batch must not mutate", got.Percent)
	}
	assertInvariant(t, store)
}

func TestUpdateRebalancesAroundTargets(t *testing.T) {
	service, store := newSixJarService(t)
	ctx := context.Background()

	result, err := service.Update(ctx, testUser, []core.UpdateSpec{
		{JarName: "necessities", NewPercent: ptr(0.40)},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if result.Exhausted {
		t.Fatal("unexpected exhausted state")
	}

	got := jarPercents(t, store)
	if math.Abs(got["necessities"]-0.40) > core.Epsilon {
		t.Fatalf("necessities = %v, want 0.40", got["necessities"])
	}
	// The other five held 0.45 and now split 0.60: scaled by 4/3.
	if math.Abs(got["play"]-0.10*0.60/0.45) > core.Epsilon {
		t.Fatalf("play = %v", got["play"])
	}
	assertInvariant(t, store)
}

func TestUpdateByAmountAndRename(t *testing.T) {
	service, store := newSixJarService(t)
	ctx := context.Background()

	amount := decimal.NewFromInt(150)
	if _, err := service.Update(ctx, testUser, []core.UpdateSpec{
		{JarName: "play", NewName: ptr("Fun Money"), NewAmount: &amount},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got := jarPercents(t, store)
	if _, ok := got["play"]; ok {
		t.Fatal("old name still present after rename")
	}
	if math.Abs(got["fun_money"]-0.15) > core.Epsilon {
		t.Fatalf("fun_money = %v, want 0.15", got["fun_money"])
	}
	assertInvariant(t, store)
}

func TestDeleteDownToLastZeroJar(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.SetTotalIncome(ctx, testUser, testIncome); err != nil {
		t.Fatalf("set income: %v", err)
	}
	jars := []core.Jar{
		{Name: "everything", Percent: 1.0},
		{Name: "empty", Percent: 0},
	}
	for _, j := range jars {
		j.Refresh(testIncome)
		if err := store.InsertJar(ctx, testUser, j); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	service := NewJarService(store, store, nil)

	if _, err := service.Delete(ctx, testUser, []string{"everything"}, "consolidating"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got := jarPercents(t, store)
	if got["empty"] != 1.0 {
		t.Fatalf("empty = %v, want exactly 1.0", got["empty"])
	}
}

func TestRepeatedSmallCreatesClampAtFloor(t *testing.T) {
	service, store := newSixJarService(t)
	ctx := context.Background()

	names := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, name := range names {
		if _, err := service.Create(ctx, testUser, []core.CreateSpec{
			{Name: name, Percent: ptr(0.15)},
		}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		assertInvariant(t, store)
	}

	got := jarPercents(t, store)
	// give started at 0.05 and was scaled down on every round; it can
	// approach the floor but never cross it.
	if got["give"] < core.FloorPercent-1e-12 {
		t.Fatalf("give = %v, below floor", got["give"])
	}
	for name, p := range got {
		if p <= 0 {
			t.Errorf("%s = %v, non-positive share", name, p)
		}
	}
}

func TestAmountDerivationAfterIncomeChange(t *testing.T) {
	service, store := newSixJarService(t)
	ctx := context.Background()

	newIncome := decimal.NewFromInt(2500)
	if err := store.SetTotalIncome(ctx, testUser, newIncome); err != nil {
		t.Fatalf("set income: %v", err)
	}
	if err := service.ApplyIncomeChange(ctx, testUser); err != nil {
		t.Fatalf("apply income change: %v", err)
	}

	jars, err := store.ListJars(ctx, testUser)
	if err != nil {
		t.Fatalf("list jars: %v", err)
	}
	before := jarPercents(t, store)
	for _, j := range jars {
		if !j.Amount.Equal(core.AmountFor(j.Percent, newIncome)) {
			t.Errorf("%s amount = %s, want %s", j.Name, j.Amount, core.AmountFor(j.Percent, newIncome))
		}
		if before[j.Name] != j.Percent {
			t.Errorf("%s percent changed by income sweep", j.Name)
		}
	}
	assertInvariant(t, store)
}

func TestBatchSequenceKeepsInvariant(t *testing.T) {
	service, store := newSixJarService(t)
	ctx := context.Background()

	if _, err := service.Create(ctx, testUser, []core.CreateSpec{
		{Name: "vacation", Percent: ptr(0.12)},
		{Name: "emergency fund", Percent: ptr(0.08)},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	assertInvariant(t, store)

	if _, err := service.Update(ctx, testUser, []core.UpdateSpec{
		{JarName: "vacation", NewPercent: ptr(0.05)},
		{JarName: "give", NewPercent: ptr(0.10)},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	assertInvariant(t, store)

	if _, err := service.Delete(ctx, testUser, []string{"emergency_fund", "vacation"}, "done saving"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	assertInvariant(t, store)

	if len(jarPercents(t, store)) != 6 {
		t.Fatal("expected the six seed jars back")
	}
}

func TestMissingIncomeRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	service := NewJarService(store, store, nil)

	_, err := service.Create(ctx, testUser, []core.CreateSpec{
		{Name: "vacation", Percent: ptr(0.20)},
	})
	if !errors.Is(err, core.ErrInvalidIncome) {
		t.Fatalf("err = %v, want ErrInvalidIncome", err)
	}
}

// clobberingRepo corrupts one targeted jar's percent during the write,
// simulating a rebalance that touches a jar it should not.
type clobberingRepo struct {
	*memory.Store
	victim string
}

func (r *clobberingRepo) InsertJar(ctx context.Context, userID string, jar core.Jar) error {
	if jar.Name == r.victim {
		jar.Percent /= 2
	}
	return r.Store.InsertJar(ctx, userID, jar)
}

func TestConsistencyViolationSurfaces(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.SetTotalIncome(ctx, testUser, testIncome); err != nil {
		t.Fatalf("set income: %v", err)
	}
	repo := &clobberingRepo{Store: store, victim: "vacation"}
	service := NewJarService(repo, store, nil)

	_, err := service.Create(ctx, testUser, []core.CreateSpec{
		{Name: "vacation", Percent: ptr(0.40)},
	})
	if !errors.Is(err, core.ErrConsistency) {
		t.Fatalf("err = %v, want ErrConsistency", err)
	}
	if core.IsValidationError(err) {
		t.Fatal("consistency violation must not classify as recoverable validation")
	}
}

func TestRepairRestoresBrokenInvariant(t *testing.T) {
	service, store := newSixJarService(t)
	ctx := context.Background()

	// Break the invariant behind the service's back, as a crash between
	// mutation and rebalance would.
	jar, err := store.GetJar(ctx, testUser, "necessities")
	if err != nil || jar == nil {
		t.Fatalf("get jar: %v", err)
	}
	jar.Percent = 0.95
	if err := store.UpdateJar(ctx, testUser, "necessities", *jar); err != nil {
		t.Fatalf("update jar: %v", err)
	}

	report, err := service.Repair(ctx, testUser)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if !report.Repaired {
		t.Fatalf("report = %+v, want repaired", report)
	}
	assertInvariant(t, store)

	// A second run finds nothing to do.
	report, err = service.Repair(ctx, testUser)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if report.Repaired {
		t.Fatal("second repair should be a no-op")
	}
}
