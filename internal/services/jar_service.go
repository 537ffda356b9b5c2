package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"sixjars/internal/amqp"
	"sixjars/internal/cache"
	"sixjars/internal/core"
)

// JarService is the facade over the allocation engine. Every batch
// operation runs the same protocol: validate against a snapshot, commit
// the direct effect together with the rebalance of the untouched jars,
// then re-read the targeted jars to verify rebalancing left them alone.
type JarService struct {
	repo        JarRepository
	income      IncomeProvider
	incomeCache *cache.LRU[decimal.Decimal]
	events      *amqp.Client // optional, nil disables event publication
	locks       userLocks
}

func NewJarService(repo JarRepository, income IncomeProvider, events *amqp.Client) *JarService {
	return &JarService{
		repo:        repo,
		income:      income,
		incomeCache: cache.NewLRU[decimal.Decimal](4096, time.Minute),
		events:      events,
	}
}

// Create adds the batch's jars and scales every existing jar down into
// the remaining allocation space.
func (s *JarService) Create(ctx context.Context, userID string, specs []core.CreateSpec) (*core.BatchResult, error) {
	defer s.locks.lock(userID)()

	income, snapshot, err := s.snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	newJars, err := core.ValidateCreateBatch(specs, snapshot, income)
	if err != nil {
		return nil, err
	}

	claimed := core.PercentSum(newJars)
	scaled := core.ScaleToRemaining(snapshot, claimed, income)

	batch := WriteBatch{Inserts: newJars}
	for _, j := range scaled.Jars {
		batch.Updates = append(batch.Updates, JarWrite{Name: j.Name, Jar: j})
	}
	if err := s.commit(ctx, userID, batch); err != nil {
		return nil, fmt.Errorf("commit create batch: %w", err)
	}

	if err := s.verifyPercents(ctx, userID, newJars); err != nil {
		return nil, err
	}

	result := &core.BatchResult{Exhausted: scaled.Exhausted}
	for _, j := range newJars {
		result.Changes = append(result.Changes, core.JarChange{
			Name:         j.Name,
			AfterPercent: j.Percent,
			AfterAmount:  j.Amount,
			Created:      true,
		})
	}
	appendRebalanced(result, snapshot, scaled.Jars)

	slog.InfoContext(ctx, "Created jars",
		"user_id", userID,
		"created", len(newJars),
		"rebalanced", len(scaled.Jars),
		"exhausted", scaled.Exhausted)
	s.publish(ctx, userID, "create", "", result)
	return result, nil
}

// Update applies field changes to the targeted jars and rescales the
// rest around their new percents.
func (s *JarService) Update(ctx context.Context, userID string, specs []core.UpdateSpec) (*core.BatchResult, error) {
	defer s.locks.lock(userID)()

	income, snapshot, err := s.snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	updates, err := core.ValidateUpdateBatch(specs, snapshot, income)
	if err != nil {
		return nil, err
	}

	targeted := make(map[string]bool, len(updates))
	claimed := 0.0
	for _, u := range updates {
		targeted[core.NormalizeName(u.Before.Name)] = true
		claimed += u.After.Percent
	}
	others := make([]core.Jar, 0, len(snapshot))
	for _, j := range snapshot {
		if !targeted[core.NormalizeName(j.Name)] {
			others = append(others, j)
		}
	}
	scaled := core.ScaleToRemaining(others, claimed, income)

	var batch WriteBatch
	for _, u := range updates {
		batch.Updates = append(batch.Updates, JarWrite{Name: u.Before.Name, Jar: u.After})
	}
	for _, j := range scaled.Jars {
		batch.Updates = append(batch.Updates, JarWrite{Name: j.Name, Jar: j})
	}
	if err := s.commit(ctx, userID, batch); err != nil {
		return nil, fmt.Errorf("commit update batch: %w", err)
	}

	intended := make([]core.Jar, 0, len(updates))
	for _, u := range updates {
		intended = append(intended, u.After)
	}
	if err := s.verifyPercents(ctx, userID, intended); err != nil {
		return nil, err
	}

	result := &core.BatchResult{Exhausted: scaled.Exhausted}
	for _, u := range updates {
		result.Changes = append(result.Changes, core.JarChange{
			Name:          u.After.Name,
			BeforePercent: u.Before.Percent,
			AfterPercent:  u.After.Percent,
			BeforeAmount:  u.Before.Amount,
			AfterAmount:   u.After.Amount,
		})
	}
	appendRebalanced(result, others, scaled.Jars)

	slog.InfoContext(ctx, "Updated jars",
		"user_id", userID,
		"updated", len(updates),
		"rebalanced", len(scaled.Jars),
		"exhausted", scaled.Exhausted)
	s.publish(ctx, userID, "update", "", result)
	return result, nil
}

// Delete removes the named jars and redistributes their freed percent
// across the remaining jars in proportion to their current shares.
func (s *JarService) Delete(ctx context.Context, userID string, names []string, reason string) (*core.BatchResult, error) {
	defer s.locks.lock(userID)()

	income, snapshot, err := s.snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	victims, err := core.ValidateDeleteBatch(names, snapshot)
	if err != nil {
		return nil, err
	}

	deleted := make(map[string]bool, len(victims))
	freed := 0.0
	for _, j := range victims {
		deleted[core.NormalizeName(j.Name)] = true
		freed += j.Percent
	}
	remaining := make([]core.Jar, 0, len(snapshot))
	for _, j := range snapshot {
		if !deleted[core.NormalizeName(j.Name)] {
			remaining = append(remaining, j)
		}
	}
	rebalanced := core.Redistribute(remaining, freed, income)

	var batch WriteBatch
	for _, j := range victims {
		batch.Deletes = append(batch.Deletes, j.Name)
	}
	for _, j := range rebalanced {
		batch.Updates = append(batch.Updates, JarWrite{Name: j.Name, Jar: j})
	}
	if err := s.commit(ctx, userID, batch); err != nil {
		return nil, fmt.Errorf("commit delete batch: %w", err)
	}

	if err := s.verifyDeleted(ctx, userID, victims); err != nil {
		return nil, err
	}

	result := &core.BatchResult{}
	for _, j := range victims {
		result.Changes = append(result.Changes, core.JarChange{
			Name:          j.Name,
			BeforePercent: j.Percent,
			BeforeAmount:  j.Amount,
			Deleted:       true,
		})
	}
	appendRebalanced(result, remaining, rebalanced)

	slog.InfoContext(ctx, "Deleted jars",
		"user_id", userID,
		"deleted", len(victims),
		"rebalanced", len(rebalanced),
		"reason", reason)
	s.publish(ctx, userID, "delete", reason, result)
	return result, nil
}

// ApplyIncomeChange recomputes every jar's amount and spent share after
// the user's income changed. Percent values are untouched, so there is
// nothing to rebalance.
func (s *JarService) ApplyIncomeChange(ctx context.Context, userID string) error {
	defer s.locks.lock(userID)()
	s.incomeCache.Delete(userID)

	income, jars, err := s.snapshot(ctx, userID)
	if err != nil {
		return err
	}

	var batch WriteBatch
	for _, j := range jars {
		j.Refresh(income)
		batch.Updates = append(batch.Updates, JarWrite{Name: j.Name, Jar: j})
	}
	if err := s.commit(ctx, userID, batch); err != nil {
		return fmt.Errorf("commit income sweep: %w", err)
	}

	slog.InfoContext(ctx, "Applied income change",
		"user_id", userID,
		"income", income.String(),
		"jars", len(jars))
	return nil
}

// RepairReport is the outcome of an invariant check on one user.
type RepairReport struct {
	UserID   string
	Sum      float64
	Repaired bool
}

// Repair recomputes the user's percent sum and, if the invariant is
// broken (for example after a crash between a mutation and its
// rebalance), rescales every jar back to a sum of one.
func (s *JarService) Repair(ctx context.Context, userID string) (*RepairReport, error) {
	defer s.locks.lock(userID)()

	income, jars, err := s.snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &RepairReport{UserID: userID, Sum: core.PercentSum(jars)}
	if len(jars) == 0 || math.Abs(report.Sum-1.0) <= core.Epsilon {
		return report, nil
	}

	slog.WarnContext(ctx, "Allocation invariant broken, repairing",
		"user_id", userID,
		"sum", report.Sum)

	var batch WriteBatch
	for _, j := range core.Normalize(jars, income) {
		batch.Updates = append(batch.Updates, JarWrite{Name: j.Name, Jar: j})
	}
	if err := s.commit(ctx, userID, batch); err != nil {
		return nil, fmt.Errorf("commit repair: %w", err)
	}

	report.Repaired = true
	return report, nil
}

// snapshot reads the income and the current jar set under the user lock.
// Incomes only move through ApplyIncomeChange, which invalidates the
// cache entry, so a cached value is safe for the batch protocol.
func (s *JarService) snapshot(ctx context.Context, userID string) (decimal.Decimal, []core.Jar, error) {
	income, cached := s.incomeCache.Get(userID)
	if !cached {
		var err error
		income, err = s.income.TotalIncome(ctx, userID)
		if err != nil {
			return decimal.Zero, nil, fmt.Errorf("get total income: %w", err)
		}
	}
	if !income.IsPositive() {
		return decimal.Zero, nil, fmt.Errorf("income %s for user %s: %w", income, userID, core.ErrInvalidIncome)
	}
	if !cached {
		s.incomeCache.Set(userID, income)
	}
	jars, err := s.repo.ListJars(ctx, userID)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("list jars: %w", err)
	}
	return income, jars, nil
}

func (s *JarService) commit(ctx context.Context, userID string, batch WriteBatch) error {
	if bw, ok := s.repo.(BatchWriter); ok {
		return bw.ApplyBatch(ctx, userID, batch)
	}
	for _, j := range batch.Inserts {
		if err := s.repo.InsertJar(ctx, userID, j); err != nil {
			return fmt.Errorf("insert jar %q: %w", j.Name, err)
		}
	}
	for _, w := range batch.Updates {
		if err := s.repo.UpdateJar(ctx, userID, w.Name, w.Jar); err != nil {
			return fmt.Errorf("update jar %q: %w", w.Name, err)
		}
	}
	for _, name := range batch.Deletes {
		if _, err := s.repo.DeleteJar(ctx, userID, name); err != nil {
			return fmt.Errorf("delete jar %q: %w", name, err)
		}
	}
	return nil
}

// verifyPercents re-reads the directly targeted jars and confirms each
// kept its intended percent. A mismatch means rebalancing clobbered a
// jar it should not have touched; that is a contract failure and the
// batch must not be retried.
func (s *JarService) verifyPercents(ctx context.Context, userID string, intended []core.Jar) error {
	for _, want := range intended {
		got, err := s.repo.GetJar(ctx, userID, want.Name)
		if err != nil {
			return fmt.Errorf("verify jar %q: %w", want.Name, err)
		}
		if got == nil {
			return fmt.Errorf("jar %q missing after commit: %w", want.Name, core.ErrConsistency)
		}
		if math.Abs(got.Percent-want.Percent) > core.Epsilon {
			return fmt.Errorf("jar %q has percent %.4f, intended %.4f: %w",
				want.Name, got.Percent, want.Percent, core.ErrConsistency)
		}
	}
	return nil
}

func (s *JarService) verifyDeleted(ctx context.Context, userID string, victims []core.Jar) error {
	for _, want := range victims {
		got, err := s.repo.GetJar(ctx, userID, want.Name)
		if err != nil {
			return fmt.Errorf("verify deleted jar %q: %w", want.Name, err)
		}
		if got != nil {
			return fmt.Errorf("jar %q still present after delete: %w", want.Name, core.ErrConsistency)
		}
	}
	return nil
}

func (s *JarService) publish(ctx context.Context, userID, kind, reason string, result *core.BatchResult) {
	if s.events == nil {
		return
	}
	event := amqp.NewRebalancedEvent(userID, kind, reason, result)
	if err := s.events.PublishRebalanced(ctx, event); err != nil {
		// The batch is committed; event delivery is best effort.
		slog.ErrorContext(ctx, "Failed to publish rebalance event",
			"user_id", userID,
			"kind", kind,
			"error", err)
	}
}

// appendRebalanced records the before/after of every untouched jar the
// rebalance adjusted. before and after are index-aligned.
func appendRebalanced(result *core.BatchResult, before, after []core.Jar) {
	for i := range after {
		result.Changes = append(result.Changes, core.JarChange{
			Name:          after[i].Name,
			BeforePercent: before[i].Percent,
			AfterPercent:  after[i].Percent,
			BeforeAmount:  before[i].Amount,
			AfterAmount:   after[i].Amount,
		})
	}
}
