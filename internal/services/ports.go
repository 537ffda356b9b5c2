package services

import (
	"context"

	"github.com/shopspring/decimal"

	"sixjars/internal/core"
)

// JarRepository is the per-user jar store the engine mutates. Jars are
// keyed by normalized name; implementations return copies, never views
// into their own state.
type JarRepository interface {
	ListJars(ctx context.Context, userID string) ([]core.Jar, error)

	// GetJar returns nil when no jar with that name exists.
	GetJar(ctx context.Context, userID, name string) (*core.Jar, error)

	InsertJar(ctx context.Context, userID string, jar core.Jar) error

	// UpdateJar replaces the jar stored under name; jar.Name may differ
	// (rename). Returns core.ErrJarNotFound when name is absent.
	UpdateJar(ctx context.Context, userID, name string, jar core.Jar) error

	// DeleteJar reports whether a jar was actually removed.
	DeleteJar(ctx context.Context, userID, name string) (bool, error)

	// ListUsers enumerates users with at least one jar, for repair sweeps.
	ListUsers(ctx context.Context) ([]string, error)
}

// WriteBatch collects every write of one batch operation: the direct
// effect plus the rebalance of the untouched jars.
type WriteBatch struct {
	Inserts []core.Jar
	Updates []JarWrite
	Deletes []string
}

// JarWrite replaces the jar stored under Name with Jar.
type JarWrite struct {
	Name string
	Jar  core.Jar
}

// BatchWriter is implemented by repositories that can apply a WriteBatch
// atomically. The service prefers it over individual writes so a crash
// mid-batch cannot leave the invariant broken.
type BatchWriter interface {
	ApplyBatch(ctx context.Context, userID string, batch WriteBatch) error
}

// IncomeProvider reports a user's total income, the scalar that converts
// between percent and amount. Implementations must return a positive
// value for known users.
type IncomeProvider interface {
	TotalIncome(ctx context.Context, userID string) (decimal.Decimal, error)
}

// IncomeStore is an IncomeProvider that also persists income updates
// reported by the upstream layer.
type IncomeStore interface {
	IncomeProvider
	SetTotalIncome(ctx context.Context, userID string, income decimal.Decimal) error
}
