package core

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// Epsilon is the tolerance on the sum-to-one allocation invariant.
	Epsilon = 0.001

	// FloorPercent is the minimum share a jar may be scaled down to during
	// rebalancing.
	FloorPercent = 0.01

	minNameLength = 2
)

var (
	ErrInvalidName       = errors.New("empty or invalid jar name")
	ErrDuplicateName     = errors.New("duplicate jar name")
	ErrAllocationChoice  = errors.New("exactly one of percent or amount must be given")
	ErrPercentOutOfRange = errors.New("percent must be greater than 0 and at most 1")
	ErrOverAllocation    = errors.New("allocation exceeds total income")
	ErrShortAllocation   = errors.New("allocation leaves income unassigned")
	ErrJarNotFound       = errors.New("jar not found")
	ErrInvalidIncome     = errors.New("total income must be positive")

	// ErrConsistency means rebalancing touched a jar it should have left
	// alone. This is a contract failure, not bad user input; callers must
	// not retry the batch.
	ErrConsistency = errors.New("allocation consistency violation")
)

// Jar is a named budget category holding a share of the user's income.
// Amount and CurrentPercent are derived fields, recomputed whenever the
// percent or the income changes.
type Jar struct {
	Name           string
	Description    string
	Percent        float64
	Amount         decimal.Decimal
	CurrentAmount  decimal.Decimal
	CurrentPercent float64
}

// CreateSpec describes one jar in a create batch. Exactly one of Percent
// or Amount must be set; an Amount is converted to a percent of income
// during validation.
type CreateSpec struct {
	Name        string
	Description string
	Percent     *float64
	Amount      *decimal.Decimal
}

// UpdateSpec describes one jar in an update batch. JarName selects the
// jar; the remaining fields are optional except that exactly one of
// NewPercent or NewAmount must be set.
type UpdateSpec struct {
	JarName        string
	NewName        *string
	NewDescription *string
	NewPercent     *float64
	NewAmount      *decimal.Decimal
}

// JarUpdate pairs a jar's stored state with its validated new state.
type JarUpdate struct {
	Before Jar
	After  Jar
}

// JarChange records one jar's allocation before and after a batch
// operation, for human-readable summaries.
type JarChange struct {
	Name          string
	BeforePercent float64
	AfterPercent  float64
	BeforeAmount  decimal.Decimal
	AfterAmount   decimal.Decimal
	Created       bool
	Deleted       bool
}

// BatchResult describes the effect of one batch operation on every jar
// of the user.
type BatchResult struct {
	Changes []JarChange

	// Exhausted is set when rebalancing could not free enough capacity
	// and the untouched jars were pinned at the floor percent.
	Exhausted bool
}

// NormalizeName lowercases a jar name and replaces spaces with
// underscores. All lookups and uniqueness checks go through it.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// ValidName reports whether the name survives normalization with at
// least two characters.
func ValidName(name string) bool {
	return len(NormalizeName(name)) >= minNameLength
}

// AmountFor derives the money amount a percent share represents,
// rounded to cents.
func AmountFor(percent float64, income decimal.Decimal) decimal.Decimal {
	return income.Mul(decimal.NewFromFloat(percent)).Round(2)
}

// SpentShare is current_amount / amount clamped to [0, 1]. A jar with a
// zero amount has a zero spent share.
func SpentShare(current, amount decimal.Decimal) float64 {
	if amount.IsZero() {
		return 0
	}
	share := current.DivRound(amount, 6).InexactFloat64()
	if share < 0 {
		return 0
	}
	if share > 1 {
		return 1
	}
	return share
}

// Refresh recomputes the jar's derived fields after its percent or the
// user's income changed.
func (j *Jar) Refresh(income decimal.Decimal) {
	j.Amount = AmountFor(j.Percent, income)
	j.CurrentPercent = SpentShare(j.CurrentAmount, j.Amount)
}

// IsValidationError reports whether err is a pre-mutation batch
// rejection: recoverable, with no state changed. ErrConsistency is
// deliberately excluded.
func IsValidationError(err error) bool {
	for _, kind := range []error{
		ErrInvalidName,
		ErrDuplicateName,
		ErrAllocationChoice,
		ErrPercentOutOfRange,
		ErrOverAllocation,
		ErrShortAllocation,
		ErrJarNotFound,
		ErrInvalidIncome,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// PercentSum is the sum of the jars' allocation percents.
func PercentSum(jars []Jar) float64 {
	total := 0.0
	for _, j := range jars {
		total += j.Percent
	}
	return total
}
