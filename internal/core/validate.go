package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Validation is fail-fast: the first violation aborts the batch and the
// caller's jar set is untouched. All checks run against a snapshot; no
// function in this file mutates its inputs.

// ValidateCreateBatch checks a batch of create specs against the current
// jar set and returns the fully formed new jars in batch order.
func ValidateCreateBatch(specs []CreateSpec, existing []Jar, income decimal.Decimal) ([]Jar, error) {
	if !income.IsPositive() {
		return nil, fmt.Errorf("income %s: %w", income, ErrInvalidIncome)
	}

	taken := make(map[string]bool, len(existing))
	for _, j := range existing {
		taken[NormalizeName(j.Name)] = true
	}

	jars := make([]Jar, 0, len(specs))
	total := 0.0
	for _, spec := range specs {
		if !ValidName(spec.Name) {
			return nil, fmt.Errorf("jar %q: %w", spec.Name, ErrInvalidName)
		}
		name := NormalizeName(spec.Name)
		if taken[name] {
			return nil, fmt.Errorf("jar %q: %w", name, ErrDuplicateName)
		}
		taken[name] = true

		percent, err := resolvePercent(name, spec.Percent, spec.Amount, income)
		if err != nil {
			return nil, err
		}
		total += percent

		jar := Jar{
			Name:        name,
			Description: spec.Description,
			Percent:     percent,
		}
		jar.Refresh(income)
		jars = append(jars, jar)
	}

	// The new jars alone must fit in the whole allocation; otherwise no
	// amount of rebalancing can make room for them.
	if total > 1.0+floatSlack {
		return nil, fmt.Errorf("new jars claim %.4f of income: %w", total, ErrOverAllocation)
	}

	return jars, nil
}

// ValidateUpdateBatch checks a batch of update specs and returns, per
// targeted jar, its stored state and its validated new state.
func ValidateUpdateBatch(specs []UpdateSpec, existing []Jar, income decimal.Decimal) ([]JarUpdate, error) {
	if !income.IsPositive() {
		return nil, fmt.Errorf("income %s: %w", income, ErrInvalidIncome)
	}

	byName := make(map[string]Jar, len(existing))
	for _, j := range existing {
		byName[NormalizeName(j.Name)] = j
	}

	targeted := make(map[string]bool, len(specs))
	renamed := make(map[string]bool, len(specs))
	updates := make([]JarUpdate, 0, len(specs))
	positiveDelta := 0.0
	for _, spec := range specs {
		if !ValidName(spec.JarName) {
			return nil, fmt.Errorf("jar %q: %w", spec.JarName, ErrInvalidName)
		}
		name := NormalizeName(spec.JarName)
		before, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("jar %q: %w", name, ErrJarNotFound)
		}
		if targeted[name] {
			return nil, fmt.Errorf("jar %q targeted twice: %w", name, ErrDuplicateName)
		}
		targeted[name] = true

		percent, err := resolvePercent(name, spec.NewPercent, spec.NewAmount, income)
		if err != nil {
			return nil, err
		}
		if delta := percent - before.Percent; delta > 0 {
			positiveDelta += delta
		}

		after := before
		after.Percent = percent
		if spec.NewDescription != nil {
			after.Description = *spec.NewDescription
		}
		if spec.NewName != nil {
			if !ValidName(*spec.NewName) {
				return nil, fmt.Errorf("new name %q: %w", *spec.NewName, ErrInvalidName)
			}
			newName := NormalizeName(*spec.NewName)
			if newName != name {
				if _, exists := byName[newName]; exists || renamed[newName] {
					return nil, fmt.Errorf("new name %q: %w", newName, ErrDuplicateName)
				}
			}
			renamed[newName] = true
			after.Name = newName
		}
		after.Refresh(income)
		updates = append(updates, JarUpdate{Before: before, After: after})
	}

	if positiveDelta > 1.0+floatSlack {
		return nil, fmt.Errorf("updates grow allocations by %.4f: %w", positiveDelta, ErrOverAllocation)
	}

	// A batch covering every jar leaves nothing to rebalance around it, so
	// the new percents must account for the whole allocation themselves.
	if len(targeted) == len(byName) {
		total := 0.0
		for _, u := range updates {
			total += u.After.Percent
		}
		if total > 1.0+Epsilon {
			return nil, fmt.Errorf("updates to every jar claim %.4f: %w", total, ErrOverAllocation)
		}
		if total < 1.0-Epsilon {
			return nil, fmt.Errorf("updates to every jar claim only %.4f: %w", total, ErrShortAllocation)
		}
	}

	return updates, nil
}

// ValidateDeleteBatch resolves every name to an existing jar and returns
// the jars to remove. Deletion only ever frees capacity, so there is no
// percent constraint.
func ValidateDeleteBatch(names []string, existing []Jar) ([]Jar, error) {
	byName := make(map[string]Jar, len(existing))
	for _, j := range existing {
		byName[NormalizeName(j.Name)] = j
	}

	seen := make(map[string]bool, len(names))
	jars := make([]Jar, 0, len(names))
	for _, raw := range names {
		if !ValidName(raw) {
			return nil, fmt.Errorf("jar %q: %w", raw, ErrInvalidName)
		}
		name := NormalizeName(raw)
		jar, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("jar %q: %w", name, ErrJarNotFound)
		}
		if seen[name] {
			return nil, fmt.Errorf("jar %q named twice: %w", name, ErrDuplicateName)
		}
		seen[name] = true
		jars = append(jars, jar)
	}

	return jars, nil
}

// floatSlack keeps exact-boundary batches (for example two jars of 0.5)
// from tripping over float noise; it is far below Epsilon.
const floatSlack = 1e-9

func resolvePercent(name string, percent *float64, amount *decimal.Decimal, income decimal.Decimal) (float64, error) {
	if (percent == nil) == (amount == nil) {
		return 0, fmt.Errorf("jar %q: %w", name, ErrAllocationChoice)
	}
	p := 0.0
	if percent != nil {
		p = *percent
	} else {
		p = amount.DivRound(income, 9).InexactFloat64()
	}
	if p <= 0 || p > 1.0+floatSlack {
		return 0, fmt.Errorf("jar %q: percent %.4f: %w", name, p, ErrPercentOutOfRange)
	}
	if p > 1.0 {
		p = 1.0
	}
	return p, nil
}
