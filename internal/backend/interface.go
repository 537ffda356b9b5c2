package backend

import (
	"sixjars/internal/services"
)

// Result bundles the repository and income store a backend provides,
// plus an optional cleanup function for its resources.
type Result struct {
	Repo    services.JarRepository
	Incomes services.IncomeStore
	Cleanup CleanupFunc
}

// CleanupFunc releases a backend's resources.
type CleanupFunc func() error

// Type selects the data backend.
type Type string

const (
	SQLiteBackend Type = "sqlite"
	MemoryBackend Type = "memory"
)

func (t Type) IsValid() bool {
	switch t {
	case SQLiteBackend, MemoryBackend:
		return true
	}
	return false
}

// Config holds what backend construction needs.
type Config struct {
	Type         Type
	SQLiteDBPath string
}
