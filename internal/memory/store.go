package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"sixjars/internal/core"
)

// Store keeps jar sets and incomes in process memory. It backs the
// memory data backend and the engine's tests; all methods hand out
// copies, never views into the store's own slices.
type Store struct {
	mu      sync.Mutex
	jars    map[string][]core.Jar
	incomes map[string]decimal.Decimal
}

func New() *Store {
	return &Store{
		jars:    make(map[string][]core.Jar),
		incomes: make(map[string]decimal.Decimal),
	}
}

func (s *Store) ListJars(_ context.Context, userID string) ([]core.Jar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Jar(nil), s.jars[userID]...), nil
}

func (s *Store) GetJar(_ context.Context, userID, name string) (*core.Jar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = core.NormalizeName(name)
	for _, j := range s.jars[userID] {
		if j.Name == name {
			jar := j
			return &jar, nil
		}
	}
	return nil, nil
}

func (s *Store) InsertJar(_ context.Context, userID string, jar core.Jar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jar.Name = core.NormalizeName(jar.Name)
	for _, j := range s.jars[userID] {
		if j.Name == jar.Name {
			return core.ErrDuplicateName
		}
	}
	s.jars[userID] = append(s.jars[userID], jar)
	return nil
}

func (s *Store) UpdateJar(_ context.Context, userID, name string, jar core.Jar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = core.NormalizeName(name)
	jar.Name = core.NormalizeName(jar.Name)
	for i, j := range s.jars[userID] {
		if j.Name == name {
			s.jars[userID][i] = jar
			return nil
		}
	}
	return core.ErrJarNotFound
}

func (s *Store) DeleteJar(_ context.Context, userID, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = core.NormalizeName(name)
	jars := s.jars[userID]
	for i, j := range jars {
		if j.Name == name {
			s.jars[userID] = append(jars[:i:i], jars[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.jars))
	for userID, jars := range s.jars {
		if len(jars) > 0 {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *Store) TotalIncome(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incomes[userID], nil
}

func (s *Store) SetTotalIncome(_ context.Context, userID string, income decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incomes[userID] = income
	return nil
}
