// Package indicator computes the per-symbol derived stores (technical,
// alerts, money flow) from the price table and writes them back with a
// symbol-scoped merge.
package indicator

import (
	"errors"
	"fmt"
	"sort"

	"halong/internal/domain"
	"halong/internal/store"
)

// ErrInsufficientHistory is returned by Compute when a series is shorter than
// the calculator's minimum history.
var ErrInsufficientHistory = errors.New("insufficient history")

// Calculator derives one row type from a single symbol's price series.
type Calculator[R store.Row] interface {
	// Name returns the store name the calculator writes.
	Name() string

	// MinHistory returns the number of sessions needed for the last row to
	// be fully defined.
	MinHistory() int

	// Compute returns the rows for s in date order.
	Compute(s domain.Series) ([]R, error)
}

func checkHistory(name string, s domain.Series, min int) error {
	if s.Len() < min {
		return fmt.Errorf("%s: %s has %d sessions, need %d: %w", name, s.Symbol, s.Len(), min, ErrInsufficientHistory)
	}
	return nil
}

// Registry holds the bound calculators of a run, keyed by store name.
type Registry struct {
	jobs map[string]Job
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Job)}
}

// Register adds a job, keyed by its Name().
func (r *Registry) Register(j Job) {
	r.jobs[j.Name()] = j
}

// Get retrieves a job by name.
func (r *Registry) Get(name string) (Job, bool) {
	j, ok := r.jobs[name]
	return j, ok
}

// List returns the sorted job names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default binds the three built-in calculators to their tables.
func Default(t store.Tables) *Registry {
	r := NewRegistry()
	r.Register(Bind[store.TechnicalRecord](Technical{}, t.Technical))
	r.Register(Bind[store.AlertRecord](Alerts{}, t.Alerts))
	r.Register(Bind[store.MoneyFlowRecord](MoneyFlow{}, t.MoneyFlow))
	return r
}
