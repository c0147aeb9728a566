// Package function holds the scalar and aggregate functions callable from
// statements.
package function

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/grafana/streamql/pkg/types"
)

// ErrArguments is returned by result type resolvers for invalid argument
// lists.
var ErrArguments = errors.New("invalid arguments")

// Scalar is a row-wise function.
type Scalar struct {
	Name string
	// ResultType validates the argument types and returns the result type.
	ResultType func(args []types.Type) (types.Type, error)
	// Eval computes the result. Unless NullAware is set, Eval is not called
	// when any argument is NULL and the result is NULL.
	Eval      func(args []types.Value) (types.Value, error)
	NullAware bool
}

// Accumulator folds values into a partial aggregate.
type Accumulator interface {
	Add(v types.Value)
	Result() types.Value
	// Merge folds the state of another accumulator of the same aggregate
	// into this one. Used when session windows merge.
	Merge(other Accumulator)
}

// Retractable accumulators can undo a previous Add. Aggregations over tables
// require it.
type Retractable interface {
	Accumulator
	Remove(v types.Value)
}

// Aggregate is an aggregate function.
type Aggregate struct {
	Name string
	// ResultType validates the argument types and returns the result type.
	// star is set for F(*).
	ResultType func(args []types.Type, star bool) (types.Type, error)
	// New returns an empty accumulator for arguments of the given types.
	New func(args []types.Type) Accumulator
	// Retractable reports whether New returns [Retractable] accumulators.
	Retractable bool
}

// Registry resolves functions by case-insensitive name.
type Registry struct {
	scalars    map[string]Scalar
	aggregates map[string]Aggregate
}

// NewRegistry returns a registry with the built-in functions.
func NewRegistry() *Registry {
	r := &Registry{
		scalars:    map[string]Scalar{},
		aggregates: map[string]Aggregate{},
	}
	for _, s := range builtinScalars() {
		r.RegisterScalar(s)
	}
	for _, a := range builtinAggregates() {
		r.RegisterAggregate(a)
	}
	return r
}

// Default is the registry used when none is configured.
var Default = NewRegistry()

// RegisterScalar adds or replaces a scalar function.
func (r *Registry) RegisterScalar(s Scalar) { r.scalars[strings.ToUpper(s.Name)] = s }

// RegisterAggregate adds or replaces an aggregate function.
func (r *Registry) RegisterAggregate(a Aggregate) { r.aggregates[strings.ToUpper(a.Name)] = a }

// Scalar returns the scalar function called name.
func (r *Registry) Scalar(name string) (Scalar, bool) {
	s, ok := r.scalars[strings.ToUpper(name)]
	return s, ok
}

// Aggregate returns the aggregate function called name.
func (r *Registry) Aggregate(name string) (Aggregate, bool) {
	a, ok := r.aggregates[strings.ToUpper(name)]
	return a, ok
}

// IsAggregate reports whether name is an aggregate function.
func (r *Registry) IsAggregate(name string) bool {
	_, ok := r.aggregates[strings.ToUpper(name)]
	return ok
}

// Names returns all function names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.scalars)+len(r.aggregates))
	for n := range r.scalars {
		names = append(names, n)
	}
	for n := range r.aggregates {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func arity(name string, args []types.Type, lo, hi int) error {
	if len(args) < lo || len(args) > hi {
		if lo == hi {
			return fmt.Errorf("%w: %s expects %d argument(s), got %d", ErrArguments, name, lo, len(args))
		}
		return fmt.Errorf("%w: %s expects %d to %d arguments, got %d", ErrArguments, name, lo, hi, len(args))
	}
	return nil
}

func argError(name string, i int, want string, got types.Type) error {
	return fmt.Errorf("%w: argument %d of %s must be %s, got %s", ErrArguments, i+1, name, want, got)
}
