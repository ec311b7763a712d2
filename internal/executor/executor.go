// Package executor runs the external computation behind each job type.
//
// A Registry maps job type tags to Variants, which validate orders and
// describe expected outputs, and delegates the work itself to a Backend
// (containers or local processes). Every run yields an Outcome; backend
// errors and panics never escape as anything else.
package executor

import (
	"accessd/internal/apperrors"
	"accessd/internal/artifact"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Backend performs the computation for one job. Implementations write
// output files into inv.OutputDir and return a non-nil error on failure.
type Backend interface {
	Run(ctx context.Context, inv Invocation) error
}

// Pinger is implemented by backends with an external dependency that
// readiness checks should probe.
type Pinger interface {
	Ready(ctx context.Context) error
}

// Input is a resolved resource reference.
type Input struct {
	Ref
	Path string // host path of the resource blob
}

// Invocation is one request to run a job.
type Invocation struct {
	JobID     string
	Type      string
	Orders    map[string]any
	Inputs    []Input
	OutputDir string
	Variant   Variant
}

// Params returns a copy of the orders with each input bound under the name
// the variant expects. location maps an input to the path the computation
// will see, which differs from the host path inside a container.
func (inv Invocation) Params(location func(Input) string) map[string]any {
	params := deepCopyMap(inv.Orders)
	for _, in := range inv.Inputs {
		name := DefaultInputName(in.Field)
		if inv.Variant != nil {
			name = inv.Variant.InputName(in.Field)
		}
		setAt(params, in.Parents, name, location(in))
	}
	return params
}

// Outcome is the result of running a job: output files on success, or a
// failure carrying a kind.
type Outcome struct {
	Files []string // relative to the output directory
	Err   error
}

// Succeeded reports whether the run produced a result.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Registry maps job types to variants and runs them on a backend.
type Registry struct {
	backend  Backend
	variants map[string]Variant
}

// NewRegistry creates a registry. Later variants replace earlier ones with
// the same type.
func NewRegistry(backend Backend, variants ...Variant) *Registry {
	r := &Registry{
		backend:  backend,
		variants: make(map[string]Variant, len(variants)),
	}
	for _, v := range variants {
		r.variants[v.Type()] = v
	}
	return r
}

// Lookup returns the variant for jobType, failing closed with
// UnrecognizedJobType.
func (r *Registry) Lookup(jobType string) (Variant, error) {
	v, ok := r.variants[jobType]
	if !ok {
		return nil, apperrors.UnrecognizedJobType(jobType)
	}
	return v, nil
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.variants))
	for t := range r.variants {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Ready probes the backend when it supports it.
func (r *Registry) Ready(ctx context.Context) error {
	if p, ok := r.backend.(Pinger); ok {
		return p.Ready(ctx)
	}
	return nil
}

// Run invokes the backend synchronously and checks the variant's required
// outputs exist.
func (r *Registry) Run(ctx context.Context, inv Invocation) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = Outcome{Err: apperrors.ExecutorFailure(inv.Type, fmt.Errorf("executor panic: %v", p))}
		}
	}()

	if inv.Variant == nil {
		v, err := r.Lookup(inv.Type)
		if err != nil {
			return Outcome{Err: err}
		}
		inv.Variant = v
	}

	if err := r.backend.Run(ctx, inv); err != nil {
		if apperrors.KindOf(err) == "" {
			err = apperrors.ExecutorFailure(inv.Type, err)
		}
		return Outcome{Err: err}
	}

	for _, name := range inv.Variant.Outputs() {
		if _, err := os.Stat(filepath.Join(inv.OutputDir, name)); err != nil {
			return Outcome{Err: apperrors.ExecutorFailure(inv.Type, fmt.Errorf("expected output %s was not produced", name))}
		}
	}

	files, err := artifact.List(inv.OutputDir)
	if err != nil {
		return Outcome{Err: apperrors.ExecutorFailure(inv.Type, err)}
	}
	return Outcome{Files: artifact.Paths(files)}
}
