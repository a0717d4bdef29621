// Package engine converts a local source file into a local output file of
// another format by choosing among conversion strategies.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"c3d/models"
)

// IntermediateFormat bridges a source and target that no single strategy
// handles together.
const IntermediateFormat = "stl"

type Tolerances struct {
	Linear  float64
	Angular float64
}

// DefaultTolerances are the meshing deflections used when none are configured.
var DefaultTolerances = Tolerances{Linear: 0.001, Angular: 0.1}

type Request struct {
	SourcePath   string
	OutputPath   string
	SourceFormat string
	TargetFormat string
	Tolerances   Tolerances
}

// Engine is what the trigger handler depends on.
type Engine interface {
	Plan(sourceFormat, targetFormat string) (*Plan, error)
	Convert(ctx context.Context, req Request) error
}

// Strategy is one conversion backend.
type Strategy interface {
	Name() string
	CanImport(format string) bool
	CanExport(format string) bool
	Convert(ctx context.Context, req Request) error
}

// Step is one strategy invocation within a plan.
type Step struct {
	Strategy Strategy
	From     string
	To       string
}

type Plan struct {
	Steps []Step
}

func (p *Plan) String() string {
	parts := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		parts[i] = fmt.Sprintf("%s(%s->%s)", s.Strategy.Name(), s.From, s.To)
	}
	return strings.Join(parts, " + ")
}

var _ Engine = (*Dispatcher)(nil)

// Dispatcher plans over its strategies in order: a direct conversion when
// one strategy handles both formats, otherwise a bridge through
// IntermediateFormat.
type Dispatcher struct {
	strategies []Strategy
}

func NewDispatcher(strategies ...Strategy) *Dispatcher {
	return &Dispatcher{strategies: strategies}
}

func (d *Dispatcher) Plan(sourceFormat, targetFormat string) (*Plan, error) {
	src := models.NormalizeFormat(sourceFormat)
	dst := models.NormalizeFormat(targetFormat)
	if src == "" || dst == "" {
		return nil, models.WithDetail(
			fmt.Errorf("%w: missing format (%q to %q)", models.ErrUnsupportedConversion, sourceFormat, targetFormat),
			"source or target format missing")
	}

	for _, s := range d.strategies {
		if s.CanImport(src) && s.CanExport(dst) {
			return &Plan{Steps: []Step{{Strategy: s, From: src, To: dst}}}, nil
		}
	}

	for _, first := range d.strategies {
		if !first.CanImport(src) || !first.CanExport(IntermediateFormat) {
			continue
		}
		for _, second := range d.strategies {
			if second.CanImport(IntermediateFormat) && second.CanExport(dst) {
				return &Plan{Steps: []Step{
					{Strategy: first, From: src, To: IntermediateFormat},
					{Strategy: second, From: IntermediateFormat, To: dst},
				}}, nil
			}
		}
	}

	return nil, models.WithDetail(
		fmt.Errorf("%w: %s to %s", models.ErrUnsupportedConversion, src, dst),
		src+" to "+dst)
}

// Convert runs the plan for req. Bridge intermediates are written next to
// the output file and removed afterwards.
func (d *Dispatcher) Convert(ctx context.Context, req Request) error {
	plan, err := d.Plan(req.SourceFormat, req.TargetFormat)
	if err != nil {
		return err
	}

	if _, err := os.Stat(req.SourcePath); err != nil {
		return fmt.Errorf("%w: %v", models.ErrSourceUnavailable, err)
	}
	if req.Tolerances == (Tolerances{}) {
		req.Tolerances = DefaultTolerances
	}

	input := req.SourcePath
	for i, step := range plan.Steps {
		output := req.OutputPath
		if i < len(plan.Steps)-1 {
			output = filepath.Join(filepath.Dir(req.OutputPath), fmt.Sprintf("intermediate-%d.%s", i, step.To))
			defer os.Remove(output)
		}

		stepReq := req
		stepReq.SourcePath = input
		stepReq.OutputPath = output
		stepReq.SourceFormat = step.From
		stepReq.TargetFormat = step.To

		if err := step.Strategy.Convert(ctx, stepReq); err != nil {
			return conversionError(ctx, step, err)
		}
		input = output
	}

	if _, err := os.Stat(req.OutputPath); err != nil {
		return fmt.Errorf("%w: no output produced: %v", models.ErrConversionFailed, err)
	}
	return nil
}

func conversionError(ctx context.Context, step Step, err error) error {
	if errors.Is(err, models.ErrUnsupportedConversion) || errors.Is(err, models.ErrConversionFailed) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s timed out: %v", models.ErrConversionFailed, step.Strategy.Name(), ctx.Err())
	}
	return fmt.Errorf("%w: %s: %w", models.ErrConversionFailed, step.Strategy.Name(), err)
}

func formatSet(formats ...string) map[string]bool {
	set := make(map[string]bool, len(formats))
	for _, f := range formats {
		set[f] = true
	}
	return set
}
