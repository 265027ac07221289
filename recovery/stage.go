// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Phase orders stages by dependency. Recreation runs in ascending order,
// teardown in descending order.
type Phase int

// Phases, from most to least fundamental.
const (
	PhaseDevice Phase = iota
	PhaseSwapchain
	PhasePipeline
	PhaseFeature
	PhaseCommands
	PhaseScene
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseDevice:
		return "device"
	case PhaseSwapchain:
		return "swapchain"
	case PhasePipeline:
		return "pipeline"
	case PhaseFeature:
		return "feature"
	case PhaseCommands:
		return "commands"
	case PhaseScene:
		return "scene"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Stage is one node of the dependent object graph.
type Stage struct {
	Name  string
	Phase Phase

	// Essential stages must be up for the next frame not to crash. They
	// are the only ones recreated by the fallback pass.
	Essential bool

	// Enabled reports whether the stage was in use before the loss. It is
	// evaluated once per attempt, before teardown. Nil means always.
	Enabled func() bool

	// Teardown releases the stage's objects. It must tolerate being called
	// on a lost device and on a partially created stage. Nil is a no-op.
	Teardown func(ctx context.Context) error

	// Recreate builds the stage's objects. Nil is a no-op.
	Recreate func(ctx context.Context) error
}

func (s *Stage) enabled() bool {
	return s.Enabled == nil || s.Enabled()
}

func (s *Stage) teardown(ctx context.Context) error {
	if s.Teardown == nil {
		return nil
	}
	return s.Teardown(ctx)
}

func (s *Stage) recreate(ctx context.Context) error {
	if s.Recreate == nil {
		return nil
	}
	return s.Recreate(ctx)
}

// Plan errors.
var (
	ErrEmptyPlan     = errors.New("recovery: plan has no stages")
	ErrStageName     = errors.New("recovery: stage name is empty")
	ErrDuplicateName = errors.New("recovery: duplicate stage name")
)

// Plan is an ordered, validated list of stages.
type Plan struct {
	stages []Stage
}

// NewPlan validates stages and sorts them stably by Phase. Stages in the
// same phase keep their relative order.
func NewPlan(stages ...Stage) (Plan, error) {
	if len(stages) == 0 {
		return Plan{}, ErrEmptyPlan
	}
	seen := make(map[string]struct{}, len(stages))
	for _, s := range stages {
		if s.Name == "" {
			return Plan{}, ErrStageName
		}
		if _, ok := seen[s.Name]; ok {
			return Plan{}, fmt.Errorf("%w: %q", ErrDuplicateName, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	sorted := slices.Clone(stages)
	slices.SortStableFunc(sorted, func(a, b Stage) int { return int(a.Phase) - int(b.Phase) })
	return Plan{stages: sorted}, nil
}

// Stages returns the stages in recreation order.
func (p Plan) Stages() []Stage { return slices.Clone(p.stages) }

// Names returns the stage names in recreation order.
func (p Plan) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Len returns the number of stages.
func (p Plan) Len() int { return len(p.stages) }
