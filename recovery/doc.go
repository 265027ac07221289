// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package recovery rebuilds the GPU object graph after the driver reports
// device loss.
//
// An attempt starts by waiting for the device to go idle. A device-lost
// result is tolerated; any other failure ends the attempt at IdleStage
// before anything is torn down.
//
// The graph is described as data: a Plan of Stages, each with a Phase that
// fixes its dependency position. An attempt tears the stages down in reverse
// phase order and recreates them forward, reloading preserved scene state
// at the end. A stage that fails to recreate is named in the Report, has
// its own Teardown called to release what it created partially, and stops
// the pass. When an essential stage is left down, one minimal fallback pass
// recreates only the essential stages.
//
// Attempts never overlap and are bounded by a maximum count. The attempt
// that exhausts the budget notifies observers with Exhausted set; later
// calls fail with ErrExhausted until ResetAttempts.
//
//	plan, _ := recovery.NewPlan(
//		recovery.Stage{Name: "device", Phase: recovery.PhaseDevice, Essential: true, ...},
//		recovery.Stage{Name: "commands", Phase: recovery.PhaseCommands, Essential: true, ...},
//	)
//	orch, _ := recovery.New(plan, recovery.WithMaxAttempts(3))
//	report, err := orch.Recover(ctx, cause)
package recovery
