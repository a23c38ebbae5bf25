// Package store defines the Store Adapter (C6): typed CRUD over missions,
// steps, logs, jobs and settings. Implementations keep all JSON-typed
// fields (payload, result, content, token_usage) opaque on the wire and
// parse them only at these typed boundaries.
package store

import (
	"context"
	"errors"

	"github.com/caic-xyz/openjules/internal/model"
)

// ErrNotFound is returned by Get-style methods when the row doesn't exist.
var ErrNotFound = errors.New("store: not found")

// ControlAction is an out-of-band patch the external CRUD layer applies to
// a Mission row; the Controller observes it on its next poll (§4.6, §6).
type ControlAction struct {
	PlanAction    string // "approve" | "reject", valid only in WAITING_PLAN_APPROVAL
	ReviewAction  string // "approve" | "reject", valid only in WAITING_REVIEW
	ControlAction string // "pause" | "resume" | "input"
	Message       string // required when ControlAction == "input"
}

// Empty reports whether the patch carries no action at all.
func (c ControlAction) Empty() bool {
	return c.PlanAction == "" && c.ReviewAction == "" && c.ControlAction == ""
}

// Store is the abstract collaborator the Mission Runtime core consumes for
// all persistence. The core never performs file-tree browsing, ZIP
// download, migrations, or multi-tenant CRUD — those are external to this
// interface by design (§1).
type Store interface {
	// Missions.
	CreateMission(ctx context.Context, m *model.Mission) error
	GetMission(ctx context.Context, id string) (*model.Mission, error)
	UpdateMission(ctx context.Context, m *model.Mission) error

	// PollControlAction returns and clears any pending out-of-band control
	// action patch for the mission, or a zero-value ControlAction if none is
	// pending. This is how WAITING_* states observe human gating.
	PollControlAction(ctx context.Context, missionID string) (ControlAction, error)

	// Steps. Replanning deletes only PENDING steps (preserving DONE/FAILED
	// history) then inserts the new wave; order_index must be strictly
	// increasing and gap-free within a wave (§8).
	ListSteps(ctx context.Context, missionID string) ([]*model.MissionStep, error)
	DeletePendingSteps(ctx context.Context, missionID string) error
	CreateSteps(ctx context.Context, steps []*model.MissionStep) error
	UpdateStep(ctx context.Context, step *model.MissionStep) error

	// Logs. Insert-only, never mutated. Implementations assign log.ID
	// when the caller leaves it empty, so callers never need to mint one.
	AppendLog(ctx context.Context, log *model.MissionLog) error

	// Jobs. Exactly one running Job per Mission at a time (§3 invariant).
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	GetJobByMission(ctx context.Context, missionID string) (*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error

	// Settings.
	GetSettings(ctx context.Context, projectID string) (*model.Settings, error)
}

// NextStepOrderIndex returns the order_index a freshly planned wave's first
// step should use: one past the highest existing order_index (across all
// steps, including terminal ones), or 0 if there are none. This keeps
// re-planned waves' indices strictly increasing across the mission's
// lifetime even though only PENDING rows are deleted (§5 ordering
// guarantee).
func NextStepOrderIndex(existing []*model.MissionStep) int {
	max := -1
	for _, s := range existing {
		if s.OrderIndex > max {
			max = s.OrderIndex
		}
	}
	return max + 1
}
