package model

import "time"

// Stage is a step in an item's processing lifecycle.
type Stage string

const (
	StageNone            Stage = ""
	StageRaw             Stage = "raw"
	StageFiltered        Stage = "filtered"
	StageWisdom          Stage = "wisdom"
	StageRejected        Stage = "rejected"
	StageTransformFailed Stage = "transform_failed"
)

// AllStages lists the stages in lifecycle order.
var AllStages = []Stage{StageRaw, StageFiltered, StageWisdom, StageRejected, StageTransformFailed}

// Terminal reports whether no further forward progress is expected from s.
// transform_failed is terminal for a run but can be re-entered by an
// explicit retry.
func (s Stage) Terminal() bool {
	return s == StageWisdom || s == StageRejected || s == StageTransformFailed
}

// StageEvent is one recorded transition in an item's history.
type StageEvent struct {
	ID      string    `json:"id,omitempty"`
	From    Stage     `json:"from"`
	To      Stage     `json:"to"`
	Outcome string    `json:"outcome,omitempty"`
	At      time.Time `json:"at"`
}

// StageRecord is the persisted lifecycle state of a single item.
type StageRecord struct {
	ItemKey   string       `json:"item_key"`
	Stage     Stage        `json:"stage"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	History   []StageEvent `json:"history"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// DedupRecord tracks the last harvest of a fingerprint and every external id
// it has produced.
type DedupRecord struct {
	Fingerprint     Fingerprint         `json:"fingerprint"`
	Platform        string              `json:"platform"`
	LastHarvestedAt time.Time           `json:"last_harvested_at"`
	SeenIDs         map[string]struct{} `json:"-"`
}

// SeenList returns the seen ids as a slice in unspecified order.
func (r *DedupRecord) SeenList() []string {
	out := make([]string, 0, len(r.SeenIDs))
	for id := range r.SeenIDs {
		out = append(out, id)
	}
	return out
}

// RunSummary is the user-visible accounting for a pipeline invocation.
type RunSummary struct {
	RunID      string `json:"run_id"`
	Harvested  int    `json:"harvested"`
	SkippedDup int    `json:"skipped_as_duplicate"`
	// SkippedTasks counts harvest tasks whose fingerprint was still fresh.
	SkippedTasks    int `json:"skipped_tasks"`
	Rejected        int `json:"rejected_by_filter"`
	Transformed     int `json:"transformed"`
	TransformFailed int `json:"transform_failed"`
	TaskFailed      int `json:"task_failed"`
}
