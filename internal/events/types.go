// Package events carries pipeline progress between the runner and whatever
// is watching it (the TUI or the plain reporter) over a channel pub-sub bus.
package events

import (
	"time"
)

// Event is the interface all pipeline events implement.
type Event interface {
	Type() string
	StageName() string // empty for pipeline-level events
}

// Topics.
const (
	TopicStage    = "stage"
	TopicPipeline = "pipeline"
)

// Event types.
const (
	TypeStageStarted     = "stage.started"
	TypeStageAttempt     = "stage.attempt"
	TypeStageFixSpawned  = "stage.fix_spawned"
	TypeStageFinished    = "stage.finished"
	TypePipelineFinished = "pipeline.finished"
)

// StageStarted is published when a stage begins executing.
type StageStarted struct {
	Stage     string
	StoryID   string
	Timestamp time.Time
}

func (e StageStarted) Type() string      { return TypeStageStarted }
func (e StageStarted) StageName() string { return e.Stage }

// StageAttempt is published at the start of each attempt, including retries.
type StageAttempt struct {
	Stage       string
	Attempt     int
	MaxAttempts int
	Timestamp   time.Time
}

func (e StageAttempt) Type() string      { return TypeStageAttempt }
func (e StageAttempt) StageName() string { return e.Stage }

// StageFixSpawned is published when a corrective agent run starts between
// failed attempts.
type StageFixSpawned struct {
	Stage     string
	Attempt   int // the attempt whose failure triggered the fix
	Error     string
	Timestamp time.Time
}

func (e StageFixSpawned) Type() string      { return TypeStageFixSpawned }
func (e StageFixSpawned) StageName() string { return e.Stage }

// StageFinished is published once per stage with the final outcome.
type StageFinished struct {
	Stage        string
	Status       string // PASS / FAIL / SKIPPED / TIMEOUT
	AttemptsUsed int
	Duration     time.Duration
	Error        string
	Timestamp    time.Time
}

func (e StageFinished) Type() string      { return TypeStageFinished }
func (e StageFinished) StageName() string { return e.Stage }

// PipelineFinished is published once per run.
type PipelineFinished struct {
	StoryID   string
	Success   bool
	Aborted   bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e PipelineFinished) Type() string      { return TypePipelineFinished }
func (e PipelineFinished) StageName() string { return "" }
