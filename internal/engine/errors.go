package engine

import (
	"errors"
	"fmt"
)

// Stage names a step of the scoring pipeline.
type Stage string

const (
	StageReceived  Stage = "RECEIVED"
	StageFeatured  Stage = "FEATURED"
	StageRuled     Stage = "RULED"
	StageFused     Stage = "FUSED"
	StagePersisted Stage = "PERSISTED"
	StageEmitted   Stage = "EMITTED"
	StageFailed    Stage = "FAILED"
)

// ErrCanceled marks batch items that were never started because the batch
// context ended first.
var ErrCanceled = errors.New("engine: canceled before start")

// StageError reports a dependency failure at a pipeline stage. The
// transaction left no partial state behind and may be retried.
type StageError struct {
	Stage Stage
	TxID  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.TxID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, txID string, err error) error {
	return &StageError{Stage: stage, TxID: txID, Err: err}
}
