package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchInProgress is returned when a batch is submitted while another is running.
	ErrBatchInProgress = errors.New("pipeline: a batch is already in progress")
	// ErrNoneSucceeded is returned when a batch produced no output at all.
	ErrNoneSucceeded = errors.New("pipeline: no image could be compressed")
)

// Stage names the pipeline step that raised a batch error.
type Stage string

const (
	StageSettings Stage = "settings"
	StageIngest   Stage = "ingest"
	StageClear    Stage = "clear"
	StageExecute  Stage = "execute"
	StageMetadata Stage = "metadata"
	StageExport   Stage = "export"
)

// BatchError is a fatal-to-batch error tagged with its stage.
type BatchError struct {
	Stage Stage
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &BatchError{Stage: stage, Err: err}
}
