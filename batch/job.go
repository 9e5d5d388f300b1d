// Copyright 2025 The imgbase Authors
// This file is part of the imgbase library.
//
// The imgbase library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The imgbase library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the imgbase library. If not, see <http://www.gnu.org/licenses/>.

// Package batch implements the batch job machinery: the job/task model, the
// registry owning all job state, the bounded worker pool and the scheduler
// driving job lifecycles.
package batch

import (
	"sync"
	"time"

	"github.com/imgbase/imgbase/codec"
	"github.com/imgbase/imgbase/errs"
)

// TaskState is a file task's lifecycle state.
type TaskState string

const (
	TaskPending       TaskState = "PENDING"
	TaskRunning       TaskState = "RUNNING"
	TaskSucceeded     TaskState = "SUCCEEDED"
	TaskFailed        TaskState = "FAILED"
	TaskSkippedCancel TaskState = "SKIPPED_CANCEL"
)

// JobState is a job's lifecycle state. The string values are the lowercase
// status words on the wire.
type JobState string

const (
	JobCreated   JobState = "created"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobCancelled JobState = "cancelled"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobCancelled, JobFailed:
		return true
	}
	return false
}

// FileInput is one file handed to StartBatch, already read into memory by
// the edge.
type FileInput struct {
	Name string
	Data []byte
}

// FileTask is one unit of work within a job. All fields are guarded by the
// owning job's lock.
type FileTask struct {
	ID          int
	Name        string
	Data        []byte
	Size        int64
	Fingerprint string

	State      TaskState
	StartedAt  time.Time
	FinishedAt time.Time

	// Outcome: metadata on success, error kind and message on failure.
	Meta    *codec.Metadata
	ErrKind errs.Kind
	ErrMsg  string
}

func (t *FileTask) processingTime() float64 {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt).Seconds()
}

// Job is the canonical record of one batch. The registry hands out *Job but
// all mutation goes through the methods below, each of which holds the job
// lock for its full duration.
type Job struct {
	ID      string
	Options codec.Options

	mu    sync.Mutex
	state JobState
	tasks []*FileTask

	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time

	completed int
	succeeded int
	failed    int
	skipped   int

	currentFile string
	cancelled   bool

	// terminalNotified guarantees exactly one terminal event per job: the
	// mutator that observes the drain first claims it.
	terminalNotified bool
}

// Start transitions CREATED to RUNNING.
func (j *Job) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == JobCreated {
		j.state = JobRunning
		j.startedAt = time.Now()
	}
}

// State returns the current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// IsCancelled is the cooperative cancellation flag workers poll between
// checkpoints.
func (j *Job) IsCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// TaskCount returns the total task count.
func (j *Job) TaskCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.tasks)
}

// Task returns the task with the given id, or nil.
func (j *Job) Task(taskID int) *FileTask {
	j.mu.Lock()
	defer j.mu.Unlock()
	if taskID < 0 || taskID >= len(j.tasks) {
		return nil
	}
	return j.tasks[taskID]
}

// BeginTask marks a pending task RUNNING and reports whether the worker
// should execute it. Tasks already drained by a cancel return false.
func (j *Job) BeginTask(taskID int) (task *FileTask, proceed bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if taskID < 0 || taskID >= len(j.tasks) {
		return nil, false
	}
	t := j.tasks[taskID]
	if t.State != TaskPending || j.cancelled || j.state.Terminal() {
		return t, false
	}
	t.State = TaskRunning
	t.StartedAt = time.Now()
	j.currentFile = t.Name
	return t, true
}

// Outcome is the result a worker commits for one task.
type Outcome struct {
	Meta    *codec.Metadata
	ErrKind errs.Kind
	ErrMsg  string
}

// FinishTask commits a task outcome and updates the counters. A task
// finishing after the job was cancelled is recorded as SKIPPED_CANCEL no
// matter its actual outcome. The returned state is the task's recorded
// state; drained is true for exactly the one call that completes the job.
func (j *Job) FinishTask(taskID int, out Outcome) (state TaskState, drained bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if taskID < 0 || taskID >= len(j.tasks) {
		return "", false
	}
	t := j.tasks[taskID]
	if t.State != TaskRunning {
		return t.State, false
	}
	t.FinishedAt = time.Now()
	switch {
	case j.cancelled:
		t.State = TaskSkippedCancel
		j.skipped++
	case out.ErrKind != "":
		t.State = TaskFailed
		t.ErrKind = out.ErrKind
		t.ErrMsg = out.ErrMsg
		j.failed++
	default:
		t.State = TaskSucceeded
		t.Meta = out.Meta
		j.succeeded++
	}
	j.completed++
	if j.currentFile == t.Name {
		j.currentFile = ""
	}
	return t.State, j.drainLocked()
}

// cancel transitions the job to CANCELLED and drains every still pending
// task. In-flight tasks keep running and are skipped at their next
// checkpoint.
func (j *Job) cancel() (prior JobState, changed, drained bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	prior = j.state
	if j.state.Terminal() && j.state != JobCancelled {
		return prior, false, false
	}
	if j.cancelled {
		// Second cancel: idempotent, nothing left to drain that the first
		// call did not already claim.
		return prior, false, false
	}
	j.cancelled = true
	j.state = JobCancelled
	now := time.Now()
	for _, t := range j.tasks {
		if t.State == TaskPending {
			t.State = TaskSkippedCancel
			t.FinishedAt = now
			j.skipped++
			j.completed++
		}
	}
	return prior, true, j.drainLocked()
}

// fail transitions the job to FAILED, recording the error on every task
// that never ran.
func (j *Job) fail(kind errs.Kind, msg string) (drained bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = JobFailed
	now := time.Now()
	for _, t := range j.tasks {
		if t.State == TaskPending {
			t.State = TaskFailed
			t.ErrKind = kind
			t.ErrMsg = msg
			t.FinishedAt = now
			j.failed++
			j.completed++
		}
	}
	return j.drainLocked()
}

// drainLocked checks for the completed == total condition, finalises the
// job state and claims the single terminal notification.
func (j *Job) drainLocked() bool {
	if j.completed < len(j.tasks) || j.terminalNotified {
		return false
	}
	j.terminalNotified = true
	j.finishedAt = time.Now()
	if !j.state.Terminal() {
		j.state = JobCompleted
	}
	return true
}

// Snapshot is the wire projection of a job. Field names are part of the
// public API. Terminal-only fields appear through the embedded summary.
type Snapshot struct {
	QueueID                string  `json:"queue_id"`
	TotalFiles             int     `json:"total_files"`
	CompletedFiles         int     `json:"completed_files"`
	CurrentFile            string  `json:"current_file"`
	EstimatedTimeRemaining float64 `json:"estimated_time_remaining"`
	Status                 string  `json:"status"`
	ErrorCount             int     `json:"error_count"`
	StartTime              float64 `json:"start_time"`
	CurrentFileProgress    float64 `json:"current_file_progress"`
	ProgressPercentage     float64 `json:"progress_percentage"`
	SuccessRate            float64 `json:"success_rate"`

	*TerminalSummary
}

// TerminalSummary carries the fields only present once a job is terminal.
type TerminalSummary struct {
	SuccessfulFiles       int             `json:"successful_files"`
	FailedFiles           int             `json:"failed_files"`
	SkippedFiles          int             `json:"skipped_files"`
	AverageProcessingTime float64         `json:"average_processing_time"`
	TotalProcessingTime   float64         `json:"total_processing_time"`
	SuccessfulResults     []ResultSummary `json:"successful_results"`
	FailedFileDetails     []FailureDetail `json:"failed_file_details"`
}

// ResultSummary describes one successfully converted file.
type ResultSummary struct {
	FileName       string  `json:"file_name"`
	Format         string  `json:"format"`
	Size           [2]int  `json:"size"`
	FileSize       int     `json:"file_size"`
	ProcessingTime float64 `json:"processing_time"`
}

// FailureDetail describes one failed file.
type FailureDetail struct {
	FileName  string `json:"file_name"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

// Snapshot projects the job into its wire form, consistent under the job
// lock.
func (j *Job) Snapshot() *Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	total := len(j.tasks)
	s := &Snapshot{
		QueueID:        j.ID,
		TotalFiles:     total,
		CompletedFiles: j.completed,
		CurrentFile:    j.currentFile,
		Status:         string(j.state),
		ErrorCount:     j.failed,
	}
	if !j.startedAt.IsZero() {
		s.StartTime = float64(j.startedAt.UnixNano()) / float64(time.Second)
	}
	if total > 0 {
		s.ProgressPercentage = 100 * float64(j.completed) / float64(total)
	}
	if j.completed > 0 {
		s.SuccessRate = 100 * float64(j.succeeded) / float64(j.completed)
	}
	if j.state == JobRunning && !j.startedAt.IsZero() {
		elapsed := time.Since(j.startedAt).Seconds()
		perTask := elapsed / float64(max(j.completed, 1))
		s.EstimatedTimeRemaining = perTask * float64(total-j.completed)
	}
	if j.state.Terminal() {
		s.CurrentFileProgress = 1.0
		s.TerminalSummary = j.terminalSummaryLocked()
	}
	return s
}

func (j *Job) terminalSummaryLocked() *TerminalSummary {
	ts := &TerminalSummary{
		SuccessfulFiles:   j.succeeded,
		FailedFiles:       j.failed,
		SkippedFiles:      j.skipped,
		SuccessfulResults: []ResultSummary{},
		FailedFileDetails: []FailureDetail{},
	}
	var totalTime float64
	for _, t := range j.tasks {
		switch t.State {
		case TaskSucceeded:
			totalTime += t.processingTime()
			r := ResultSummary{
				FileName:       t.Name,
				ProcessingTime: t.processingTime(),
			}
			if t.Meta != nil {
				r.Format = string(t.Meta.Format)
				r.Size = [2]int{t.Meta.Width, t.Meta.Height}
				r.FileSize = t.Meta.Size
			}
			ts.SuccessfulResults = append(ts.SuccessfulResults, r)
		case TaskFailed:
			totalTime += t.processingTime()
			ts.FailedFileDetails = append(ts.FailedFileDetails, FailureDetail{
				FileName:  t.Name,
				Error:     t.ErrMsg,
				ErrorCode: string(t.ErrKind),
			})
		}
	}
	ts.TotalProcessingTime = totalTime
	if n := j.succeeded + j.failed; n > 0 {
		ts.AverageProcessingTime = totalTime / float64(n)
	}
	return ts
}

// InputBytes sums the task input sizes, used for memory admission
// accounting.
func (j *Job) InputBytes() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	var n int64
	for _, t := range j.tasks {
		n += t.Size
	}
	return n
}

// FinishedAt returns the terminal timestamp, zero while running.
func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}
