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

package batch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imgbase/imgbase/cache"
	"github.com/imgbase/imgbase/codec"
	"github.com/imgbase/imgbase/config"
	"github.com/imgbase/imgbase/errs"
	"github.com/imgbase/imgbase/progress"
	"github.com/imgbase/imgbase/security"
)

// heartbeatInterval paces the periodic batch_progress events while a job
// runs, independent of task completions.
const heartbeatInterval = 200 * time.Millisecond

// Scheduler owns the top-level batch lifecycle: admission, job creation,
// task submission, cancellation and cleanup.
type Scheduler struct {
	cfg       config.ProcessingConfig
	registry  *Registry
	pool      *Pool
	cache     *cache.Cache
	validator *security.Validator
	bus       *progress.Bus
	log       *logrus.Entry

	// convertFn is the codec entry point, swappable in tests.
	convertFn func([]byte, codec.Options) ([]byte, *codec.Metadata, error)

	// inputBytes tracks the summed input size of all non-terminal jobs for
	// the soft memory admission check.
	inputBytes atomic.Int64

	wg sync.WaitGroup
}

// NewScheduler wires the scheduler to its collaborators and starts the
// worker pool.
func NewScheduler(cfg config.ProcessingConfig, registry *Registry, c *cache.Cache,
	validator *security.Validator, bus *progress.Bus, log *logrus.Entry) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		registry:  registry,
		cache:     c,
		validator: validator,
		bus:       bus,
		log:       log.WithField("component", "scheduler"),
		convertFn: codec.Convert,
	}
	s.pool = NewPool(cfg.MaxConcurrentFiles, cfg.MaxQueueSize, s.executeTask, log)
	return s
}

// Stop drains the worker pool. In-flight and queued tasks complete first.
func (s *Scheduler) Stop() {
	s.pool.Stop()
	s.wg.Wait()
}

// FileRejection describes one file refused admission during StartBatch.
type FileRejection struct {
	FileName  string `json:"file_name"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

// StartResult is the outcome of a successful StartBatch: the created job
// plus warnings for any files that were rejected pre-admission.
type StartResult struct {
	JobID      string
	TotalFiles int
	Rejected   []FileRejection
	Warnings   []string
}

// StartBatch validates every file, creates a job from the ones that pass
// and submits their tasks. All files rejected means no job and an error
// carrying the per-file reasons in Rejected. A pool rejection fails the
// whole job with QUEUE_FULL.
func (s *Scheduler) StartBatch(opts codec.Options, files []FileInput) (*StartResult, error) {
	if len(files) == 0 {
		return nil, errs.New(errs.InputInvalid, "no files provided")
	}
	opts = opts.Normalized()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	res := &StartResult{}
	var admitted []FileInput
	var admittedBytes int64
	for _, f := range files {
		verdict := s.validator.Validate(f.Name, f.Data)
		if !verdict.Safe {
			rejErr := verdict.Err()
			res.Rejected = append(res.Rejected, FileRejection{
				FileName:  f.Name,
				Error:     errs.Convert(rejErr).Message,
				ErrorCode: string(errs.KindOf(rejErr)),
			})
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("%s rejected: %s", f.Name, errs.Convert(rejErr).Message))
			continue
		}
		admitted = append(admitted, f)
		admittedBytes += int64(len(f.Data))
	}
	if len(admitted) == 0 {
		return res, errs.New(errs.SecurityRejected, "all %d files rejected", len(files))
	}

	if held := s.inputBytes.Load(); held+admittedBytes > s.cfg.MaxMemoryUsageBytes() {
		return nil, errs.New(errs.QueueFull,
			"batch exceeds memory budget: %d bytes held, %d requested", held, admittedBytes)
	}

	job := s.registry.CreateJob(opts, admitted)
	s.inputBytes.Add(admittedBytes)
	job.Start()
	res.JobID = job.ID
	res.TotalFiles = len(admitted)

	s.bus.Publish(job.ID, progress.Event{Type: progress.EventBatchStarted, Data: job.Snapshot()})

	for i := range admitted {
		if err := s.pool.Submit(TaskRef{JobID: job.ID, TaskID: i}); err != nil {
			// Workers may already be mid-task; fail drains whatever is
			// still pending and the usual drain path emits the terminal.
			if job.fail(errs.QueueFull, "worker backlog full") {
				s.finishJob(job)
			}
			return nil, errs.Wrap(errs.QueueFull, err, "submitting task %d of job %s", i, job.ID)
		}
	}

	s.wg.Add(1)
	go s.heartbeat(job)

	s.log.WithFields(logrus.Fields{
		"job":      job.ID,
		"files":    len(admitted),
		"rejected": len(res.Rejected),
	}).Info("batch started")
	return res, nil
}

// Progress returns the job's wire snapshot.
func (s *Scheduler) Progress(jobID string) (*Snapshot, error) {
	return s.registry.Snapshot(jobID)
}

// Cancel requests cooperative cancellation. A job already terminal returns
// JOB_ALREADY_TERMINAL with its current snapshot; repeating a cancel is a
// no-op reported the same way.
func (s *Scheduler) Cancel(jobID string) (*Snapshot, error) {
	prior, changed, drained, err := s.registry.Cancel(jobID)
	if err != nil {
		return nil, err
	}
	job, err := s.registry.Get(jobID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return job.Snapshot(), errs.New(errs.JobAlreadyTerminal,
			"job %s already %s", jobID, prior)
	}
	if drained {
		// Nothing was in flight; the cancel itself completed the job.
		s.finishJob(job)
	}
	return job.Snapshot(), nil
}

// SetConvertFn replaces the codec entry point. Intended for tests that need
// to control conversion timing or outcomes; call before submitting work.
func (s *Scheduler) SetConvertFn(fn func([]byte, codec.Options) ([]byte, *codec.Metadata, error)) {
	s.convertFn = fn
}

// ActiveJobs lists the identifiers of all non-terminal jobs.
func (s *Scheduler) ActiveJobs() []string {
	return s.registry.ListActive()
}

// CleanupStats reports what Cleanup removed.
type CleanupStats struct {
	Tasks    int `json:"cleaned_tasks"`
	Queues   int `json:"cleaned_queues"`
	Tracking int `json:"cleaned_tracking"`
}

// Cleanup reaps terminal jobs older than maxAge.
func (s *Scheduler) Cleanup(maxAge time.Duration) CleanupStats {
	var tasks int
	for _, snap := range s.registry.ListAll() {
		if JobState(snap.Status).Terminal() {
			tasks += snap.TotalFiles
		}
	}
	reaped := s.registry.Reap(maxAge)
	return CleanupStats{Tasks: tasks, Queues: reaped, Tracking: reaped}
}

// Status summarises the scheduler for the batch-status endpoint.
type Status struct {
	ActiveTasks int                    `json:"active_tasks"`
	AllQueues   []*Snapshot            `json:"all_queues"`
	Statistics  map[string]interface{} `json:"statistics"`
}

// SchedulerStatus builds the live status projection.
func (s *Scheduler) SchedulerStatus() *Status {
	all := s.registry.ListAll()
	active := 0
	for _, snap := range all {
		if !JobState(snap.Status).Terminal() {
			active++
		}
	}
	return &Status{
		ActiveTasks: active,
		AllQueues:   all,
		Statistics: map[string]interface{}{
			"tracked_jobs":     s.registry.Len(),
			"queued_tasks":     s.pool.Backlog(),
			"workers":          s.cfg.MaxConcurrentFiles,
			"held_input_bytes": s.inputBytes.Load(),
		},
	}
}

// executeTask is the worker entry point for one (job, task) pair.
func (s *Scheduler) executeTask(ref TaskRef) {
	job, err := s.registry.Get(ref.JobID)
	if err != nil {
		s.log.WithField("job", ref.JobID).Warn("task references reaped job")
		return
	}
	task, proceed := job.BeginTask(ref.TaskID)
	if !proceed {
		// Drained by a cancel before this worker picked it up. The cancel
		// path already accounted for it; nothing to emit here.
		return
	}
	s.publishProgress(job)

	out := s.convert(job, task)
	state, drained := job.FinishTask(ref.TaskID, out)

	s.bus.Publish(job.ID, progress.Event{
		Type: progress.EventFileProcessed,
		Data: s.fileProcessedData(job, task, state),
	})
	s.publishProgress(job)
	if drained {
		s.finishJob(job)
	}
}

// convert runs the actual conversion for one task, checking the job's
// cancellation flag between the coarse stages. Results computed after a
// cancel are still cached for future requests; FinishTask discards the
// outcome.
func (s *Scheduler) convert(job *Job, task *FileTask) Outcome {
	if job.IsCancelled() {
		return Outcome{}
	}

	produce := func() (*cache.Artifact, error) {
		data, meta, err := s.convertFn(task.Data, job.Options)
		if err != nil {
			return nil, err
		}
		return &cache.Artifact{Data: data, Meta: *meta}, nil
	}

	var (
		art *cache.Artifact
		err error
	)
	if task.Size > s.cfg.LargeFileThresholdBytes() {
		// Oversized inputs bypass the cache: their artifacts would evict a
		// disproportionate share of the budget.
		art, err = produce()
	} else {
		art, _, err = s.cache.GetOrCompute(task.Fingerprint, produce)
	}
	if err != nil {
		e := errs.Convert(err)
		return Outcome{ErrKind: e.Kind, ErrMsg: e.Message}
	}
	meta := art.Meta
	return Outcome{Meta: &meta}
}

// finishJob emits the single terminal event and releases the job's memory
// accounting. Callers only reach it through a true drained flag, so it runs
// exactly once per job.
func (s *Scheduler) finishJob(job *Job) {
	s.inputBytes.Add(-job.InputBytes())
	snap := job.Snapshot()
	var evType progress.EventType
	switch JobState(snap.Status) {
	case JobCancelled:
		evType = progress.EventBatchCancelled
	case JobFailed:
		evType = progress.EventBatchError
	default:
		evType = progress.EventBatchCompleted
	}
	s.bus.Publish(job.ID, progress.Event{Type: evType, Data: snap})
	s.log.WithFields(logrus.Fields{
		"job":    job.ID,
		"status": snap.Status,
		"ok":     snap.TerminalSummary.SuccessfulFiles,
		"failed": snap.TerminalSummary.FailedFiles,
	}).Info("batch finished")
}

func (s *Scheduler) publishProgress(job *Job) {
	s.bus.Publish(job.ID, progress.Event{
		Type: progress.EventBatchProgress,
		Data: job.Snapshot(),
	})
}

// fileProcessedData is the per-task event payload.
func (s *Scheduler) fileProcessedData(job *Job, task *FileTask, state TaskState) map[string]interface{} {
	snap := job.Snapshot()
	data := map[string]interface{}{
		"queue_id":            job.ID,
		"file_name":           task.Name,
		"status":              taskWireStatus(state),
		"completed_files":     snap.CompletedFiles,
		"total_files":         snap.TotalFiles,
		"progress_percentage": snap.ProgressPercentage,
	}
	if state == TaskFailed {
		data["error"] = task.ErrMsg
		data["error_code"] = string(task.ErrKind)
	}
	return data
}

func taskWireStatus(state TaskState) string {
	switch state {
	case TaskSucceeded:
		return "success"
	case TaskFailed:
		return "error"
	case TaskSkippedCancel:
		return "skipped"
	default:
		return "processing"
	}
}

// heartbeat publishes batch_progress at a steady pace while the job runs,
// so clients see ETA updates even between task completions.
func (s *Scheduler) heartbeat(job *Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		if job.State().Terminal() {
			return
		}
		s.publishProgress(job)
	}
}
