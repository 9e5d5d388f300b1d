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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imgbase/imgbase/codec"
	"github.com/imgbase/imgbase/errs"
)

// Registry is the authoritative in-memory store of all jobs. The registry
// lock only guards the map; each job carries its own lock, so no
// registry-wide lock is ever held across task execution.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	log  *logrus.Entry
}

// snapshotJobs copies the job pointers out so per-job locks are taken
// without holding the registry lock.
func (r *Registry) snapshotJobs() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logrus.Entry) *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
		log:  log.WithField("component", "registry"),
	}
}

// CreateJob builds a job with one task per file, fingerprints computed up
// front from the shared options.
func (r *Registry) CreateJob(opts codec.Options, files []FileInput) *Job {
	opts = opts.Normalized()
	job := &Job{
		ID:        uuid.NewString(),
		Options:   opts,
		state:     JobCreated,
		createdAt: time.Now(),
	}
	for i, f := range files {
		job.tasks = append(job.tasks, &FileTask{
			ID:          i,
			Name:        f.Name,
			Data:        f.Data,
			Size:        int64(len(f.Data)),
			Fingerprint: codec.Fingerprint(f.Data, opts),
			State:       TaskPending,
		})
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{"job": job.ID, "files": len(files)}).Info("job created")
	return job
}

// Get looks a job up by id.
func (r *Registry) Get(jobID string) (*Job, error) {
	r.mu.RLock()
	job, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.JobNotFound, "unknown job %s", jobID)
	}
	return job, nil
}

// Snapshot projects a job into its wire form.
func (r *Registry) Snapshot(jobID string) (*Snapshot, error) {
	job, err := r.Get(jobID)
	if err != nil {
		return nil, err
	}
	return job.Snapshot(), nil
}

// Cancel flips a job to CANCELLED. Idempotent: a second cancel, or a cancel
// of a job already terminal, reports changed == false and the prior state.
// drained is true when the cancel itself completed the job (no in-flight
// tasks remained).
func (r *Registry) Cancel(jobID string) (prior JobState, changed, drained bool, err error) {
	job, err := r.Get(jobID)
	if err != nil {
		return "", false, false, err
	}
	prior, changed, drained = job.cancel()
	if changed {
		r.log.WithField("job", jobID).Info("job cancelled")
	}
	return prior, changed, drained, nil
}

// ListActive returns the ids of all non-terminal jobs.
func (r *Registry) ListActive() []string {
	var active []string
	for _, job := range r.snapshotJobs() {
		if !job.State().Terminal() {
			active = append(active, job.ID)
		}
	}
	return active
}

// ListAll returns a snapshot of every known job.
func (r *Registry) ListAll() []*Snapshot {
	jobs := r.snapshotJobs()
	snaps := make([]*Snapshot, 0, len(jobs))
	for _, job := range jobs {
		snaps = append(snaps, job.Snapshot())
	}
	return snaps
}

// Reap removes terminal jobs that finished more than maxAge ago, returning
// the number removed.
func (r *Registry) Reap(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for _, job := range r.snapshotJobs() {
		if job.State().Terminal() {
			if fin := job.FinishedAt(); !fin.IsZero() && fin.Before(cutoff) {
				stale = append(stale, job.ID)
			}
		}
	}
	r.mu.Lock()
	for _, id := range stale {
		delete(r.jobs, id)
	}
	r.mu.Unlock()
	if len(stale) > 0 {
		r.log.WithField("reaped", len(stale)).Debug("terminal jobs reaped")
	}
	return len(stale)
}

// Len reports the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
