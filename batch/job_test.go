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
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgbase/imgbase/codec"
	"github.com/imgbase/imgbase/errs"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func testInputs(names ...string) []FileInput {
	inputs := make([]FileInput, len(names))
	for i, name := range names {
		inputs[i] = FileInput{Name: name, Data: []byte(name)}
	}
	return inputs
}

// checkCounters asserts the core accounting invariant on a snapshot.
func checkCounters(t *testing.T, s *Snapshot) {
	t.Helper()
	assert.LessOrEqual(t, s.CompletedFiles, s.TotalFiles)
	if s.TerminalSummary != nil {
		sum := s.SuccessfulFiles + s.FailedFiles + s.SkippedFiles
		assert.Equal(t, s.CompletedFiles, sum)
	}
}

func TestJobLifecycle(t *testing.T) {
	r := NewRegistry(testLogger())
	job := r.CreateJob(codec.DefaultOptions(), testInputs("a.png", "b.png", "c.png"))

	assert.Equal(t, JobCreated, job.State())
	job.Start()
	assert.Equal(t, JobRunning, job.State())

	meta := &codec.Metadata{Format: codec.FormatPNG, Width: 1, Height: 1, Size: 10}
	for i := 0; i < 3; i++ {
		task, proceed := job.BeginTask(i)
		require.True(t, proceed)
		assert.Equal(t, TaskRunning, task.State)
		checkCounters(t, job.Snapshot())

		var out Outcome
		if i == 1 {
			out = Outcome{ErrKind: errs.CodecFailed, ErrMsg: "bad pixels"}
		} else {
			out = Outcome{Meta: meta}
		}
		state, drained := job.FinishTask(i, out)
		assert.Equal(t, drained, i == 2, "only the last completion drains")
		if i == 1 {
			assert.Equal(t, TaskFailed, state)
		} else {
			assert.Equal(t, TaskSucceeded, state)
		}
	}

	snap := job.Snapshot()
	assert.Equal(t, JobCompleted, job.State())
	assert.Equal(t, 3, snap.CompletedFiles)
	assert.Equal(t, 1, snap.ErrorCount)
	assert.Equal(t, 100.0, snap.ProgressPercentage)
	assert.Equal(t, 1.0, snap.CurrentFileProgress)
	require.NotNil(t, snap.TerminalSummary)
	assert.Equal(t, 2, snap.SuccessfulFiles)
	assert.Equal(t, 1, snap.FailedFiles)
	assert.Len(t, snap.SuccessfulResults, 2)
	require.Len(t, snap.FailedFileDetails, 1)
	assert.Equal(t, "b.png", snap.FailedFileDetails[0].FileName)
	assert.Equal(t, "CODEC_FAILED", snap.FailedFileDetails[0].ErrorCode)
	checkCounters(t, snap)
}

func TestSnapshotWireFields(t *testing.T) {
	r := NewRegistry(testLogger())
	job := r.CreateJob(codec.DefaultOptions(), testInputs("a.png"))
	job.Start()

	raw, err := json.Marshal(job.Snapshot())
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))

	for _, key := range []string{
		"queue_id", "total_files", "completed_files", "current_file",
		"estimated_time_remaining", "status", "error_count", "start_time",
		"current_file_progress", "progress_percentage", "success_rate",
	} {
		assert.Contains(t, m, key)
	}
	assert.NotContains(t, m, "successful_results", "terminal fields absent while running")
	assert.Equal(t, "running", m["status"])

	// Terminal snapshot gains the summary fields.
	_, proceed := job.BeginTask(0)
	require.True(t, proceed)
	job.FinishTask(0, Outcome{Meta: &codec.Metadata{Format: codec.FormatPNG}})
	raw, err = json.Marshal(job.Snapshot())
	require.NoError(t, err)
	m = map[string]interface{}{}
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{
		"successful_files", "failed_files", "average_processing_time",
		"total_processing_time", "successful_results", "failed_file_details",
	} {
		assert.Contains(t, m, key)
	}
}

func TestCancelDrainsPending(t *testing.T) {
	r := NewRegistry(testLogger())
	job := r.CreateJob(codec.DefaultOptions(), testInputs("a.png", "b.png", "c.png"))
	job.Start()

	prior, changed, drained, err := r.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, prior)
	assert.True(t, changed)
	assert.True(t, drained, "no tasks in flight, cancel drains everything")

	snap := job.Snapshot()
	assert.Equal(t, "cancelled", snap.Status)
	assert.Equal(t, 3, snap.CompletedFiles)
	assert.Equal(t, 3, snap.SkippedFiles)
	checkCounters(t, snap)

	// Drained tasks are not handed to workers.
	_, proceed := job.BeginTask(0)
	assert.False(t, proceed)
}

func TestFinishAfterCancelRecordsSkip(t *testing.T) {
	r := NewRegistry(testLogger())
	job := r.CreateJob(codec.DefaultOptions(), testInputs("a.png", "b.png"))
	job.Start()

	_, proceed := job.BeginTask(0)
	require.True(t, proceed)

	_, changed, drained, err := r.Cancel(job.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, drained, "task 0 still in flight")

	// The in-flight task finishes with a success outcome, which is
	// discarded: the job was cancelled first.
	state, drained := job.FinishTask(0, Outcome{Meta: &codec.Metadata{}})
	assert.Equal(t, TaskSkippedCancel, state)
	assert.True(t, drained)

	snap := job.Snapshot()
	assert.Equal(t, 2, snap.SkippedFiles)
	assert.Equal(t, 0, snap.SuccessfulFiles)
	checkCounters(t, snap)
}

func TestCancelIdempotent(t *testing.T) {
	r := NewRegistry(testLogger())
	job := r.CreateJob(codec.DefaultOptions(), testInputs("a.png"))
	job.Start()

	_, changed, _, err := r.Cancel(job.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	before := job.Snapshot()

	_, changed, drained, err := r.Cancel(job.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, drained)
	after := job.Snapshot()
	assert.Equal(t, before.CompletedFiles, after.CompletedFiles)
	assert.Equal(t, before.SkippedFiles, after.SkippedFiles)
	assert.Equal(t, before.Status, after.Status)
}

func TestCancelUnknownJob(t *testing.T) {
	r := NewRegistry(testLogger())
	_, _, _, err := r.Cancel("no-such-job")
	assert.True(t, errs.IsKind(err, errs.JobNotFound))
}

func TestRegistryReap(t *testing.T) {
	r := NewRegistry(testLogger())
	done := r.CreateJob(codec.DefaultOptions(), testInputs("a.png"))
	done.Start()
	_, proceed := done.BeginTask(0)
	require.True(t, proceed)
	done.FinishTask(0, Outcome{Meta: &codec.Metadata{}})

	running := r.CreateJob(codec.DefaultOptions(), testInputs("b.png"))
	running.Start()

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, r.Reap(time.Nanosecond))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{running.ID}, r.ListActive())

	_, err := r.Get(done.ID)
	assert.True(t, errs.IsKind(err, errs.JobNotFound))
}
