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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgbase/imgbase/cache"
	"github.com/imgbase/imgbase/codec"
	"github.com/imgbase/imgbase/config"
	"github.com/imgbase/imgbase/errs"
	"github.com/imgbase/imgbase/internal/imagetest"
	"github.com/imgbase/imgbase/progress"
	"github.com/imgbase/imgbase/security"
)

type schedTest struct {
	scheduler *Scheduler
	registry  *Registry
	cache     *cache.Cache
	bus       *progress.Bus
}

func newSchedTest(t *testing.T, mutate func(*config.Config)) *schedTest {
	t.Helper()
	cfg := config.Default()
	// Deep scan off so deliberately corrupt inputs reach the codec instead
	// of being rejected at admission.
	cfg.Security.EnableContentScan = false
	if mutate != nil {
		mutate(cfg)
	}
	log := testLogger()
	c := cache.New(cache.Config{MaxBytes: cfg.Cache.MaxBytes(), MaxEntries: cfg.Cache.MaxEntries},
		cache.NewMemoryBackend(), "memory", log)
	t.Cleanup(func() { c.Close() })

	st := &schedTest{
		registry: NewRegistry(log),
		cache:    c,
		bus:      progress.NewBus(log),
	}
	st.scheduler = NewScheduler(cfg.Processing, st.registry, c,
		security.NewValidator(cfg.Security, log), st.bus, log)
	t.Cleanup(st.scheduler.Stop)
	return st
}

// collectUntilTerminal drains the subscription until a terminal event
// arrives, returning every delivered event.
func collectUntilTerminal(t *testing.T, sub *progress.Subscription) []progress.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var events []progress.Event
	for {
		ev, err := sub.Next(ctx)
		require.NoError(t, err, "no terminal event before timeout")
		events = append(events, ev)
		if ev.Type.Terminal() {
			return events
		}
	}
}

func countType(events []progress.Event, typ progress.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestBatchAllSucceed(t *testing.T) {
	// Single worker so file_processed events arrive in task order.
	st := newSchedTest(t, func(c *config.Config) {
		c.Processing.MaxConcurrentFiles = 1
	})

	opts := codec.Options{Quality: 85, TargetFormat: codec.FormatJPEG}
	files := []FileInput{
		{Name: "small.png", Data: imagetest.PNG(t, 100, 100)},
		{Name: "medium.png", Data: imagetest.PNG(t, 500, 500)},
		{Name: "large.png", Data: imagetest.PNG(t, 1000, 1000)},
	}

	res, err := st.scheduler.StartBatch(opts, files)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalFiles)
	assert.Empty(t, res.Rejected)

	sub := st.bus.Subscribe(res.JobID)
	defer st.bus.Unsubscribe(sub)
	events := collectUntilTerminal(t, sub)

	assert.Equal(t, 1, countType(events, progress.EventBatchCompleted))
	assert.Equal(t, 3, countType(events, progress.EventFileProcessed))

	var order []string
	for _, ev := range events {
		if ev.Type == progress.EventFileProcessed {
			order = append(order, ev.Data.(map[string]interface{})["file_name"].(string))
		}
	}
	assert.Equal(t, []string{"small.png", "medium.png", "large.png"}, order)

	snap, err := st.scheduler.Progress(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "completed", snap.Status)
	require.NotNil(t, snap.TerminalSummary)
	assert.Equal(t, 3, snap.SuccessfulFiles)
	assert.Equal(t, "JPEG", snap.SuccessfulResults[0].Format)
}

func TestBatchPartialRejectionAndCodecFailure(t *testing.T) {
	st := newSchedTest(t, func(c *config.Config) {
		c.Security.MaxFileSizeMB = 1
	})

	oversized := make([]byte, 1<<20+1)
	copy(oversized, imagetest.PNG(t, 8, 8))
	files := []FileInput{
		{Name: "valid.png", Data: imagetest.PNG(t, 32, 32)},
		{Name: "oversized.png", Data: oversized},
		{Name: "corrupt.jpg", Data: imagetest.CorruptJPEG()},
	}

	res, err := st.scheduler.StartBatch(codec.DefaultOptions(), files)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalFiles, "only admitted files get tasks")
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "oversized.png", res.Rejected[0].FileName)
	assert.Equal(t, "FILE_TOO_LARGE", res.Rejected[0].ErrorCode)
	assert.NotEmpty(t, res.Warnings)

	sub := st.bus.Subscribe(res.JobID)
	defer st.bus.Unsubscribe(sub)
	collectUntilTerminal(t, sub)

	snap, err := st.scheduler.Progress(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "completed", snap.Status)
	assert.Equal(t, 1, snap.SuccessfulFiles)
	assert.Equal(t, 1, snap.FailedFiles)
	require.Len(t, snap.FailedFileDetails, 1)
	assert.Equal(t, "corrupt.jpg", snap.FailedFileDetails[0].FileName)
	assert.Equal(t, "CODEC_FAILED", snap.FailedFileDetails[0].ErrorCode)
}

func TestBatchAllRejected(t *testing.T) {
	st := newSchedTest(t, nil)
	files := []FileInput{
		{Name: "a.txt", Data: []byte("not an image")},
		{Name: "b.txt", Data: []byte("also not an image")},
	}
	res, err := st.scheduler.StartBatch(codec.DefaultOptions(), files)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.SecurityRejected))
	assert.Empty(t, res.JobID, "no job created when every file is rejected")
	assert.Len(t, res.Rejected, 2)
}

func TestBatchCancelMidFlight(t *testing.T) {
	st := newSchedTest(t, func(c *config.Config) {
		c.Processing.MaxConcurrentFiles = 2
	})
	st.scheduler.convertFn = func(data []byte, opts codec.Options) ([]byte, *codec.Metadata, error) {
		time.Sleep(40 * time.Millisecond)
		return []byte("artifact"), &codec.Metadata{Format: codec.FormatPNG, Size: 8}, nil
	}

	files := make([]FileInput, 10)
	for i := range files {
		// Distinct bytes so tasks never coalesce in the cache.
		files[i] = FileInput{Name: "f.png", Data: imagetest.PNG(t, 8+i, 8)}
	}

	res, err := st.scheduler.StartBatch(codec.DefaultOptions(), files)
	require.NoError(t, err)
	sub := st.bus.Subscribe(res.JobID)
	defer st.bus.Unsubscribe(sub)

	// Let three tasks finish before cancelling.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	processed := 0
	for processed < 3 {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		if ev.Type == progress.EventFileProcessed {
			processed++
		}
	}

	snap, err := st.scheduler.Cancel(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", snap.Status)

	events := collectUntilTerminal(t, sub)
	assert.Equal(t, 1, countType(events, progress.EventBatchCancelled))

	final, err := st.scheduler.Progress(res.JobID)
	require.NoError(t, err)
	require.NotNil(t, final.TerminalSummary)
	total := final.SuccessfulFiles + final.FailedFiles + final.SkippedFiles
	assert.Equal(t, 10, total)
	assert.Equal(t, 10, final.CompletedFiles)
	// At most the two in-flight tasks can still transition after cancel;
	// everything pending was drained immediately.
	assert.GreaterOrEqual(t, final.SkippedFiles, 5)

	// Cancel is idempotent: the repeat reports the terminal state.
	again, err := st.scheduler.Cancel(res.JobID)
	assert.True(t, errs.IsKind(err, errs.JobAlreadyTerminal))
	assert.Equal(t, "cancelled", again.Status)
}

func TestBatchQueueFull(t *testing.T) {
	st := newSchedTest(t, func(c *config.Config) {
		c.Processing.MaxConcurrentFiles = 1
		c.Processing.MaxQueueSize = 2
	})
	release := make(chan struct{})
	st.scheduler.convertFn = func(data []byte, opts codec.Options) ([]byte, *codec.Metadata, error) {
		<-release
		return []byte("x"), &codec.Metadata{Format: codec.FormatPNG}, nil
	}
	defer close(release)

	files := make([]FileInput, 6)
	for i := range files {
		files[i] = FileInput{Name: "f.png", Data: imagetest.PNG(t, 8+i, 8)}
	}
	_, err := st.scheduler.StartBatch(codec.DefaultOptions(), files)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.QueueFull))
}

func TestBatchMemoryAdmission(t *testing.T) {
	st := newSchedTest(t, func(c *config.Config) {
		c.Processing.MaxMemoryUsageMB = 1
	})
	big := make([]byte, 1<<20+1)
	copy(big, imagetest.PNG(t, 8, 8))
	_, err := st.scheduler.StartBatch(codec.DefaultOptions(),
		[]FileInput{{Name: "big.png", Data: big}})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.QueueFull))
}

func TestLargeFileBypassesCache(t *testing.T) {
	st := newSchedTest(t, func(c *config.Config) {
		c.Processing.LargeFileThresholdMB = 1
	})
	big := make([]byte, 2<<20)
	copy(big, imagetest.PNG(t, 8, 8))
	st.scheduler.convertFn = func(data []byte, opts codec.Options) ([]byte, *codec.Metadata, error) {
		return []byte("x"), &codec.Metadata{Format: codec.FormatPNG}, nil
	}

	res, err := st.scheduler.StartBatch(codec.DefaultOptions(),
		[]FileInput{{Name: "big.png", Data: big}})
	require.NoError(t, err)
	sub := st.bus.Subscribe(res.JobID)
	defer st.bus.Unsubscribe(sub)
	collectUntilTerminal(t, sub)

	stats := st.cache.Stats()
	assert.Equal(t, 0, stats.Entries, "large inputs are not cached")
	assert.Equal(t, uint64(0), stats.Misses)
}

func TestSchedulerStatusAndCleanup(t *testing.T) {
	st := newSchedTest(t, nil)
	res, err := st.scheduler.StartBatch(codec.DefaultOptions(),
		[]FileInput{{Name: "a.png", Data: imagetest.PNG(t, 8, 8)}})
	require.NoError(t, err)

	sub := st.bus.Subscribe(res.JobID)
	defer st.bus.Unsubscribe(sub)
	collectUntilTerminal(t, sub)

	status := st.scheduler.SchedulerStatus()
	assert.Equal(t, 0, status.ActiveTasks)
	assert.Len(t, status.AllQueues, 1)

	stats := st.scheduler.Cleanup(time.Nanosecond)
	assert.Equal(t, 1, stats.Queues)
	_, err = st.scheduler.Progress(res.JobID)
	assert.True(t, errs.IsKind(err, errs.JobNotFound))
}
