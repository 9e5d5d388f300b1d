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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/imgbase/imgbase/errs"
)

var (
	metricTasksExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imgbase", Subsystem: "pool", Name: "tasks_executed_total",
		Help: "Tasks pulled and executed by workers.",
	})
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "imgbase", Subsystem: "pool", Name: "queue_depth",
		Help: "Tasks waiting in the pool backlog.",
	})
	metricQueueRejects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "imgbase", Subsystem: "pool", Name: "queue_rejects_total",
		Help: "Submissions rejected because the backlog was full.",
	})
)

// TaskRef addresses one task for the pool: every queued unit is a
// (job, task) pair resolved against the registry at execution time.
type TaskRef struct {
	JobID  string
	TaskID int
}

// Pool runs tasks on a fixed set of workers over a bounded backlog.
// Submission is non-blocking: a full backlog rejects with QUEUE_FULL.
type Pool struct {
	queue chan TaskRef
	exec  func(TaskRef)
	log   *logrus.Entry

	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
}

// NewPool launches the worker goroutines immediately.
func NewPool(workers, backlog int, exec func(TaskRef), log *logrus.Entry) *Pool {
	p := &Pool{
		queue: make(chan TaskRef, backlog),
		exec:  exec,
		log:   log.WithField("component", "pool"),
		quit:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case ref := <-p.queue:
			metricQueueDepth.Set(float64(len(p.queue)))
			metricTasksExecuted.Inc()
			p.exec(ref)
		case <-p.quit:
			// Drain what is already queued so no accepted task is lost.
			for {
				select {
				case ref := <-p.queue:
					metricTasksExecuted.Inc()
					p.exec(ref)
				default:
					return
				}
			}
		}
	}
}

// Submit queues a task without blocking. A full backlog returns QUEUE_FULL.
func (p *Pool) Submit(ref TaskRef) error {
	select {
	case p.queue <- ref:
		metricQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		metricQueueRejects.Inc()
		return errs.New(errs.QueueFull, "worker backlog full (%d tasks)", cap(p.queue))
	}
}

// Backlog reports the number of queued, not yet started tasks.
func (p *Pool) Backlog() int {
	return len(p.queue)
}

// Stop shuts the workers down after they finish their current task and
// whatever was already queued.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
}
