// Package opqueue serializes request/acknowledge transactions against a
// transport that allows a single outstanding configuration write.
package opqueue

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Operation is one queued configuration transaction.
// Run issues the request; its acknowledgement arrives later through Queue.Complete.
// A non-nil error from Run means the request never went out and no
// acknowledgement will follow.
type Operation struct {
	ID   uint64
	Name string
	Run  func() error
}

// FailureFunc is notified of every operation that failed to start or whose
// acknowledgement reported an error. The queue advances regardless.
type FailureFunc func(op *Operation, err error)

// Queue is a FIFO of operations with at most one in flight.
type Queue struct {
	mu        sync.Mutex
	pending   []*Operation
	current   *Operation
	nextID    uint64
	onFailure FailureFunc
	logger    *logrus.Logger
}

// New creates an empty queue. onFailure may be nil.
func New(logger *logrus.Logger, onFailure FailureFunc) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{
		pending:   make([]*Operation, 0),
		onFailure: onFailure,
		logger:    logger,
	}
}

// Enqueue appends an operation and starts it immediately if nothing is in flight.
// Returns the operation ID.
func (q *Queue) Enqueue(name string, run func() error) uint64 {
	q.mu.Lock()
	q.nextID++
	op := &Operation{ID: q.nextID, Name: name, Run: run}
	q.pending = append(q.pending, op)
	pending := len(q.pending)
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"op_id":   op.ID,
		"op":      op.Name,
		"pending": pending,
	}).Debug("Operation enqueued")

	q.startNext()
	return op.ID
}

// Complete acknowledges the operation in flight and starts the next one.
// A non-nil err is reported to the failure callback; the queue still advances.
// Calling Complete with nothing in flight is a no-op.
func (q *Queue) Complete(err error) {
	q.mu.Lock()
	op := q.current
	if op == nil {
		q.mu.Unlock()
		q.logger.Debug("Completion received with no operation in flight, ignoring")
		return
	}
	q.current = nil
	q.mu.Unlock()

	if err != nil {
		q.fail(op, err)
	} else {
		q.logger.WithFields(logrus.Fields{
			"op_id": op.ID,
			"op":    op.Name,
		}).Debug("Operation completed")
	}

	q.startNext()
}

// startNext pops and runs the head of the queue unless an operation is in flight.
// Operations that fail to start are reported and skipped.
func (q *Queue) startNext() {
	for {
		q.mu.Lock()
		if q.current != nil || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		op := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.current = op
		q.mu.Unlock()

		q.logger.WithFields(logrus.Fields{
			"op_id": op.ID,
			"op":    op.Name,
		}).Debug("Starting operation")

		// Run may acknowledge synchronously, re-entering Complete and starting
		// the next operation itself; the guard above keeps that single-flight.
		err := op.Run()
		if err == nil {
			return
		}

		q.mu.Lock()
		if q.current == op {
			q.current = nil
		}
		q.mu.Unlock()
		q.fail(op, err)
	}
}

func (q *Queue) fail(op *Operation, err error) {
	q.logger.WithFields(logrus.Fields{
		"op_id": op.ID,
		"op":    op.Name,
		"error": err,
	}).Warn("Operation failed, advancing queue")

	if q.onFailure != nil {
		q.onFailure(op, err)
	}
}

// Abandon drops every pending operation and forgets the one in flight without
// running anything. A late acknowledgement for the abandoned operation is ignored.
// Returns the number of operations that will never start.
func (q *Queue) Abandon() int {
	q.mu.Lock()
	dropped := len(q.pending)
	inFlight := q.current != nil
	q.pending = make([]*Operation, 0)
	q.current = nil
	q.mu.Unlock()

	if dropped > 0 || inFlight {
		q.logger.WithFields(logrus.Fields{
			"dropped":   dropped,
			"in_flight": inFlight,
		}).Info("Operation queue abandoned")
	}
	return dropped
}

// Pending returns the number of operations waiting to start.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Executing reports whether an operation is in flight.
func (q *Queue) Executing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil
}

// Idle reports whether nothing is in flight and nothing is pending.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current == nil && len(q.pending) == 0
}
