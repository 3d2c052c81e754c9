package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/FulgerX2007/visual-reports-app/pkg/model"
)

// writeOpType defines the type of write operation
type writeOpType int

const (
	opIndexReport writeOpType = iota
	opCreateReport
	opUpdateReport
	opDeleteReport
	opPutDefinition
	opDeleteDefinition
	opClaimJob
	opAckJob
)

// writeOp represents a single write operation with its response channel
type writeOp struct {
	opType   writeOpType
	data     interface{}
	response chan writeResult
}

// writeResult carries the error and, for claims, the claimed job.
type writeResult struct {
	err   error
	value interface{}
}

// writeQueue serializes every write onto one goroutine. SQLite allows a single writer.
type writeQueue struct {
	queue  chan writeOp
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger
}

func newWriteQueue(s *Store) *writeQueue {
	ctx, cancel := context.WithCancel(context.Background())
	wq := &writeQueue{
		queue:  make(chan writeOp, 100),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: s.logger,
	}

	go wq.processQueue(s)

	return wq
}

// processQueue is the single writer goroutine. On shutdown it drains what is already queued.
func (wq *writeQueue) processQueue(s *Store) {
	defer close(wq.done)

	for {
		select {
		case <-wq.ctx.Done():
			for {
				select {
				case op := <-wq.queue:
					wq.executeOp(s, op)
				default:
					wq.logger.Debug("write queue drained")
					return
				}
			}

		case op := <-wq.queue:
			wq.executeOp(s, op)
		}
	}
}

func (wq *writeQueue) executeOp(s *Store, op writeOp) {
	var result writeResult

	switch op.opType {
	case opIndexReport:
		result.err = s.indexReportDirect(op.data.(*model.Report))

	case opCreateReport:
		p := op.data.(reportWrite)
		result.err = s.createReportDirect(p.report, p.artifact)

	case opUpdateReport:
		p := op.data.(reportWrite)
		result.err = s.updateReportDirect(p.report, p.artifact)

	case opDeleteReport:
		result.err = s.deleteReportDirect(op.data.(string))

	case opPutDefinition:
		result.err = s.putDefinitionDirect(op.data.(*model.ReportDefinition))

	case opDeleteDefinition:
		result.err = s.deleteDefinitionDirect(op.data.(string))

	case opClaimJob:
		result.value, result.err = s.claimJobDirect()

	case opAckJob:
		p := op.data.(ackJobParams)
		result.err = s.ackJobDirect(p.job, p.status)
	}

	op.response <- result
}

// enqueue adds a write operation to the queue and waits for the result.
func (wq *writeQueue) enqueue(ctx context.Context, opType writeOpType, data interface{}) (interface{}, error) {
	response := make(chan writeResult, 1)

	op := writeOp{
		opType:   opType,
		data:     data,
		response: response,
	}

	select {
	case wq.queue <- op:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wq.ctx.Done():
		return nil, ErrClosed
	}

	// Once queued the op runs even if ctx ends, so the result is awaited until the writer exits.
	select {
	case result := <-response:
		return result.value, result.err
	case <-wq.done:
		select {
		case result := <-response:
			return result.value, result.err
		default:
			return nil, ErrClosed
		}
	}
}

// shutdown stops accepting work and waits for queued writes to finish.
func (wq *writeQueue) shutdown() {
	wq.cancel()
	<-wq.done
}

type reportWrite struct {
	report   *model.Report
	artifact *model.Artifact
}

type ackJobParams struct {
	job    *model.ScheduledJob
	status model.JobStatus
}
