package db

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
)

// Recorder persists task events and results. It is registered with the
// orchestrator as both an event sink and a report sink.
type Recorder struct {
	client *Client
	logger *zap.Logger
}

func NewRecorder(client *Client, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{client: client, logger: logger}
}

func (r *Recorder) HandleEvent(_ context.Context, ev orchestrator.Event) error {
	r.client.QueueWrite(WriteTypeTaskEvent, &TaskEvent{
		TaskID:    ev.TaskID,
		Seq:       int64(ev.Seq),
		Phase:     ev.Phase.String(),
		Prev:      prevName(ev.Prev),
		Outcome:   ev.Outcome,
		Reason:    ev.Reason,
		Cycle:     ev.Cycle,
		Pass:      ev.Pass,
		CreatedAt: ev.Timestamp,
	}, nil)
	return nil
}

func (r *Recorder) HandleResult(_ context.Context, res orchestrator.TaskResult) error {
	run, err := r.taskRun(res)
	if err != nil {
		return err
	}
	r.logger.Debug("Recording task run", zap.String("task_id", run.TaskID), zap.String("status", run.Status))
	r.client.QueueWrite(WriteTypeTaskRun, run, nil)
	return nil
}

func (r *Recorder) taskRun(res orchestrator.TaskResult) (*TaskRun, error) {
	d := res.Diagnostics
	run := &TaskRun{
		TaskID:      res.TaskID,
		Query:       res.Query,
		Status:      "done",
		Phase:       d.Phase.String(),
		Cycles:      d.Cycles,
		Passes:      d.Passes,
		SubmittedAt: d.SubmittedAt,
	}
	if !d.FinishedAt.IsZero() {
		finished := d.FinishedAt
		run.FinishedAt = &finished
	}
	if d.UserID != "" {
		u := d.UserID
		run.UserID = &u
	}

	var err error
	if res.Err != nil {
		run.Status = "failed"
		if errors.Is(res.Err, orchestrator.ErrCancelled) {
			run.Status = "cancelled"
		}
		msg := res.Err.Error()
		run.Error = &msg
	} else if res.Report != nil {
		c := string(res.Report.Completeness)
		run.Completeness = &c
		if run.Report, err = ToJSONB(res.Report); err != nil {
			return nil, err
		}
	}
	if run.Diagnostics, err = ToJSONB(d); err != nil {
		return nil, err
	}
	return run, nil
}

func prevName(p orchestrator.Phase) string {
	if p == 0 {
		return ""
	}
	return p.String()
}
