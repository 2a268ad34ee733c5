package persistence

import (
	"context"

	"go.uber.org/zap"

	"github.com/aristath/nexus/internal/events"
)

// Journal writes bus events to a Store so missions can be inspected after
// the process exits. It is not safe for concurrent use; run one per channel.
type Journal struct {
	store Store
	log   *zap.Logger

	known   map[string]bool
	pending map[string][]Publication // publications seen before their mission
}

// NewJournal creates a journal writing to store.
func NewJournal(store Store, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		store:   store,
		log:     logger.Named("journal"),
		known:   make(map[string]bool),
		pending: make(map[string][]Publication),
	}
}

// Run consumes ch until it is closed or ctx is done. Store errors are
// logged and do not stop the journal.
func (j *Journal) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := j.Handle(ctx, ev); err != nil {
				j.log.Warn("failed to journal event",
					zap.String("type", ev.EventType()),
					zap.String("mission", ev.MissionID()),
					zap.Error(err))
			}
		}
	}
}

// Handle stores a single event. Streamed output and progress summaries are skipped.
func (j *Journal) Handle(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.MissionStartedEvent:
		rec := MissionRecord{ID: e.Mission, Objective: e.Objective, Branch: e.Branch, CreatedAt: e.Timestamp}
		if err := j.store.SaveMission(ctx, rec, e.Tasks); err != nil {
			return err
		}
		j.known[e.Mission] = true
		queued := j.pending[e.Mission]
		delete(j.pending, e.Mission)
		for _, p := range queued {
			if err := j.store.RecordPublication(ctx, e.Mission, p); err != nil {
				return err
			}
		}
		return nil

	case events.TaskStatusEvent:
		return j.store.SaveStatus(ctx, e.Mission, e.Record)

	case events.TaskRevisionEvent:
		return j.store.AppendFeedback(ctx, e.Mission, FeedbackEntry{
			WriterID:   e.WriterID,
			ReviewerID: e.ReviewerID,
			Result:     e.Result,
			Iteration:  e.Iteration,
			Feedback:   e.Feedback,
			Severity:   e.Severity,
			CreatedAt:  e.Timestamp,
		})

	case events.VCSEvent:
		p := Publication{
			Kind:      e.Kind,
			TaskID:    e.Task,
			Branch:    e.Branch,
			Ref:       e.Ref,
			URL:       e.URL,
			Error:     e.Error,
			CreatedAt: e.Timestamp,
		}
		if !j.known[e.Mission] {
			j.pending[e.Mission] = append(j.pending[e.Mission], p)
			return nil
		}
		return j.store.RecordPublication(ctx, e.Mission, p)

	case events.MissionFinishedEvent:
		return j.store.FinishMission(ctx, e.Mission, e.Outcome, e.Error, e.Usage, e.Timestamp)
	}
	return nil
}
