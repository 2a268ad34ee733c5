package scheduler

import "fmt"

// DefaultMaxRevisionIterations bounds how often a reviewer may send a writer back.
// The rejection that would raise the writer's iteration to the limit is final,
// so the limit counts rejections, not rewrites.
const DefaultMaxRevisionIterations = 3

// RevisionKind is what the revision controller decided for a reviewer verdict.
type RevisionKind int

const (
	RevisionNone      RevisionKind = iota // Task is not a paired reviewer
	RevisionApproved                      // Writer output accepted
	RevisionRequested                     // Writer and reviewer reset to PENDING
	RevisionExhausted                     // Bound reached, both tasks ERROR
)

func (k RevisionKind) String() string {
	switch k {
	case RevisionApproved:
		return "approved"
	case RevisionRequested:
		return "revise"
	case RevisionExhausted:
		return "exhausted"
	}
	return "none"
}

// RevisionOutcome describes the effect of one reviewer completion.
type RevisionOutcome struct {
	Kind       RevisionKind
	WriterID   string
	ReviewerID string
	Iteration  int // writer iteration after the decision
	Feedback   string
	Severity   Severity
}

// RevisionController applies the writer/reviewer protocol.
type RevisionController struct {
	maxIterations int
}

// NewRevisionController returns a controller bounded by maxIterations. Values
// below one fall back to DefaultMaxRevisionIterations.
func NewRevisionController(maxIterations int) *RevisionController {
	if maxIterations < 1 {
		maxIterations = DefaultMaxRevisionIterations
	}
	return &RevisionController{maxIterations: maxIterations}
}

// MaxIterations returns the configured bound.
func (c *RevisionController) MaxIterations() int {
	return c.maxIterations
}

// Resolve completes reviewerID with out and applies its verdict to the paired
// writer. It runs inside tx so that completion and any reset land together.
// Tasks that do not review a writer are simply completed.
func (c *RevisionController) Resolve(tx *Txn, reviewerID string, attempt int, out TaskOutput, usage Usage) (RevisionOutcome, error) {
	if err := tx.Complete(reviewerID, attempt, out, usage); err != nil {
		return RevisionOutcome{}, err
	}

	writerID, paired := tx.reg.dag.WriterOf(reviewerID)
	if !paired {
		return RevisionOutcome{Kind: RevisionNone}, nil
	}
	if !out.Review.Valid() {
		return RevisionOutcome{}, fmt.Errorf("%w: %s", ErrMissingVerdict, reviewerID)
	}

	writer, err := tx.Get(writerID)
	if err != nil {
		return RevisionOutcome{}, err
	}
	outcome := RevisionOutcome{
		WriterID:   writerID,
		ReviewerID: reviewerID,
		Iteration:  writer.Iteration,
		Feedback:   out.Review.Feedback,
		Severity:   out.Review.Severity,
	}

	if out.Review.Decision == DecisionApproved {
		outcome.Kind = RevisionApproved
		return outcome, nil
	}

	next := writer.Iteration + 1
	outcome.Iteration = next
	appendFeedback := func(r *StatusRecord) {
		r.Iteration = next
		r.FeedbackHistory = append(r.FeedbackHistory, out.Review.Feedback)
	}

	// Counted after the increment: the max-th rejection exhausts the budget.
	if next >= c.maxIterations {
		outcome.Kind = RevisionExhausted
		reason := fmt.Sprintf("revision limit of %d reached: %s", c.maxIterations, out.Review.Feedback)
		for _, id := range []string{writerID, reviewerID} {
			if err := tx.Transition(id, StatusError); err != nil {
				return RevisionOutcome{}, err
			}
			if err := tx.Mutate(id, func(r *StatusRecord) { r.Error = reason }); err != nil {
				return RevisionOutcome{}, err
			}
		}
		if err := tx.Mutate(writerID, appendFeedback); err != nil {
			return RevisionOutcome{}, err
		}
		if err := tx.BlockDescendants(writerID); err != nil {
			return RevisionOutcome{}, err
		}
		return outcome, nil
	}

	outcome.Kind = RevisionRequested
	if err := tx.Transition(writerID, StatusPending); err != nil {
		return RevisionOutcome{}, err
	}
	if err := tx.Mutate(writerID, func(r *StatusRecord) {
		appendFeedback(r)
		r.StreamingContent = ""
	}); err != nil {
		return RevisionOutcome{}, err
	}
	if err := tx.Transition(reviewerID, StatusPending); err != nil {
		return RevisionOutcome{}, err
	}
	if err := tx.Mutate(reviewerID, func(r *StatusRecord) { r.StreamingContent = "" }); err != nil {
		return RevisionOutcome{}, err
	}
	return outcome, nil
}
