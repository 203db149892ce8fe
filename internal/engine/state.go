package engine

// State names one stage of the run pipeline.
type State string

const (
	StateInit          State = "Init"
	StatePlan          State = "Plan"
	StateLoadTaskList  State = "LoadTaskList"
	StateWriteTests    State = "WriteTests"
	StateValidateTests State = "ValidateTests"
	StateWork          State = "Work"
	StateValidateCode  State = "ValidateCode"
	StateReview        State = "Review"
	StateExport        State = "Export"
	StateDone          State = "Done"
	StateFailed        State = "Failed"
)

// IsTerminal reports whether the pipeline stops at this state.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// RetryTracker counts retries per backtrack edge. Each edge (one per
// validation step, plus the review edge) has its own counter bounded by the
// shared max; exhausting one edge does not consume another's budget.
type RetryTracker struct {
	counts     map[string]int
	maxRetries int
}

func NewRetryTracker(maxRetries int) *RetryTracker {
	return &RetryTracker{counts: map[string]int{}, maxRetries: maxRetries}
}

// TryRetry increments the edge's counter and reports whether another retry
// is allowed. Once the counter passes the budget the failure is fatal.
func (t *RetryTracker) TryRetry(edge string) bool {
	t.counts[edge]++
	return t.counts[edge] <= t.maxRetries
}

// Count returns the edge's current counter.
func (t *RetryTracker) Count(edge string) int {
	return t.counts[edge]
}

// Counts returns a copy of all edge counters.
func (t *RetryTracker) Counts() map[string]int {
	out := make(map[string]int, len(t.counts))
	for edge, count := range t.counts {
		out[edge] = count
	}
	return out
}
