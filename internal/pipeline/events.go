package pipeline

// Event types emitted during a batch.
const (
	EventBatchStarted   = "batch_started"
	EventItemCompleted  = "item_completed"
	EventItemFailed     = "item_failed"
	EventPollAttempt    = "poll_attempt"
	EventToolProgress   = "tool_progress"
	EventBatchCompleted = "batch_completed"
	EventBatchFailed    = "batch_failed"
)

// EventFunc receives batch progress. It may be called from more than one goroutine.
type EventFunc func(eventType string, data map[string]interface{})

func (p *Pipeline) emit(eventType string, data map[string]interface{}) {
	if p.onEvent == nil {
		return
	}
	p.onEvent(eventType, data)
}
