package extract

// EventType labels a progress notification.
type EventType string

const (
	EventStarted   EventType = "extraction_started"
	EventProgress  EventType = "extraction_progress"
	EventCompleted EventType = "extraction_completed"
	EventError     EventType = "extraction_error"
)

// Event is a fire-and-forget progress notification for UI subscribers.
// It is not part of the data contract; consumers must not derive graph
// state from it.
type Event struct {
	Type     EventType `json:"type"`
	BookID   string    `json:"book_id"`
	FromPage int       `json:"from_page,omitempty"`
	ToPage   int       `json:"to_page,omitempty"`
	// Watermark is lastAnalyzedPage at the time of the event.
	Watermark int    `json:"watermark"`
	Message   string `json:"message,omitempty"`
}

// Notifier receives progress events. Implementations must not block.
type Notifier func(Event)
