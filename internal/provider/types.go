package provider

// Message is one turn of conversation history sent to a provider. Summary
// messages are folded into the system position by each adapter.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries everything an adapter needs for one completion.
type Request struct {
	Model        string
	Messages     []Message
	SystemPrompt string
	Temperature  *float64
	MaxTokens    *int
}

// Result is the terminal payload of a completed stream or a Generate call.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// EventKind discriminates the stream event union.
type EventKind int

const (
	// EventToken carries one incremental text chunk.
	EventToken EventKind = iota
	// EventDone carries the final Result; it is always the last event.
	EventDone
	// EventErr carries a stream failure; it is always the last event.
	EventErr
)

// Event is one element of an adapter's stream. Exactly one terminal event
// (Done or Err) follows the last token, after which the channel is closed.
type Event struct {
	Kind   EventKind
	Token  string
	Result Result
	Err    error
}

func tokenEvent(s string) Event { return Event{Kind: EventToken, Token: s} }
func doneEvent(r Result) Event  { return Event{Kind: EventDone, Result: r} }
func errEvent(err error) Event  { return Event{Kind: EventErr, Err: err} }

// EstimateTokens approximates a token count for text when the provider did
// not report usage. Four characters per token is close enough for budget
// accounting.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
