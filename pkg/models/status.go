package models

// RequestState represents the position of a fetch in its state machine
type RequestState string

const (
	RequestStateIdle             RequestState = "idle"              // Constructed, not yet sent
	RequestStateSending          RequestState = "sending"           // Building headers and opening the exchange
	RequestStateAwaitingResponse RequestState = "awaiting_response" // Waiting for and validating response headers
	RequestStateRedirecting      RequestState = "redirecting"       // Following a 3xx, possibly re-checking policy
	RequestStateReceiving        RequestState = "receiving"         // Streaming the body into the buffer
	RequestStateComplete         RequestState = "complete"          // Settled with a result
	RequestStateFailed           RequestState = "failed"            // Settled with an error
)

// String implements fmt.Stringer for logging
func (s RequestState) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsTerminal returns true once the request has settled
func (s RequestState) IsTerminal() bool {
	switch s {
	case RequestStateComplete, RequestStateFailed:
		return true
	}
	return false
}
