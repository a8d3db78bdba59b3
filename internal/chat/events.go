package chat

import (
	"fmt"
	"io"
	"strings"
)

// Sentinels of the turn stream.
const (
	DoneSentinel     = "[DONE]"
	RetrySentinel    = "[RETRY]"
	responseIDPrefix = "RESPONSE_ID:"
	errorPrefix      = "ERROR:"
	lineBreak        = "<br><br>"
)

// EventKind discriminates server events.
type EventKind int

const (
	EventText EventKind = iota
	EventResponseID
	EventError
	EventRetry
	EventDone
)

// ServerEvent is one event of a turn stream.
type ServerEvent struct {
	Kind EventKind
	Data string
}

// textEvent maps a delta onto one event. SSE readers treat both CR and LF as
// line ends, so any delta carrying either becomes a break marker.
func textEvent(delta string) ServerEvent {
	if strings.ContainsAny(delta, "\r\n") {
		return ServerEvent{Kind: EventText, Data: lineBreak}
	}
	return ServerEvent{Kind: EventText, Data: delta}
}

func responseIDEvent(id string) ServerEvent {
	return ServerEvent{Kind: EventResponseID, Data: id}
}

// errorEvent flattens msg onto a single line. Provider errors often embed a
// pretty-printed JSON body.
func errorEvent(msg string) ServerEvent {
	return ServerEvent{Kind: EventError, Data: strings.Join(strings.Fields(msg), " ")}
}

// Payload returns the text carried after "data: ".
func (e ServerEvent) Payload() string {
	switch e.Kind {
	case EventResponseID:
		return responseIDPrefix + e.Data
	case EventError:
		return errorPrefix + e.Data
	case EventRetry:
		return RetrySentinel
	case EventDone:
		return DoneSentinel
	default:
		return e.Data
	}
}

// WriteTo encodes the event as one SSE frame.
func (e ServerEvent) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w, "data: %s\n\n", e.Payload())
	return int64(n), err
}
