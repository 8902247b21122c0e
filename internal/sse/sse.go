// Package sse frames pipeline events as server-sent events.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	EventDone  = "done"
	EventError = "error"
)

// Known failure messages and the codes clients switch on.
const (
	MsgNetwork = "We couldn't reach a required service. Please try again."
	MsgStorage = "We couldn't save your conversation. Please try again."
	MsgGeneric = "Something went wrong. Please try again."
	MsgFeature = "This feature is not available for your workspace."
)

var knownErrors = map[string]string{
	MsgNetwork: "network_error",
	MsgStorage: "db_error",
	MsgGeneric: "generic_error",
	MsgFeature: "feature_disabled",
}

// Event is one pipeline emission. Data must marshal to JSON.
type Event struct {
	Name string
	Data any
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame renders "event: <name>\ndata: <json>\n\n". Marshalled JSON never
// contains a raw newline, so data stays on one line.
func Frame(name string, data any) ([]byte, error) {
	if strings.ContainsAny(name, "\r\n") || name == "" {
		return nil, fmt.Errorf("invalid event name %q", name)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", name, err)
	}
	out := make([]byte, 0, len(name)+len(raw)+16)
	out = append(out, "event: "...)
	out = append(out, name...)
	out = append(out, "\ndata: "...)
	out = append(out, raw...)
	out = append(out, "\n\n"...)
	return out, nil
}

func Done() []byte {
	b, _ := Frame(EventDone, map[string]any{})
	return b
}

// ErrorFrame turns a failure into a structured error event. Known messages
// keep their code; anything else becomes the generic message, so raw error
// text never reaches the client.
func ErrorFrame(failure any) []byte {
	b, _ := Frame(EventError, Classify(failure))
	return b
}

func Classify(failure any) ErrorPayload {
	var msg string
	switch v := failure.(type) {
	case string:
		msg = v
	case *PublicError:
		return ErrorPayload{Code: v.Code, Message: v.Message}
	case error:
		var pub *PublicError
		if errors.As(v, &pub) {
			return ErrorPayload{Code: pub.Code, Message: pub.Message}
		}
		msg = v.Error()
	}
	if code, ok := knownErrors[msg]; ok {
		return ErrorPayload{Code: code, Message: msg}
	}
	return ErrorPayload{Code: knownErrors[MsgGeneric], Message: MsgGeneric}
}

// PublicError carries a client-safe message through error chains.
type PublicError struct {
	Code    string
	Message string
	Err     error
}

func (e *PublicError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *PublicError) Unwrap() error { return e.Err }

func Network(err error) error { return &PublicError{Code: "network_error", Message: MsgNetwork, Err: err} }
func Storage(err error) error { return &PublicError{Code: "db_error", Message: MsgStorage, Err: err} }
func Generic(err error) error { return &PublicError{Code: "generic_error", Message: MsgGeneric, Err: err} }
func Feature(err error) error { return &PublicError{Code: "feature_disabled", Message: MsgFeature, Err: err} }

// Headers sets the streaming response headers.
func Headers(h http.Header) {
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Stream writes events in the order received until the channel closes, then
// writes done. An event named "error" is written through ErrorFrame and ends
// the stream without a done frame. When ctx ends first Stream returns
// ctx.Err(); the producer must watch the same ctx to stop.
func Stream(ctx context.Context, w io.Writer, events <-chan Event) error {
	flush := func() {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if _, err := w.Write(Done()); err != nil {
					return err
				}
				flush()
				return nil
			}
			var frame []byte
			if ev.Name == EventError {
				frame = ErrorFrame(ev.Data)
			} else {
				f, err := Frame(ev.Name, ev.Data)
				if err != nil {
					frame = ErrorFrame(err)
				} else {
					frame = f
				}
			}
			if _, err := w.Write(frame); err != nil {
				return err
			}
			flush()
			if ev.Name == EventError {
				return nil
			}
		}
	}
}
