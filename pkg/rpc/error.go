// Package rpc is the coordinator's typed client for the node RPC API.
package rpc

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed node call. It is set by the transport layer from
// the connection error or HTTP status, never from message text.
type Kind string

const (
	KindTransport    Kind = "transport"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "notFound"
	KindBadRequest   Kind = "badRequest"
	KindConflict     Kind = "conflict"
	KindRemote       Kind = "remote"
)

type Error struct {
	Kind    Kind
	Status  int // HTTP status, 0 for transport failures
	Message string
	// Outcome and EngineStatus are set when the node reports a container engine outcome.
	Outcome      string
	EngineStatus int
	Err          error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("node %s: %v", e.Kind, e.Err)
	}
	if e.Outcome != "" {
		return fmt.Sprintf("node %s (status %d, outcome %s): %s", e.Kind, e.Status, e.Outcome, e.Message)
	}
	return fmt.Sprintf("node %s (status %d): %s", e.Kind, e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an rpc failure, or "" for other errors.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusBadRequest:
		return KindBadRequest
	case http.StatusConflict:
		return KindConflict
	}
	return KindRemote
}
