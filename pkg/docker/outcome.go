package docker

import "fmt"

// Op names an engine operation for outcome mapping and diagnostics.
type Op string

const (
	OpCreate  Op = "create"
	OpInspect Op = "inspect"
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpRestart Op = "restart"
	OpKill    Op = "kill"
	OpRemove  Op = "remove"
	OpExec    Op = "exec"
	OpAttach  Op = "attach"
	OpStats   Op = "stats"
)

// Outcome is the closed set of domain results an operation can produce.
type Outcome string

const (
	Success         Outcome = "success"
	BadParameter    Outcome = "badParameter"
	NoSuchImage     Outcome = "noSuchImage"
	NoSuchContainer Outcome = "noSuchContainer"
	Conflict        Outcome = "conflict"
	AlreadyStarted  Outcome = "alreadyStarted"
	AlreadyStopped  Outcome = "alreadyStopped"
	NotRunning      Outcome = "notRunning"
	ServerError     Outcome = "serverError"
	UnknownError    Outcome = "unknownError"
)

// outcomeTable is the fixed engine status mapping per operation. Anything not
// listed is UnknownError.
var outcomeTable = map[Op]map[int]Outcome{
	OpCreate: {
		201: Success,
		400: BadParameter,
		404: NoSuchImage,
		409: Conflict,
		500: ServerError,
	},
	OpInspect: {
		200: Success,
		404: NoSuchContainer,
		500: ServerError,
	},
	OpStart: {
		204: Success,
		304: AlreadyStarted,
		404: NoSuchContainer,
		500: ServerError,
	},
	OpStop: {
		204: Success,
		304: AlreadyStopped,
		404: NoSuchContainer,
		500: ServerError,
	},
	OpRestart: {
		204: Success,
		404: NoSuchContainer,
		500: ServerError,
	},
	OpKill: {
		204: Success,
		404: NoSuchContainer,
		409: NotRunning,
		500: ServerError,
	},
	OpRemove: {
		204: Success,
		400: BadParameter,
		404: NoSuchContainer,
		409: Conflict,
		500: ServerError,
	},
	OpExec: {
		200: Success,
		201: Success,
		404: NoSuchContainer,
		409: NotRunning,
		500: ServerError,
	},
	OpAttach: {
		101: Success,
		200: Success,
		404: NoSuchContainer,
		500: ServerError,
	},
	OpStats: {
		200: Success,
		404: NoSuchContainer,
		500: ServerError,
	},
}

// Classify maps a raw engine status to the operation's outcome.
func Classify(op Op, status int) Outcome {
	if o, ok := outcomeTable[op][status]; ok {
		return o
	}
	return UnknownError
}

// ContainerStatus is the engine's State.Status.
type ContainerStatus string

const (
	StatusCreated    ContainerStatus = "created"
	StatusRunning    ContainerStatus = "running"
	StatusPaused     ContainerStatus = "paused"
	StatusRestarting ContainerStatus = "restarting"
	StatusRemoving   ContainerStatus = "removing"
	StatusExited     ContainerStatus = "exited"
	StatusDead       ContainerStatus = "dead"
)

func parseStatus(s string) (ContainerStatus, bool) {
	switch st := ContainerStatus(s); st {
	case StatusCreated, StatusRunning, StatusPaused, StatusRestarting, StatusRemoving, StatusExited, StatusDead:
		return st, true
	}
	return "", false
}

// Result is the tagged outcome of one engine call. HTTPStatus is the raw status
// the engine answered with, kept for diagnostics.
type Result struct {
	Op          Op              `json:"op"`
	Outcome     Outcome         `json:"outcome"`
	ContainerID string          `json:"containerId,omitempty"`
	Status      ContainerStatus `json:"status,omitempty"`
	HTTPStatus  int             `json:"httpStatus,omitempty"`
	Message     string          `json:"message,omitempty"`
}

func (r Result) OK() bool {
	return r.Outcome == Success
}

// Err returns nil on success and an *OutcomeError otherwise.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &OutcomeError{Result: r}
}

// OutcomeError carries a non-success Result through error-returning call chains.
type OutcomeError struct {
	Result Result
}

func (e *OutcomeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Result.Op, e.Result.Outcome)
	if e.Result.HTTPStatus != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Result.HTTPStatus)
	}
	if e.Result.Message != "" {
		msg += ": " + e.Result.Message
	}
	return msg
}
