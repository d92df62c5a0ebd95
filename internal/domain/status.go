package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrTerminalStatus    = errors.New("operation is in a terminal status")
)

// Status is the lifecycle status of an operation as the backend spells it.
type Status string

const (
	StatusPending    Status = "Pendiente"
	StatusInProgress Status = "En proceso"
	StatusCompleted  Status = "Completada"
	StatusCancelled  Status = "Cancelado"
	StatusExpired    Status = "Expirada"
)

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// IsValid checks if the status is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Trigger identifies who asks for a transition.
type Trigger int

const (
	// TriggerUser is an action taken by the client on its own operation.
	TriggerUser Trigger = iota
	// TriggerTimer is the local expiration countdown.
	TriggerTimer
	// TriggerServer is a pushed or fetched authoritative status.
	TriggerServer
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	switch t {
	case TriggerUser:
		return "user"
	case TriggerTimer:
		return "timer"
	case TriggerServer:
		return "server"
	default:
		return "unknown"
	}
}

type transition struct {
	from, to Status
}

// locally allowed transitions and who may fire them. Server trigger bypasses this table.
var transitions = map[transition][]Trigger{
	{StatusPending, StatusInProgress}:   {TriggerUser},
	{StatusPending, StatusCancelled}:    {TriggerUser},
	{StatusPending, StatusExpired}:      {TriggerTimer},
	{StatusInProgress, StatusCompleted}: {TriggerServer},
	{StatusInProgress, StatusCancelled}: {TriggerUser, TriggerServer},
}

// CheckTransition validates moving from one status to another on behalf of trigger.
// Server-authoritative statuses always pass: the backend is the ledger of record.
func CheckTransition(from, to Status, trigger Trigger) error {
	if trigger == TriggerServer {
		if !to.IsValid() {
			return errors.Wrapf(ErrIllegalTransition, "unknown status %q", to)
		}
		return nil
	}
	if from.IsTerminal() {
		return errors.Wrapf(ErrTerminalStatus, "%s -> %s", from, to)
	}

	allowed, ok := transitions[transition{from: from, to: to}]
	if !ok {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}
	for _, t := range allowed {
		if t == trigger {
			return nil
		}
	}

	return errors.Wrap(ErrIllegalTransition, fmt.Sprintf("%s -> %s is not allowed for %s trigger", from, to, trigger))
}
