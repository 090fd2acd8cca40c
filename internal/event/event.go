// Package event defines the control messages exchanged between the
// coordinator and the writers, and their Avro wire encoding.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"pkt.systems/lakecommit/internal/table"
)

// Type discriminates the payload carried by an Event.
type Type string

const (
	TypeCommitRequest  Type = "COMMIT_REQUEST"
	TypeCommitReady    Type = "COMMIT_READY"
	TypeCommitResponse Type = "COMMIT_RESPONSE"
)

var (
	// ErrInvalidEvent reports an event whose payload does not match its type.
	ErrInvalidEvent = errors.New("event: invalid event")
	// ErrUnknownType reports an event type this build does not understand.
	ErrUnknownType = errors.New("event: unknown type")
)

// TopicPartition is a source partition a writer owns.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// CommitRequest asks every writer to flush and report for CommitID.
type CommitRequest struct {
	CommitID string
}

// CommitReady reports the partitions a writer owns for CommitID.
type CommitReady struct {
	CommitID    string
	Assignments []TopicPartition
}

// CommitResponse carries the files a writer produced for one table.
type CommitResponse struct {
	CommitID    string
	Table       table.Identifier
	DataFiles   []table.DataFile
	DeleteFiles []table.DeleteFile
}

// Event is a tagged union: exactly one of Request, Ready and Response is set,
// selected by Type.
type Event struct {
	ID        string
	GroupID   string
	Timestamp time.Time
	Type      Type

	Request  *CommitRequest
	Ready    *CommitReady
	Response *CommitResponse
}

func newEvent(t Type) Event {
	return Event{
		ID:        xid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      t,
	}
}

// NewCommitRequest builds a COMMIT_REQUEST event.
func NewCommitRequest(commitID string) Event {
	e := newEvent(TypeCommitRequest)
	e.Request = &CommitRequest{CommitID: commitID}
	return e
}

// NewCommitReady builds a COMMIT_READY event.
func NewCommitReady(commitID string, assignments []TopicPartition) Event {
	e := newEvent(TypeCommitReady)
	e.Ready = &CommitReady{CommitID: commitID, Assignments: assignments}
	return e
}

// NewCommitResponse builds a COMMIT_RESPONSE event.
func NewCommitResponse(commitID string, id table.Identifier, dataFiles []table.DataFile, deleteFiles []table.DeleteFile) Event {
	e := newEvent(TypeCommitResponse)
	e.Response = &CommitResponse{
		CommitID:    commitID,
		Table:       id,
		DataFiles:   dataFiles,
		DeleteFiles: deleteFiles,
	}
	return e
}

// CommitID returns the commit identifier of the active payload.
func (e Event) CommitID() string {
	switch e.Type {
	case TypeCommitRequest:
		if e.Request != nil {
			return e.Request.CommitID
		}
	case TypeCommitReady:
		if e.Ready != nil {
			return e.Ready.CommitID
		}
	case TypeCommitResponse:
		if e.Response != nil {
			return e.Response.CommitID
		}
	}
	return ""
}

// Validate checks that exactly the payload selected by Type is present.
func (e Event) Validate() error {
	set := 0
	for _, present := range []bool{e.Request != nil, e.Ready != nil, e.Response != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads set", ErrInvalidEvent, set)
	}
	switch e.Type {
	case TypeCommitRequest:
		if e.Request == nil {
			return fmt.Errorf("%w: %s without request payload", ErrInvalidEvent, e.Type)
		}
	case TypeCommitReady:
		if e.Ready == nil {
			return fmt.Errorf("%w: %s without ready payload", ErrInvalidEvent, e.Type)
		}
	case TypeCommitResponse:
		if e.Response == nil {
			return fmt.Errorf("%w: %s without response payload", ErrInvalidEvent, e.Type)
		}
		if err := e.Response.Table.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, string(e.Type))
	}
	if e.CommitID() == "" {
		return fmt.Errorf("%w: empty commit id", ErrInvalidEvent)
	}
	return nil
}

// Envelope is an event together with its position on the control channel.
type Envelope struct {
	Event     Event
	Partition int32
	Offset    int64
}
