package room

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRoomNotFound is returned for unknown room ids, live or persisted.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomClosed is returned by operations against a disposed room.
	ErrRoomClosed = errors.New("room closed")

	// ErrClientNotFound is returned for tokens that are not joined to the room.
	ErrClientNotFound = errors.New("client not found")

	// ErrRoomFull is returned when a join would exceed the participant cap.
	ErrRoomFull = errors.New("room full")

	// ErrRoomActive is returned when deleting a room that is still live.
	ErrRoomActive = errors.New("room active")
)

// Record is the persisted metadata and latest snapshot of a room.
type Record struct {
	ID        string
	Content   string
	Language  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the persistence gateway rooms save snapshots through.
type Store interface {
	CreateRoomRecord(ctx context.Context, rec Record) error
	// FindRoomRecord returns ErrRoomNotFound when no record exists.
	FindRoomRecord(ctx context.Context, id string) (Record, error)
	UpsertSnapshot(ctx context.Context, id, content, language string, at time.Time) error
	// DeleteRoom returns ErrRoomNotFound when no record exists.
	DeleteRoom(ctx context.Context, id string) error
}
