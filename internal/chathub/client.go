package chathub

import (
	"context"

	"safechat/backend/internal/models"
)

// Client is the interface for any live connection held by the hub.
// It abstracts the underlying transport so the hub can manage connections
// uniformly and tests can stand in their own.
type Client interface {
	// GetUserID returns the authenticated user behind the connection.
	GetUserID() string

	// GetSendChannel returns the channel the hub writes events to. Only the
	// hub loop sends on it, and only the hub loop closes it through Close.
	GetSendChannel() chan<- models.Event

	// Run starts the client's read and write pumps.
	Run()
	// Close shuts the connection down. It must be safe to call twice.
	Close()
}

// FrameHandler processes the frames a client sends. Calls run on the client's
// read goroutine, so one connection's frames are handled in the order sent.
type FrameHandler interface {
	// CanJoin authorizes a booking subscription and returns the booking's
	// latest message seq, from which live delivery continues.
	CanJoin(ctx context.Context, userID, bookingID string) (int64, error)
	// HandleFrame processes "message" and "read" frames.
	HandleFrame(ctx context.Context, userID string, frame models.ClientFrame) error
}
