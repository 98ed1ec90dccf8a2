// Package booking creates bookings and moves them through their lifecycle,
// keeping the booking's monitoring assignment in step with its status.
package booking

import (
	"context"

	"safechat/backend/internal/assignment"
	"safechat/backend/internal/errutil"
	"safechat/backend/internal/escrow"
	"safechat/backend/internal/metrics"
	"safechat/backend/internal/models"

	"go.uber.org/zap"
)

// Ledger owns the booking rows and the escrow that follows them.
type Ledger interface {
	CreateBooking(ctx context.Context, req escrow.CreateBookingRequest) (*models.Booking, error)
	Transition(ctx context.Context, bookingID string, next models.BookingStatus) (*models.Booking, error)
}

type Assigner interface {
	Assign(ctx context.Context, item assignment.WorkItem) (*models.Assignment, error)
	Complete(ctx context.Context, itemID string, itemType models.ItemType) (*models.Assignment, error)
}

// Lookup reads bookings for authorization.
type Lookup interface {
	GetBooking(ctx context.Context, bookingID string) (*models.Booking, error)
}

type Service struct {
	ledger   Ledger
	assigner Assigner
	lookup   Lookup
	log      *zap.Logger
}

func NewService(ledger Ledger, assigner Assigner, lookup Lookup, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{ledger: ledger, assigner: assigner, lookup: lookup, log: log.Named("booking")}
}

// Create holds the seeker's tokens and assigns the new booking to a monitoring
// employee. A booking without staff to monitor it is still created; the gap is
// logged and closed when the first flagged message arrives.
func (s *Service) Create(ctx context.Context, req escrow.CreateBookingRequest) (*models.Booking, error) {
	b, err := s.ledger.CreateBooking(ctx, req)
	if err != nil {
		return nil, err
	}

	a, err := s.assigner.Assign(ctx, assignment.BookingMonitoringItem(b.ID))
	if err != nil {
		metrics.MonitoringGaps.WithLabelValues("unmonitored_booking").Inc()
		s.log.Warn("booking created without monitoring", zap.String("booking_id", b.ID), zap.Error(err))
		return b, nil
	}
	b.AssignedEmployeeID = &a.EmployeeID
	return b, nil
}

// Transition applies a status change requested by actor. Participants and
// staff may change a booking's status. Terminal states close the monitoring
// assignment.
func (s *Service) Transition(ctx context.Context, bookingID string, next models.BookingStatus, actor models.Actor) (*models.Booking, error) {
	current, err := s.lookup.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !current.IsParticipant(actor.UserID) && !actor.Role.IsStaff() {
		return nil, errutil.Forbidden("not allowed to change this booking")
	}

	b, err := s.ledger.Transition(ctx, bookingID, next)
	if err != nil {
		return nil, err
	}

	if b.Status.Terminal() {
		_, err := s.assigner.Complete(ctx, b.ID, models.ItemBookingMonitoring)
		if err != nil && !errutil.Is(err, errutil.StatusNotFound) {
			s.log.Warn("close booking monitoring failed", zap.String("booking_id", b.ID), zap.Error(err))
		}
	}
	return b, nil
}
