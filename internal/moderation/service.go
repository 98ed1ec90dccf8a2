// Package moderation is the inbound path of booking chat: it scores each
// message, persists it, delivers it to the participants and escalates flagged
// messages to the staff member monitoring the booking.
package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"safechat/backend/internal/analysis"
	"safechat/backend/internal/assignment"
	"safechat/backend/internal/chathub"
	"safechat/backend/internal/errutil"
	"safechat/backend/internal/metrics"
	"safechat/backend/internal/models"
	"safechat/backend/internal/storage"

	"go.uber.org/zap"
)

const (
	maxContentLength = 4000
	notifyTimeout    = 15 * time.Second
)

// Assigner is the part of the assignment service the pipeline needs.
type Assigner interface {
	Assign(ctx context.Context, item assignment.WorkItem) (*models.Assignment, error)
	AssignTo(ctx context.Context, item assignment.WorkItem, employeeID string) (*models.Assignment, error)
	ActiveFor(ctx context.Context, itemID string, itemType models.ItemType) (*models.Assignment, error)
	LastFor(ctx context.Context, itemID string, itemType models.ItemType) (*models.Assignment, error)
	Complete(ctx context.Context, itemID string, itemType models.ItemType) (*models.Assignment, error)
}

// Notifier pushes an alert to a side channel outside the live connections.
type Notifier interface {
	NotifyAlert(ctx context.Context, alert *models.MonitoringAlert) error
}

// SubmitRequest is one inbound chat message.
type SubmitRequest struct {
	BookingID string  `json:"-"`
	SenderID  string  `json:"-"`
	Content   string  `json:"content"`
	MediaURL  *string `json:"media_url,omitempty"`
}

type Service struct {
	Storage  storage.Storage
	Scorer   *analysis.Scorer
	Fanout   chathub.Fanout
	Assigner Assigner
	Notifier Notifier

	log *zap.Logger
}

// NewService creates the moderation pipeline. notifier may be nil.
func NewService(s storage.Storage, scorer *analysis.Scorer, fanout chathub.Fanout, assigner Assigner, notifier Notifier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Storage:  s,
		Scorer:   scorer,
		Fanout:   fanout,
		Assigner: assigner,
		Notifier: notifier,
		log:      log.Named("moderation"),
	}
}

// SubmitMessage scores, persists and delivers a message. Escalation of a
// flagged message is best effort: its failures are logged and never fail the
// submission once the message is stored.
func (s *Service) SubmitMessage(ctx context.Context, req SubmitRequest) (*models.Message, error) {
	booking, err := s.Storage.GetBooking(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	if !booking.IsParticipant(req.SenderID) {
		return nil, errutil.Validation("sender is not a participant of this booking",
			errutil.WithField("sender_id", req.SenderID))
	}
	if booking.Status == models.BookingCancelled {
		return nil, errutil.Validation("booking is cancelled",
			errutil.WithField("status", string(booking.Status)))
	}

	content := strings.TrimSpace(req.Content)
	hasMedia := req.MediaURL != nil && *req.MediaURL != ""
	if content == "" && !hasMedia {
		return nil, errutil.Validation("message is empty", errutil.WithField("content", "required"))
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return nil, errutil.Validation("message is too long",
			errutil.WithField("content", fmt.Sprintf("at most %d characters", maxContentLength)))
	}

	flagged, err := s.Storage.FlaggedCount(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}
	result := s.Scorer.Score(content, analysis.SenderHistory{FlaggedCount: flagged})

	msg := &models.Message{
		BookingID: req.BookingID,
		SenderID:  req.SenderID,
		Content:   content,
		IsFlagged: result.IsFlagged,
		RiskScore: result.RiskScore,
	}
	if hasMedia {
		msg.MediaURL = req.MediaURL
	}
	if result.IsFlagged {
		reason := result.Reason()
		msg.FlagReason = &reason
	}
	if err := s.Storage.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}

	metrics.MessagesScored.WithLabelValues(fmt.Sprint(result.IsFlagged)).Inc()
	metrics.RiskScores.Observe(float64(result.RiskScore))

	event := models.Event{Type: models.EventMessage, BookingID: msg.BookingID, Seq: msg.Seq, Message: msg}
	if err := s.Fanout.PublishBooking(ctx, event); err != nil {
		s.log.Warn("message fan-out failed",
			zap.String("booking_id", msg.BookingID),
			zap.Int64("seq", msg.Seq),
			zap.Error(err))
	}

	if result.IsFlagged {
		s.escalate(ctx, booking, msg, result)
	}
	return msg, nil
}

// escalate raises a MonitoringAlert for the employee monitoring the booking.
func (s *Service) escalate(ctx context.Context, booking *models.Booking, msg *models.Message, result analysis.Result) {
	log := s.log.With(
		zap.String("booking_id", booking.ID),
		zap.String("message_id", msg.ID),
		zap.Int("risk_score", result.RiskScore))

	monitor, err := s.monitorFor(ctx, booking)
	if err != nil {
		reason := strings.ToLower(string(errutil.StatusOf(err)))
		metrics.MonitoringGaps.WithLabelValues(reason).Inc()
		log.Error("flagged message has no monitoring employee", zap.Error(err))
		return
	}

	alert := &models.MonitoringAlert{
		BookingID:     booking.ID,
		MessageID:     msg.ID,
		EmployeeID:    monitor.EmployeeID,
		RiskScore:     result.RiskScore,
		Description:   result.Reason(),
		Rules:         result.Rules,
		PolicyVersion: s.Scorer.PolicyVersion(),
	}
	if err := s.Storage.CreateAlert(ctx, alert); err != nil {
		metrics.MonitoringGaps.WithLabelValues("alert_failed").Inc()
		log.Error("create monitoring alert failed", zap.Error(err))
		return
	}
	metrics.AlertsCreated.Inc()
	log = log.With(zap.String("alert_id", alert.ID), zap.String("employee_id", alert.EmployeeID))

	if _, err := s.Assigner.AssignTo(ctx, assignment.FlaggedMessageItem(msg.ID), alert.EmployeeID); err != nil {
		log.Warn("flagged message assignment failed", zap.Error(err))
	}

	ev := models.Event{Type: models.EventAlert, BookingID: booking.ID, Alert: alert}
	if err := s.Fanout.PublishToUser(ctx, alert.EmployeeID, ev); err != nil {
		log.Warn("alert fan-out failed", zap.Error(err))
	}

	if s.Notifier != nil {
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := s.Notifier.NotifyAlert(nctx, alert); err != nil {
				log.Warn("alert notification failed", zap.Error(err))
			}
		}()
	}

	log.Info("monitoring alert raised")
}

// monitorFor returns the booking's monitoring assignment, assigning one when
// an open booking has none. A closed booking keeps its last monitor and never
// gets a new assignment.
func (s *Service) monitorFor(ctx context.Context, booking *models.Booking) (*models.Assignment, error) {
	a, err := s.Assigner.ActiveFor(ctx, booking.ID, models.ItemBookingMonitoring)
	if err == nil {
		return a, nil
	}
	if !errutil.Is(err, errutil.StatusNotFound) {
		return nil, err
	}

	if booking.Status.Terminal() {
		return s.Assigner.LastFor(ctx, booking.ID, models.ItemBookingMonitoring)
	}

	s.log.Warn("booking has no monitoring assignment, assigning one", zap.String("booking_id", booking.ID))
	return s.Assigner.Assign(ctx, assignment.BookingMonitoringItem(booking.ID))
}

// MarkRead marks the messages the reader received as read and tells the other
// participant.
func (s *Service) MarkRead(ctx context.Context, bookingID, readerID string) (*models.ReadReceipt, error) {
	booking, err := s.Storage.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !booking.IsParticipant(readerID) {
		return nil, errutil.Validation("reader is not a participant of this booking",
			errutil.WithField("reader_id", readerID))
	}

	receipt, err := s.Storage.MarkRead(ctx, bookingID, readerID)
	if err != nil {
		return nil, err
	}
	if receipt.Count > 0 {
		ev := models.Event{Type: models.EventRead, BookingID: bookingID, Read: receipt}
		if err := s.Fanout.PublishBooking(ctx, ev); err != nil {
			s.log.Warn("read receipt fan-out failed", zap.String("booking_id", bookingID), zap.Error(err))
		}
	}
	return receipt, nil
}

// ResolveAlert closes an alert. The assigned employee, managers and admins may
// resolve it. Resolving the last open alert of a message completes the
// message's assignment.
func (s *Service) ResolveAlert(ctx context.Context, alertID string, actor models.Actor, notes string) (*models.MonitoringAlert, error) {
	alert, err := s.Storage.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.EmployeeID != actor.UserID && !actor.Role.CanOverride() {
		return nil, errutil.Forbidden("alert is assigned to another employee")
	}

	resolved, err := s.Storage.ResolveAlert(ctx, alertID, actor.UserID, strings.TrimSpace(notes))
	if err != nil {
		return nil, err
	}

	open, err := s.Storage.CountOpenAlerts(ctx, resolved.MessageID)
	if err != nil {
		s.log.Warn("count open alerts failed", zap.String("message_id", resolved.MessageID), zap.Error(err))
		return resolved, nil
	}
	if open == 0 {
		_, err := s.Assigner.Complete(ctx, resolved.MessageID, models.ItemFlaggedMessage)
		if err != nil && !errutil.Is(err, errutil.StatusNotFound) {
			s.log.Warn("complete flagged message assignment failed",
				zap.String("message_id", resolved.MessageID), zap.Error(err))
		}
	}

	s.log.Info("alert resolved",
		zap.String("alert_id", alertID),
		zap.String("resolved_by", actor.UserID))
	return resolved, nil
}

// History returns the booking's messages after afterSeq. Participants and
// staff may read it.
func (s *Service) History(ctx context.Context, bookingID string, actor models.Actor, afterSeq int64, limit int) ([]models.Message, error) {
	booking, err := s.Storage.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !booking.IsParticipant(actor.UserID) && !actor.Role.IsStaff() {
		return nil, errutil.Forbidden("not allowed to read this conversation")
	}
	return s.Storage.ListMessages(ctx, bookingID, afterSeq, limit)
}

// CanJoin checks that userID may watch the booking's conversation and returns
// the seq of its last message.
func (s *Service) CanJoin(ctx context.Context, userID, bookingID string) (int64, error) {
	booking, err := s.Storage.GetBooking(ctx, bookingID)
	if err != nil {
		return 0, err
	}
	if booking.IsParticipant(userID) {
		return booking.MessageSeq, nil
	}
	user, err := s.Storage.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !user.Role.IsStaff() {
		return 0, errutil.Forbidden("not allowed to join this conversation")
	}
	return booking.MessageSeq, nil
}

// HandleFrame runs a message or read frame received on a live connection.
func (s *Service) HandleFrame(ctx context.Context, userID string, frame models.ClientFrame) error {
	switch frame.Type {
	case "message":
		_, err := s.SubmitMessage(ctx, SubmitRequest{
			BookingID: frame.BookingID,
			SenderID:  userID,
			Content:   frame.Content,
			MediaURL:  frame.MediaURL,
		})
		return err
	case "read":
		_, err := s.MarkRead(ctx, frame.BookingID, userID)
		return err
	default:
		return errutil.Validation("unknown frame type", errutil.WithField("type", frame.Type))
	}
}
