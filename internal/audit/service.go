package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: no Update/Delete methods exist.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
// Callers treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

// Actor identifies who caused an event.
type Actor struct {
	UserID string
	Role   string
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.UserID == "" && e.ActorUserID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.Append(ctx, e)
}

// LogAdminAction records an operator action against a user's wallet or leads.
func (s *Service) LogAdminAction(ctx context.Context, actor Actor, userID, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeAdminAction,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		UserID:      userID,
		Message:     message,
		Metadata:    metadata,
	})
}

// LogSystem records an event raised by a background flow on behalf of userID.
func (s *Service) LogSystem(ctx context.Context, typ EventType, userID, leadID, txID, message string) error {
	return s.Append(ctx, Event{
		Type:          typ,
		UserID:        userID,
		LeadID:        leadID,
		TransactionID: txID,
		Message:       message,
	})
}

// LogReturnDecision records an approve/reject decision on a lead return.
func (s *Service) LogReturnDecision(ctx context.Context, actor Actor, userID, leadID, refundTxID, message string) error {
	return s.Append(ctx, Event{
		Type:          EventTypeReturnDecision,
		ActorUserID:   actor.UserID,
		ActorRole:     actor.Role,
		UserID:        userID,
		LeadID:        leadID,
		TransactionID: refundTxID,
		Message:       message,
	})
}
