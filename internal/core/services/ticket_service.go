package services

import (
	"context"
	"sync"
	"time"

	"github.com/crestline/tickethub-backend/internal/core/domain"
	apperrors "github.com/crestline/tickethub-backend/internal/core/errors"
	"github.com/crestline/tickethub-backend/internal/core/ports"
)

// TicketService implements business logic for ticket management: creation,
// reads, the explicit field-patch path, the polling fallback and the
// read-receipt tracker.
type TicketService struct {
	ticketRepo  ports.TicketRepository
	txm         ports.TransactionManager
	notifier    ports.Notifier
	broadcaster ports.EventBroadcaster
	wg          sync.WaitGroup
}

var _ ports.TicketService = (*TicketService)(nil)

// NewTicketService creates a new ticket service.
func NewTicketService(
	ticketRepo ports.TicketRepository,
	txm ports.TransactionManager,
	notifier ports.Notifier,
	broadcaster ports.EventBroadcaster,
) *TicketService {
	return &TicketService{
		ticketRepo:  ticketRepo,
		txm:         txm,
		notifier:    notifier,
		broadcaster: broadcaster,
	}
}

// CreateTicket handles the use case for submitting a new ticket.
func (s *TicketService) CreateTicket(ctx context.Context, params ports.CreateTicketParams) (*domain.Ticket, error) {
	ticketParams := domain.TicketParams{
		Title:       params.Title,
		Description: params.Description,
		Status:      params.Status,
		Priority:    params.Priority,
		Category:    params.Category,
		CreatedBy:   params.CreatedBy,
		Attachments: params.Attachments,
	}

	ticket, err := domain.NewTicket(ticketParams)
	if err != nil {
		return nil, err // Validation errors are returned here
	}

	created, err := s.ticketRepo.Create(ctx, ticket)
	if err != nil {
		return nil, err
	}

	s.async(func(ctx context.Context) {
		s.notifier.NotifyCreated(ctx, created)
	})

	return created, nil
}

// GetTicket retrieves a ticket with its full comment log.
func (s *TicketService) GetTicket(ctx context.Context, ticketID int64) (*domain.Ticket, error) {
	return s.ticketRepo.GetByID(ctx, ticketID)
}

// ListTickets retrieves tickets matching the given filters.
func (s *TicketService) ListTickets(ctx context.Context, params ports.ListTicketsParams) ([]*domain.Ticket, error) {
	repoParams := ports.ListTicketsRepoParams{
		Status:   params.Status,
		Priority: params.Priority,
		Category: params.Category,
		Search:   params.Search,
		Limit:    int32(params.Limit),
		Offset:   int32(params.Offset),
	}
	return s.ticketRepo.List(ctx, repoParams)
}

// UpdateTicket applies the explicit field-patch path: status, priority,
// category and description edits. It runs through the same transactional
// read-modify-write as the comment appender so a direct status patch and a
// comment-triggered status change cannot interleave.
func (s *TicketService) UpdateTicket(ctx context.Context, params ports.UpdateTicketParams) (*domain.Ticket, error) {
	var (
		updated     *domain.Ticket
		oldStatus   domain.TicketStatus
		oldPriority domain.TicketPriority
		escalated   bool
	)

	err := s.txm.WithTransaction(ctx, func(txCtx context.Context) error {
		ticket, err := s.ticketRepo.GetForUpdate(txCtx, params.TicketID)
		if err != nil {
			return err
		}

		oldStatus = ticket.Status
		oldPriority = ticket.Priority

		if params.Status != nil {
			if err := ticket.ChangeStatus(*params.Status); err != nil {
				return err
			}
		}
		if params.Priority != nil {
			esc, err := ticket.ChangePriority(*params.Priority)
			if err != nil {
				return err
			}
			escalated = esc
		}
		if params.Category != nil {
			if err := ticket.ChangeCategory(*params.Category); err != nil {
				return err
			}
		}
		if params.Description != nil {
			if len(*params.Description) > domain.MaxDescriptionLength {
				return apperrors.ErrDescriptionTooLong
			}
			ticket.Description = *params.Description
			ticket.UpdatedAt = time.Now().UTC()
		}

		updated, err = s.ticketRepo.Update(txCtx, ticket)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Post-commit side effects, best-effort.
	if updated.Status != oldStatus {
		s.broadcastStatusChange(updated)
		prev := oldStatus
		s.async(func(ctx context.Context) {
			s.notifier.NotifyStatusChanged(ctx, updated, prev)
		})
	}
	if escalated {
		prev := oldPriority
		s.async(func(ctx context.Context) {
			s.notifier.NotifyPriorityEscalated(ctx, updated, prev)
		})
	}

	return updated, nil
}

// Poll is the stateless delta-read fallback for clients without a live
// connection. A nil since returns the full comment list; otherwise only
// comments created strictly after the cursor are returned. Both reads run
// in one read-only transaction so the comment delta and the ticket state
// come from the same snapshot.
func (s *TicketService) Poll(ctx context.Context, params ports.PollParams) (*ports.PollResult, error) {
	var (
		ticket   *domain.Ticket
		comments []*domain.Comment
	)

	err := s.txm.WithReadOnlyTransaction(ctx, func(txCtx context.Context) error {
		var err error
		ticket, err = s.ticketRepo.GetMeta(txCtx, params.TicketID)
		if err != nil {
			return err
		}

		comments, err = s.ticketRepo.ListComments(txCtx, params.TicketID, params.Since)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &ports.PollResult{
		Comments:          comments,
		Status:            ticket.Status,
		UnreadByAdmin:     ticket.UnreadByAdmin,
		UnreadByDeveloper: ticket.UnreadByDeveloper,
		LastReplyAt:       ticket.LastReplyAt,
	}, nil
}

// MarkRead lets one role acknowledge the other role's messages: every
// opposite-role comment gains a read receipt for the actor (deduplicated
// per user) and the actor's own role counter resets to zero. Idempotent.
func (s *TicketService) MarkRead(ctx context.Context, params ports.MarkReadParams) (*domain.Ticket, error) {
	if !domain.ValidRole(params.Actor.Role) {
		return nil, apperrors.ErrInvalidRole
	}

	receipt := domain.ReadReceipt{
		UserID: params.Actor.ID,
		ReadAt: time.Now().UTC(),
	}

	err := s.txm.WithTransaction(ctx, func(txCtx context.Context) error {
		ticket, err := s.ticketRepo.GetForUpdate(txCtx, params.TicketID)
		if err != nil {
			return err
		}

		if err := s.ticketRepo.MarkCommentsRead(txCtx, params.TicketID, params.Actor.Role, receipt); err != nil {
			return err
		}

		ticket.MarkRead(params.Actor.ID, params.Actor.Role, receipt.ReadAt)
		_, err = s.ticketRepo.Update(txCtx, ticket)
		return err
	})
	if err != nil {
		return nil, err
	}

	return s.ticketRepo.GetByID(ctx, params.TicketID)
}

// broadcastStatusChange pushes a status-change event to the ticket's room.
func (s *TicketService) broadcastStatusChange(ticket *domain.Ticket) {
	event := domain.Event{
		Type:     domain.EventStatusChange,
		TicketID: ticket.ID,
		Payload: domain.StatusChangePayload{
			TicketID:  ticket.ID,
			NewStatus: ticket.Status,
		},
	}
	_ = s.broadcaster.Broadcast(event)
}

// async runs fn in the background with a fresh context; the triggering
// HTTP request may already be done by the time fn executes.
func (s *TicketService) async(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(context.Background())
	}()
}

// Shutdown waits for in-flight background notifications to finish.
func (s *TicketService) Shutdown() {
	s.wg.Wait()
}
