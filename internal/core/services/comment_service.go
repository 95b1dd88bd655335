package services

import (
	"context"
	"sync"
	"time"

	"github.com/crestline/tickethub-backend/internal/core/domain"
	"github.com/crestline/tickethub-backend/internal/core/ports"
)

// CommentService is the transactional comment appender: the sole writer
// path that mutates a ticket's conversation. The comment, the derived
// status, the last-reply mirror and the opposite-role unread counter all
// land in one transaction or not at all.
type CommentService struct {
	ticketRepo  ports.TicketRepository
	txm         ports.TransactionManager
	notifier    ports.Notifier
	broadcaster ports.EventBroadcaster
	wg          sync.WaitGroup
}

var _ ports.CommentService = (*CommentService)(nil)

// NewCommentService creates the appender service.
func NewCommentService(
	ticketRepo ports.TicketRepository,
	txm ports.TransactionManager,
	notifier ports.Notifier,
	broadcaster ports.EventBroadcaster,
) *CommentService {
	return &CommentService{
		ticketRepo:  ticketRepo,
		txm:         txm,
		notifier:    notifier,
		broadcaster: broadcaster,
	}
}

// AppendComment validates the message, then commits the comment and every
// derived ticket mutation atomically. The row lock taken by GetForUpdate
// serializes concurrent appenders on the same ticket; appends to different
// tickets never contend. Broadcast and notification run strictly after
// commit and are best-effort: the comment is already durable, so their
// failures are logged by the adapters and never surface to the caller.
func (s *CommentService) AppendComment(ctx context.Context, params ports.AppendCommentParams) (*domain.Comment, error) {
	// Validation happens before any storage access.
	comment, err := domain.NewComment(domain.CommentParams{
		TicketID:    params.TicketID,
		Author:      params.Actor,
		Message:     params.Message,
		Attachments: params.Attachments,
	})
	if err != nil {
		return nil, err
	}

	var ticket *domain.Ticket

	err = s.txm.WithTransaction(ctx, func(txCtx context.Context) error {
		t, err := s.ticketRepo.GetForUpdate(txCtx, params.TicketID)
		if err != nil {
			return err
		}

		inserted, err := s.ticketRepo.InsertComment(txCtx, comment)
		if err != nil {
			return err
		}
		comment = inserted

		t.ApplyReply(params.Actor, comment)

		ticket, err = s.ticketRepo.Update(txCtx, t)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.broadcastNewReply(ticket, comment)

	actor := params.Actor
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.notifier.NotifyReply(context.Background(), ticket, comment, actor)
	}()

	return comment, nil
}

// broadcastNewReply pushes the committed comment to the ticket's room.
func (s *CommentService) broadcastNewReply(ticket *domain.Ticket, comment *domain.Comment) {
	event := domain.Event{
		Type:     domain.EventNewReply,
		TicketID: ticket.ID,
		Payload: domain.NewReplyPayload{
			Comment:   comment,
			Ticket:    ticket,
			Timestamp: time.Now().UTC(),
		},
	}
	_ = s.broadcaster.Broadcast(event)
}

// Shutdown waits for in-flight reply notifications to finish.
func (s *CommentService) Shutdown() {
	s.wg.Wait()
}
