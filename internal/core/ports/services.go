package ports

import (
	"context"
	"io"
	"time"

	"github.com/crestline/tickethub-backend/internal/core/domain"
)

// CreateTicketParams defines the required input for creating a new ticket.
type CreateTicketParams struct {
	Title       string
	Description string
	Status      domain.TicketStatus
	Priority    domain.TicketPriority
	Category    domain.TicketCategory
	Attachments []domain.Attachment
	CreatedBy   domain.Actor
}

// UpdateTicketParams defines the input for the explicit field-patch path.
// Nil fields are left untouched.
type UpdateTicketParams struct {
	TicketID    int64
	Actor       domain.Actor
	Status      *domain.TicketStatus
	Priority    *domain.TicketPriority
	Category    *domain.TicketCategory
	Description *string
}

// ListTicketsParams defines the input for listing tickets.
type ListTicketsParams struct {
	Status   *string
	Priority *string
	Category *string
	Search   *string
	Limit    int
	Offset   int
}

// AppendCommentParams defines the input for the transactional appender.
type AppendCommentParams struct {
	TicketID    int64
	Actor       domain.Actor
	Message     string
	Attachments []domain.Attachment
}

// MarkReadParams defines the input for the read-receipt tracker.
type MarkReadParams struct {
	TicketID int64
	Actor    domain.Actor
}

// PollParams defines the input for the polling fallback.
type PollParams struct {
	TicketID int64
	Since    *time.Time
}

// PollResult is the polling fallback's read model: the delta of comments
// plus the current ticket state regardless of the cursor.
type PollResult struct {
	Comments          []*domain.Comment
	Status            domain.TicketStatus
	UnreadByAdmin     int
	UnreadByDeveloper int
	LastReplyAt       *time.Time
}

// TicketService defines the core business operations for managing tickets.
type TicketService interface {
	CreateTicket(ctx context.Context, params CreateTicketParams) (*domain.Ticket, error)
	GetTicket(ctx context.Context, ticketID int64) (*domain.Ticket, error)
	ListTickets(ctx context.Context, params ListTicketsParams) ([]*domain.Ticket, error)
	UpdateTicket(ctx context.Context, params UpdateTicketParams) (*domain.Ticket, error)
	Poll(ctx context.Context, params PollParams) (*PollResult, error)
	MarkRead(ctx context.Context, params MarkReadParams) (*domain.Ticket, error)
	Shutdown()
}

// CommentService is the sole entry point for appending comments.
type CommentService interface {
	AppendComment(ctx context.Context, params AppendCommentParams) (*domain.Comment, error)
	Shutdown()
}

// Notifier is the outbound notification collaborator. Implementations are
// fire-and-forget: callers never see a delivery failure.
type Notifier interface {
	NotifyCreated(ctx context.Context, ticket *domain.Ticket)
	NotifyStatusChanged(ctx context.Context, ticket *domain.Ticket, oldStatus domain.TicketStatus)
	NotifyPriorityEscalated(ctx context.Context, ticket *domain.Ticket, oldPriority domain.TicketPriority)
	NotifyReply(ctx context.Context, ticket *domain.Ticket, comment *domain.Comment, repliedBy domain.Actor)
}

// EventBroadcaster pushes real-time events to connected subscribers.
type EventBroadcaster interface {
	Broadcast(event domain.Event) error
}

// StoreAttachmentParams describes one uploaded file handed to the
// attachment collaborator.
type StoreAttachmentParams struct {
	Filename    string
	ContentType string
	Size        int64
	Content     io.Reader
}

// AttachmentStore is the upload collaborator. The core stores and echoes
// back whatever opaque reference it returns.
type AttachmentStore interface {
	Store(ctx context.Context, params StoreAttachmentParams) (domain.Attachment, error)
}
