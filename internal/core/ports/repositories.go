package ports

import (
	"context"
	"time"

	"github.com/crestline/tickethub-backend/internal/core/domain"
)

// ListTicketsRepoParams carries the storage-level filters for listing
// tickets. Nil filters are ignored.
type ListTicketsRepoParams struct {
	Status   *string
	Priority *string
	Category *string
	Search   *string
	Limit    int32
	Offset   int32
}

// TicketRepository is the persistence port for tickets and their comment
// log. Methods honour a transaction carried in the context; the appender
// and read-tracker paths rely on this to make their read-modify-write
// atomic.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error)

	// GetByID returns the ticket with its full comment log.
	GetByID(ctx context.Context, id int64) (*domain.Ticket, error)

	// GetMeta returns the ticket without loading comments.
	GetMeta(ctx context.Context, id int64) (*domain.Ticket, error)

	// GetForUpdate locks the ticket row for the duration of the
	// surrounding transaction and returns it without comments. It is the
	// serialization point for concurrent writers on the same ticket.
	GetForUpdate(ctx context.Context, id int64) (*domain.Ticket, error)

	List(ctx context.Context, params ListTicketsRepoParams) ([]*domain.Ticket, error)

	// Update persists every mutable ticket column (status, priority,
	// category, description, reply mirror, unread counters, updated_at).
	Update(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error)

	// InsertComment persists a comment and assigns its per-ticket
	// sequence number. Must run inside the appender's transaction.
	InsertComment(ctx context.Context, comment *domain.Comment) (*domain.Comment, error)

	// ListComments returns a ticket's comments in sequence order. A
	// non-nil since restricts the result to comments created strictly
	// after it.
	ListComments(ctx context.Context, ticketID int64, since *time.Time) ([]*domain.Comment, error)

	// MarkCommentsRead flags every comment authored by the opposite of
	// readerRole as read and appends the receipt to comments that do not
	// already carry one for the receipt's user.
	MarkCommentsRead(ctx context.Context, ticketID int64, readerRole domain.Role, receipt domain.ReadReceipt) error
}

// TransactionManager defines the port for running atomic operations. The
// implementation stores its transaction handle in the context so that
// repository calls made inside fn join the transaction.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// WithReadOnlyTransaction runs fn inside a read-only transaction,
	// giving multi-query reads one consistent snapshot.
	WithReadOnlyTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
