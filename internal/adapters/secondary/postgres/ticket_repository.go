package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crestline/tickethub-backend/internal/core/domain"
	apperrors "github.com/crestline/tickethub-backend/internal/core/errors"
	"github.com/crestline/tickethub-backend/internal/core/ports"
)

// TicketRepository is the secondary adapter for ticket persistence.
// Comments are stored as rows keyed by (ticket_id, seq); attachment
// references and read receipts live in jsonb columns.
type TicketRepository struct {
	pool *pgxpool.Pool
}

var _ ports.TicketRepository = (*TicketRepository)(nil)

// NewTicketRepository creates a new ticket repository.
func NewTicketRepository(pool *pgxpool.Pool) *TicketRepository {
	return &TicketRepository{pool: pool}
}

const ticketColumns = `
	id, title, description, status, priority, category,
	created_by_id, created_by_name, created_by_email, created_by_role,
	attachments,
	last_replied_by_id, last_replied_by_name, last_replied_by_role, last_reply_at,
	unread_by_admin, unread_by_developer,
	created_at, updated_at`

const commentColumns = `
	id, ticket_id, seq, author_name, author_role, message,
	attachments, is_read, read_by, created_at`

// scanTicket maps one tickets row to the domain entity.
func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var (
		t               domain.Ticket
		lastRepliedID   *uuid.UUID
		lastRepliedName *string
		lastRepliedRole *string
	)

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Category,
		&t.CreatedBy.ID, &t.CreatedBy.Name, &t.CreatedBy.Email, &t.CreatedBy.Role,
		&t.Attachments,
		&lastRepliedID, &lastRepliedName, &lastRepliedRole, &t.LastReplyAt,
		&t.UnreadByAdmin, &t.UnreadByDeveloper,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastRepliedID != nil {
		t.LastRepliedBy = &domain.Actor{
			ID:   *lastRepliedID,
			Name: *lastRepliedName,
			Role: domain.Role(*lastRepliedRole),
		}
	}

	return &t, nil
}

// scanComment maps one ticket_comments row to the domain entity.
func scanComment(row pgx.Row) (*domain.Comment, error) {
	var c domain.Comment
	err := row.Scan(
		&c.ID, &c.TicketID, &c.Seq, &c.AuthorName, &c.AuthorRole, &c.Message,
		&c.Attachments, &c.IsRead, &c.ReadBy, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create persists a new ticket entity.
func (r *TicketRepository) Create(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	q := GetDBTX(ctx, r.pool)

	row := q.QueryRow(ctx, `
		INSERT INTO tickets (
			title, description, status, priority, category,
			created_by_id, created_by_name, created_by_email, created_by_role,
			attachments, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING `+ticketColumns,
		ticket.Title, ticket.Description, ticket.Status, ticket.Priority, ticket.Category,
		ticket.CreatedBy.ID, ticket.CreatedBy.Name, ticket.CreatedBy.Email, ticket.CreatedBy.Role,
		ticket.Attachments, ticket.CreatedAt,
	)

	created, err := scanTicket(row)
	if err != nil {
		return nil, err
	}
	created.Comments = []*domain.Comment{}
	return created, nil
}

// GetMeta retrieves a ticket without loading its comments.
func (r *TicketRepository) GetMeta(ctx context.Context, id int64) (*domain.Ticket, error) {
	q := GetDBTX(ctx, r.pool)

	row := q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrTicketNotFound
		}
		return nil, err
	}
	return ticket, nil
}

// GetForUpdate locks the ticket row for the surrounding transaction.
func (r *TicketRepository) GetForUpdate(ctx context.Context, id int64) (*domain.Ticket, error) {
	q := GetDBTX(ctx, r.pool)

	row := q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, id)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrTicketNotFound
		}
		return nil, err
	}
	return ticket, nil
}

// GetByID retrieves a ticket with its full comment log.
func (r *TicketRepository) GetByID(ctx context.Context, id int64) (*domain.Ticket, error) {
	ticket, err := r.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	comments, err := r.ListComments(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	ticket.Comments = comments
	return ticket, nil
}

// List retrieves tickets matching the given filters, newest first.
func (r *TicketRepository) List(ctx context.Context, params ports.ListTicketsRepoParams) ([]*domain.Ticket, error) {
	q := GetDBTX(ctx, r.pool)

	var (
		conditions []string
		args       []interface{}
	)

	addFilter := func(column string, value *string) {
		if value == nil {
			return
		}
		args = append(args, *value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	addFilter("status", params.Status)
	addFilter("priority", params.Priority)
	addFilter("category", params.Category)

	if params.Search != nil {
		args = append(args, "%"+*params.Search+"%")
		conditions = append(conditions, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}

	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, params.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, params.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tickets := make([]*domain.Ticket, 0)
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

// Update persists every mutable ticket column.
func (r *TicketRepository) Update(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	q := GetDBTX(ctx, r.pool)

	var (
		lastRepliedID   *uuid.UUID
		lastRepliedName *string
		lastRepliedRole *string
	)
	if ticket.LastRepliedBy != nil {
		lastRepliedID = &ticket.LastRepliedBy.ID
		lastRepliedName = &ticket.LastRepliedBy.Name
		role := string(ticket.LastRepliedBy.Role)
		lastRepliedRole = &role
	}

	row := q.QueryRow(ctx, `
		UPDATE tickets SET
			description = $2,
			status = $3,
			priority = $4,
			category = $5,
			last_replied_by_id = $6,
			last_replied_by_name = $7,
			last_replied_by_role = $8,
			last_reply_at = $9,
			unread_by_admin = $10,
			unread_by_developer = $11,
			updated_at = $12
		WHERE id = $1
		RETURNING `+ticketColumns,
		ticket.ID,
		ticket.Description, ticket.Status, ticket.Priority, ticket.Category,
		lastRepliedID, lastRepliedName, lastRepliedRole, ticket.LastReplyAt,
		ticket.UnreadByAdmin, ticket.UnreadByDeveloper,
		ticket.UpdatedAt,
	)

	updated, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrTicketNotFound
		}
		return nil, err
	}
	return updated, nil
}

// InsertComment persists a comment, assigning the next per-ticket sequence
// number and the commit-time timestamp. Both are computed under the ticket
// row lock held by the appender, so neither the MAX(seq) subquery nor the
// timestamp can race with another appender on the same ticket: seq order
// and created_at order always agree, and created_at is strictly
// increasing per ticket even if the wall clock stalls.
func (r *TicketRepository) InsertComment(ctx context.Context, comment *domain.Comment) (*domain.Comment, error) {
	q := GetDBTX(ctx, r.pool)

	row := q.QueryRow(ctx, `
		INSERT INTO ticket_comments (
			id, ticket_id, seq, author_name, author_role, message,
			attachments, is_read, read_by, created_at
		) VALUES (
			$1, $2,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM ticket_comments WHERE ticket_id = $2),
			$3, $4, $5, $6, $7, $8,
			(SELECT GREATEST(clock_timestamp(), COALESCE(MAX(created_at) + interval '1 microsecond', clock_timestamp()))
			   FROM ticket_comments WHERE ticket_id = $2)
		)
		RETURNING `+commentColumns,
		comment.ID, comment.TicketID,
		comment.AuthorName, comment.AuthorRole, comment.Message,
		comment.Attachments, comment.IsRead, comment.ReadBy,
	)

	return scanComment(row)
}

// ListComments returns a ticket's comments in sequence order. A non-nil
// since restricts the result to comments created strictly after it.
func (r *TicketRepository) ListComments(ctx context.Context, ticketID int64, since *time.Time) ([]*domain.Comment, error) {
	q := GetDBTX(ctx, r.pool)

	query := `SELECT ` + commentColumns + ` FROM ticket_comments WHERE ticket_id = $1`
	args := []interface{}{ticketID}
	if since != nil {
		query += ` AND created_at > $2`
		args = append(args, *since)
	}
	query += ` ORDER BY seq`

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	comments := make([]*domain.Comment, 0)
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}

// MarkCommentsRead flags every opposite-role comment as read and appends
// the receipt where the user does not already have one. Rows that already
// carry the user's receipt are left untouched, which makes repeated calls
// idempotent.
func (r *TicketRepository) MarkCommentsRead(ctx context.Context, ticketID int64, readerRole domain.Role, receipt domain.ReadReceipt) error {
	q := GetDBTX(ctx, r.pool)

	_, err := q.Exec(ctx, `
		UPDATE ticket_comments
		SET is_read = TRUE,
		    read_by = read_by || jsonb_build_array(
		        jsonb_build_object('userId', $3::text, 'readAt', $4::timestamptz)
		    )
		WHERE ticket_id = $1
		  AND author_role <> $2
		  AND NOT read_by @> jsonb_build_array(jsonb_build_object('userId', $3::text))`,
		ticketID, readerRole, receipt.UserID, receipt.ReadAt,
	)
	return err
}
