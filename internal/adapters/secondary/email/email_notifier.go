package email

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crestline/tickethub-backend/internal/core/domain"
	"github.com/crestline/tickethub-backend/internal/core/ports"
)

// Config holds the routing table for outbound notifications. Admin-side
// events fan out to the developer distribution list; developer replies go
// to the shared admin inbox.
type Config struct {
	AdminAddress  string
	DeveloperList []string
	FromAddress   string
}

// MockSMTPNotifier is a secondary adapter that mocks sending emails.
// It implements the ports.Notifier interface.
type MockSMTPNotifier struct {
	cfg    Config
	logger *slog.Logger
}

// NewMockSMTPNotifier creates a new mock notifier.
func NewMockSMTPNotifier(cfg Config, logger *slog.Logger) ports.Notifier {
	return &MockSMTPNotifier{
		cfg:    cfg,
		logger: logger.With("component", "email_notifier"),
	}
}

// NotifyCreated announces a new ticket to the developer list.
func (n *MockSMTPNotifier) NotifyCreated(ctx context.Context, ticket *domain.Ticket) {
	subject := fmt.Sprintf("[Ticket #%d] New ticket: %s", ticket.ID, ticket.Title)
	n.send(ticket.ID, n.cfg.DeveloperList, subject,
		"priority", string(ticket.Priority),
		"category", string(ticket.Category),
		"created_by", ticket.CreatedBy.Name,
	)
}

// NotifyStatusChanged announces an explicit status change to the
// developer list.
func (n *MockSMTPNotifier) NotifyStatusChanged(ctx context.Context, ticket *domain.Ticket, oldStatus domain.TicketStatus) {
	subject := fmt.Sprintf("[Ticket #%d] Status changed: %s -> %s", ticket.ID, oldStatus, ticket.Status)
	n.send(ticket.ID, n.cfg.DeveloperList, subject)
}

// NotifyPriorityEscalated announces an escalation to the developer list.
func (n *MockSMTPNotifier) NotifyPriorityEscalated(ctx context.Context, ticket *domain.Ticket, oldPriority domain.TicketPriority) {
	subject := fmt.Sprintf("[Ticket #%d] Priority escalated: %s -> %s", ticket.ID, oldPriority, ticket.Priority)
	n.send(ticket.ID, n.cfg.DeveloperList, subject)
}

// NotifyReply routes a reply notification to the side that now owes a
// response: admin replies go to the developer list, developer replies go
// to the shared admin inbox.
func (n *MockSMTPNotifier) NotifyReply(ctx context.Context, ticket *domain.Ticket, comment *domain.Comment, repliedBy domain.Actor) {
	recipients := n.cfg.DeveloperList
	if repliedBy.Role == domain.RoleDeveloper {
		recipients = []string{n.cfg.AdminAddress}
	}

	subject := fmt.Sprintf("[Ticket #%d] New reply from %s", ticket.ID, repliedBy.Name)
	n.send(ticket.ID, recipients, subject, "author_role", string(repliedBy.Role))
}

// send logs the mock email instead of dispatching it over SMTP.
func (n *MockSMTPNotifier) send(ticketID int64, recipients []string, subject string, extra ...any) {
	if len(recipients) == 0 {
		n.logger.Warn("notification dropped, no recipients configured",
			"ticket_id", ticketID,
			"subject", subject,
		)
		return
	}

	args := []any{
		"from", n.cfg.FromAddress,
		"to", recipients,
		"subject", subject,
		"ticket_id", ticketID,
	}
	args = append(args, extra...)
	n.logger.Info("mock email sent", args...)
}
