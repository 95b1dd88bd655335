package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/crestline/tickethub-backend/internal/core/domain"
	apperrors "github.com/crestline/tickethub-backend/internal/core/errors"
	"github.com/crestline/tickethub-backend/internal/core/mocks"
	"github.com/crestline/tickethub-backend/internal/core/ports"
	"github.com/crestline/tickethub-backend/internal/core/services"
)

type ticketServiceFixture struct {
	repo        *mocks.MockTicketRepository
	notifier    *mocks.MockNotifier
	broadcaster *mocks.MockEventBroadcaster
	svc         *services.TicketService
}

func newTicketServiceFixture() *ticketServiceFixture {
	repo := mocks.NewMockTicketRepository()
	notifier := mocks.NewMockNotifier()
	broadcaster := mocks.NewMockEventBroadcaster()
	svc := services.NewTicketService(repo, mocks.NewPassthroughTxManager(), notifier, broadcaster)
	return &ticketServiceFixture{repo: repo, notifier: notifier, broadcaster: broadcaster, svc: svc}
}

func adminActor() domain.Actor {
	return domain.Actor{ID: uuid.New(), Name: "Alice Admin", Email: "alice@example.com", Role: domain.RoleAdmin}
}

func storedTicket(status domain.TicketStatus, priority domain.TicketPriority) *domain.Ticket {
	now := time.Now().UTC()
	return &domain.Ticket{
		ID:        42,
		Title:     "Broken login page",
		Status:    status,
		Priority:  priority,
		Category:  domain.CategoryBug,
		CreatedBy: adminActor(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestTicketService_CreateTicket(t *testing.T) {
	ctx := context.Background()

	t.Run("success notifies asynchronously", func(t *testing.T) {
		f := newTicketServiceFixture()
		created := storedTicket(domain.StatusOpen, domain.PriorityMedium)

		f.repo.On("Create", ctx, mock.AnythingOfType("*domain.Ticket")).Return(created, nil)
		f.notifier.On("NotifyCreated", mock.Anything, created).Return()

		ticket, err := f.svc.CreateTicket(ctx, ports.CreateTicketParams{
			Title:     "Broken login page",
			CreatedBy: adminActor(),
		})

		require.NoError(t, err)
		assert.Equal(t, int64(42), ticket.ID)

		f.svc.Shutdown()
		f.repo.AssertExpectations(t)
		f.notifier.AssertExpectations(t)
	})

	t.Run("validation failure never reaches the repository", func(t *testing.T) {
		f := newTicketServiceFixture()

		ticket, err := f.svc.CreateTicket(ctx, ports.CreateTicketParams{
			Title:     "  ",
			CreatedBy: adminActor(),
		})

		assert.Nil(t, ticket)
		assert.ErrorIs(t, err, apperrors.ErrTitleRequired)
		f.repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})
}

func TestTicketService_UpdateTicket(t *testing.T) {
	ctx := context.Background()
	actor := adminActor()

	t.Run("status change broadcasts and notifies", func(t *testing.T) {
		f := newTicketServiceFixture()
		existing := storedTicket(domain.StatusOpen, domain.PriorityMedium)

		f.repo.On("GetForUpdate", ctx, int64(42)).Return(existing, nil)
		f.repo.On("Update", ctx, existing).Return(existing, nil)
		f.broadcaster.On("Broadcast", mock.MatchedBy(func(e domain.Event) bool {
			return e.Type == domain.EventStatusChange && e.TicketID == 42
		})).Return(nil)
		f.notifier.On("NotifyStatusChanged", mock.Anything, existing, domain.StatusOpen).Return()

		status := domain.StatusResolved
		updated, err := f.svc.UpdateTicket(ctx, ports.UpdateTicketParams{
			TicketID: 42,
			Actor:    actor,
			Status:   &status,
		})

		require.NoError(t, err)
		assert.Equal(t, domain.StatusResolved, updated.Status)

		f.svc.Shutdown()
		f.repo.AssertExpectations(t)
		f.broadcaster.AssertExpectations(t)
		f.notifier.AssertExpectations(t)
	})

	t.Run("priority escalation notifies", func(t *testing.T) {
		f := newTicketServiceFixture()
		existing := storedTicket(domain.StatusOpen, domain.PriorityMedium)

		f.repo.On("GetForUpdate", ctx, int64(42)).Return(existing, nil)
		f.repo.On("Update", ctx, existing).Return(existing, nil)
		f.notifier.On("NotifyPriorityEscalated", mock.Anything, existing, domain.PriorityMedium).Return()

		priority := domain.PriorityCritical
		_, err := f.svc.UpdateTicket(ctx, ports.UpdateTicketParams{
			TicketID: 42,
			Actor:    actor,
			Priority: &priority,
		})

		require.NoError(t, err)

		f.svc.Shutdown()
		f.notifier.AssertExpectations(t)
		f.broadcaster.AssertNotCalled(t, "Broadcast", mock.Anything)
	})

	t.Run("lowering priority is not an escalation", func(t *testing.T) {
		f := newTicketServiceFixture()
		existing := storedTicket(domain.StatusOpen, domain.PriorityCritical)

		f.repo.On("GetForUpdate", ctx, int64(42)).Return(existing, nil)
		f.repo.On("Update", ctx, existing).Return(existing, nil)

		priority := domain.PriorityLow
		_, err := f.svc.UpdateTicket(ctx, ports.UpdateTicketParams{
			TicketID: 42,
			Actor:    actor,
			Priority: &priority,
		})

		require.NoError(t, err)

		f.svc.Shutdown()
		f.notifier.AssertNotCalled(t, "NotifyPriorityEscalated", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("update failure surfaces and suppresses side effects", func(t *testing.T) {
		f := newTicketServiceFixture()
		existing := storedTicket(domain.StatusOpen, domain.PriorityMedium)
		boom := errors.New("connection reset")

		f.repo.On("GetForUpdate", ctx, int64(42)).Return(existing, nil)
		f.repo.On("Update", ctx, existing).Return(nil, boom)

		status := domain.StatusClosed
		updated, err := f.svc.UpdateTicket(ctx, ports.UpdateTicketParams{
			TicketID: 42,
			Actor:    actor,
			Status:   &status,
		})

		assert.Nil(t, updated)
		assert.ErrorIs(t, err, boom)

		f.svc.Shutdown()
		f.broadcaster.AssertNotCalled(t, "Broadcast", mock.Anything)
		f.notifier.AssertNotCalled(t, "NotifyStatusChanged", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing ticket", func(t *testing.T) {
		f := newTicketServiceFixture()

		f.repo.On("GetForUpdate", ctx, int64(7)).Return(nil, apperrors.ErrTicketNotFound)

		status := domain.StatusClosed
		_, err := f.svc.UpdateTicket(ctx, ports.UpdateTicketParams{
			TicketID: 7,
			Actor:    actor,
			Status:   &status,
		})

		assert.ErrorIs(t, err, apperrors.ErrTicketNotFound)
	})
}

func TestTicketService_Poll(t *testing.T) {
	ctx := context.Background()

	t.Run("nil cursor returns full log plus current state", func(t *testing.T) {
		f := newTicketServiceFixture()
		existing := storedTicket(domain.StatusAwaitingAdminReply, domain.PriorityMedium)
		existing.UnreadByAdmin = 2
		comments := []*domain.Comment{{ID: uuid.New(), TicketID: 42, Seq: 1}}

		f.repo.On("GetMeta", ctx, int64(42)).Return(existing, nil)
		f.repo.On("ListComments", ctx, int64(42), (*time.Time)(nil)).Return(comments, nil)

		result, err := f.svc.Poll(ctx, ports.PollParams{TicketID: 42})

		require.NoError(t, err)
		assert.Equal(t, comments, result.Comments)
		assert.Equal(t, domain.StatusAwaitingAdminReply, result.Status)
		assert.Equal(t, 2, result.UnreadByAdmin)
	})

	t.Run("cursor is forwarded to the repository", func(t *testing.T) {
		f := newTicketServiceFixture()
		existing := storedTicket(domain.StatusOpen, domain.PriorityMedium)
		since := time.Now().UTC().Add(-time.Minute)

		f.repo.On("GetMeta", ctx, int64(42)).Return(existing, nil)
		f.repo.On("ListComments", ctx, int64(42), &since).Return([]*domain.Comment{}, nil)

		result, err := f.svc.Poll(ctx, ports.PollParams{TicketID: 42, Since: &since})

		require.NoError(t, err)
		assert.Empty(t, result.Comments)
		f.repo.AssertExpectations(t)
	})

	t.Run("missing ticket", func(t *testing.T) {
		f := newTicketServiceFixture()
		f.repo.On("GetMeta", ctx, int64(9)).Return(nil, apperrors.ErrTicketNotFound)

		_, err := f.svc.Poll(ctx, ports.PollParams{TicketID: 9})
		assert.ErrorIs(t, err, apperrors.ErrTicketNotFound)
	})
}

func TestTicketService_MarkRead(t *testing.T) {
	ctx := context.Background()

	t.Run("acknowledges and returns fresh state", func(t *testing.T) {
		f := newTicketServiceFixture()
		actor := adminActor()

		existing := storedTicket(domain.StatusAwaitingAdminReply, domain.PriorityMedium)
		existing.Comments = []*domain.Comment{}
		existing.UnreadByAdmin = 3

		fresh := storedTicket(domain.StatusAwaitingAdminReply, domain.PriorityMedium)

		f.repo.On("GetForUpdate", ctx, int64(42)).Return(existing, nil)
		f.repo.On("MarkCommentsRead", ctx, int64(42), domain.RoleAdmin, mock.AnythingOfType("domain.ReadReceipt")).Return(nil)
		f.repo.On("Update", ctx, existing).Return(existing, nil)
		f.repo.On("GetByID", ctx, int64(42)).Return(fresh, nil)

		ticket, err := f.svc.MarkRead(ctx, ports.MarkReadParams{TicketID: 42, Actor: actor})

		require.NoError(t, err)
		assert.Same(t, fresh, ticket)
		assert.Zero(t, existing.UnreadByAdmin, "own counter zeroed before persisting")
		f.repo.AssertExpectations(t)
	})

	t.Run("rejects unknown role", func(t *testing.T) {
		f := newTicketServiceFixture()

		_, err := f.svc.MarkRead(ctx, ports.MarkReadParams{
			TicketID: 42,
			Actor:    domain.Actor{ID: uuid.New(), Role: "auditor"},
		})

		assert.ErrorIs(t, err, apperrors.ErrInvalidRole)
		f.repo.AssertNotCalled(t, "GetForUpdate", mock.Anything, mock.Anything)
	})
}

func TestTicketService_ListTickets(t *testing.T) {
	ctx := context.Background()
	f := newTicketServiceFixture()

	status := "open"
	expected := []*domain.Ticket{storedTicket(domain.StatusOpen, domain.PriorityMedium)}

	f.repo.On("List", ctx, ports.ListTicketsRepoParams{
		Status: &status,
		Limit:  26,
		Offset: 0,
	}).Return(expected, nil)

	tickets, err := f.svc.ListTickets(ctx, ports.ListTicketsParams{Status: &status, Limit: 26})

	require.NoError(t, err)
	assert.Equal(t, expected, tickets)
	f.repo.AssertExpectations(t)
}
