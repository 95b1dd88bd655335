package services_test

import (
	"context"
	"errors"
	"strings"
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

type commentServiceFixture struct {
	repo        *mocks.MockTicketRepository
	notifier    *mocks.MockNotifier
	broadcaster *mocks.MockEventBroadcaster
	svc         *services.CommentService
}

func newCommentServiceFixture() *commentServiceFixture {
	repo := mocks.NewMockTicketRepository()
	notifier := mocks.NewMockNotifier()
	broadcaster := mocks.NewMockEventBroadcaster()
	svc := services.NewCommentService(repo, mocks.NewPassthroughTxManager(), notifier, broadcaster)
	return &commentServiceFixture{repo: repo, notifier: notifier, broadcaster: broadcaster, svc: svc}
}

func developerActor() domain.Actor {
	return domain.Actor{ID: uuid.New(), Name: "Dana Developer", Email: "dana@example.com", Role: domain.RoleDeveloper}
}

func TestCommentService_AppendComment(t *testing.T) {
	ctx := context.Background()

	t.Run("commits reply and fans out after commit", func(t *testing.T) {
		f := newCommentServiceFixture()
		actor := developerActor()

		existing := storedTicket(domain.StatusAwaitingDevReply, domain.PriorityMedium)
		inserted := &domain.Comment{
			ID:         uuid.New(),
			TicketID:   42,
			Seq:        3,
			AuthorName: actor.Name,
			AuthorRole: actor.Role,
			Message:    "Deployed a fix to staging.",
			CreatedAt:  time.Now().UTC(),
		}

		f.repo.On("GetForUpdate", ctx, int64(42)).Return(existing, nil)
		f.repo.On("InsertComment", ctx, mock.AnythingOfType("*domain.Comment")).Return(inserted, nil)
		f.repo.On("Update", ctx, existing).Return(existing, nil)
		f.broadcaster.On("Broadcast", mock.MatchedBy(func(e domain.Event) bool {
			payload, ok := e.Payload.(domain.NewReplyPayload)
			return ok && e.Type == domain.EventNewReply && e.TicketID == 42 && payload.Comment == inserted
		})).Return(nil)
		f.notifier.On("NotifyReply", mock.Anything, existing, inserted, actor).Return()

		comment, err := f.svc.AppendComment(ctx, ports.AppendCommentParams{
			TicketID: 42,
			Actor:    actor,
			Message:  "Deployed a fix to staging.",
		})

		require.NoError(t, err)
		assert.Same(t, inserted, comment)

		// The reply flips the ticket toward the other side and bumps
		// their unread counter before Update persists it.
		assert.Equal(t, domain.StatusAwaitingAdminReply, existing.Status)
		assert.Equal(t, 1, existing.UnreadByAdmin)
		require.NotNil(t, existing.LastRepliedBy)
		assert.Equal(t, actor.ID, existing.LastRepliedBy.ID)

		f.svc.Shutdown()
		f.repo.AssertExpectations(t)
		f.broadcaster.AssertExpectations(t)
		f.notifier.AssertExpectations(t)
	})

	t.Run("empty message rejected before storage", func(t *testing.T) {
		f := newCommentServiceFixture()

		comment, err := f.svc.AppendComment(ctx, ports.AppendCommentParams{
			TicketID: 42,
			Actor:    developerActor(),
			Message:  "   ",
		})

		assert.Nil(t, comment)
		assert.ErrorIs(t, err, apperrors.ErrMessageRequired)
		f.repo.AssertNotCalled(t, "GetForUpdate", mock.Anything, mock.Anything)
	})

	t.Run("oversized message rejected before storage", func(t *testing.T) {
		f := newCommentServiceFixture()

		_, err := f.svc.AppendComment(ctx, ports.AppendCommentParams{
			TicketID: 42,
			Actor:    developerActor(),
			Message:  strings.Repeat("x", domain.MaxMessageLength+1),
		})

		assert.ErrorIs(t, err, apperrors.ErrMessageTooLong)
		f.repo.AssertNotCalled(t, "GetForUpdate", mock.Anything, mock.Anything)
	})

	t.Run("missing ticket", func(t *testing.T) {
		f := newCommentServiceFixture()

		f.repo.On("GetForUpdate", ctx, int64(99)).Return(nil, apperrors.ErrTicketNotFound)

		_, err := f.svc.AppendComment(ctx, ports.AppendCommentParams{
			TicketID: 99,
			Actor:    developerActor(),
			Message:  "hello?",
		})

		assert.ErrorIs(t, err, apperrors.ErrTicketNotFound)
		f.repo.AssertNotCalled(t, "InsertComment", mock.Anything, mock.Anything)
	})

	t.Run("insert failure suppresses broadcast and notification", func(t *testing.T) {
		f := newCommentServiceFixture()
		existing := storedTicket(domain.StatusOpen, domain.PriorityMedium)
		boom := errors.New("duplicate key")

		f.repo.On("GetForUpdate", ctx, int64(42)).Return(existing, nil)
		f.repo.On("InsertComment", ctx, mock.AnythingOfType("*domain.Comment")).Return(nil, boom)

		comment, err := f.svc.AppendComment(ctx, ports.AppendCommentParams{
			TicketID: 42,
			Actor:    developerActor(),
			Message:  "this will not stick",
		})

		assert.Nil(t, comment)
		assert.ErrorIs(t, err, boom)

		f.svc.Shutdown()
		f.broadcaster.AssertNotCalled(t, "Broadcast", mock.Anything)
		f.notifier.AssertNotCalled(t, "NotifyReply", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ticket update failure rolls everything back", func(t *testing.T) {
		f := newCommentServiceFixture()
		existing := storedTicket(domain.StatusOpen, domain.PriorityMedium)
		inserted := &domain.Comment{ID: uuid.New(), TicketID: 42, Seq: 1}
		boom := errors.New("serialization failure")

		f.repo.On("GetForUpdate", ctx, int64(42)).Return(existing, nil)
		f.repo.On("InsertComment", ctx, mock.AnythingOfType("*domain.Comment")).Return(inserted, nil)
		f.repo.On("Update", ctx, existing).Return(nil, boom)

		_, err := f.svc.AppendComment(ctx, ports.AppendCommentParams{
			TicketID: 42,
			Actor:    developerActor(),
			Message:  "racing another writer",
		})

		assert.ErrorIs(t, err, boom)

		f.svc.Shutdown()
		f.broadcaster.AssertNotCalled(t, "Broadcast", mock.Anything)
		f.notifier.AssertNotCalled(t, "NotifyReply", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
