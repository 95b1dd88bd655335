package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	mw "github.com/crestline/tickethub-backend/internal/adapters/primary/http/middleware"
	"github.com/crestline/tickethub-backend/internal/auth"
	"github.com/crestline/tickethub-backend/internal/core/domain"
	apperrors "github.com/crestline/tickethub-backend/internal/core/errors"
	"github.com/crestline/tickethub-backend/internal/core/mocks"
	"github.com/crestline/tickethub-backend/internal/core/ports"
)

type handlerFixture struct {
	router         *chi.Mux
	ticketService  *mocks.MockTicketService
	commentService *mocks.MockCommentService
	attachments    *mocks.MockAttachmentStore
	tokenManager   *auth.TokenManager
}

func newHandlerFixture(createLimiter *mw.RateLimitByKey) *handlerFixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ticketService := mocks.NewMockTicketService()
	commentService := mocks.NewMockCommentService()
	attachments := mocks.NewMockAttachmentStore()
	tokenManager := auth.NewTokenManager("test-secret", time.Hour)

	handler := NewTicketHandler(
		ticketService,
		commentService,
		attachments,
		createLimiter,
		NewErrorHandler(logger),
		logger,
	)

	router := chi.NewRouter()
	router.Route("/tickets", func(r chi.Router) {
		r.Use(mw.JWTMiddleware(tokenManager))
		handler.RegisterRoutes(r)
	})

	return &handlerFixture{
		router:         router,
		ticketService:  ticketService,
		commentService: commentService,
		attachments:    attachments,
		tokenManager:   tokenManager,
	}
}

func (f *handlerFixture) tokenFor(t *testing.T, actor domain.Actor) string {
	t.Helper()
	token, err := f.tokenManager.GenerateToken(actor.ID, actor.Name, actor.Email, actor.Role)
	require.NoError(t, err)
	return token
}

func (f *handlerFixture) do(t *testing.T, method, target, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func sampleTicket(id int64, creator domain.Actor) *domain.Ticket {
	now := time.Now().UTC()
	return &domain.Ticket{
		ID:          id,
		Title:       "Search index stale",
		Description: "Results lag behind by hours",
		Status:      domain.StatusOpen,
		Priority:    domain.PriorityHigh,
		Category:    domain.CategoryBug,
		CreatedBy:   creator,
		Attachments: []domain.Attachment{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestTicketRoutes_RequireAuth(t *testing.T) {
	f := newHandlerFixture(nil)

	recorder := f.do(t, stdhttp.MethodGet, "/tickets", "", nil)
	assert.Equal(t, stdhttp.StatusUnauthorized, recorder.Code)

	recorder = f.do(t, stdhttp.MethodGet, "/tickets", "not-a-valid-token", nil)
	assert.Equal(t, stdhttp.StatusUnauthorized, recorder.Code)
}

func TestCreateTicket(t *testing.T) {
	creator := domain.Actor{ID: uuid.New(), Name: "Ann", Email: "ann@example.com", Role: domain.RoleAdmin}

	t.Run("valid request", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, creator)

		f.ticketService.On("CreateTicket", mock.Anything, mock.MatchedBy(func(p ports.CreateTicketParams) bool {
			return p.Title == "Search index stale" &&
				p.Priority == domain.PriorityHigh &&
				p.CreatedBy.ID == creator.ID
		})).Return(sampleTicket(7, creator), nil)

		body := []byte(`{"title":"Search index stale","description":"Results lag behind by hours","priority":"high","category":"bug"}`)
		recorder := f.do(t, stdhttp.MethodPost, "/tickets", token, body)

		require.Equal(t, stdhttp.StatusCreated, recorder.Code)

		var dto TicketDTO
		require.NoError(t, json.NewDecoder(recorder.Body).Decode(&dto))
		assert.Equal(t, int64(7), dto.ID)
		assert.Equal(t, "open", dto.Status)
		assert.Equal(t, creator.ID.String(), dto.CreatedBy.ID)

		f.ticketService.AssertExpectations(t)
	})

	t.Run("missing title", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, creator)

		recorder := f.do(t, stdhttp.MethodPost, "/tickets", token, []byte(`{"description":"no title"}`))

		require.Equal(t, stdhttp.StatusUnprocessableEntity, recorder.Code)

		var response ValidationErrorResponse
		require.NoError(t, json.NewDecoder(recorder.Body).Decode(&response))
		assert.Contains(t, response.Fields, "title")

		f.ticketService.AssertNotCalled(t, "CreateTicket", mock.Anything, mock.Anything)
	})

	t.Run("unknown priority", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, creator)

		recorder := f.do(t, stdhttp.MethodPost, "/tickets", token, []byte(`{"title":"ok","priority":"urgent"}`))

		require.Equal(t, stdhttp.StatusUnprocessableEntity, recorder.Code)
	})

	t.Run("per-user rate limit", func(t *testing.T) {
		f := newHandlerFixture(mw.NewRateLimitByKey(0.001, 1))
		token := f.tokenFor(t, creator)

		f.ticketService.On("CreateTicket", mock.Anything, mock.Anything).Return(sampleTicket(7, creator), nil).Once()

		body := []byte(`{"title":"first"}`)
		recorder := f.do(t, stdhttp.MethodPost, "/tickets", token, body)
		require.Equal(t, stdhttp.StatusCreated, recorder.Code)

		recorder = f.do(t, stdhttp.MethodPost, "/tickets", token, []byte(`{"title":"second"}`))
		require.Equal(t, stdhttp.StatusTooManyRequests, recorder.Code)

		var response ErrorResponse
		require.NoError(t, json.NewDecoder(recorder.Body).Decode(&response))
		assert.Equal(t, "RATE_LIMITED", response.Code)
	})
}

func TestCreateTicket_MultipartUploads(t *testing.T) {
	creator := domain.Actor{ID: uuid.New(), Name: "Ann", Email: "ann@example.com", Role: domain.RoleAdmin}
	f := newHandlerFixture(nil)
	token := f.tokenFor(t, creator)

	stored := domain.Attachment{URL: "/uploads/abc.txt", Filename: "notes.txt", FileType: "text/plain", Size: 5}
	f.attachments.On("Store", mock.Anything, mock.MatchedBy(func(p ports.StoreAttachmentParams) bool {
		return p.Filename == "notes.txt"
	})).Return(stored, nil)

	f.ticketService.On("CreateTicket", mock.Anything, mock.MatchedBy(func(p ports.CreateTicketParams) bool {
		return len(p.Attachments) == 1 && p.Attachments[0].URL == "/uploads/abc.txt"
	})).Return(sampleTicket(8, creator), nil)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("title", "Attachment ticket"))
	part, err := writer.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(stdhttp.MethodPost, "/tickets", &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)

	require.Equal(t, stdhttp.StatusCreated, recorder.Code)
	f.attachments.AssertExpectations(t)
	f.ticketService.AssertExpectations(t)
}

func TestCreateTicket_InvalidMultipartStoresNothing(t *testing.T) {
	creator := domain.Actor{ID: uuid.New(), Name: "Ann", Email: "ann@example.com", Role: domain.RoleAdmin}
	f := newHandlerFixture(nil)
	token := f.tokenFor(t, creator)

	// Missing title makes the request invalid; the attached file must not
	// reach the store.
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(stdhttp.MethodPost, "/tickets", &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)

	require.Equal(t, stdhttp.StatusUnprocessableEntity, recorder.Code)
	f.attachments.AssertNotCalled(t, "Store", mock.Anything, mock.Anything)
	f.ticketService.AssertNotCalled(t, "CreateTicket", mock.Anything, mock.Anything)
}

func TestListTickets(t *testing.T) {
	viewer := domain.Actor{ID: uuid.New(), Name: "Dev", Email: "dev@example.com", Role: domain.RoleDeveloper}

	t.Run("paginates with has-more detection", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, viewer)

		// The handler over-fetches one row to detect a next page.
		three := []*domain.Ticket{
			sampleTicket(1, viewer), sampleTicket(2, viewer), sampleTicket(3, viewer),
		}
		f.ticketService.On("ListTickets", mock.Anything, mock.MatchedBy(func(p ports.ListTicketsParams) bool {
			return p.Limit == 3 && p.Offset == 0
		})).Return(three, nil)

		recorder := f.do(t, stdhttp.MethodGet, "/tickets?limit=2", token, nil)

		require.Equal(t, stdhttp.StatusOK, recorder.Code)

		var response PaginatedResponse[TicketDTO]
		require.NoError(t, json.NewDecoder(recorder.Body).Decode(&response))
		assert.Len(t, response.Data, 2)
		assert.True(t, response.Pagination.HasMore)
		assert.Equal(t, 2, response.Pagination.Limit)
	})

	t.Run("status filter is validated", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, viewer)

		recorder := f.do(t, stdhttp.MethodGet, "/tickets?status=bogus", token, nil)

		require.Equal(t, stdhttp.StatusUnprocessableEntity, recorder.Code)
		f.ticketService.AssertNotCalled(t, "ListTickets", mock.Anything, mock.Anything)
	})

	t.Run("filters are forwarded", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, viewer)

		f.ticketService.On("ListTickets", mock.Anything, mock.MatchedBy(func(p ports.ListTicketsParams) bool {
			return p.Status != nil && *p.Status == "open" &&
				p.Search != nil && *p.Search == "index"
		})).Return([]*domain.Ticket{}, nil)

		recorder := f.do(t, stdhttp.MethodGet, "/tickets?status=open&search=index", token, nil)

		require.Equal(t, stdhttp.StatusOK, recorder.Code)
		f.ticketService.AssertExpectations(t)
	})
}

func TestGetTicket(t *testing.T) {
	viewer := domain.Actor{ID: uuid.New(), Name: "Dev", Email: "dev@example.com", Role: domain.RoleDeveloper}

	t.Run("found", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, viewer)

		ticket := sampleTicket(42, viewer)
		ticket.Comments = []*domain.Comment{{
			ID:         uuid.New(),
			TicketID:   42,
			Seq:        1,
			AuthorName: "Ann",
			AuthorRole: domain.RoleAdmin,
			Message:    "first",
			CreatedAt:  time.Now().UTC(),
		}}
		f.ticketService.On("GetTicket", mock.Anything, int64(42)).Return(ticket, nil)

		recorder := f.do(t, stdhttp.MethodGet, "/tickets/42", token, nil)

		require.Equal(t, stdhttp.StatusOK, recorder.Code)

		var dto TicketDTO
		require.NoError(t, json.NewDecoder(recorder.Body).Decode(&dto))
		require.Len(t, dto.Comments, 1)
		assert.Equal(t, int64(1), dto.Comments[0].Seq)
	})

	t.Run("not found", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, viewer)

		f.ticketService.On("GetTicket", mock.Anything, int64(99)).Return(nil, apperrors.ErrTicketNotFound)

		recorder := f.do(t, stdhttp.MethodGet, "/tickets/99", token, nil)

		require.Equal(t, stdhttp.StatusNotFound, recorder.Code)

		var response ErrorResponse
		require.NoError(t, json.NewDecoder(recorder.Body).Decode(&response))
		assert.Equal(t, "TICKET_NOT_FOUND", response.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, viewer)

		recorder := f.do(t, stdhttp.MethodGet, "/tickets/abc", token, nil)
		require.Equal(t, stdhttp.StatusUnprocessableEntity, recorder.Code)
	})
}

func TestUpdateTicket(t *testing.T) {
	actor := domain.Actor{ID: uuid.New(), Name: "Ann", Email: "ann@example.com", Role: domain.RoleAdmin}

	t.Run("patches status", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, actor)

		updated := sampleTicket(42, actor)
		updated.Status = domain.StatusResolved

		f.ticketService.On("UpdateTicket", mock.Anything, mock.MatchedBy(func(p ports.UpdateTicketParams) bool {
			return p.TicketID == 42 && p.Status != nil && *p.Status == domain.StatusResolved && p.Priority == nil
		})).Return(updated, nil)

		recorder := f.do(t, stdhttp.MethodPatch, "/tickets/42", token, []byte(`{"status":"resolved"}`))

		require.Equal(t, stdhttp.StatusOK, recorder.Code)

		var dto TicketDTO
		require.NoError(t, json.NewDecoder(recorder.Body).Decode(&dto))
		assert.Equal(t, "resolved", dto.Status)
	})

	t.Run("empty patch rejected", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, actor)

		recorder := f.do(t, stdhttp.MethodPatch, "/tickets/42", token, []byte(`{}`))

		require.Equal(t, stdhttp.StatusUnprocessableEntity, recorder.Code)
		f.ticketService.AssertNotCalled(t, "UpdateTicket", mock.Anything, mock.Anything)
	})
}

func TestAppendComment(t *testing.T) {
	author := domain.Actor{ID: uuid.New(), Name: "Dev", Email: "dev@example.com", Role: domain.RoleDeveloper}

	t.Run("appends", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, author)

		comment := &domain.Comment{
			ID:         uuid.New(),
			TicketID:   42,
			Seq:        4,
			AuthorName: author.Name,
			AuthorRole: author.Role,
			Message:    "On it.",
			CreatedAt:  time.Now().UTC(),
		}
		f.commentService.On("AppendComment", mock.Anything, mock.MatchedBy(func(p ports.AppendCommentParams) bool {
			return p.TicketID == 42 && p.Message == "On it." && p.Actor.ID == author.ID
		})).Return(comment, nil)

		recorder := f.do(t, stdhttp.MethodPost, "/tickets/42/comments", token, []byte(`{"message":"On it."}`))

		require.Equal(t, stdhttp.StatusCreated, recorder.Code)

		var dto CommentDTO
		require.NoError(t, json.NewDecoder(recorder.Body).Decode(&dto))
		assert.Equal(t, int64(4), dto.Seq)
		assert.Equal(t, "developer", dto.AuthorRole)

		f.commentService.AssertExpectations(t)
	})

	t.Run("blank message never reaches the core", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, author)

		recorder := f.do(t, stdhttp.MethodPost, "/tickets/42/comments", token, []byte(`{"message":"  "}`))

		require.Equal(t, stdhttp.StatusUnprocessableEntity, recorder.Code)

		var response ValidationErrorResponse
		require.NoError(t, json.NewDecoder(recorder.Body).Decode(&response))
		assert.Contains(t, response.Fields, "message")

		f.commentService.AssertNotCalled(t, "AppendComment", mock.Anything, mock.Anything)
	})

	t.Run("comment timestamps keep sub-second precision", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, author)

		createdAt := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
		comment := &domain.Comment{
			ID:         uuid.New(),
			TicketID:   42,
			Seq:        4,
			AuthorName: author.Name,
			AuthorRole: author.Role,
			Message:    "On it.",
			CreatedAt:  createdAt,
		}
		f.commentService.On("AppendComment", mock.Anything, mock.Anything).Return(comment, nil)

		recorder := f.do(t, stdhttp.MethodPost, "/tickets/42/comments", token, []byte(`{"message":"On it."}`))
		require.Equal(t, stdhttp.StatusCreated, recorder.Code)

		var dto CommentDTO
		require.NoError(t, json.NewDecoder(recorder.Body).Decode(&dto))

		// A client that echoes this value back as the poll cursor must not
		// re-receive the comment, so the string must round-trip exactly.
		roundTripped, err := time.Parse(time.RFC3339Nano, dto.CreatedAt)
		require.NoError(t, err)
		assert.True(t, roundTripped.Equal(createdAt), "createdAt lost precision: %s", dto.CreatedAt)
	})
}

func TestMarkRead(t *testing.T) {
	reader := domain.Actor{ID: uuid.New(), Name: "Ann", Email: "ann@example.com", Role: domain.RoleAdmin}
	f := newHandlerFixture(nil)
	token := f.tokenFor(t, reader)

	acknowledged := sampleTicket(42, reader)
	acknowledged.UnreadByAdmin = 0

	f.ticketService.On("MarkRead", mock.Anything, mock.MatchedBy(func(p ports.MarkReadParams) bool {
		return p.TicketID == 42 && p.Actor.ID == reader.ID && p.Actor.Role == domain.RoleAdmin
	})).Return(acknowledged, nil)

	recorder := f.do(t, stdhttp.MethodPatch, "/tickets/42/read", token, nil)

	require.Equal(t, stdhttp.StatusOK, recorder.Code)

	var dto TicketDTO
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&dto))
	assert.Zero(t, dto.UnreadByAdmin)
	f.ticketService.AssertExpectations(t)
}

func TestPoll(t *testing.T) {
	viewer := domain.Actor{ID: uuid.New(), Name: "Dev", Email: "dev@example.com", Role: domain.RoleDeveloper}

	t.Run("with cursor", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, viewer)

		cursor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		f.ticketService.On("Poll", mock.Anything, mock.MatchedBy(func(p ports.PollParams) bool {
			return p.TicketID == 42 && p.Since != nil && p.Since.Equal(cursor)
		})).Return(&ports.PollResult{
			Comments:      []*domain.Comment{},
			Status:        domain.StatusAwaitingDevReply,
			UnreadByAdmin: 1,
		}, nil)

		recorder := f.do(t, stdhttp.MethodGet, "/tickets/42/poll?since=2026-03-01T12:00:00Z", token, nil)

		require.Equal(t, stdhttp.StatusOK, recorder.Code)

		var response PollResponse
		require.NoError(t, json.NewDecoder(recorder.Body).Decode(&response))
		assert.Equal(t, "awaiting-developer-reply", response.Status)
		assert.Equal(t, 1, response.UnreadByAdmin)
		assert.Empty(t, response.Comments)
	})

	t.Run("without cursor", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, viewer)

		f.ticketService.On("Poll", mock.Anything, mock.MatchedBy(func(p ports.PollParams) bool {
			return p.TicketID == 42 && p.Since == nil
		})).Return(&ports.PollResult{Comments: []*domain.Comment{}, Status: domain.StatusOpen}, nil)

		recorder := f.do(t, stdhttp.MethodGet, "/tickets/42/poll", token, nil)

		require.Equal(t, stdhttp.StatusOK, recorder.Code)
	})

	t.Run("malformed cursor", func(t *testing.T) {
		f := newHandlerFixture(nil)
		token := f.tokenFor(t, viewer)

		recorder := f.do(t, stdhttp.MethodGet, "/tickets/42/poll?since=yesterday", token, nil)

		require.Equal(t, stdhttp.StatusUnprocessableEntity, recorder.Code)
		f.ticketService.AssertNotCalled(t, "Poll", mock.Anything, mock.Anything)
	})
}
