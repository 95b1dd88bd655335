package http

import (
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	mw "github.com/crestline/tickethub-backend/internal/adapters/primary/http/middleware"
	"github.com/crestline/tickethub-backend/internal/adapters/primary/validation"
	"github.com/crestline/tickethub-backend/internal/auth"
	"github.com/crestline/tickethub-backend/internal/core/domain"
	apperrors "github.com/crestline/tickethub-backend/internal/core/errors"
	"github.com/crestline/tickethub-backend/internal/core/ports"
)

const (
	maxTicketsPerPage = 100
	maxUploadBytes    = 32 << 20
	maxAttachments    = 10
)

var (
	allowedStatuses   = []string{"open", "in-progress", "resolved", "closed", "awaiting-admin-reply", "awaiting-developer-reply"}
	allowedPriorities = []string{"low", "medium", "high", "critical"}
	allowedCategories = []string{"bug", "feature", "request", "discussion"}
)

// TicketHandler handles HTTP requests for tickets and their comments
type TicketHandler struct {
	ticketService  ports.TicketService
	commentService ports.CommentService
	attachments    ports.AttachmentStore
	createLimiter  *mw.RateLimitByKey
	errorHandler   *ErrorHandler
	logger         *slog.Logger
}

// NewTicketHandler creates a new ticket handler
func NewTicketHandler(
	ticketService ports.TicketService,
	commentService ports.CommentService,
	attachments ports.AttachmentStore,
	createLimiter *mw.RateLimitByKey,
	errorHandler *ErrorHandler,
	logger *slog.Logger,
) *TicketHandler {
	return &TicketHandler{
		ticketService:  ticketService,
		commentService: commentService,
		attachments:    attachments,
		createLimiter:  createLimiter,
		errorHandler:   errorHandler,
		logger:         logger.With("handler", "ticket"),
	}
}

// RegisterRoutes sets up the routing for all ticket endpoints.
func (h *TicketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandleListTickets)
	r.Post("/", h.HandleCreateTicket)

	r.Route("/{ticketID}", func(r chi.Router) {
		r.Get("/", h.HandleGetTicket)
		r.Patch("/", h.HandleUpdateTicket)
		r.Post("/comments", h.HandleAppendComment)
		r.Patch("/read", h.HandleMarkRead)
		r.Get("/poll", h.HandlePoll)
	})
}

// --- Request/Response DTOs ---

// CreateTicketRequest defines the expected JSON body for creating a ticket
type CreateTicketRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Category    string `json:"category"`
}

// Validate validates the create ticket request
func (r *CreateTicketRequest) Validate() error {
	v := validation.NewValidator()

	v.Required("title", r.Title).
		MaxLength("title", r.Title, domain.MaxTitleLength)

	v.MaxLength("description", r.Description, domain.MaxDescriptionLength)

	v.OneOf("status", r.Status, allowedStatuses)
	v.OneOf("priority", r.Priority, allowedPriorities)
	v.OneOf("category", r.Category, allowedCategories)

	if v.HasErrors() {
		return v.Errors()
	}
	return nil
}

// UpdateTicketRequest defines the expected JSON body for the patch path.
// Absent fields are left untouched.
type UpdateTicketRequest struct {
	Status      *string `json:"status"`
	Priority    *string `json:"priority"`
	Category    *string `json:"category"`
	Description *string `json:"description"`
}

// Validate validates the update ticket request
func (r *UpdateTicketRequest) Validate() error {
	v := validation.NewValidator()

	if r.Status == nil && r.Priority == nil && r.Category == nil && r.Description == nil {
		v.Custom("body", false, "At least one field must be provided")
	}

	if r.Status != nil {
		v.Required("status", *r.Status).OneOf("status", *r.Status, allowedStatuses)
	}
	if r.Priority != nil {
		v.Required("priority", *r.Priority).OneOf("priority", *r.Priority, allowedPriorities)
	}
	if r.Category != nil {
		v.Required("category", *r.Category).OneOf("category", *r.Category, allowedCategories)
	}
	if r.Description != nil {
		v.MaxLength("description", *r.Description, domain.MaxDescriptionLength)
	}

	if v.HasErrors() {
		return v.Errors()
	}
	return nil
}

// AppendCommentRequest defines the JSON body for plain comment appends.
type AppendCommentRequest struct {
	Message string `json:"message"`
}

// ActorDTO is the identity snapshot embedded in ticket responses.
type ActorDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

// CommentDTO defines the JSON response for comments.
type CommentDTO struct {
	ID          string              `json:"id"`
	TicketID    int64               `json:"ticketId"`
	Seq         int64               `json:"seq"`
	AuthorName  string              `json:"authorName"`
	AuthorRole  string              `json:"authorRole"`
	Message     string              `json:"message"`
	Attachments []domain.Attachment `json:"attachments"`
	IsRead      bool                `json:"isRead"`
	ReadBy      []ReadReceiptDTO    `json:"readBy"`
	CreatedAt   string              `json:"createdAt"`
}

// ReadReceiptDTO is one user's acknowledgement of a comment.
type ReadReceiptDTO struct {
	UserID string `json:"userId"`
	ReadAt string `json:"readAt"`
}

// TicketDTO defines the JSON response for tickets.
type TicketDTO struct {
	ID                int64               `json:"id"`
	Title             string              `json:"title"`
	Description       string              `json:"description"`
	Status            string              `json:"status"`
	Priority          string              `json:"priority"`
	Category          string              `json:"category"`
	CreatedBy         ActorDTO            `json:"createdBy"`
	Attachments       []domain.Attachment `json:"attachments"`
	Comments          []CommentDTO        `json:"comments,omitempty"`
	LastRepliedBy     *ActorDTO           `json:"lastRepliedBy,omitempty"`
	LastReplyAt       *string             `json:"lastReplyAt,omitempty"`
	UnreadByAdmin     int                 `json:"unreadByAdmin"`
	UnreadByDeveloper int                 `json:"unreadByDeveloper"`
	CreatedAt         string              `json:"createdAt"`
	UpdatedAt         string              `json:"updatedAt"`
}

// PollResponse is the stateless polling read model.
type PollResponse struct {
	Comments          []CommentDTO `json:"comments"`
	Status            string       `json:"status"`
	UnreadByAdmin     int          `json:"unreadByAdmin"`
	UnreadByDeveloper int          `json:"unreadByDeveloper"`
	LastReplyAt       *string      `json:"lastReplyAt,omitempty"`
}

func toCommentDTO(c *domain.Comment) CommentDTO {
	readBy := make([]ReadReceiptDTO, 0, len(c.ReadBy))
	for _, r := range c.ReadBy {
		readBy = append(readBy, ReadReceiptDTO{
			UserID: r.UserID.String(),
			ReadAt: r.ReadAt.Format(time.RFC3339Nano),
		})
	}

	return CommentDTO{
		ID:          c.ID.String(),
		TicketID:    c.TicketID,
		Seq:         c.Seq,
		AuthorName:  c.AuthorName,
		AuthorRole:  string(c.AuthorRole),
		Message:     c.Message,
		Attachments: c.Attachments,
		IsRead:      c.IsRead,
		ReadBy:      readBy,
		CreatedAt:   c.CreatedAt.Format(time.RFC3339Nano),
	}
}

func toCommentDTOs(comments []*domain.Comment) []CommentDTO {
	response := make([]CommentDTO, 0, len(comments))
	for _, c := range comments {
		response = append(response, toCommentDTO(c))
	}
	return response
}

func toTicketDTO(ticket *domain.Ticket) TicketDTO {
	dto := TicketDTO{
		ID:          ticket.ID,
		Title:       ticket.Title,
		Description: ticket.Description,
		Status:      string(ticket.Status),
		Priority:    string(ticket.Priority),
		Category:    string(ticket.Category),
		CreatedBy: ActorDTO{
			ID:    ticket.CreatedBy.ID.String(),
			Name:  ticket.CreatedBy.Name,
			Email: ticket.CreatedBy.Email,
			Role:  string(ticket.CreatedBy.Role),
		},
		Attachments:       ticket.Attachments,
		UnreadByAdmin:     ticket.UnreadByAdmin,
		UnreadByDeveloper: ticket.UnreadByDeveloper,
		CreatedAt:         ticket.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:         ticket.UpdatedAt.Format(time.RFC3339Nano),
	}

	if ticket.Comments != nil {
		dto.Comments = toCommentDTOs(ticket.Comments)
	}

	if ticket.LastRepliedBy != nil {
		dto.LastRepliedBy = &ActorDTO{
			ID:   ticket.LastRepliedBy.ID.String(),
			Name: ticket.LastRepliedBy.Name,
			Role: string(ticket.LastRepliedBy.Role),
		}
	}

	if ticket.LastReplyAt != nil {
		value := ticket.LastReplyAt.Format(time.RFC3339Nano)
		dto.LastReplyAt = &value
	}

	return dto
}

func toTicketDTOs(tickets []*domain.Ticket) []TicketDTO {
	response := make([]TicketDTO, 0, len(tickets))
	for _, ticket := range tickets {
		response = append(response, toTicketDTO(ticket))
	}
	return response
}

// --- Handlers ---

// HandleListTickets handles GET /tickets
func (h *TicketHandler) HandleListTickets(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.getClaims(w, r); !ok {
		return
	}

	pagination := validation.ParsePagination(r, maxTicketsPerPage)

	status := validation.ParseStringQueryParam(r, "status")
	priority := validation.ParseStringQueryParam(r, "priority")
	category := validation.ParseStringQueryParam(r, "category")
	search := validation.ParseStringQueryParam(r, "search")

	v := validation.NewValidator()
	if status != nil {
		v.OneOf("status", *status, allowedStatuses)
	}
	if priority != nil {
		v.OneOf("priority", *priority, allowedPriorities)
	}
	if category != nil {
		v.OneOf("category", *category, allowedCategories)
	}
	if v.HasErrors() {
		h.errorHandler.Handle(w, r, v.Errors())
		return
	}

	params := ports.ListTicketsParams{
		Status:   status,
		Priority: priority,
		Category: category,
		Search:   search,
		Limit:    pagination.Limit + 1,
		Offset:   pagination.Offset,
	}

	tickets, err := h.ticketService.ListTickets(r.Context(), params)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	WritePaginatedSimple(w, toTicketDTOs(tickets), pagination.Limit, pagination.Offset)
}

// HandleCreateTicket handles POST /tickets
func (h *TicketHandler) HandleCreateTicket(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.getClaims(w, r)
	if !ok {
		return
	}

	if h.createLimiter != nil && !h.createLimiter.Allow(claims.UserID.String()) {
		h.errorHandler.Handle(w, r, apperrors.NewRateLimitError())
		return
	}

	req, err := h.parseCreateRequest(r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	if err := req.Validate(); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	// Uploads are only persisted once the request is known to be valid,
	// so a rejected request leaves nothing behind in the store.
	attachments, err := h.storeUploads(r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	params := ports.CreateTicketParams{
		Title:       req.Title,
		Description: req.Description,
		Status:      domain.TicketStatus(req.Status),
		Priority:    domain.TicketPriority(req.Priority),
		Category:    domain.TicketCategory(req.Category),
		Attachments: attachments,
		CreatedBy:   claims.Actor(),
	}

	ticket, err := h.ticketService.CreateTicket(r.Context(), params)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.logger.Info("ticket created",
		"ticket_id", ticket.ID,
		"user_id", claims.UserID,
	)

	WriteCreated(w, toTicketDTO(ticket))
}

// HandleGetTicket handles GET /tickets/{ticketID}
func (h *TicketHandler) HandleGetTicket(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.getClaims(w, r); !ok {
		return
	}

	ticketID, err := h.parseTicketID(r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	ticket, err := h.ticketService.GetTicket(r.Context(), ticketID)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, toTicketDTO(ticket))
}

// HandleUpdateTicket handles PATCH /tickets/{ticketID}
func (h *TicketHandler) HandleUpdateTicket(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.getClaims(w, r)
	if !ok {
		return
	}

	ticketID, err := h.parseTicketID(r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	req, err := validation.DecodeAndValidate[UpdateTicketRequest](r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	if err := req.Validate(); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	params := ports.UpdateTicketParams{
		TicketID:    ticketID,
		Actor:       claims.Actor(),
		Description: req.Description,
	}
	if req.Status != nil {
		status := domain.TicketStatus(*req.Status)
		params.Status = &status
	}
	if req.Priority != nil {
		priority := domain.TicketPriority(*req.Priority)
		params.Priority = &priority
	}
	if req.Category != nil {
		category := domain.TicketCategory(*req.Category)
		params.Category = &category
	}

	ticket, err := h.ticketService.UpdateTicket(r.Context(), params)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.logger.Info("ticket updated",
		"ticket_id", ticketID,
		"user_id", claims.UserID,
	)

	WriteJSON(w, http.StatusOK, toTicketDTO(ticket))
}

// HandleAppendComment handles POST /tickets/{ticketID}/comments.
// Accepts either a JSON body or a multipart form with file attachments.
func (h *TicketHandler) HandleAppendComment(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.getClaims(w, r)
	if !ok {
		return
	}

	ticketID, err := h.parseTicketID(r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	message, err := h.parseCommentRequest(r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	v := validation.NewValidator()
	v.Required("message", message).
		MaxLength("message", message, domain.MaxMessageLength)
	if v.HasErrors() {
		h.errorHandler.Handle(w, r, v.Errors())
		return
	}

	attachments, err := h.storeUploads(r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	params := ports.AppendCommentParams{
		TicketID:    ticketID,
		Actor:       claims.Actor(),
		Message:     message,
		Attachments: attachments,
	}

	comment, err := h.commentService.AppendComment(r.Context(), params)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	h.logger.Info("comment appended",
		"ticket_id", ticketID,
		"comment_id", comment.ID,
		"user_id", claims.UserID,
	)

	WriteCreated(w, toCommentDTO(comment))
}

// HandleMarkRead handles PATCH /tickets/{ticketID}/read
func (h *TicketHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.getClaims(w, r)
	if !ok {
		return
	}

	ticketID, err := h.parseTicketID(r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	ticket, err := h.ticketService.MarkRead(r.Context(), ports.MarkReadParams{
		TicketID: ticketID,
		Actor:    claims.Actor(),
	})
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, toTicketDTO(ticket))
}

// HandlePoll handles GET /tickets/{ticketID}/poll
func (h *TicketHandler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.getClaims(w, r); !ok {
		return
	}

	ticketID, err := h.parseTicketID(r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	since, err := validation.ParseTimeQueryParam(r, "since")
	if err != nil {
		v := validation.NewValidator()
		v.Custom("since", false, "Must be an RFC 3339 timestamp")
		h.errorHandler.Handle(w, r, v.Errors())
		return
	}

	result, err := h.ticketService.Poll(r.Context(), ports.PollParams{
		TicketID: ticketID,
		Since:    since,
	})
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	response := PollResponse{
		Comments:          toCommentDTOs(result.Comments),
		Status:            string(result.Status),
		UnreadByAdmin:     result.UnreadByAdmin,
		UnreadByDeveloper: result.UnreadByDeveloper,
	}
	if result.LastReplyAt != nil {
		value := result.LastReplyAt.Format(time.RFC3339Nano)
		response.LastReplyAt = &value
	}

	WriteJSON(w, http.StatusOK, response)
}

// --- Helper methods ---

// getClaims extracts and validates user claims from the request context
func (h *TicketHandler) getClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := mw.GetClaims(r.Context())
	if !ok {
		WriteJSON(w, http.StatusUnauthorized, ErrorResponse{
			Error: "Not authorized",
			Code:  "UNAUTHORIZED",
		})
		return nil, false
	}
	return claims, true
}

// parseTicketID extracts and validates the ticket ID from the URL
func (h *TicketHandler) parseTicketID(r *http.Request) (int64, error) {
	ticketIDStr := chi.URLParam(r, "ticketID")
	ticketID, err := strconv.ParseInt(ticketIDStr, 10, 64)
	if err != nil || ticketID <= 0 {
		v := validation.NewValidator()
		v.Custom("ticketID", false, "Invalid ticket ID")
		return 0, v.Errors()
	}
	return ticketID, nil
}

// parseCreateRequest decodes a ticket creation request from either a JSON
// body or a multipart form. Uploaded files are not touched here; callers
// store them after validation via storeUploads.
func (h *TicketHandler) parseCreateRequest(r *http.Request) (*CreateTicketRequest, error) {
	if !isMultipart(r) {
		return validation.DecodeAndValidate[CreateTicketRequest](r)
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, apperrors.NewBadRequestError(err, "Invalid multipart form")
	}

	return &CreateTicketRequest{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Status:      r.FormValue("status"),
		Priority:    r.FormValue("priority"),
		Category:    r.FormValue("category"),
	}, nil
}

// parseCommentRequest decodes a comment append from either a JSON body or
// a multipart form. As with ticket creation, file uploads are stored by
// the caller after validation.
func (h *TicketHandler) parseCommentRequest(r *http.Request) (string, error) {
	if !isMultipart(r) {
		req, err := validation.DecodeAndValidate[AppendCommentRequest](r)
		if err != nil {
			return "", err
		}
		return req.Message, nil
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", apperrors.NewBadRequestError(err, "Invalid multipart form")
	}

	return r.FormValue("message"), nil
}

// storeUploads pushes every uploaded file through the attachment store and
// collects the opaque references.
func (h *TicketHandler) storeUploads(r *http.Request) ([]domain.Attachment, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}

	var files []*multipart.FileHeader
	for _, headers := range r.MultipartForm.File {
		files = append(files, headers...)
	}
	if len(files) == 0 {
		return nil, nil
	}
	if len(files) > maxAttachments {
		v := validation.NewValidator()
		v.Custom("attachments", false, "Too many attachments")
		return nil, v.Errors()
	}

	attachments := make([]domain.Attachment, 0, len(files))
	for _, header := range files {
		f, err := header.Open()
		if err != nil {
			return nil, apperrors.NewBadRequestError(err, "Unreadable attachment")
		}

		stored, err := h.attachments.Store(r.Context(), ports.StoreAttachmentParams{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Content:     f,
		})
		_ = f.Close()
		if err != nil {
			return nil, err
		}

		attachments = append(attachments, stored)
	}
	return attachments, nil
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}
