package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/crestline/tickethub-backend/internal/core/errors"
)

// Validation bounds for ticket and comment fields.
const (
	MaxTitleLength       = 255
	MaxDescriptionLength = 10000
	MaxMessageLength     = 10000
)

// Role identifies which side of the conversation an actor belongs to.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
)

// Opposite returns the other conversation role.
func (r Role) Opposite() Role {
	if r == RoleAdmin {
		return RoleDeveloper
	}
	return RoleAdmin
}

// TicketStatus represents the possible states of a ticket.
type TicketStatus string

const (
	StatusOpen               TicketStatus = "open"
	StatusInProgress         TicketStatus = "in-progress"
	StatusResolved           TicketStatus = "resolved"
	StatusClosed             TicketStatus = "closed"
	StatusAwaitingAdminReply TicketStatus = "awaiting-admin-reply"
	StatusAwaitingDevReply   TicketStatus = "awaiting-developer-reply"
)

// Statuses lists every valid ticket status.
var Statuses = []TicketStatus{
	StatusOpen,
	StatusInProgress,
	StatusResolved,
	StatusClosed,
	StatusAwaitingAdminReply,
	StatusAwaitingDevReply,
}

// TicketPriority represents the urgency of a ticket.
type TicketPriority string

const (
	PriorityLow      TicketPriority = "low"
	PriorityMedium   TicketPriority = "medium"
	PriorityHigh     TicketPriority = "high"
	PriorityCritical TicketPriority = "critical"
)

// Priorities lists every valid ticket priority.
var Priorities = []TicketPriority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Escalated reports whether this priority triggers an escalation
// notification when a ticket is moved to it.
func (p TicketPriority) Escalated() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// TicketCategory classifies what kind of request a ticket is.
type TicketCategory string

const (
	CategoryBug        TicketCategory = "bug"
	CategoryFeature    TicketCategory = "feature"
	CategoryRequest    TicketCategory = "request"
	CategoryDiscussion TicketCategory = "discussion"
)

// Categories lists every valid ticket category.
var Categories = []TicketCategory{CategoryBug, CategoryFeature, CategoryRequest, CategoryDiscussion}

// Actor is the identity snapshot supplied by the authentication
// collaborator. Email is only populated where the caller provides it
// (ticket creation); reply mirrors carry id, name and role.
type Actor struct {
	ID    uuid.UUID
	Name  string
	Email string
	Role  Role
}

// Attachment is an opaque reference produced by the upload collaborator.
// The core never interprets the bytes behind the URL.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	FileType string `json:"fileType"`
	Size     int64  `json:"size"`
}

// ReadReceipt records one user's acknowledgement of a comment.
type ReadReceipt struct {
	UserID uuid.UUID `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Comment is one message in a ticket's conversation. Immutable once
// created except for the read-tracking fields.
type Comment struct {
	ID          uuid.UUID
	TicketID    int64
	Seq         int64
	AuthorName  string
	AuthorRole  Role
	Message     string
	Attachments []Attachment
	IsRead      bool
	ReadBy      []ReadReceipt
	CreatedAt   time.Time
}

// HasReader reports whether the given user already has a read receipt.
func (c *Comment) HasReader(userID uuid.UUID) bool {
	for _, r := range c.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// markReadBy sets the legacy global flag and appends a receipt for the
// user unless one exists. Returns true if the comment changed.
func (c *Comment) markReadBy(userID uuid.UUID, at time.Time) bool {
	changed := false
	if !c.IsRead {
		c.IsRead = true
		changed = true
	}
	if !c.HasReader(userID) {
		c.ReadBy = append(c.ReadBy, ReadReceipt{UserID: userID, ReadAt: at})
		changed = true
	}
	return changed
}

// CommentParams holds the input for creating a new comment.
type CommentParams struct {
	TicketID    int64
	Author      Actor
	Message     string
	Attachments []Attachment
}

// NewComment is a factory function to create a valid new comment.
// The sequence number and definitive timestamp are assigned by the
// appender at commit time, under the ticket row lock; the CreatedAt set
// here is a placeholder that storage replaces.
func NewComment(params CommentParams) (*Comment, error) {
	if strings.TrimSpace(params.Message) == "" {
		return nil, apperrors.ErrMessageRequired
	}
	if len(params.Message) > MaxMessageLength {
		return nil, apperrors.ErrMessageTooLong
	}

	attachments := params.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}

	return &Comment{
		ID:          uuid.New(),
		TicketID:    params.TicketID,
		AuthorName:  params.Author.Name,
		AuthorRole:  params.Author.Role,
		Message:     params.Message,
		Attachments: attachments,
		IsRead:      false,
		ReadBy:      []ReadReceipt{},
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Ticket is the unit of collaboration: a conversation record shared
// between admin and developer roles.
type Ticket struct {
	ID          int64
	Title       string
	Description string
	Status      TicketStatus
	Priority    TicketPriority
	Category    TicketCategory
	CreatedBy   Actor
	Attachments []Attachment

	// Comments is the append-only conversation log; insertion order is
	// chronological order. Populated on full reads, nil on metadata reads.
	Comments []*Comment

	LastRepliedBy *Actor
	LastReplyAt   *time.Time

	UnreadByAdmin     int
	UnreadByDeveloper int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TicketParams holds the input for creating a new ticket.
type TicketParams struct {
	Title       string
	Description string
	Status      TicketStatus
	Priority    TicketPriority
	Category    TicketCategory
	CreatedBy   Actor
	Attachments []Attachment
}

// NewTicket is a factory function to create a valid new ticket.
func NewTicket(params TicketParams) (*Ticket, error) {
	if strings.TrimSpace(params.Title) == "" {
		return nil, apperrors.ErrTitleRequired
	}
	if len(params.Title) > MaxTitleLength {
		return nil, apperrors.ErrTitleTooLong
	}
	if len(params.Description) > MaxDescriptionLength {
		return nil, apperrors.ErrDescriptionTooLong
	}

	status := params.Status
	if status == "" {
		status = StatusOpen
	} else if !ValidStatus(status) {
		return nil, apperrors.ErrInvalidStatus
	}

	priority := params.Priority
	if priority == "" {
		priority = PriorityMedium
	} else if !ValidPriority(priority) {
		return nil, apperrors.ErrInvalidPriority
	}

	category := params.Category
	if category == "" {
		category = CategoryRequest
	} else if !ValidCategory(category) {
		return nil, apperrors.ErrInvalidCategory
	}

	attachments := params.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}

	now := time.Now().UTC()
	return &Ticket{
		Title:       params.Title,
		Description: params.Description,
		Status:      status,
		Priority:    priority,
		Category:    category,
		CreatedBy:   params.CreatedBy,
		Attachments: attachments,
		Comments:    []*Comment{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// StatusAfterReply derives the status a comment append forces: the ticket
// always ends up awaiting a reply from the role opposite the author.
func StatusAfterReply(authorRole Role) TicketStatus {
	if authorRole == RoleAdmin {
		return StatusAwaitingDevReply
	}
	return StatusAwaitingAdminReply
}

// ApplyReply records a freshly appended comment on the ticket: it updates
// the last-reply mirror, flips the status per the author's role (even on a
// closed ticket) and bumps the opposite role's unread counter. The caller
// is responsible for persisting ticket and comment atomically.
func (t *Ticket) ApplyReply(author Actor, c *Comment) {
	if t.Comments != nil {
		t.Comments = append(t.Comments, c)
	}

	replier := Actor{ID: author.ID, Name: c.AuthorName, Role: c.AuthorRole}
	t.LastRepliedBy = &replier
	t.LastReplyAt = &c.CreatedAt
	t.Status = StatusAfterReply(c.AuthorRole)

	switch c.AuthorRole.Opposite() {
	case RoleAdmin:
		t.UnreadByAdmin++
	case RoleDeveloper:
		t.UnreadByDeveloper++
	}

	t.UpdatedAt = c.CreatedAt
}

// ChangeStatus sets the status explicitly. Every status is reachable from
// every other status; there is deliberately no transition graph here.
func (t *Ticket) ChangeStatus(status TicketStatus) error {
	if !ValidStatus(status) {
		return apperrors.ErrInvalidStatus
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ChangePriority sets the priority and reports whether the change is an
// escalation: a move to high or critical that actually differs from the
// prior value.
func (t *Ticket) ChangePriority(priority TicketPriority) (escalated bool, err error) {
	if !ValidPriority(priority) {
		return false, apperrors.ErrInvalidPriority
	}
	escalated = priority != t.Priority && priority.Escalated()
	t.Priority = priority
	t.UpdatedAt = time.Now().UTC()
	return escalated, nil
}

// ChangeCategory sets the category.
func (t *Ticket) ChangeCategory(category TicketCategory) error {
	if !ValidCategory(category) {
		return apperrors.ErrInvalidCategory
	}
	t.Category = category
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkRead acknowledges every opposite-role comment for the given actor
// and zeroes the actor's own role counter. Counters are role-scoped, not
// per-user: one admin's call clears the unread count for every admin.
// Idempotent per user. Returns the comments that changed. Comments must
// be loaded.
func (t *Ticket) MarkRead(actorID uuid.UUID, role Role, at time.Time) []*Comment {
	var changed []*Comment
	for _, c := range t.Comments {
		if c.AuthorRole == role {
			continue
		}
		if c.markReadBy(actorID, at) {
			changed = append(changed, c)
		}
	}

	switch role {
	case RoleAdmin:
		t.UnreadByAdmin = 0
	case RoleDeveloper:
		t.UnreadByDeveloper = 0
	}

	return changed
}

// UnreadFor returns the unread counter for the given role.
func (t *Ticket) UnreadFor(role Role) int {
	if role == RoleAdmin {
		return t.UnreadByAdmin
	}
	return t.UnreadByDeveloper
}

// CommentsSince returns the comments strictly newer than the cursor, or
// all comments when since is nil. Comments must be loaded.
func (t *Ticket) CommentsSince(since *time.Time) []*Comment {
	if since == nil {
		out := make([]*Comment, len(t.Comments))
		copy(out, t.Comments)
		return out
	}
	out := make([]*Comment, 0)
	for _, c := range t.Comments {
		if c.CreatedAt.After(*since) {
			out = append(out, c)
		}
	}
	return out
}

// ValidStatus reports whether the value is a known ticket status.
func ValidStatus(s TicketStatus) bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// ValidPriority reports whether the value is a known ticket priority.
func ValidPriority(p TicketPriority) bool {
	for _, v := range Priorities {
		if p == v {
			return true
		}
	}
	return false
}

// ValidCategory reports whether the value is a known ticket category.
func ValidCategory(c TicketCategory) bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// ValidRole reports whether the value is a known conversation role.
func ValidRole(r Role) bool {
	return r == RoleAdmin || r == RoleDeveloper
}
