package transport

import (
	"context"
	"errors"
)

// ErrDMForbidden is returned by SendDirect when the recipient disallows
// direct messages from the bot. It is a permanent failure for that user.
var ErrDMForbidden = errors.New("direct messages forbidden by recipient")

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateRoleChange  UpdateKind = "role_change"
	UpdateMemberJoin  UpdateKind = "member_join"
	UpdateMemberLeave UpdateKind = "member_leave"
)

type Update struct {
	Kind       UpdateKind
	Message    *Message
	RoleChange *RoleChange
	Member     *MemberEvent
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
}

// RoleSet is the set of role keys a user currently holds.
type RoleSet map[string]bool

func (s RoleSet) Has(role string) bool { return s[role] }

// HasAny reports whether the user holds at least one of the given roles.
func (s RoleSet) HasAny(roles ...string) bool {
	for _, r := range roles {
		if s[r] {
			return true
		}
	}
	return false
}

func (s RoleSet) Clone() RoleSet {
	cp := make(RoleSet, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// RoleChange describes one user's role-set transition.
type RoleChange struct {
	UserID   int64
	Username string
	Before   RoleSet
	After    RoleSet
}

type MemberEvent struct {
	UserID   int64
	Username string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Block is one display unit of a direct message.
type Block struct {
	Title    string
	Body     string
	ImageURL string
	Footer   string
}

// Affordance is the optional interactive element attached to the final
// block of a direct message (rendered as an inline URL button).
type Affordance struct {
	Label string
	URL   string
}

// Gateway is the chat-platform surface the campaign consumes.
//
// Roles are identified by the role keys configured in roles.chats; how a
// role maps onto the platform (chat membership, permissions, ...) is the
// adapter's concern.
type Gateway interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
	SendDirect(ctx context.Context, userID int64, blocks []Block, aff *Affordance) error

	Roles(ctx context.Context, userID int64) (RoleSet, error)
	GrantRole(ctx context.Context, userID int64, role, reason string) error
	RevokeRole(ctx context.Context, userID int64, role, reason string) error
	IsMember(ctx context.Context, userID int64) (bool, error)
}
