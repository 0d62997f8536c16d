package permission

import (
	"errors"
	"time"
)

// Role is the access level a principal holds over an event. Roles form a total
// order (Owner > Editor > Viewer), so authorization reduces to a rank comparison.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleOwner:  3,
}

func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r grants everything required does.
func (r Role) AtLeast(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// Grant is a single (event, principal, role) authorization record.
type Grant struct {
	ID          int
	EventID     string
	PrincipalID string
	Role        Role
	GrantedAt   time.Time
}

var (
	ErrEventNotFound        = errors.New("event not found")
	ErrGrantNotFound        = errors.New("permission grant not found")
	ErrForbidden            = errors.New("insufficient role for this operation")
	ErrLastOwnerViolation   = errors.New("cannot remove or demote the sole owner")
	ErrOwnerGrantNotAllowed = errors.New("owner role can only be assigned through ownership transfer")
	ErrInvalidRole          = errors.New("invalid role")
)
