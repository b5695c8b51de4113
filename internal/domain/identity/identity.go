// Package identity models the owner of a cart or an order: either a
// registered user or an anonymous guest token, never both.
package identity

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Kind tells which variant an Identity holds.
type Kind uint8

const (
	KindUser Kind = iota + 1
	KindGuest
)

var (
	// ErrBothSet is returned when a user ID and a guest token are both given.
	ErrBothSet = errors.New("identity must be either a user or a guest, not both")
	// ErrNoneSet is returned when neither a user ID nor a guest token is given.
	ErrNoneSet = errors.New("identity requires a user id or a guest token")
	// ErrMalformed is returned by Parse for unrecognised input.
	ErrMalformed = errors.New("malformed identity")
)

const maxGuestTokenLen = 64

// Identity is a tagged variant. The zero value is invalid.
type Identity struct {
	kind   Kind
	userID int64
	guest  string
}

// User returns a registered-user identity.
func User(id int64) (Identity, error) {
	if id <= 0 {
		return Identity{}, errors.Wrapf(ErrMalformed, "user id %d", id)
	}
	return Identity{kind: KindUser, userID: id}, nil
}

// Guest returns an anonymous guest identity.
func Guest(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrNoneSet
	}
	if len(token) > maxGuestTokenLen {
		return Identity{}, errors.Wrap(ErrMalformed, "guest token too long")
	}
	return Identity{kind: KindGuest, guest: token}, nil
}

// NewGuestToken generates a fresh opaque guest token.
func NewGuestToken() string {
	return uuid.NewString()
}

// New builds an Identity from the two nullable columns used in storage.
// Exactly one must be set.
func New(userID *int64, guestToken *string) (Identity, error) {
	hasUser := userID != nil
	hasGuest := guestToken != nil && *guestToken != ""
	switch {
	case hasUser && hasGuest:
		return Identity{}, ErrBothSet
	case hasUser:
		return User(*userID)
	case hasGuest:
		return Guest(*guestToken)
	default:
		return Identity{}, ErrNoneSet
	}
}

// Parse decodes the "user:<id>" / "guest:<token>" form used in URLs.
func Parse(s string) (Identity, error) {
	prefix, value, ok := strings.Cut(s, ":")
	if !ok {
		return Identity{}, errors.Wrapf(ErrMalformed, "%q", s)
	}
	switch prefix {
	case "user":
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Identity{}, errors.Wrapf(ErrMalformed, "user id %q", value)
		}
		return User(id)
	case "guest":
		return Guest(value)
	default:
		return Identity{}, errors.Wrapf(ErrMalformed, "%q", s)
	}
}

// Kind reports the variant.
func (i Identity) Kind() Kind { return i.kind }

// IsZero reports whether the identity was never initialised.
func (i Identity) IsZero() bool { return i.kind == 0 }

// IsGuest reports whether the identity is a guest token.
func (i Identity) IsGuest() bool { return i.kind == KindGuest }

// UserID returns the user id when the identity is a registered user.
func (i Identity) UserID() (int64, bool) {
	return i.userID, i.kind == KindUser
}

// GuestToken returns the token when the identity is a guest.
func (i Identity) GuestToken() (string, bool) {
	return i.guest, i.kind == KindGuest
}

// Columns returns the nullable (user_id, guest_token) pair for storage.
func (i Identity) Columns() (*int64, *string) {
	switch i.kind {
	case KindUser:
		id := i.userID
		return &id, nil
	case KindGuest:
		token := i.guest
		return nil, &token
	default:
		return nil, nil
	}
}

// Equal reports whether both identities denote the same owner.
func (i Identity) Equal(o Identity) bool {
	return i == o
}

// String renders the identity in the same form Parse accepts.
func (i Identity) String() string {
	switch i.kind {
	case KindUser:
		return "user:" + strconv.FormatInt(i.userID, 10)
	case KindGuest:
		return "guest:" + i.guest
	default:
		return ""
	}
}
