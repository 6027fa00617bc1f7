package gossip

import (
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// Kind classifies a survival post.
type Kind string

const (
	KindHave Kind = "have" // resource offer
	KindWant Kind = "want" // resource request
	KindSOS  Kind = "sos"  // distress signal
)

// MaxDescriptionBytes bounds the description so serialized posts stay small.
const MaxDescriptionBytes = 100

// Post identifiers are 7 or 8 characters. Deployed traffic carries both
// lengths, so the range is accepted rather than a single fixed length.
const (
	MinIDLength = 7
	MaxIDLength = 8
)

// Post is the atomic unit of information propagated through the mesh.
// Copies propagate by value; there is no distributed ownership, only
// best-effort convergence of the known set across reachable peers.
type Post struct {
	Kind        Kind     `json:"kind" validate:"required,oneof=have want sos"`
	Description string   `json:"description" validate:"required,maxbytes=100"`
	Locality    string   `json:"locality,omitempty" validate:"maxbytes=50"`
	CreatedAt   int64    `json:"createdAt" validate:"required,gt=0"`
	ID          string   `json:"id" validate:"required,min=7,max=8"`
	Responders  []string `json:"responders,omitempty" validate:"dive,maxbytes=50"`
	Category    string   `json:"category,omitempty" validate:"maxbytes=30"`
	Resolved    bool     `json:"resolved,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// maxbytes bounds the UTF-8 byte length, not the rune count. The
	// built-in max tag counts runes, which would let a multibyte
	// description blow the serialized size budget.
	if err := v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		limit, err := strconv.Atoi(fl.Param())
		if err != nil {
			return false
		}
		return len(fl.Field().String()) <= limit
	}); err != nil {
		panic(fmt.Sprintf("failed to register maxbytes validation: %v", err))
	}

	return v
}

// ValidatePost checks the structural invariants every post must satisfy,
// whether created locally or received from a peer. Out-of-range fields
// reject the post; nothing is silently truncated.
func ValidatePost(p Post) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid post %q: %w", p.ID, err)
	}
	return nil
}
