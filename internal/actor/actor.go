// Package actor identifies who is performing a request.
package actor

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type Role string

const (
	RoleAgency Role = "agency"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

var ErrInvalidActor = errors.New("invalid_actor")

type Actor struct {
	Role Role
	ID   snowflake.ID
}

// System is the actor used by schedulers and workers.
var System = Actor{Role: RoleSystem}

func (a Actor) IsAgency() bool { return a.Role == RoleAgency }

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) IsSystem() bool { return a.Role == RoleSystem }

// Subject is the casbin subject for the actor.
func (a Actor) Subject() string {
	if a.Role == RoleSystem {
		return "system"
	}
	return string(a.Role) + ":" + a.ID.String()
}

// IDString returns the actor id, empty for the system actor.
func (a Actor) IDString() string {
	if a.ID == 0 {
		return ""
	}
	return a.ID.String()
}

func (a Actor) Valid() bool {
	switch a.Role {
	case RoleSystem:
		return true
	case RoleAgency, RoleAdmin:
		return a.ID != 0
	default:
		return false
	}
}

// Parse builds an actor from trusted gateway header values.
func Parse(role, id string) (Actor, error) {
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	switch r {
	case RoleAgency, RoleAdmin:
	default:
		return Actor{}, ErrInvalidActor
	}
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || parsed == 0 {
		return Actor{}, ErrInvalidActor
	}
	return Actor{Role: r, ID: parsed}, nil
}

type ctxKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}
