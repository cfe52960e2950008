package authorization

import (
	"context"

	"github.com/smallbiznis/manuscript/internal/actor"
)

type Service interface {
	Authorize(ctx context.Context, who actor.Actor, object string, action string) error
}
