package idempotency

import (
	"github.com/smallbiznis/manuscript/internal/idempotency/repository"
	"github.com/smallbiznis/manuscript/internal/idempotency/service"
	"go.uber.org/fx"
)

var Module = fx.Module("idempotency.guard",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewGuard),
)
