package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/manuscript/internal/actor"
	idempotencydomain "github.com/smallbiznis/manuscript/internal/idempotency/domain"
)

type handlerFunc func(ctx context.Context) (int, any, error)

// respondIdempotent runs fn at most once per Idempotency-Key and caller.
// Requests without the header run unguarded.
func (s *Server) respondIdempotent(c *gin.Context, who actor.Actor, payload any, fn handlerFunc) {
	ctx := c.Request.Context()
	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if s.idempotency == nil || key == "" {
		status, body, err := fn(ctx)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(status, body)
		return
	}

	result, err := s.idempotency.Execute(ctx, idempotencydomain.Request{
		Scope:    who.Subject(),
		Key:      key,
		Endpoint: c.Request.Method + " " + c.FullPath(),
		Payload:  gin.H{"params": c.Params, "body": payload},
	}, func(ctx context.Context) (idempotencydomain.Result, error) {
		status, body, err := fn(ctx)
		if err != nil {
			return idempotencydomain.Result{}, err
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return idempotencydomain.Result{}, err
		}
		return idempotencydomain.Result{Code: status, Body: raw}, nil
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if result.Replayed {
		c.Set("idempotent_replay", true)
		c.Header("Idempotent-Replayed", "true")
	}
	c.Data(result.Code, "application/json; charset=utf-8", result.Body)
}
