package server

import (
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/manuscript/internal/actor"
)

// authorize checks the caller's capability through casbin before the handler runs.
func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := actor.FromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), who, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// actorFrom returns the caller resolved by ActorRequired.
func actorFrom(c *gin.Context) (actor.Actor, bool) {
	who, ok := actor.FromContext(c.Request.Context())
	if !ok || !who.Valid() {
		AbortWithError(c, ErrUnauthorized)
		return actor.Actor{}, false
	}
	return who, true
}
