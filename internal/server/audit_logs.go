package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/manuscript/internal/actor"
	auditdomain "github.com/smallbiznis/manuscript/internal/audit/domain"
	"github.com/smallbiznis/manuscript/pkg/db/pagination"
)

type listAuditLogsQuery struct {
	pagination.Pagination
	Action     string `form:"action"`
	TargetType string `form:"target_type"`
	TargetID   string `form:"target_id"`
	ActorType  string `form:"actor_type"`
	OrderID    string `form:"order_id"`
	UserID     string `form:"user_id"`
}

// ListAuditLogs serves the admin audit trail. order_id and user_id are
// shorthands for the order and wallet targets.
func (s *Server) ListAuditLogs(c *gin.Context) {
	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Action:     strings.TrimSpace(query.Action),
		TargetType: strings.TrimSpace(query.TargetType),
		TargetID:   strings.TrimSpace(query.TargetID),
	}

	switch actorType := strings.ToLower(strings.TrimSpace(query.ActorType)); actorType {
	case "":
	case string(actor.RoleAgency), string(actor.RoleAdmin), string(actor.RoleSystem):
		req.ActorType = actorType
	default:
		AbortWithError(c, newValidationError("actor_type", "invalid_actor_type", "invalid actor_type"))
		return
	}

	for _, target := range []struct{ kind, field, value string }{
		{"order", "order_id", query.OrderID},
		{"wallet", "user_id", query.UserID},
	} {
		id, err := parseOptionalSnowflakeID(target.value)
		if err != nil {
			AbortWithError(c, newValidationError(target.field, "invalid_"+target.field, "invalid "+target.field))
			return
		}
		if id != nil {
			req.TargetType = target.kind
			req.TargetID = id.String()
		}
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.AuditLogs, "page_info": resp.PageInfo})
}
