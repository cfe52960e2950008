package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/manuscript/internal/actor"
	orderdomain "github.com/smallbiznis/manuscript/internal/order/domain"
)

type reasonRequest struct {
	Reason string `json:"reason"`
}

type listOrdersQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	Status    string `form:"status"`
	Type      string `form:"type"`
	AgencyID  string `form:"agency_id"`
}

func (s *Server) CreateOrder(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	var req orderdomain.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	s.respondIdempotent(c, who, req, func(ctx context.Context) (int, any, error) {
		order, err := s.orderSvc.Create(ctx, who, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, gin.H{"data": order}, nil
	})
}

func (s *Server) ListOrders(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	var query listOrdersQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := orderdomain.ListOrderRequest{
		Status: strings.TrimSpace(query.Status),
		Type:   strings.TrimSpace(query.Type),
	}
	req.PageToken = strings.TrimSpace(query.PageToken)
	req.PageSize = query.PageSize
	if who.IsAdmin() {
		agencyID, err := parseOptionalSnowflakeID(query.AgencyID)
		if err != nil {
			AbortWithError(c, newValidationError("agency_id", "invalid_agency_id", "invalid agency_id"))
			return
		}
		if agencyID != nil {
			req.AgencyID = *agencyID
		}
	}

	resp, err := s.orderSvc.List(c.Request.Context(), who, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Orders, "page_info": resp.PageInfo})
}

func (s *Server) GetOrder(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, err := s.orderSvc.Get(c.Request.Context(), who, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": order})
}

func (s *Server) UpdateDraft(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req orderdomain.UpdateDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	order, err := s.orderSvc.UpdateDraft(c.Request.Context(), who, id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": order})
}

func (s *Server) SubmitOrder(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	s.respondIdempotent(c, who, nil, func(ctx context.Context) (int, any, error) {
		order, err := s.orderSvc.Submit(ctx, who, id)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"data": order}, nil
	})
}

func (s *Server) IntakeOrder(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, err := s.orderSvc.Intake(c.Request.Context(), who, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": order})
}

func (s *Server) GenerateOrder(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req orderdomain.GenerateRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	order, err := s.orderSvc.Generate(c.Request.Context(), who, id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": order})
}

func (s *Server) AdminReviewOrder(c *gin.Context) {
	s.reviewOrder(c, s.orderSvc.AdminReview)
}

func (s *Server) AgencyReviewOrder(c *gin.Context) {
	s.reviewOrder(c, s.orderSvc.AgencyReview)
}

type reviewFunc func(ctx context.Context, who actor.Actor, id snowflake.ID, req orderdomain.ReviewRequest) (*orderdomain.Order, error)

func (s *Server) reviewOrder(c *gin.Context, review reviewFunc) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req orderdomain.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	s.respondIdempotent(c, who, req, func(ctx context.Context) (int, any, error) {
		order, err := review(ctx, who, id, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"data": order}, nil
	})
}

func (s *Server) RequestCancel(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	s.respondIdempotent(c, who, req, func(ctx context.Context) (int, any, error) {
		order, err := s.orderSvc.RequestCancel(ctx, who, id, req.Reason)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"data": order}, nil
	})
}

func (s *Server) ResolveCancel(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req orderdomain.ResolveCancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	s.respondIdempotent(c, who, req, func(ctx context.Context) (int, any, error) {
		order, err := s.orderSvc.ResolveCancel(ctx, who, id, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"data": order}, nil
	})
}

func (s *Server) ForceFailOrder(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	order, err := s.orderSvc.ForceFail(c.Request.Context(), who, id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": order})
}

func (s *Server) DeleteOrder(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, err := s.orderSvc.Delete(c.Request.Context(), who, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": order})
}
