package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	walletdomain "github.com/smallbiznis/manuscript/internal/wallet/domain"
	"github.com/smallbiznis/manuscript/pkg/db/pagination"
)

type listTransactionsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	Type      string `form:"type"`
	Status    string `form:"status"`
	OrderID   string `form:"order_id"`
}

type listTopupsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	Status    string `form:"status"`
	UserID    string `form:"user_id"`
}

func (s *Server) GetMyWallet(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}

	wallet, err := s.walletSvc.GetWallet(c.Request.Context(), who.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": wallet})
}

func (s *Server) ListMyTransactions(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	var query listTransactionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orderID, err := parseOptionalSnowflakeID(query.OrderID)
	if err != nil {
		AbortWithError(c, newValidationError("order_id", "invalid_order_id", "invalid order_id"))
		return
	}

	req := walletdomain.ListTransactionsRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		UserID: who.ID,
		Type:   strings.TrimSpace(query.Type),
		Status: strings.TrimSpace(query.Status),
	}
	if orderID != nil {
		req.OrderID = *orderID
	}

	resp, err := s.walletSvc.ListTransactions(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Transactions, "page_info": resp.PageInfo})
}

func (s *Server) RequestTopup(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	var req walletdomain.TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = who.ID

	s.respondIdempotent(c, who, req, func(ctx context.Context) (int, any, error) {
		tx, err := s.walletSvc.RequestTopup(ctx, who, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, gin.H{"data": tx}, nil
	})
}

func (s *Server) ListTopups(c *gin.Context) {
	var query listTopupsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	userID, err := parseOptionalSnowflakeID(query.UserID)
	if err != nil {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "invalid user_id"))
		return
	}

	req := walletdomain.ListTopupsRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Status: strings.TrimSpace(query.Status),
	}
	if userID != nil {
		req.UserID = *userID
	}

	resp, err := s.walletSvc.ListTopups(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Transactions, "page_info": resp.PageInfo})
}

func (s *Server) ApproveTopup(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	s.respondIdempotent(c, who, nil, func(ctx context.Context) (int, any, error) {
		tx, err := s.walletSvc.ApproveTopup(ctx, who, id)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"data": tx}, nil
	})
}

func (s *Server) RejectTopup(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	s.respondIdempotent(c, who, req, func(ctx context.Context) (int, any, error) {
		tx, err := s.walletSvc.RejectTopup(ctx, who, id, req.Reason)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"data": tx}, nil
	})
}

func (s *Server) OpenWallet(c *gin.Context) {
	who, ok := actorFrom(c)
	if !ok {
		return
	}
	userID, ok := pathID(c, "userId")
	if !ok {
		return
	}

	wallet, err := s.walletSvc.OpenWallet(c.Request.Context(), who, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": wallet})
}

func (s *Server) GetWallet(c *gin.Context) {
	userID, ok := pathID(c, "userId")
	if !ok {
		return
	}

	wallet, err := s.walletSvc.GetWallet(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": wallet})
}
