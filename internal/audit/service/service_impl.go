package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/manuscript/internal/actor"
	auditdomain "github.com/smallbiznis/manuscript/internal/audit/domain"
	"github.com/smallbiznis/manuscript/internal/audit/masking"
	"github.com/smallbiznis/manuscript/internal/auditcontext"
	"github.com/smallbiznis/manuscript/internal/clock"
	"github.com/smallbiznis/manuscript/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) AuditLog(ctx context.Context, tx *gorm.DB, who actor.Actor, action string, targetType string, targetID string, metadata map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	targetType = strings.TrimSpace(targetType)
	if targetType == "" {
		targetType = "unknown"
	}
	actorType := string(who.Role)
	if actorType == "" {
		actorType = string(actor.RoleSystem)
	}

	payload := masking.Fields(metadata, "idempotency_key")

	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  actorType,
		ActorID:    normalize(who.IDString()),
		Action:     action,
		TargetType: targetType,
		TargetID:   normalize(targetID),
		Metadata:   datatypes.JSONMap(payload),
		RequestID:  auditcontext.RequestID(ctx),
		IPAddress:  auditcontext.IPAddress(ctx),
		UserAgent:  auditcontext.UserAgent(ctx),
		CreatedAt:  s.clock.Now().UTC(),
	}

	db := tx
	if db == nil {
		db = s.db
	}
	if err := s.repo.Insert(ctx, db, &entry); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	var before snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		decoded, err := pagination.DecodeCursor(token)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		before = id
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		ActorType:  req.ActorType,
		BeforeID:   before,
		Limit:      limit,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	items, pageInfo := pagination.Trim(items, limit, func(item *auditdomain.AuditLog) string {
		return item.ID.String()
	})

	logs := make([]auditdomain.AuditLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}
	return auditdomain.ListAuditLogResponse{PageInfo: pageInfo, AuditLogs: logs}, nil
}

func normalize(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
