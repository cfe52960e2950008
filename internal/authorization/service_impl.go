package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/manuscript/internal/actor"
	auditdomain "github.com/smallbiznis/manuscript/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectOrder    = "order"
	ObjectWallet   = "wallet"
	ObjectTopup    = "topup"
	ObjectAuditLog = "audit_log"
)

const (
	ActionOrderCreate        = "order.create"
	ActionOrderView          = "order.view"
	ActionOrderUpdate        = "order.update"
	ActionOrderSubmit        = "order.submit"
	ActionOrderIntake        = "order.intake"
	ActionOrderGenerate      = "order.generate"
	ActionOrderReviewAdmin   = "order.review_admin"
	ActionOrderReviewAgency  = "order.review_agency"
	ActionOrderCancelRequest = "order.cancel_request"
	ActionOrderCancelResolve = "order.cancel_resolve"
	ActionOrderForceFail     = "order.force_fail"
	ActionOrderDelete        = "order.delete"

	ActionWalletView = "wallet.view"
	ActionWalletOpen = "wallet.open"

	ActionTopupRequest = "topup.request"
	ActionTopupView    = "topup.view"
	ActionTopupApprove = "topup.approve"
	ActionTopupReject  = "topup.reject"

	ActionAuditLogView = "audit_log.view"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, who actor.Actor, object string, action string) error {
	if !who.Valid() {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject := who.Subject()
	if err := s.ensureGrouping(subject, roleFor(who)); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.audit(ctx, who, "authorization.denied", object, action)
		return ErrForbidden
	}
	if shouldAuditGrant(action) {
		s.audit(ctx, who, "authorization.granted", object, action)
	}
	return nil
}

func roleFor(who actor.Actor) string {
	return "role:" + string(who.Role)
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	if subject == roleName {
		return nil
	}
	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) audit(ctx context.Context, who actor.Actor, auditAction string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, nil, who, auditAction, "authorization", "capability", map[string]any{
		"object":  object,
		"action":  action,
		"subject": who.Subject(),
	}); err != nil {
		s.log.Warn("failed to audit authorization decision", zap.String("action", action), zap.Error(err))
	}
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionTopupApprove, ActionTopupReject, ActionOrderForceFail, ActionOrderDelete:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Agencies own orders and wallets
		{"role:agency", ObjectOrder, ActionOrderCreate},
		{"role:agency", ObjectOrder, ActionOrderView},
		{"role:agency", ObjectOrder, ActionOrderUpdate},
		{"role:agency", ObjectOrder, ActionOrderSubmit},
		{"role:agency", ObjectOrder, ActionOrderReviewAgency},
		{"role:agency", ObjectOrder, ActionOrderCancelRequest},
		{"role:agency", ObjectOrder, ActionOrderCancelResolve},
		{"role:agency", ObjectWallet, ActionWalletView},
		{"role:agency", ObjectTopup, ActionTopupRequest},
		{"role:agency", ObjectTopup, ActionTopupView},

		// Admin operations
		{"role:admin", ObjectOrder, ActionOrderView},
		{"role:admin", ObjectOrder, ActionOrderIntake},
		{"role:admin", ObjectOrder, ActionOrderGenerate},
		{"role:admin", ObjectOrder, ActionOrderReviewAdmin},
		{"role:admin", ObjectOrder, ActionOrderCancelRequest},
		{"role:admin", ObjectOrder, ActionOrderCancelResolve},
		{"role:admin", ObjectOrder, ActionOrderForceFail},
		{"role:admin", ObjectOrder, ActionOrderDelete},
		{"role:admin", ObjectWallet, ActionWalletView},
		{"role:admin", ObjectWallet, ActionWalletOpen},
		{"role:admin", ObjectTopup, ActionTopupView},
		{"role:admin", ObjectTopup, ActionTopupApprove},
		{"role:admin", ObjectTopup, ActionTopupReject},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},

		// Scheduler and workers
		{"role:system", ObjectOrder, ActionOrderView},
		{"role:system", ObjectOrder, ActionOrderIntake},
		{"role:system", ObjectOrder, ActionOrderGenerate},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	_, err := enforcer.AddGroupingPolicy("system", "role:system")
	return err
}
