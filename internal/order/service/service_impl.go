package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/manuscript/internal/actor"
	auditdomain "github.com/smallbiznis/manuscript/internal/audit/domain"
	"github.com/smallbiznis/manuscript/internal/clock"
	"github.com/smallbiznis/manuscript/internal/config"
	"github.com/smallbiznis/manuscript/internal/events"
	obsmetrics "github.com/smallbiznis/manuscript/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/manuscript/internal/order/domain"
	walletdomain "github.com/smallbiznis/manuscript/internal/wallet/domain"
	"github.com/smallbiznis/manuscript/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxTitleLength  = 200
	maxReasonLength = 2000
	maxSlugLength   = 40
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Repo       orderdomain.Repository
	Wallet     walletdomain.Service
	Queue      orderdomain.JobQueue
	AuditSvc   auditdomain.Service `optional:"true"`
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	repo       orderdomain.Repository
	wallet     walletdomain.Service
	queue      orderdomain.JobQueue
	auditSvc   auditdomain.Service
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) orderdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("order.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Config,
		repo:       p.Repo,
		wallet:     p.Wallet,
		queue:      p.Queue,
		auditSvc:   p.AuditSvc,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

// unit is one atomic order mutation. Status changes go through fire so the
// transition table is the only way to move an order; side effects registered
// with then run after the guarded status write.
type unit struct {
	ctx      context.Context
	order    *orderdomain.Order
	now      time.Time
	steps    []orderdomain.Step
	effects  []func(tx *gorm.DB) error
	metadata map[string]any
	noop     bool
}

func (u *unit) fire(event orderdomain.Event) error {
	next, err := orderdomain.Next(u.order.Status, event)
	if err != nil {
		return err
	}
	u.steps = append(u.steps, orderdomain.Step{From: u.order.Status, To: next, Event: event})
	u.order.Status = next
	return nil
}

func (u *unit) then(effect func(tx *gorm.DB) error) {
	u.effects = append(u.effects, effect)
}

func (u *unit) note(key string, value any) {
	if u.metadata == nil {
		u.metadata = map[string]any{}
	}
	u.metadata[key] = value
}

func (s *Service) Create(ctx context.Context, who actor.Actor, req orderdomain.CreateOrderRequest) (*orderdomain.Order, error) {
	if !who.IsAgency() {
		return nil, orderdomain.ErrForbidden
	}
	orderType, ok := orderdomain.ParseType(req.Type)
	if !ok {
		return nil, orderdomain.ErrInvalidType
	}
	unitPrice, ok := s.cfg.UnitPrice(string(orderType))
	if !ok || unitPrice <= 0 {
		return nil, orderdomain.ErrInvalidType
	}
	title := strings.TrimSpace(req.Title)
	if len(title) > maxTitleLength {
		return nil, orderdomain.ErrInvalidOrder
	}
	guide, err := normalizeGuide(req.Guide)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	id := s.genID.Generate()
	order := &orderdomain.Order{
		ID:        id,
		AgencyID:  who.ID,
		Type:      orderType,
		Status:    orderdomain.StatusDraft,
		Title:     title,
		Reference: buildReference(title, id),
		UnitPrice: unitPrice,
		Guide:     guide,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, order); err != nil {
			return err
		}
		payload := map[string]any{
			"order_id":   id.String(),
			"agency_id":  who.ID.String(),
			"type":       string(orderType),
			"unit_price": unitPrice,
			"reference":  order.Reference,
		}
		if err := s.publish(ctx, tx, order, events.EventOrderCreated, payload); err != nil {
			return err
		}
		return s.audit(ctx, tx, who, "order.created", order, payload)
	})
	if err != nil {
		return nil, err
	}

	if req.Submit {
		return s.Submit(ctx, who, id)
	}
	return order, nil
}

func (s *Service) UpdateDraft(ctx context.Context, who actor.Actor, orderID snowflake.ID, req orderdomain.UpdateDraftRequest) (*orderdomain.Order, error) {
	if !who.IsAgency() {
		return nil, orderdomain.ErrForbidden
	}
	var guide *orderdomain.Guide
	if req.Guide != nil {
		normalized, err := normalizeGuide(*req.Guide)
		if err != nil {
			return nil, err
		}
		guide = &normalized
	}
	var title *string
	if req.Title != nil {
		trimmed := strings.TrimSpace(*req.Title)
		if len(trimmed) > maxTitleLength {
			return nil, orderdomain.ErrInvalidOrder
		}
		title = &trimmed
	}

	return s.mutate(ctx, who, orderID, "order.updated", func(u *unit) error {
		switch u.order.Status {
		case orderdomain.StatusDraft, orderdomain.StatusFailed:
		default:
			return orderdomain.ErrNotEditable
		}
		if title != nil {
			u.order.Title = *title
		}
		if guide != nil {
			u.order.Guide = *guide
		}
		return nil
	})
}

func (s *Service) Get(ctx context.Context, who actor.Actor, orderID snowflake.ID) (*orderdomain.Order, error) {
	if orderID == 0 {
		return nil, orderdomain.ErrInvalidOrder
	}
	order, err := s.repo.FindByID(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil || !canAccess(who, order) {
		return nil, orderdomain.ErrNotFound
	}
	return order, nil
}

func (s *Service) List(ctx context.Context, who actor.Actor, req orderdomain.ListOrderRequest) (orderdomain.ListOrderResponse, error) {
	filter := orderdomain.ListFilter{AgencyID: req.AgencyID}
	if who.IsAgency() {
		filter.AgencyID = who.ID
	}
	if value := strings.ToUpper(strings.TrimSpace(req.Status)); value != "" {
		status, ok := orderdomain.ParseStatus(value)
		if !ok {
			return orderdomain.ListOrderResponse{}, orderdomain.ErrInvalidStatus
		}
		filter.Status = status
	}
	if value := strings.TrimSpace(req.Type); value != "" {
		orderType, ok := orderdomain.ParseType(value)
		if !ok {
			return orderdomain.ListOrderResponse{}, orderdomain.ErrInvalidType
		}
		filter.Type = orderType
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return orderdomain.ListOrderResponse{}, orderdomain.ErrInvalidPageToken
		}
		before, err := snowflake.ParseString(cursor.ID)
		if err != nil || before == 0 {
			return orderdomain.ListOrderResponse{}, orderdomain.ErrInvalidPageToken
		}
		filter.BeforeID = before
	}
	filter.Limit = req.Limit()

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return orderdomain.ListOrderResponse{}, err
	}
	items, pageInfo := pagination.Trim(items, filter.Limit, func(item *orderdomain.Order) string {
		return item.ID.String()
	})
	orders := make([]orderdomain.Order, 0, len(items))
	for _, item := range items {
		orders = append(orders, *item)
	}
	return orderdomain.ListOrderResponse{PageInfo: pageInfo, Orders: orders}, nil
}

// Submit reserves the order's price and hands it to intake. Submitting an
// order that is already SUBMITTED succeeds without a second reservation.
func (s *Service) Submit(ctx context.Context, who actor.Actor, orderID snowflake.ID) (*orderdomain.Order, error) {
	if !who.IsAgency() {
		return nil, orderdomain.ErrForbidden
	}
	order, err := s.mutate(ctx, who, orderID, "order.submitted", func(u *unit) error {
		if u.order.Status == orderdomain.StatusSubmitted {
			u.noop = true
			return nil
		}
		if err := u.fire(orderdomain.EventSubmit); err != nil {
			return err
		}
		u.order.SubmittedAt = &u.now
		u.order.LastFailureReason = ""
		o := u.order
		u.then(func(tx *gorm.DB) error {
			reservation, err := s.wallet.ReserveTx(u.ctx, tx, who, walletdomain.ReserveRequest{
				UserID:  o.AgencyID,
				OrderID: o.ID,
				Amount:  o.UnitPrice,
			})
			if err != nil {
				return err
			}
			u.note("reservation_id", reservation.ID.String())
			return nil
		})
		return nil
	})
	if errors.Is(err, orderdomain.ErrConcurrentModification) {
		current, getErr := s.Get(ctx, who, orderID)
		if getErr == nil && current.Status == orderdomain.StatusSubmitted {
			return current, nil
		}
	}
	return order, err
}

func (s *Service) Intake(ctx context.Context, who actor.Actor, orderID snowflake.ID) (*orderdomain.Order, error) {
	if !who.IsAdmin() && !who.IsSystem() {
		return nil, orderdomain.ErrForbidden
	}
	return s.mutate(ctx, who, orderID, "order.intake", func(u *unit) error {
		if err := u.fire(orderdomain.EventIntake); err != nil {
			return err
		}
		if err := u.fire(orderdomain.EventStartGeneration); err != nil {
			return err
		}
		s.enqueue(u, orderdomain.EnqueueRequest{OrderID: u.order.ID})
		return nil
	})
}

// Generate starts generation by hand: intake with instructions, or a retry
// of a FAILED order using its held reservation.
func (s *Service) Generate(ctx context.Context, who actor.Actor, orderID snowflake.ID, req orderdomain.GenerateRequest) (*orderdomain.Order, error) {
	if !who.IsAdmin() && !who.IsSystem() {
		return nil, orderdomain.ErrForbidden
	}
	quality := strings.ToLower(strings.TrimSpace(req.QualityMode))
	switch quality {
	case "", "standard", "high":
	default:
		return nil, orderdomain.ErrInvalidQualityMode
	}
	extra := strings.TrimSpace(req.ExtraInstruction)
	if len(extra) > maxReasonLength {
		return nil, orderdomain.ErrInvalidOrder
	}

	return s.mutate(ctx, who, orderID, "order.generate", func(u *unit) error {
		switch u.order.Status {
		case orderdomain.StatusSubmitted:
			if err := u.fire(orderdomain.EventIntake); err != nil {
				return err
			}
		case orderdomain.StatusFailed:
			o := u.order
			u.then(func(tx *gorm.DB) error {
				held, err := s.wallet.HeldReservationTx(u.ctx, tx, o.ID)
				if err != nil || held != nil {
					return err
				}
				_, err = s.wallet.ReserveTx(u.ctx, tx, who, walletdomain.ReserveRequest{
					UserID:  o.AgencyID,
					OrderID: o.ID,
					Amount:  o.UnitPrice,
				})
				return err
			})
			u.order.LastFailureReason = ""
		}
		if err := u.fire(orderdomain.EventStartGeneration); err != nil {
			return err
		}
		u.note("quality_mode", quality)
		s.enqueue(u, orderdomain.EnqueueRequest{
			OrderID:          u.order.ID,
			RevisionMemo:     u.order.RevisionMemo,
			ExtraInstruction: extra,
			QualityMode:      quality,
		})
		return nil
	})
}

// MarkGenerating is called by the worker after claiming a job.
func (s *Service) MarkGenerating(ctx context.Context, orderID snowflake.ID) (*orderdomain.Order, error) {
	order, err := s.mutate(ctx, actor.System, orderID, "order.generating", func(u *unit) error {
		switch {
		case u.order.Status == orderdomain.StatusGenerating:
			u.noop = true
			return nil
		case u.order.Status.Queued():
			return u.fire(orderdomain.EventStartGeneration)
		case u.order.Status == orderdomain.StatusCancelRequested:
			return orderdomain.ErrCancelPending
		default:
			return orderdomain.ErrResultDiscarded
		}
	})
	if errors.Is(err, orderdomain.ErrNotFound) {
		return nil, orderdomain.ErrResultDiscarded
	}
	return order, err
}

// ReportGenerationSuccess stores the manuscript and settles the job that
// produced it. A result whose lease no longer holds the job is discarded
// and nothing is written.
func (s *Service) ReportGenerationSuccess(ctx context.Context, result orderdomain.GenerationResult) (*orderdomain.Order, error) {
	if !result.Lease.Valid() {
		return nil, orderdomain.ErrResultDiscarded
	}
	order, err := s.mutate(ctx, actor.System, result.OrderID, "order.generated", func(u *unit) error {
		o := u.order
		switch {
		case o.Status == orderdomain.StatusGenerating:
			if err := u.fire(orderdomain.EventGenerationSucceeded); err != nil {
				return err
			}
			if err := u.fire(orderdomain.EventPublishForReview); err != nil {
				return err
			}
		case o.Status == orderdomain.StatusCancelRequested && o.PreviousStatus.Queued():
			u.note("resume_status", string(orderdomain.StatusAdminReview))
			o.PreviousStatus = orderdomain.StatusAdminReview
		default:
			return orderdomain.ErrResultDiscarded
		}
		o.Manuscript = result.Manuscript
		o.ValidationReport = result.Report
		o.LastFailureReason = ""
		u.note("manuscript_chars", len([]rune(result.Manuscript)))
		u.then(func(tx *gorm.DB) error {
			return s.queue.CompleteTx(ctx, tx, result.Lease)
		})
		return nil
	})
	if errors.Is(err, orderdomain.ErrNotFound) {
		return nil, orderdomain.ErrResultDiscarded
	}
	return order, err
}

// ReportGenerationFailure moves the order to FAILED. The reservation stays
// held until a retry or a cancellation settles it.
// The failing job is settled under its lease in the same transaction.
func (s *Service) ReportGenerationFailure(ctx context.Context, failure orderdomain.GenerationFailure) (*orderdomain.Order, error) {
	if !failure.Lease.Valid() {
		return nil, orderdomain.ErrResultDiscarded
	}
	reason := clip(strings.TrimSpace(failure.Reason))
	if reason == "" {
		reason = "generation failed"
	}
	order, err := s.mutate(ctx, actor.System, failure.OrderID, "order.generation_failed", func(u *unit) error {
		o := u.order
		switch {
		case o.Status.Queued():
			if err := u.fire(orderdomain.EventGenerationFailed); err != nil {
				return err
			}
		case o.Status == orderdomain.StatusCancelRequested && o.PreviousStatus.Queued():
			u.note("resume_status", string(orderdomain.StatusFailed))
			o.PreviousStatus = orderdomain.StatusFailed
		default:
			return orderdomain.ErrResultDiscarded
		}
		o.LastFailureReason = reason
		u.note("reason", reason)
		u.then(func(tx *gorm.DB) error {
			return s.queue.FailTx(ctx, tx, failure.Lease, reason)
		})
		return nil
	})
	if errors.Is(err, orderdomain.ErrNotFound) {
		return nil, orderdomain.ErrResultDiscarded
	}
	return order, err
}

func (s *Service) AdminReview(ctx context.Context, who actor.Actor, orderID snowflake.ID, req orderdomain.ReviewRequest) (*orderdomain.Order, error) {
	if !who.IsAdmin() {
		return nil, orderdomain.ErrForbidden
	}
	decision, reason, err := parseReview(req)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, who, orderID, "order.admin_review", func(u *unit) error {
		u.note("decision", string(decision))
		if decision == orderdomain.DecisionApprove {
			return u.fire(orderdomain.EventAdminApprove)
		}
		if err := u.fire(orderdomain.EventAdminReject); err != nil {
			return err
		}
		if err := u.fire(orderdomain.EventRequeue); err != nil {
			return err
		}
		s.requestRevision(u, reason)
		return nil
	})
}

func (s *Service) AgencyReview(ctx context.Context, who actor.Actor, orderID snowflake.ID, req orderdomain.ReviewRequest) (*orderdomain.Order, error) {
	if !who.IsAgency() {
		return nil, orderdomain.ErrForbidden
	}
	decision, reason, err := parseReview(req)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, who, orderID, "order.agency_review", func(u *unit) error {
		u.note("decision", string(decision))
		if decision == orderdomain.DecisionApprove {
			if err := u.fire(orderdomain.EventAgencyApprove); err != nil {
				return err
			}
			u.order.CompletedAt = &u.now
			u.order.ChargedAt = &u.now
			o := u.order
			u.then(func(tx *gorm.DB) error {
				charge, err := s.wallet.ChargeTx(u.ctx, tx, who, o.ID)
				if err != nil {
					return err
				}
				u.note("charge_transaction_id", charge.ID.String())
				return nil
			})
			return nil
		}
		if err := u.fire(orderdomain.EventAgencyReject); err != nil {
			return err
		}
		if err := u.fire(orderdomain.EventRequeue); err != nil {
			return err
		}
		s.requestRevision(u, reason)
		return nil
	})
}

func (s *Service) requestRevision(u *unit, memo string) {
	u.order.RevisionCount++
	u.order.RevisionMemo = memo
	u.note("reason", memo)
	s.enqueue(u, orderdomain.EnqueueRequest{OrderID: u.order.ID, RevisionMemo: memo})
}

func (s *Service) RequestCancel(ctx context.Context, who actor.Actor, orderID snowflake.ID, reason string) (*orderdomain.Order, error) {
	if !who.IsAgency() && !who.IsAdmin() {
		return nil, orderdomain.ErrForbidden
	}
	reason = clip(strings.TrimSpace(reason))
	if reason == "" {
		return nil, orderdomain.ErrReasonRequired
	}

	return s.mutate(ctx, who, orderID, "order.cancel_requested", func(u *unit) error {
		from := u.order.Status
		if err := u.fire(orderdomain.EventRequestCancel); err != nil {
			return err
		}
		u.order.PreviousStatus = from
		u.order.CancelReason = reason
		u.order.CancelRequestedBy = string(who.Role)
		u.order.CancelRequestedAt = &u.now
		u.note("reason", reason)
		return nil
	})
}

// ResolveCancel decides a pending cancellation. Approval releases any held
// reservation; rejection restores the status the order had before.
func (s *Service) ResolveCancel(ctx context.Context, who actor.Actor, orderID snowflake.ID, req orderdomain.ResolveCancelRequest) (*orderdomain.Order, error) {
	if !who.IsAgency() && !who.IsAdmin() {
		return nil, orderdomain.ErrForbidden
	}
	reason := clip(strings.TrimSpace(req.Reason))
	if !req.Approve && reason == "" {
		return nil, orderdomain.ErrReasonRequired
	}

	return s.mutate(ctx, who, orderID, "order.cancel_resolved", func(u *unit) error {
		o := u.order
		selfCancel := o.CancelRequestedBy == string(actor.RoleAgency) &&
			(o.PreviousStatus == orderdomain.StatusDraft || o.PreviousStatus == orderdomain.StatusSubmitted)
		u.note("approve", req.Approve)

		if !req.Approve {
			if o.Status != orderdomain.StatusCancelRequested {
				return &orderdomain.TransitionError{From: o.Status, Event: orderdomain.EventRejectCancel}
			}
			if who.IsAgency() && o.CancelRequestedBy != string(actor.RoleAgency) {
				return orderdomain.ErrForbidden
			}
			if !orderdomain.Can(o.PreviousStatus, orderdomain.EventRequestCancel) {
				return orderdomain.ErrInvalidStatus
			}
			u.steps = append(u.steps, orderdomain.Step{From: o.Status, To: o.PreviousStatus, Event: orderdomain.EventRejectCancel})
			o.Status = o.PreviousStatus
			o.PreviousStatus = ""
			o.CancelReason = ""
			o.CancelRequestedBy = ""
			o.CancelRequestedAt = nil
			u.note("reason", reason)
			return nil
		}

		event := orderdomain.EventApproveCancel
		if selfCancel {
			event = orderdomain.EventApproveAgencyCancel
		} else if who.IsAgency() {
			return orderdomain.ErrForbidden
		}
		if err := u.fire(event); err != nil {
			return err
		}
		o.CanceledAt = &u.now
		u.then(func(tx *gorm.DB) error {
			refunded, err := s.wallet.RefundTx(u.ctx, tx, who, o.ID)
			if err != nil {
				return err
			}
			u.note("refunded", refunded)
			canceled, err := s.queue.CancelActiveTx(ctx, tx, o.ID)
			if err != nil {
				return err
			}
			u.note("jobs_canceled", canceled)
			return nil
		})
		return nil
	})
}

// ForceFail stops an active order. The reservation stays held. A pending
// cancel request is dropped, and the order must have been force-failable
// before that request was made.
func (s *Service) ForceFail(ctx context.Context, who actor.Actor, orderID snowflake.ID, reason string) (*orderdomain.Order, error) {
	if !who.IsAdmin() {
		return nil, orderdomain.ErrForbidden
	}
	reason = clip(strings.TrimSpace(reason))
	if reason == "" {
		return nil, orderdomain.ErrReasonRequired
	}

	return s.mutate(ctx, who, orderID, "order.force_failed", func(u *unit) error {
		o := u.order
		if o.Status == orderdomain.StatusCancelRequested {
			if !orderdomain.Can(o.PreviousStatus, orderdomain.EventForceFail) {
				return &orderdomain.TransitionError{From: o.PreviousStatus, Event: orderdomain.EventForceFail}
			}
			u.note("dropped_cancel_reason", o.CancelReason)
			o.PreviousStatus = ""
			o.CancelReason = ""
			o.CancelRequestedBy = ""
			o.CancelRequestedAt = nil
		}
		if err := u.fire(orderdomain.EventForceFail); err != nil {
			return err
		}
		u.order.LastFailureReason = reason
		u.note("reason", reason)
		u.then(func(tx *gorm.DB) error {
			_, err := s.queue.CancelActiveTx(ctx, tx, o.ID)
			return err
		})
		return nil
	})
}

// Delete soft-deletes a terminal order. Ledger rows are kept.
func (s *Service) Delete(ctx context.Context, who actor.Actor, orderID snowflake.ID) (*orderdomain.Order, error) {
	if !who.IsAdmin() {
		return nil, orderdomain.ErrForbidden
	}
	return s.mutate(ctx, who, orderID, "order.deleted", func(u *unit) error {
		if !u.order.Status.Terminal() {
			return orderdomain.ErrNotDeletable
		}
		u.order.DeletedAt = &u.now
		return nil
	})
}

func (s *Service) DueForIntake(ctx context.Context, delay time.Duration, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	return s.repo.ListSubmittedBefore(ctx, s.db, s.clock.Now().Add(-delay), limit)
}

func (s *Service) enqueue(u *unit, req orderdomain.EnqueueRequest) {
	u.then(func(tx *gorm.DB) error {
		if _, err := s.queue.CancelActiveTx(u.ctx, tx, req.OrderID); err != nil {
			return err
		}
		return s.queue.EnqueueTx(u.ctx, tx, req)
	})
}

// mutate loads the order under a row lock, applies fn and writes the result
// only if no other writer changed the status in between.
func (s *Service) mutate(ctx context.Context, who actor.Actor, orderID snowflake.ID, action string, fn func(u *unit) error) (*orderdomain.Order, error) {
	if orderID == 0 {
		return nil, orderdomain.ErrInvalidOrder
	}

	var (
		result *orderdomain.Order
		steps  []orderdomain.Step
	)
	ctx, ledger := walletdomain.WithLedgerLog(ctx)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.repo.FindByIDForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order == nil || !canAccess(who, order) {
			return orderdomain.ErrNotFound
		}

		expected := order.Status
		u := &unit{ctx: ctx, order: order, now: s.clock.Now()}
		if err := fn(u); err != nil {
			return err
		}
		if u.noop {
			result = order
			return nil
		}

		order.UpdatedAt = u.now
		affected, err := s.repo.Update(ctx, tx, order, expected)
		if err != nil {
			return err
		}
		if affected == 0 {
			return orderdomain.ErrConcurrentModification
		}
		for _, effect := range u.effects {
			if err := effect(tx); err != nil {
				return err
			}
		}

		if err := s.record(ctx, tx, who, action, order, expected, u); err != nil {
			return err
		}
		result = order
		steps = u.steps
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		for _, step := range steps {
			s.obsMetrics.RecordOrderTransition(ctx, string(step.From), string(step.To))
		}
		for _, txType := range ledger.Types() {
			s.obsMetrics.RecordLedgerOperation(ctx, string(txType))
		}
	}
	if len(steps) > 0 {
		s.log.Info("order transitioned",
			zap.String("order_id", result.ID.String()),
			zap.String("action", action),
			zap.String("from", string(steps[0].From)),
			zap.String("to", string(result.Status)),
			zap.String("actor", who.Subject()),
		)
	}
	return result, nil
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, who actor.Actor, action string, order *orderdomain.Order, from orderdomain.Status, u *unit) error {
	path := make([]string, 0, len(u.steps))
	for _, step := range u.steps {
		path = append(path, string(step.To))
	}
	metadata := map[string]any{
		"from_status": string(from),
		"to_status":   string(order.Status),
	}
	if len(path) > 0 {
		metadata["path"] = path
	}
	for key, value := range u.metadata {
		metadata[key] = value
	}
	if err := s.audit(ctx, tx, who, action, order, metadata); err != nil {
		return err
	}
	if len(u.steps) == 0 {
		return nil
	}

	payload := map[string]any{
		"order_id":    order.ID.String(),
		"agency_id":   order.AgencyID.String(),
		"from_status": string(from),
		"to_status":   string(order.Status),
		"action":      action,
	}
	return s.publish(ctx, tx, order, eventTypeFor(order.Status), payload)
}

func eventTypeFor(status orderdomain.Status) string {
	switch status {
	case orderdomain.StatusSubmitted:
		return events.EventOrderSubmitted
	case orderdomain.StatusComplete:
		return events.EventOrderCompleted
	case orderdomain.StatusCanceled, orderdomain.StatusCanceledByAgency:
		return events.EventOrderCanceled
	case orderdomain.StatusFailed:
		return events.EventOrderFailed
	default:
		return events.EventOrderTransitioned
	}
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, order *orderdomain.Order, eventType string, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		AggregateType: "order",
		AggregateID:   order.ID,
		Type:          eventType,
		Payload:       payload,
	})
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, who actor.Actor, action string, order *orderdomain.Order, metadata map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	return s.auditSvc.AuditLog(ctx, tx, who, action, "order", order.ID.String(), metadata)
}

func canAccess(who actor.Actor, order *orderdomain.Order) bool {
	switch who.Role {
	case actor.RoleAgency:
		return order.AgencyID == who.ID
	case actor.RoleAdmin, actor.RoleSystem:
		return true
	default:
		return false
	}
}

func parseReview(req orderdomain.ReviewRequest) (orderdomain.Decision, string, error) {
	decision, ok := orderdomain.ParseDecision(req.Decision)
	if !ok {
		return "", "", orderdomain.ErrInvalidDecision
	}
	reason := clip(strings.TrimSpace(req.Reason))
	if decision == orderdomain.DecisionReject && reason == "" {
		return "", "", orderdomain.ErrReasonRequired
	}
	return decision, reason, nil
}

func normalizeGuide(guide orderdomain.Guide) (orderdomain.Guide, error) {
	guide.Content = strings.TrimSpace(guide.Content)
	if guide.Content == "" {
		return orderdomain.Guide{}, orderdomain.ErrInvalidGuide
	}
	guide.PlaceName = strings.TrimSpace(guide.PlaceName)
	guide.RequiredKeywords = compact(guide.RequiredKeywords)
	guide.EmphasisKeywords = compact(guide.EmphasisKeywords)
	return guide, nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

// buildReference makes a readable, unique order reference.
func buildReference(title string, id snowflake.ID) string {
	base := slug.Make(title)
	if base == "" {
		base = "order"
	}
	if len(base) > maxSlugLength {
		base = strings.Trim(base[:maxSlugLength], "-")
	}
	return base + "-" + strconv.FormatInt(id.Int64(), 36)
}

func clip(value string) string {
	runes := []rune(value)
	if len(runes) <= maxReasonLength {
		return value
	}
	return string(runes[:maxReasonLength])
}
