// Package marketplace is the reference Order API backend. It authorizes with
// the same permission table the client engine uses and resolves races with
// guarded updates.
package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boostflow/internal/commission"
	"boostflow/internal/domain"
	"boostflow/internal/engine"
	"boostflow/internal/engine/auth"
	"boostflow/internal/events"
	"boostflow/internal/logger"
	"boostflow/internal/repo"
)

// ErrValidation wraps rejected input.
var ErrValidation = errors.New("validation failed")

type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	NewID  func() string
	Logger *zap.Logger
}

func New(conn *sql.DB, log *zap.Logger) Service {
	return Service{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{},
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  uuid.NewString,
		Logger: logger.OrNop(log),
	}
}

func (s Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func (s Service) newID() string {
	if s.NewID == nil {
		return uuid.NewString()
	}
	return s.NewID()
}

func (s Service) log() *zap.Logger {
	return logger.OrNop(s.Logger)
}

// Viewer loads the acting identity. Unknown users are unauthenticated.
func (s Service) Viewer(ctx context.Context, userID string) (*domain.Viewer, error) {
	u, err := s.Repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &domain.Viewer{ID: u.ID, Roles: u.Roles, Banned: u.Banned}, nil
}

// Login returns the user named username, creating it with roles when missing.
func (s Service) Login(ctx context.Context, username string, roles []domain.Role) (domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.User{}, fmt.Errorf("%w: username required", ErrValidation)
	}
	u, err := s.Repo.GetUserByUsername(ctx, username)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	if len(roles) == 0 {
		roles = []domain.Role{domain.RoleClient}
	}
	u = domain.User{ID: s.newID(), Username: username, Roles: roles}
	if err := s.Repo.EnsureUser(ctx, nil, u, repo.FormatTS(s.now())); err != nil {
		return domain.User{}, err
	}
	// a concurrent login may have won the insert
	return s.Repo.GetUserByUsername(ctx, username)
}

type CreateOrderInput struct {
	Price             int64
	AssignedPartnerID string
}

// CreateOrder opens a PENDING order owned by viewer.
func (s Service) CreateOrder(ctx context.Context, viewer *domain.Viewer, in CreateOrderInput) (domain.Order, error) {
	if err := auth.RequireRole(viewer, domain.RoleClient); err != nil {
		return domain.Order{}, err
	}
	if in.Price <= 0 {
		return domain.Order{}, fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	now := s.now()
	o := domain.Order{
		BoostID:    s.newID(),
		InternalID: s.newID(),
		Owner:      domain.Unresolved(viewer.ID),
		Price:      in.Price,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if in.AssignedPartnerID != "" {
		if in.AssignedPartnerID == viewer.ID {
			return domain.Order{}, fmt.Errorf("%w: cannot assign your own order to yourself", ErrValidation)
		}
		partner, err := s.Repo.GetUser(ctx, in.AssignedPartnerID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Order{}, fmt.Errorf("%w: assigned partner %s not found", ErrValidation, in.AssignedPartnerID)
			}
			return domain.Order{}, err
		}
		if !(&domain.Viewer{ID: partner.ID, Roles: partner.Roles}).HasRole(domain.RolePartner) || partner.Banned {
			return domain.Order{}, fmt.Errorf("%w: %s cannot take orders", ErrValidation, partner.Username)
		}
		o.AssignedPartner = domain.Unresolved(partner.ID)
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertOrder(ctx, tx, o, ""); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, events.ForOrder(domain.EventOrderCreated, o, viewer.ID), events.EventPayload{"price": o.Price})
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.log().Info("order created", zap.String("boost_id", o.BoostID), zap.String("owner_id", viewer.ID), zap.Int64("price", o.Price))
	return s.GetOrder(ctx, o.BoostID)
}

// GetOrder returns the order with its parties resolved to full users.
func (s Service) GetOrder(ctx context.Context, boostID string) (domain.Order, error) {
	o, err := s.Repo.GetOrder(ctx, boostID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := s.resolve(ctx, []*domain.Order{&o}); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (s Service) ListOrders(ctx context.Context, f repo.OrderFilters) ([]domain.Order, error) {
	orders, err := s.Repo.ListOrders(ctx, f)
	if err != nil {
		return nil, err
	}
	ptrs := make([]*domain.Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	if err := s.resolve(ctx, ptrs); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s Service) resolve(ctx context.Context, orders []*domain.Order) error {
	seen := map[string]bool{}
	var ids []string
	for _, o := range orders {
		for _, p := range []domain.PartyRef{o.Owner, o.ProcessingPartner, o.AssignedPartner} {
			if id, ok := p.ID(); ok && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	users, err := s.Repo.GetUsers(ctx, ids)
	if err != nil {
		return err
	}
	resolved := func(p domain.PartyRef) domain.PartyRef {
		if id, ok := p.ID(); ok {
			if u, found := users[id]; found {
				return domain.Resolved(u)
			}
		}
		return p
	}
	for _, o := range orders {
		o.Owner = resolved(o.Owner)
		o.ProcessingPartner = resolved(o.ProcessingPartner)
		o.AssignedPartner = resolved(o.AssignedPartner)
	}
	return nil
}

// Apply performs action on the order as viewer. The order is re-read inside
// the transaction, so a decision made on an older snapshot that is no longer
// valid returns engine.ErrStale.
func (s Service) Apply(ctx context.Context, viewer *domain.Viewer, boostID string, action engine.Action) (engine.Result, error) {
	res := engine.Result{Action: action, BoostID: boostID}
	cfg := s.CommissionConfig(ctx)
	log := s.log().With(zap.String("boost_id", boostID), zap.String("action", string(action)))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		order, err := s.Repo.GetOrderTx(ctx, tx, boostID)
		if err != nil {
			return err
		}
		if !engine.DerivePermissions(&order, viewer).Allows(action) {
			if _, terr := engine.NextStatus(&order, action); terr != nil {
				return fmt.Errorf("%w: %v", engine.ErrStale, terr)
			}
			return auth.ForbiddenError{Action: string(action), BoostID: boostID, Status: order.Status}
		}
		next, err := engine.NextStatus(&order, action)
		if err != nil {
			return err
		}
		now := s.now()
		switch action {
		case engine.ActionRenew, engine.ActionRecover:
			newID, err := s.spawn(ctx, tx, order, next, viewer.ID, now)
			if err != nil {
				return err
			}
			res.Kind = engine.ResultSpawned
			res.NewBoostID = newID
			return nil
		case engine.ActionDelete:
			if err := s.Repo.DeleteOrder(ctx, tx, boostID, order.Status); err != nil {
				return err
			}
			res.Kind = engine.ResultDeleted
			return s.Events.Append(ctx, tx, events.ForOrder(domain.EventOrderDeleted, order, viewer.ID), nil)
		}

		change := repo.OrderChange{BoostID: boostID, From: order.Status, To: next, UpdatedAt: now}
		switch action {
		case engine.ActionAccept:
			processing := domain.Unresolved(viewer.ID)
			change.ProcessingPartner = &processing
			order.ProcessingPartner = processing
		case engine.ActionRefuse:
			cleared := domain.PartyRef{}
			change.AssignedPartner = &cleared
		case engine.ActionComplete:
			if err := s.credit(ctx, tx, order, domain.LedgerEarning, commission.ComputeEarning(order.Price, &cfg), now); err != nil {
				return err
			}
		case engine.ActionCancel:
			if err := s.credit(ctx, tx, order, domain.LedgerPenalty, -commission.ComputePenalty(order.Price, &cfg), now); err != nil {
				return err
			}
		}
		if err := s.Repo.UpdateOrderStatus(ctx, tx, change); err != nil {
			return err
		}
		res.Kind = engine.ResultMutated
		return s.Events.Append(ctx, tx, events.ForOrder(domain.EventOrderUpdated, order, viewer.ID),
			events.EventPayload{"action": string(action), "from": string(order.Status), "to": string(next)})
	})
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			err = fmt.Errorf("%w: %s was changed by someone else", engine.ErrStale, boostID)
		}
		log.Info("order action rejected", zap.Error(err))
		return engine.Result{}, err
	}
	log.Info("order action applied", zap.String("kind", string(res.Kind)), zap.String("new_boost_id", res.NewBoostID))
	if res.Kind == engine.ResultMutated {
		updated, err := s.GetOrder(ctx, boostID)
		if err != nil {
			return engine.Result{}, err
		}
		res.Order = &updated
	}
	return res, nil
}

// spawn creates the follow-up order of a renew or recover. The original keeps
// its status and has its retry count bumped; the new order inherits the bumped
// count so a lineage is retried at most once.
func (s Service) spawn(ctx context.Context, tx *sql.Tx, original domain.Order, status domain.Status, actorID string, now time.Time) (string, error) {
	if err := s.Repo.IncrementRetry(ctx, tx, original.BoostID, original.Status, now); err != nil {
		return "", err
	}
	o := domain.Order{
		BoostID:         s.newID(),
		InternalID:      s.newID(),
		Owner:           original.Owner,
		AssignedPartner: original.AssignedPartner,
		Price:           original.Price,
		RetryCount:      original.RetryCount + 1,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Repo.InsertOrder(ctx, tx, o, original.BoostID); err != nil {
		return "", err
	}
	if err := s.Events.Append(ctx, tx, events.ForOrder(domain.EventOrderUpdated, original, actorID), events.EventPayload{"retry_count": original.RetryCount + 1}); err != nil {
		return "", err
	}
	return o.BoostID, s.Events.Append(ctx, tx, events.ForOrder(domain.EventOrderSpawned, o, actorID), events.EventPayload{"parent_id": original.BoostID})
}

func (s Service) credit(ctx context.Context, tx *sql.Tx, order domain.Order, kind string, amount int64, now time.Time) error {
	partnerID, ok := order.ProcessingPartner.ID()
	if !ok {
		return fmt.Errorf("order %s has no processing partner", order.BoostID)
	}
	return s.Repo.InsertLedgerEntry(ctx, tx, domain.LedgerEntry{
		UserID: partnerID, BoostID: order.BoostID, Kind: kind, Amount: amount, CreatedAt: repo.FormatTS(now),
	})
}

// CommissionConfig returns the stored rates, or the fallback when none are
// stored or the read fails.
func (s Service) CommissionConfig(ctx context.Context) domain.CommissionConfig {
	cfg, err := s.Repo.GetCommissionConfig(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			s.log().Warn("read commission config", zap.Error(err))
		}
		return commission.Default()
	}
	return cfg
}

// SetCommissionConfig stores new rates. Admin only.
func (s Service) SetCommissionConfig(ctx context.Context, viewer *domain.Viewer, cfg domain.CommissionConfig) (domain.CommissionConfig, error) {
	if err := auth.RequireRole(viewer, domain.RoleAdmin); err != nil {
		return domain.CommissionConfig{}, err
	}
	if err := commission.Validate(cfg); err != nil {
		return domain.CommissionConfig{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.UpsertCommissionConfig(ctx, tx, cfg, viewer.ID, repo.FormatTS(s.now())); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, domain.Event{Type: domain.EventCommissionUpdate, ActorID: viewer.ID},
			events.EventPayload{"partner_commission_rate": cfg.PartnerCommissionRate, "cancellation_penalty_rate": cfg.CancellationPenaltyRate})
	})
	if err != nil {
		return domain.CommissionConfig{}, err
	}
	s.log().Info("commission config updated", zap.String("actor_id", viewer.ID),
		zap.Float64("partner_commission_rate", cfg.PartnerCommissionRate),
		zap.Float64("cancellation_penalty_rate", cfg.CancellationPenaltyRate))
	return cfg, nil
}

// SetBanned bans or unbans userID. Admin only. Banned users keep their orders
// but lose every permission on them.
func (s Service) SetBanned(ctx context.Context, viewer *domain.Viewer, userID string, banned bool) (domain.User, error) {
	if err := auth.RequireRole(viewer, domain.RoleAdmin); err != nil {
		return domain.User{}, err
	}
	if userID == viewer.ID {
		return domain.User{}, fmt.Errorf("%w: cannot ban yourself", ErrValidation)
	}
	evtType := domain.EventUserUnbanned
	if banned {
		evtType = domain.EventUserBanned
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.SetBanned(ctx, tx, userID, banned); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, domain.Event{Type: evtType, UserID: userID, ActorID: viewer.ID}, nil)
	})
	if err != nil {
		return domain.User{}, err
	}
	return s.Repo.GetUser(ctx, userID)
}

// Ledger returns viewer's earnings and penalties with their sum.
func (s Service) Ledger(ctx context.Context, viewer *domain.Viewer) ([]domain.LedgerEntry, int64, error) {
	if err := auth.RequireRole(viewer, domain.RolePartner); err != nil {
		return nil, 0, err
	}
	return s.Repo.Ledger(ctx, viewer.ID)
}

func (s Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
