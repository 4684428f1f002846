package capacity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"ms-capacity/internal/config"
	"ms-capacity/internal/logger"
	"ms-capacity/internal/metrics"
	"ms-capacity/internal/models"
	"ms-capacity/internal/telemetry"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"
)

// EventPublisher receives capacity events after the change is committed.
type EventPublisher interface {
	PublishCapacityEvent(ctx context.Context, event models.CapacityEvent) error
}

// AvailabilityCache serves display reads of available capacity.
type AvailabilityCache interface {
	GetAvailable(ctx context.Context, scheduleID, variantID string) (int, bool, error)
	SetAvailable(ctx context.Context, scheduleID, variantID string, available int, ttl time.Duration) error
	Invalidate(ctx context.Context, scheduleID, variantID string) error
}

// ReserveRequest asks for a hold of Quantity units. A TTL of zero uses the
// configured default.
type ReserveRequest struct {
	ScheduleID string        `json:"schedule_id"`
	VariantID  string        `json:"variant_id"`
	Quantity   int           `json:"quantity"`
	OwnerID    string        `json:"owner_id"`
	TTL        time.Duration `json:"-"`
}

type Service struct {
	db         *bun.DB
	ledger     *Ledger
	cfg        config.CapacityConfig
	log        *logger.Logger
	metrics    *metrics.Recorder
	publishers []EventPublisher
	cache      AvailabilityCache
	now        func() time.Time
	newID      func() string
}

type Option func(*Service)

// WithPublisher adds a post-commit event sink. May be given more than once.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publishers = append(s.publishers, p) }
}

func WithCache(c AvailabilityCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now. Tests use it to control expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(db *bun.DB, cfg config.CapacityConfig, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		db:    db,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = NewLedger(db, log, cfg.LockTimeout)
	s.ledger.now = s.now
	s.ledger.metrics = s.metrics
	return s
}

func (s *Service) Ledger() *Ledger {
	return s.ledger
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Reserve places a hold. The ledger increment and the reservation insert
// commit together or not at all.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (*models.Reservation, error) {
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if req.OwnerID == "" {
		return nil, ErrInvalidOwner
	}
	if err := validateKey(req.ScheduleID, req.VariantID); err != nil {
		return nil, err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultHoldTTL
	}

	ctx, span := telemetry.StartSpan(ctx, "capacity.reserve")
	span.SetAttributes(
		attribute.String("schedule_id", req.ScheduleID),
		attribute.String("variant_id", req.VariantID),
		attribute.Int("quantity", req.Quantity),
	)

	now := s.clock()
	res := &models.Reservation{
		ID:         s.newID(),
		ScheduleID: req.ScheduleID,
		VariantID:  req.VariantID,
		Quantity:   req.Quantity,
		OwnerID:    req.OwnerID,
		Status:     models.ReservationStatusActive,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	var row *models.ScheduleVariantCapacity
	err := s.ledger.withinTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		row, err = s.ledger.adjustTx(ctx, tx, req.ScheduleID, req.VariantID,
			adjustment{reserved: req.Quantity, requireEnabled: true})
		if err != nil {
			return err
		}
		if _, err := tx.NewInsert().Model(res).Exec(ctx); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			s.metrics.Rejected(ctx)
			s.log.Warn("RESERVATION", fmt.Sprintf("Rejected %d x %s/%s for %s: %v",
				req.Quantity, req.ScheduleID, req.VariantID, req.OwnerID, err))
		}
		return nil, err
	}

	s.metrics.Reserved(ctx, res.Quantity)
	s.log.LogReservation("RESERVE", res.ID, fmt.Sprintf("%d x %s/%s for %s until %s",
		res.Quantity, res.ScheduleID, res.VariantID, res.OwnerID, res.ExpiresAt.Format(time.RFC3339)))
	s.afterCommit(ctx, reservationEvent(models.CapacityEventReserved, res, row, now))
	return res, nil
}

// Confirm converts every active hold of the owner into a booking in one
// transaction. An owner without active holds, or with a hold past its expiry
// that the sweeper has not reached yet, is an error: the order must not be
// finalized.
func (s *Service) Confirm(ctx context.Context, ownerID string) ([]models.Reservation, error) {
	if ownerID == "" {
		return nil, ErrInvalidOwner
	}

	ctx, span := telemetry.StartSpan(ctx, "capacity.confirm")
	span.SetAttributes(attribute.String("owner_id", ownerID))

	var holds []models.Reservation
	var events []models.CapacityEvent
	err := s.ledger.withinTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewSelect().
			Model(&holds).
			Where("owner_id = ?", ownerID).
			Where("status = ?", models.ReservationStatusActive).
			Order("schedule_id", "variant_id", "id")
		if isPostgres(tx) {
			q = q.For("UPDATE")
		}
		if err := q.Scan(ctx); err != nil {
			return fmt.Errorf("load holds for %s: %w", ownerID, err)
		}
		if len(holds) == 0 {
			return fmt.Errorf("%w: no active hold for owner %s", ErrReservationNotFound, ownerID)
		}
		now := s.clock()
		for _, h := range holds {
			if h.ExpiredAt(now) {
				return fmt.Errorf("%w: hold %s for owner %s expired at %s",
					ErrReservationNotFound, h.ID, ownerID, h.ExpiresAt.Format(time.RFC3339))
			}
		}
		var err error
		events, err = s.confirmTx(ctx, tx, holds)
		return err
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		s.logConfirmFailure(ownerID, err)
		return nil, err
	}

	for _, h := range holds {
		s.metrics.Confirmed(ctx, h.Quantity)
		s.log.LogReservation("CONFIRM", h.ID, fmt.Sprintf("%d x %s/%s for %s", h.Quantity, h.ScheduleID, h.VariantID, ownerID))
	}
	s.afterCommit(ctx, events...)
	return holds, nil
}

// ConfirmReservation confirms a single hold by id.
func (s *Service) ConfirmReservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "capacity.confirm_reservation")
	span.SetAttributes(attribute.String("reservation_id", reservationID))

	var hold models.Reservation
	var events []models.CapacityEvent
	err := s.ledger.withinTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		found, err := s.lockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if found == nil || !found.IsActive() || found.ExpiredAt(s.clock()) {
			return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
		}
		holds := []models.Reservation{*found}
		events, err = s.confirmTx(ctx, tx, holds)
		hold = holds[0]
		return err
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		s.logConfirmFailure(reservationID, err)
		return nil, err
	}

	s.metrics.Confirmed(ctx, hold.Quantity)
	s.log.LogReservation("CONFIRM", hold.ID, fmt.Sprintf("%d x %s/%s for %s", hold.Quantity, hold.ScheduleID, hold.VariantID, hold.OwnerID))
	s.afterCommit(ctx, events...)
	return &hold, nil
}

func (s *Service) logConfirmFailure(ref string, err error) {
	if errors.Is(err, ErrReservationNotFound) {
		s.log.Error("RESERVATION", fmt.Sprintf("Confirm failed for %s: %v", ref, err))
		return
	}
	s.log.Warn("RESERVATION", fmt.Sprintf("Confirm failed for %s: %v", ref, err))
}

// confirmTx moves each hold from reserved to confirmed. Holds must be locked
// and sorted by (schedule, variant) so ledger rows are locked in a fixed order.
func (s *Service) confirmTx(ctx context.Context, tx bun.Tx, holds []models.Reservation) ([]models.CapacityEvent, error) {
	sort.SliceStable(holds, func(i, j int) bool {
		if holds[i].ScheduleID != holds[j].ScheduleID {
			return holds[i].ScheduleID < holds[j].ScheduleID
		}
		return holds[i].VariantID < holds[j].VariantID
	})

	now := s.clock()
	events := make([]models.CapacityEvent, 0, len(holds))
	for i := range holds {
		h := &holds[i]
		row, err := s.ledger.adjustTx(ctx, tx, h.ScheduleID, h.VariantID,
			adjustment{reserved: -h.Quantity, confirmed: h.Quantity})
		if err != nil {
			return nil, err
		}
		h.Status = models.ReservationStatusConfirmed
		h.ExpiresAt = time.Time{}
		h.ConfirmedAt = now
		_, err = tx.NewUpdate().
			Model(h).
			Column("status", "expires_at", "confirmed_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("confirm reservation %s: %w", h.ID, err)
		}
		events = append(events, reservationEvent(models.CapacityEventConfirmed, h, row, now))
	}
	return events, nil
}

// Release cancels one hold. Missing, released or confirmed reservations are
// left as they are and no error is returned.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	ctx, span := telemetry.StartSpan(ctx, "capacity.release")
	span.SetAttributes(attribute.String("reservation_id", reservationID))

	var released *models.Reservation
	var event models.CapacityEvent
	err := s.ledger.withinTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		found, err := s.lockReservation(ctx, tx, reservationID)
		if err != nil || found == nil || !found.IsActive() {
			return err
		}
		event, err = s.releaseTx(ctx, tx, found, models.ReleaseReasonCancelled)
		if err != nil {
			return err
		}
		released = found
		return nil
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		return err
	}

	if released == nil {
		s.log.Debug("RESERVATION", fmt.Sprintf("Release of %s is a no-op", reservationID))
		return nil
	}
	s.metrics.Released(ctx, released.Quantity, string(models.ReleaseReasonCancelled))
	s.log.LogReservation("RELEASE", released.ID, fmt.Sprintf("%d x %s/%s cancelled", released.Quantity, released.ScheduleID, released.VariantID))
	s.afterCommit(ctx, event)
	return nil
}

// ReleaseByOwner cancels every active hold of the owner and returns how many
// were released.
func (s *Service) ReleaseByOwner(ctx context.Context, ownerID string) (int, error) {
	if ownerID == "" {
		return 0, ErrInvalidOwner
	}

	ctx, span := telemetry.StartSpan(ctx, "capacity.release_by_owner")
	span.SetAttributes(attribute.String("owner_id", ownerID))

	var holds []models.Reservation
	var events []models.CapacityEvent
	err := s.ledger.withinTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewSelect().
			Model(&holds).
			Where("owner_id = ?", ownerID).
			Where("status = ?", models.ReservationStatusActive).
			Order("schedule_id", "variant_id", "id")
		if isPostgres(tx) {
			q = q.For("UPDATE")
		}
		if err := q.Scan(ctx); err != nil {
			return fmt.Errorf("load holds for %s: %w", ownerID, err)
		}
		for i := range holds {
			ev, err := s.releaseTx(ctx, tx, &holds[i], models.ReleaseReasonCancelled)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		return 0, err
	}

	for _, h := range holds {
		s.metrics.Released(ctx, h.Quantity, string(models.ReleaseReasonCancelled))
		s.log.LogReservation("RELEASE", h.ID, fmt.Sprintf("%d x %s/%s cancelled with owner %s", h.Quantity, h.ScheduleID, h.VariantID, ownerID))
	}
	s.afterCommit(ctx, events...)
	return len(holds), nil
}

// releaseTx returns a locked active hold's units to the ledger and marks it released.
func (s *Service) releaseTx(ctx context.Context, tx bun.Tx, h *models.Reservation, reason models.ReleaseReason) (models.CapacityEvent, error) {
	row, err := s.ledger.adjustTx(ctx, tx, h.ScheduleID, h.VariantID, adjustment{reserved: -h.Quantity})
	if err != nil {
		return models.CapacityEvent{}, err
	}
	now := s.clock()
	h.Status = models.ReservationStatusReleased
	h.ReleasedAt = now
	h.ReleaseReason = reason
	_, err = tx.NewUpdate().
		Model(h).
		Column("status", "released_at", "release_reason").
		WherePK().
		Exec(ctx)
	if err != nil {
		return models.CapacityEvent{}, fmt.Errorf("release reservation %s: %w", h.ID, err)
	}
	ev := reservationEvent(models.CapacityEventReleased, h, row, now)
	ev.Reason = reason
	return ev, nil
}

// releaseNextExpired claims one active hold whose expiry is before now and
// releases it. It returns the id of the claimed hold (empty when none is
// left) and whether the release committed. Ids in exclude are not claimed.
func (s *Service) releaseNextExpired(ctx context.Context, exclude []string) (string, *models.Reservation, error) {
	now := s.clock()
	var claimed string
	var released *models.Reservation
	var event models.CapacityEvent

	err := s.ledger.withinTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		h := new(models.Reservation)
		q := tx.NewSelect().
			Model(h).
			Where("status = ?", models.ReservationStatusActive).
			Where("expires_at IS NOT NULL").
			Where("expires_at < ?", now).
			Order("expires_at", "id").
			Limit(1)
		if len(exclude) > 0 {
			q = q.Where("id NOT IN (?)", bun.In(exclude))
		}
		if isPostgres(tx) {
			q = q.For("UPDATE SKIP LOCKED")
		}
		if err := q.Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("claim expired reservation: %w", err)
		}
		claimed = h.ID

		var err error
		event, err = s.releaseTx(ctx, tx, h, models.ReleaseReasonExpired)
		if err != nil {
			return err
		}
		released = h
		return nil
	})
	if err != nil {
		return claimed, nil, err
	}
	if released != nil {
		s.metrics.Released(ctx, released.Quantity, string(models.ReleaseReasonExpired))
		s.log.LogReservation("EXPIRE", released.ID, fmt.Sprintf("%d x %s/%s expired at %s",
			released.Quantity, released.ScheduleID, released.VariantID, released.ExpiresAt.Format(time.RFC3339)))
		s.afterCommit(ctx, event)
	}
	return claimed, released, nil
}

// Extend pushes an active hold's expiry to now + ttl.
func (s *Service) Extend(ctx context.Context, reservationID string, ttl time.Duration) (*models.Reservation, error) {
	if ttl <= 0 {
		ttl = s.cfg.DefaultHoldTTL
	}

	var hold *models.Reservation
	err := s.ledger.withinTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		found, err := s.lockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		now := s.clock()
		if found == nil || !found.IsActive() || found.ExpiredAt(now) {
			return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
		}
		found.ExpiresAt = now.Add(ttl)
		_, err = tx.NewUpdate().
			Model(found).
			Column("expires_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("extend reservation %s: %w", reservationID, err)
		}
		hold = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.LogReservation("EXTEND", hold.ID, fmt.Sprintf("expires %s", hold.ExpiresAt.Format(time.RFC3339)))
	return hold, nil
}

// lockReservation reads a reservation in any state under a row lock.
// It returns nil without error when the id is unknown.
func (s *Service) lockReservation(ctx context.Context, tx bun.Tx, reservationID string) (*models.Reservation, error) {
	h := new(models.Reservation)
	q := tx.NewSelect().Model(h).Where("id = ?", reservationID)
	if isPostgres(tx) {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load reservation %s: %w", reservationID, err)
	}
	return h, nil
}

func (s *Service) GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	h := new(models.Reservation)
	if err := s.db.NewSelect().Model(h).Where("id = ?", reservationID).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
		}
		return nil, err
	}
	return h, nil
}

func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]models.Reservation, error) {
	var holds []models.Reservation
	err := s.db.NewSelect().
		Model(&holds).
		Where("owner_id = ?", ownerID).
		Order("created_at", "id").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return holds, nil
}

// Available returns display availability, from the cache when present.
func (s *Service) Available(ctx context.Context, scheduleID, variantID string) (int, error) {
	if s.cache != nil {
		available, ok, err := s.cache.GetAvailable(ctx, scheduleID, variantID)
		if err != nil {
			s.log.Warn("CACHE", fmt.Sprintf("Availability lookup for %s/%s failed: %v", scheduleID, variantID, err))
		} else if ok {
			return available, nil
		}
	}

	available, err := s.ledger.GetAvailable(ctx, scheduleID, variantID)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		if err := s.cache.SetAvailable(ctx, scheduleID, variantID, available, s.cfg.AvailabilityCacheTTL); err != nil {
			s.log.Warn("CACHE", fmt.Sprintf("Availability store for %s/%s failed: %v", scheduleID, variantID, err))
		}
	}
	return available, nil
}

func (s *Service) GetCapacity(ctx context.Context, scheduleID, variantID string) (*models.ScheduleVariantCapacity, error) {
	return s.ledger.Get(ctx, scheduleID, variantID)
}

func (s *Service) ListSchedule(ctx context.Context, scheduleID string) ([]models.ScheduleVariantCapacity, error) {
	return s.ledger.ListBySchedule(ctx, scheduleID)
}

// CreateCapacity activates a variant on a schedule with the given total.
func (s *Service) CreateCapacity(ctx context.Context, scheduleID, variantID string, total int) (*models.ScheduleVariantCapacity, error) {
	row, err := s.ledger.Create(ctx, scheduleID, variantID, total)
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, adjustedEvent(row, s.clock()))
	return row, nil
}

// UpdateCapacity applies an admin change to a row in one transaction.
func (s *Service) UpdateCapacity(ctx context.Context, scheduleID, variantID string, u RowUpdate) (*models.ScheduleVariantCapacity, error) {
	row, err := s.ledger.Update(ctx, scheduleID, variantID, u)
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, adjustedEvent(row, s.clock()))
	return row, nil
}

func (s *Service) SetTotal(ctx context.Context, scheduleID, variantID string, total int) (*models.ScheduleVariantCapacity, error) {
	return s.UpdateCapacity(ctx, scheduleID, variantID, RowUpdate{Total: &total})
}

func (s *Service) SetDisabled(ctx context.Context, scheduleID, variantID string, disabled bool) (*models.ScheduleVariantCapacity, error) {
	return s.UpdateCapacity(ctx, scheduleID, variantID, RowUpdate{Disabled: &disabled})
}

// afterCommit drops stale cache entries and fans events out. Failures are
// logged and never reach the caller.
func (s *Service) afterCommit(ctx context.Context, events ...models.CapacityEvent) {
	for _, ev := range events {
		if s.cache != nil {
			if err := s.cache.Invalidate(ctx, ev.Capacity.ScheduleID, ev.Capacity.VariantID); err != nil {
				s.log.Warn("CACHE", fmt.Sprintf("Invalidate %s/%s failed: %v", ev.Capacity.ScheduleID, ev.Capacity.VariantID, err))
			}
		}
		for _, p := range s.publishers {
			if err := p.PublishCapacityEvent(ctx, ev); err != nil {
				s.log.Warn("EVENTS", fmt.Sprintf("Publish %s for %s/%s failed: %v", ev.Type, ev.Capacity.ScheduleID, ev.Capacity.VariantID, err))
			}
		}
	}
}

func reservationEvent(t models.CapacityEventType, h *models.Reservation, row *models.ScheduleVariantCapacity, at time.Time) models.CapacityEvent {
	return models.CapacityEvent{
		Type:          t,
		ReservationID: h.ID,
		OwnerID:       h.OwnerID,
		Quantity:      h.Quantity,
		Capacity:      row.View(),
		OccurredAt:    at,
	}
}

func adjustedEvent(row *models.ScheduleVariantCapacity, at time.Time) models.CapacityEvent {
	return models.CapacityEvent{
		Type:       models.CapacityEventAdjusted,
		Capacity:   row.View(),
		OccurredAt: at,
	}
}
