package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"alertflow/internal/config"
	"alertflow/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore persists engine state in a relational database through gorm.
// Params: gorm handle opened on SQLite.
// Returns: transactional store implementation.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database, tunes the pool, and applies migrations.
// Params: store settings from config.
// Returns: initialized store or setup error.
func NewGormStore(settings config.StoreConfig) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(settings.DSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	maxOpen := settings.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	sqlDB.SetConnMaxLifetime(0)

	if settings.Migrate {
		if err := Migrate(sqlDB); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreFromDB wraps an already opened gorm handle.
func NewGormStoreFromDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB exposes underlying gorm handle.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Ping checks database reachability.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases database handle.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ListEnabledRules loads enabled rules in stored order.
// Params: sources filter; empty list loads every source.
// Returns: rules ordered by position then id.
func (s *GormStore) ListEnabledRules(ctx context.Context, sources []string) ([]domain.AlertRule, error) {
	query := s.db.WithContext(ctx).Where("enabled = ?", true)
	if len(sources) > 0 {
		query = query.Where("source IN ?", sources)
	}
	var rules []domain.AlertRule
	if err := query.Order("position asc").Order("id asc").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list rules: %w", translateError(err))
	}
	return rules, nil
}

// ActiveMaintenanceWindows loads enabled tenant windows covering instant at.
func (s *GormStore) ActiveMaintenanceWindows(ctx context.Context, tenantID string, at time.Time) ([]domain.MaintenanceWindow, error) {
	at = at.UTC()
	var windows []domain.MaintenanceWindow
	// Stored instants are UTC text, so SQL comparison follows time order.
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND enabled = ?", tenantID, true).
		Where("starts_at <= ? AND ends_at > ?", at, at).
		Order("starts_at asc").Order("id asc").
		Find(&windows).Error
	if err != nil {
		return nil, fmt.Errorf("list maintenance windows: %w", translateError(err))
	}
	active := windows[:0]
	for _, window := range windows {
		if window.ActiveAt(at) {
			active = append(active, window)
		}
	}
	return active, nil
}

// WithinTx runs fn inside one database transaction.
// Params: fn receives transactional view; returning error rolls back.
// Returns: fn error or commit error.
func (s *GormStore) WithinTx(ctx context.Context, fn func(tx AlertTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormTx{db: tx})
	})
}

// GetAlert loads one alert by id.
func (s *GormStore) GetAlert(ctx context.Context, alertID string) (domain.AlertInstance, error) {
	return gormTx{db: s.db}.LoadAlert(ctx, alertID)
}

// ListAlertEvents loads audit trail of one alert in write order.
func (s *GormStore) ListAlertEvents(ctx context.Context, alertID string) ([]domain.AlertEvent, error) {
	var events []domain.AlertEvent
	err := s.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Order("created_at asc").Order("rowid asc").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list alert events: %w", translateError(err))
	}
	return events, nil
}

// EnabledSteps loads enabled steps of one policy ordered by step order.
func (s *GormStore) EnabledSteps(ctx context.Context, policyID string) ([]domain.EscalationStep, error) {
	var steps []domain.EscalationStep
	err := s.db.WithContext(ctx).
		Where("policy_id = ? AND enabled = ?", policyID, true).
		Order("step_order asc").Order("id asc").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("list escalation steps: %w", translateError(err))
	}
	return steps, nil
}

// InsertNotifications stores scheduled notification rows.
func (s *GormStore) InsertNotifications(ctx context.Context, notifications []domain.AlertNotification) error {
	if len(notifications) == 0 {
		return nil
	}
	for i := range notifications {
		notifications[i].NextAttemptAt = notifications[i].NextAttemptAt.UTC()
	}
	if err := s.db.WithContext(ctx).Create(&notifications).Error; err != nil {
		return fmt.Errorf("insert notifications: %w", translateError(err))
	}
	return nil
}

// ListNotifications loads notifications of one alert ordered by schedule.
func (s *GormStore) ListNotifications(ctx context.Context, alertID string) ([]domain.AlertNotification, error) {
	var notifications []domain.AlertNotification
	err := s.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Find(&notifications).Error
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", translateError(err))
	}
	sortBySchedule(notifications)
	return notifications, nil
}

// DueNotifications loads pending notifications whose next attempt is not after now.
// Params: evaluation instant and maximum batch size.
// Returns: due rows ordered by next attempt.
func (s *GormStore) DueNotifications(ctx context.Context, now time.Time, limit int) ([]domain.AlertNotification, error) {
	now = now.UTC()
	query := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", domain.NotificationPending, now).
		Order("next_attempt_at asc").Order("id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var pending []domain.AlertNotification
	if err := query.Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("list due notifications: %w", translateError(err))
	}

	due := pending[:0]
	for _, notification := range pending {
		if !notification.NextAttemptAt.After(now) {
			due = append(due, notification)
		}
	}
	return due, nil
}

// LeaseNotification claims one due notification until the given instant.
// Params: notification id, current instant, and lease deadline.
// Returns: true when this caller owns the attempt.
func (s *GormStore) LeaseNotification(ctx context.Context, notificationID string, now, until time.Time) (bool, error) {
	leased := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current domain.AlertNotification
		if err := tx.Where("id = ?", notificationID).First(&current).Error; err != nil {
			return translateError(err)
		}
		if current.Status != domain.NotificationPending || current.NextAttemptAt.After(now) {
			return nil
		}
		result := tx.Model(&domain.AlertNotification{}).
			Where("id = ? AND status = ? AND attempts = ?", notificationID, domain.NotificationPending, current.Attempts).
			Updates(map[string]interface{}{
				"next_attempt_at": until.UTC(),
				"attempts":        current.Attempts + 1,
				"updated_at":      now.UTC(),
			})
		if result.Error != nil {
			return translateError(result.Error)
		}
		leased = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("lease notification %s: %w", notificationID, err)
	}
	return leased, nil
}

// MarkNotificationSent records successful delivery.
func (s *GormStore) MarkNotificationSent(ctx context.Context, notificationID string, request, response []byte, now time.Time) error {
	result := s.db.WithContext(ctx).Model(&domain.AlertNotification{}).
		Where("id = ?", notificationID).
		Updates(map[string]interface{}{
			"status":        domain.NotificationSent,
			"last_request":  request,
			"last_response": response,
			"updated_at":    now.UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("mark notification sent: %w", translateError(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("mark notification sent %s: %w", notificationID, ErrNotFound)
	}
	return nil
}

// MarkNotificationFailed records a failed attempt.
// Params: notification id, snapshots, current instant, and attempt budget.
// Returns: error; row is rescheduled at now+throttle while attempts remain, failed otherwise.
func (s *GormStore) MarkNotificationFailed(
	ctx context.Context,
	notificationID string,
	request, response []byte,
	now time.Time,
	maxAttempts int,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current domain.AlertNotification
		if err := tx.Where("id = ?", notificationID).First(&current).Error; err != nil {
			return fmt.Errorf("load notification %s: %w", notificationID, translateError(err))
		}
		if current.Status == domain.NotificationCancelled {
			return nil
		}
		updates := map[string]interface{}{
			"last_request":  request,
			"last_response": response,
			"updated_at":    now.UTC(),
		}
		if maxAttempts > 0 && current.Attempts >= maxAttempts {
			updates["status"] = domain.NotificationFailed
		} else {
			updates["status"] = domain.NotificationPending
			updates["next_attempt_at"] = now.Add(current.Throttle()).UTC()
		}
		if err := tx.Model(&domain.AlertNotification{}).Where("id = ?", notificationID).Updates(updates).Error; err != nil {
			return fmt.Errorf("mark notification failed: %w", translateError(err))
		}
		return nil
	})
}

// CancelPendingNotifications cancels every pending notification of one alert.
// Returns: number of cancelled rows.
func (s *GormStore) CancelPendingNotifications(ctx context.Context, alertID string, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&domain.AlertNotification{}).
		Where("alert_id = ? AND status = ?", alertID, domain.NotificationPending).
		Updates(map[string]interface{}{
			"status":     domain.NotificationCancelled,
			"updated_at": now.UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("cancel notifications: %w", translateError(result.Error))
	}
	return result.RowsAffected, nil
}

// UpsertRule inserts or replaces one rule by id.
func (s *GormStore) UpsertRule(ctx context.Context, rule domain.AlertRule) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rule).Error
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", rule.ID, translateError(err))
	}
	return nil
}

// UpsertPolicy inserts or replaces one policy and all of its steps.
func (s *GormStore) UpsertPolicy(ctx context.Context, policy domain.EscalationPolicy) error {
	steps := policy.Steps
	policy.Steps = nil
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Omit(clause.Associations).Create(&policy).Error
		if err != nil {
			return fmt.Errorf("upsert policy %s: %w", policy.ID, translateError(err))
		}
		if err := tx.Where("policy_id = ?", policy.ID).Delete(&domain.EscalationStep{}).Error; err != nil {
			return fmt.Errorf("replace policy steps: %w", translateError(err))
		}
		if len(steps) == 0 {
			return nil
		}
		for i := range steps {
			steps[i].PolicyID = policy.ID
			if strings.TrimSpace(steps[i].ID) == "" {
				steps[i].ID = fmt.Sprintf("%s/%d", policy.ID, steps[i].StepOrder)
			}
		}
		if err := tx.Create(&steps).Error; err != nil {
			return fmt.Errorf("insert policy steps: %w", translateError(err))
		}
		return nil
	})
}

// UpsertMaintenanceWindow inserts or replaces one window by id.
func (s *GormStore) UpsertMaintenanceWindow(ctx context.Context, window domain.MaintenanceWindow) error {
	window.StartsAt = window.StartsAt.UTC()
	window.EndsAt = window.EndsAt.UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&window).Error
	if err != nil {
		return fmt.Errorf("upsert maintenance window %s: %w", window.ID, translateError(err))
	}
	return nil
}

// gormTx implements AlertTx over one gorm transaction handle.
type gormTx struct {
	db *gorm.DB
}

func (t gormTx) FindActiveAlert(ctx context.Context, tenantID, dedupeKey string) (domain.AlertInstance, error) {
	var alert domain.AlertInstance
	err := t.db.WithContext(ctx).
		Where("tenant_id = ? AND dedupe_key = ? AND status IN ?", tenantID, dedupeKey,
			[]domain.AlertStatus{domain.AlertStatusOpen, domain.AlertStatusAck}).
		Take(&alert).Error
	if err != nil {
		return domain.AlertInstance{}, translateError(err)
	}
	return alert, nil
}

func (t gormTx) LoadAlert(ctx context.Context, alertID string) (domain.AlertInstance, error) {
	var alert domain.AlertInstance
	if err := t.db.WithContext(ctx).Where("id = ?", alertID).Take(&alert).Error; err != nil {
		return domain.AlertInstance{}, translateError(err)
	}
	return alert, nil
}

func (t gormTx) InsertAlert(ctx context.Context, alert *domain.AlertInstance) error {
	normalizeAlertTimes(alert)
	if err := t.db.WithContext(ctx).Create(alert).Error; err != nil {
		return fmt.Errorf("insert alert %s: %w", alert.DedupeKey, translateError(err))
	}
	return nil
}

// UpdateAlert writes mutable alert fields only when stored status still equals priorStatus.
func (t gormTx) UpdateAlert(ctx context.Context, alert *domain.AlertInstance, priorStatus domain.AlertStatus) error {
	normalizeAlertTimes(alert)
	if alert.UpdatedAt.IsZero() {
		alert.UpdatedAt = time.Now()
	}
	alert.UpdatedAt = alert.UpdatedAt.UTC()
	result := t.db.WithContext(ctx).Model(&domain.AlertInstance{}).
		Where("id = ? AND status = ?", alert.ID, priorStatus).
		Updates(map[string]interface{}{
			"title":                 alert.Title,
			"severity":              alert.Severity,
			"status":                alert.Status,
			"suppressed":            alert.Suppressed,
			"maintenance_window_id": alert.MaintenanceWindowID,
			"last_seen_at":          alert.LastSeenAt,
			"acknowledged_at":       alert.AcknowledgedAt,
			"resolved_at":           alert.ResolvedAt,
			"payload":               alert.Payload,
			"updated_at":            alert.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("update alert %s: %w", alert.ID, translateError(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("update alert %s from %s: %w", alert.ID, priorStatus, ErrConflict)
	}
	return nil
}

func (t gormTx) AppendEvent(ctx context.Context, event *domain.AlertEvent) error {
	event.CreatedAt = event.CreatedAt.UTC()
	if err := t.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("append alert event: %w", translateError(err))
	}
	return nil
}

func normalizeAlertTimes(alert *domain.AlertInstance) {
	alert.FirstSeenAt = alert.FirstSeenAt.UTC()
	alert.LastSeenAt = alert.LastSeenAt.UTC()
	if alert.AcknowledgedAt != nil {
		at := alert.AcknowledgedAt.UTC()
		alert.AcknowledgedAt = &at
	}
	if alert.ResolvedAt != nil {
		at := alert.ResolvedAt.UTC()
		alert.ResolvedAt = &at
	}
}

func sortBySchedule(notifications []domain.AlertNotification) {
	sort.SliceStable(notifications, func(i, j int) bool {
		if notifications[i].NextAttemptAt.Equal(notifications[j].NextAttemptAt) {
			return notifications[i].ID < notifications[j].ID
		}
		return notifications[i].NextAttemptAt.Before(notifications[j].NextAttemptAt)
	})
}

// translateError maps driver errors onto package sentinels.
func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return ErrConflict
	default:
		return err
	}
}
