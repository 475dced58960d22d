package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/permanent"
)

// Job is one notification delivery attempt handed to delivery workers.
// Params: notification row, its attempt number, and an alert snapshot.
// Returns: queue unit consumed by delivery workers.
type Job struct {
	ID             string        `json:"id"`
	NotificationID string        `json:"notification_id"`
	AlertID        string        `json:"alert_id"`
	TenantID       string        `json:"tenant_id"`
	StepID         string        `json:"step_id,omitempty"`
	Channel        string        `json:"channel"`
	Target         string        `json:"target,omitempty"`
	Attempt        int           `json:"attempt"`
	Alert          AlertSnapshot `json:"alert"`
	CreatedAt      time.Time     `json:"created_at"`
}

// AlertSnapshot carries the alert fields a sender renders.
type AlertSnapshot struct {
	DedupeKey   string             `json:"dedupe_key"`
	Title       string             `json:"title"`
	Severity    domain.Severity    `json:"severity"`
	Status      domain.AlertStatus `json:"status"`
	Suppressed  bool               `json:"suppressed"`
	DashboardID string             `json:"dashboard_id,omitempty"`
	FirstSeenAt time.Time          `json:"first_seen_at"`
	LastSeenAt  time.Time          `json:"last_seen_at"`
}

// NewJob builds a job for one leased notification attempt.
// Params: notification row after lease, owning alert, and creation instant.
// Returns: job with deterministic id.
func NewJob(notification domain.AlertNotification, alert domain.AlertInstance, now time.Time) Job {
	return Job{
		ID:             BuildJobID(notification.ID, notification.Attempts),
		NotificationID: notification.ID,
		AlertID:        notification.AlertID,
		TenantID:       notification.TenantID,
		StepID:         notification.StepID,
		Channel:        notification.Channel,
		Target:         notification.Target,
		Attempt:        notification.Attempts,
		Alert: AlertSnapshot{
			DedupeKey:   alert.DedupeKey,
			Title:       alert.Title,
			Severity:    alert.Severity,
			Status:      alert.Status,
			Suppressed:  alert.Suppressed,
			DashboardID: alert.DashboardID,
			FirstSeenAt: alert.FirstSeenAt,
			LastSeenAt:  alert.LastSeenAt,
		},
		CreatedAt: now.UTC(),
	}
}

// DLQReason identifies why a job was moved to the dead-letter queue.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for delivery failures.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// BuildJobID creates deterministic id for one notification attempt.
// Params: notification id and attempt counter after lease.
// Returns: stable SHA1-based id used as JetStream dedup id.
func BuildJobID(notificationID string, attempt int) string {
	sum := sha1.Sum([]byte(notificationID + "|" + strconv.Itoa(attempt)))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues notification delivery jobs.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Handler processes one delivered job.
type Handler func(ctx context.Context, job Job) error

// MarkPermanent wraps error as permanent processing failure.
func MarkPermanent(err error) error {
	return permanent.Mark(err)
}

// IsPermanent reports whether error is marked as non-retryable.
func IsPermanent(err error) bool {
	return permanent.Is(err)
}

// Worker consumes queued jobs until closed.
type Worker interface {
	Close() error
}
