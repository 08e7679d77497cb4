package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/campusdesk/campusdesk/internal/jobs"
	"github.com/campusdesk/campusdesk/internal/platform/db"
)

// Orphan kinds reported by the scan.
const (
	OrphanNoRole          = "no_role"
	OrphanUnlinkedStudent = "unlinked_student"
)

// Orphan is an identity left incomplete by a failed setup or provisioning step.
type Orphan struct {
	IdentityID string
	Email      string
	Kind       string
	CreatedAt  time.Time
}

// OrphanScanJob finds identities without a role binding and student bindings
// without a linked student record.
type OrphanScanJob struct {
	DB      db.DBTX
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	// LocalIdentities is false when identities live in Kratos; the no-role
	// check then has no table to read.
	LocalIdentities bool
	clock           func() time.Time
}

// NewOrphanScanJob initialises the orphan scan handler.
func NewOrphanScanJob(conn db.DBTX, localIdentities bool, logger *slog.Logger, metrics *jobmetrics.Metrics) *OrphanScanJob {
	return &OrphanScanJob{
		DB:              conn,
		Logger:          logger,
		Metrics:         metrics,
		LocalIdentities: localIdentities,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the scan.
func (j *OrphanScanJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.DB == nil {
		return errors.New("orphan scan: handler not configured")
	}
	var payload OrphanScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.GraceMinutes <= 0 {
		payload.GraceMinutes = 10
	}

	tracker := j.Metrics.Track(TaskOrphanScan)
	defer func() {
		err = tracker.End(err)
	}()

	cutoff := j.now().Add(-time.Duration(payload.GraceMinutes) * time.Minute)
	orphans, err := j.Scan(ctx, cutoff)
	if err != nil {
		j.logger().Error("orphan scan failed", slog.Any("error", err))
		return err
	}
	for _, o := range orphans {
		j.logger().Warn("orphan identity needs remediation",
			slog.String("identity_id", o.IdentityID),
			slog.String("email", o.Email),
			slog.String("kind", o.Kind),
			slog.Time("created_at", o.CreatedAt))
	}
	j.Metrics.SetOrphanIdentities(len(orphans))
	j.logger().Info("orphan scan complete", slog.Int("orphans", len(orphans)))
	return nil
}

// Scan lists orphans created before cutoff.
func (j *OrphanScanJob) Scan(ctx context.Context, cutoff time.Time) ([]Orphan, error) {
	var out []Orphan
	if j.LocalIdentities {
		rows, err := j.DB.Query(ctx, `SELECT i.id, i.email, i.created_at
FROM identities i LEFT JOIN user_roles r ON r.user_id = i.id
WHERE r.user_id IS NULL AND i.created_at < $1
ORDER BY i.created_at`, cutoff)
		if err != nil {
			return nil, fmt.Errorf("orphan scan: identities: %w", err)
		}
		found, err := scanOrphans(rows, OrphanNoRole)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}

	rows, err := j.DB.Query(ctx, `SELECT r.user_id, '', r.created_at
FROM user_roles r LEFT JOIN students s ON s.user_id = r.user_id
WHERE r.role = 'student' AND s.id IS NULL AND r.created_at < $1
ORDER BY r.created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("orphan scan: student bindings: %w", err)
	}
	found, err := scanOrphans(rows, OrphanUnlinkedStudent)
	if err != nil {
		return nil, err
	}
	return append(out, found...), nil
}

type orphanRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

func scanOrphans(rows orphanRows, kind string) ([]Orphan, error) {
	defer rows.Close()
	var out []Orphan
	for rows.Next() {
		o := Orphan{Kind: kind}
		if err := rows.Scan(&o.IdentityID, &o.Email, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("orphan scan: scan: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (j *OrphanScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *OrphanScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
