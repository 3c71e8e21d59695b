// Package usage persists per-request token and cost telemetry.
package usage

import (
	"context"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relayops/claude-relay/internal/models"
)

// Recorder writes usage rows off the request hot path. Records are
// deduplicated on request id, so retried writes for the same logical
// request never double-count.
type Recorder struct {
	db *gorm.DB

	wg     sync.WaitGroup
	inline bool // Synchronous writes, for tests and shutdown paths.
}

// NewRecorder constructs a Recorder.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// NewSyncRecorder constructs a Recorder that writes inline.
func NewSyncRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db, inline: true}
}

// Record persists one usage row. Asynchronous and fire-and-forget:
// persistence failures are logged, never propagated to the request.
func (r *Recorder) Record(record *models.UsageRecord) {
	if r == nil || r.db == nil || record == nil {
		return
	}
	if strings.TrimSpace(record.RequestID) == "" {
		log.Warn("usage: dropping record without request id")
		return
	}

	if r.inline {
		r.persist(record)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.persist(record)
	}()
}

func (r *Recorder) persist(record *models.UsageRecord) {
	// Detached context: the request that produced this record may
	// already be gone.
	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	errCreate := r.db.WithContext(dbCtx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoNothing: true,
	}).Create(record).Error
	if errCreate != nil {
		log.WithError(errCreate).WithField("request_id", record.RequestID).Warn("usage: persist record failed")
	}
}

// Flush waits for in-flight writes, for graceful shutdown.
func (r *Recorder) Flush() {
	if r == nil {
		return
	}
	r.wg.Wait()
}
