// Package store archives terminal task outcomes in a relational database.
// It persists results only, not the event stream: the bus stays
// fire-and-forget, and a crashed subscriber gets no replay.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taskmesh/taskmesh/bus"
	"github.com/taskmesh/taskmesh/events"
)

var ErrNotFound = errors.New("task record not found")

// TaskRecord is the archived outcome of one task.
type TaskRecord struct {
	ID        uint   `gorm:"primaryKey"`
	TaskID    string `gorm:"uniqueIndex;not null"`
	SessionID string
	Goal      string
	Status    string
	Results   []byte `gorm:"type:jsonb"`
	Error     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Models lists everything Migrate manages.
var Models = []any{&TaskRecord{}}

// Store wraps the database handle.
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

// Open connects to Postgres and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle (tests pass sqlite) and migrates.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(Models...); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{
		db:  db,
		log: logrus.WithField("component", "store"),
	}, nil
}

// Record upserts the outcome for the payload's task. Status is
// "completed" or "failed"; the full payload data object is archived as
// JSON under Results.
func (s *Store) Record(ctx context.Context, status string, payload events.Payload) error {
	taskID := events.TaskID(payload)
	if taskID == "" {
		return errors.New("store: payload missing task_id")
	}

	data := events.Data(payload)
	results, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("store: encode results: %w", err)
	}

	goal, _ := data["original_goal"].(string)
	errMsg, _ := payload["error"].(string)

	rec := TaskRecord{
		TaskID:    taskID,
		SessionID: events.SessionID(payload),
		Goal:      goal,
		Status:    status,
		Results:   results,
		Error:     errMsg,
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "task_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"session_id", "goal", "status", "results", "error", "updated_at",
			}),
		}).
		Create(&rec).Error
}

// Get fetches the archived outcome for taskID.
func (s *Store) Get(ctx context.Context, taskID string) (TaskRecord, error) {
	var rec TaskRecord
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TaskRecord{}, ErrNotFound
	}
	return rec, err
}

// Listener returns the bus listener that archives task.completed and
// task.failed events. Archive failures are logged; they never disturb
// other listeners.
func (s *Store) Listener() bus.Listener {
	return func(topic string, payload events.Payload) {
		var status string
		switch topic {
		case events.TopicTaskCompleted:
			status = "completed"
		case events.TopicTaskFailed:
			status = "failed"
		default:
			return
		}

		if err := s.Record(context.Background(), status, payload); err != nil {
			s.log.WithFields(logrus.Fields{"topic": topic, "error": err}).
				Warn("failed to archive task outcome")
		}
	}
}

// Register subscribes the archive listener to both terminal topics.
func (s *Store) Register(ctx context.Context, b interface {
	Subscribe(ctx context.Context, pattern string, fn bus.Listener) error
}) error {
	fn := s.Listener()
	if err := b.Subscribe(ctx, events.TopicTaskCompleted, fn); err != nil {
		return err
	}
	return b.Subscribe(ctx, events.TopicTaskFailed, fn)
}
