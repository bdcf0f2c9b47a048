package history

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type runModel struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Profile    string            `gorm:"type:text"`
	ImageURL   string            `gorm:"type:text"`
	Outcome    string            `gorm:"type:text;not null"`
	Error      string            `gorm:"type:text"`
	StartedAt  time.Time         `gorm:"type:timestamptz;not null"`
	FinishedAt time.Time         `gorm:"type:timestamptz;not null"`
	Meta       datatypes.JSONMap `gorm:"type:jsonb"`
}

func (runModel) TableName() string { return "runs" }

type outcomeModel struct {
	ID         int64      `gorm:"primaryKey;autoIncrement"`
	RunID      uuid.UUID  `gorm:"type:uuid;not null"`
	Cluster    string     `gorm:"type:text;not null"`
	Name       string     `gorm:"type:text;not null"`
	MonitorID  string     `gorm:"type:text"`
	Outcome    string     `gorm:"type:text;not null"`
	Status     string     `gorm:"type:text"`
	ExitCode   int        `gorm:"type:integer"`
	LogPath    string     `gorm:"type:text"`
	Error      string     `gorm:"type:text"`
	StartedAt  *time.Time `gorm:"type:timestamptz"`
	FinishedAt *time.Time `gorm:"type:timestamptz"`
}

func (outcomeModel) TableName() string { return "machine_outcomes" }

func toModels(run Run) (runModel, []outcomeModel) {
	model := runModel{
		ID:         run.ID,
		Profile:    run.Profile,
		ImageURL:   run.ImageURL,
		Outcome:    run.Outcome,
		Error:      run.Error,
		StartedAt:  run.StartedAt.UTC(),
		FinishedAt: run.FinishedAt.UTC(),
	}
	if len(run.Meta) > 0 {
		model.Meta = datatypes.JSONMap(run.Meta)
	}

	outcomes := make([]outcomeModel, 0, len(run.Machines))
	for _, m := range run.Machines {
		outcomes = append(outcomes, outcomeModel{
			RunID:      run.ID,
			Cluster:    m.Cluster,
			Name:       m.Name,
			MonitorID:  m.MonitorID,
			Outcome:    m.Outcome,
			Status:     m.Status,
			ExitCode:   m.ExitCode,
			LogPath:    m.LogPath,
			Error:      m.Error,
			StartedAt:  timePtr(m.StartedAt),
			FinishedAt: timePtr(m.FinishedAt),
		})
	}
	return model, outcomes
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
