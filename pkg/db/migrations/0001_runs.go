package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upRuns, downRuns)
}

type Run struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Profile    string            `gorm:"type:text"`
	ImageURL   string            `gorm:"type:text"`
	Outcome    string            `gorm:"type:text;not null"`
	Error      string            `gorm:"type:text"`
	StartedAt  time.Time         `gorm:"type:timestamptz;not null;index"`
	FinishedAt time.Time         `gorm:"type:timestamptz;not null"`
	Meta       datatypes.JSONMap `gorm:"type:jsonb"`
}

type MachineOutcome struct {
	ID         int64      `gorm:"type:bigserial;primaryKey"`
	RunID      uuid.UUID  `gorm:"type:uuid;not null;index"`
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
	Run        Run        `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upRuns(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(&Run{}, &MachineOutcome{}); err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().CreateConstraint(&MachineOutcome{}, "Run")
}

func downRuns(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&MachineOutcome{}, &Run{})
}
