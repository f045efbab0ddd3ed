package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type workload struct {
	Image   string `json:"image"`
	Command string `json:"command"`
}

type Droplet struct {
	ID          uint                          `gorm:"primaryKey"`
	DropletID   int64                         `gorm:"uniqueIndex;not null"`
	Name        string                        `gorm:"type:text;index;not null"`
	OwnerID     string                        `gorm:"type:text;index;not null"`
	Status      string                        `gorm:"type:text;not null;default:new"`
	Region      string                        `gorm:"type:text"`
	Size        string                        `gorm:"type:text"`
	Image       string                        `gorm:"type:text"`
	IPv4        string                        `gorm:"type:text"`
	MonthlyCost float64                       `gorm:"type:numeric"`
	UserInput   string                        `gorm:"type:text"`
	Workloads   datatypes.JSONSlice[workload] `gorm:"type:jsonb"`
	GPU         bool                          `gorm:"not null;default:false"`
	ExpiresAt   *time.Time                    `gorm:"type:timestamptz;index"`
	IsDeleted   bool                          `gorm:"not null;default:false;index"`
	DeletedAt   *time.Time                    `gorm:"type:timestamptz"`
	CreatedAt   time.Time                     `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time                     `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (Droplet) TableName() string { return "droplets" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(&Droplet{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(&Droplet{})
}
