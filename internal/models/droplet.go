package models

import (
	"time"

	"gorm.io/datatypes"
)

// Droplet lifecycle states. Provider states pass through unchanged; archived
// is terminal and set only by the soft-delete path.
const (
	StatusNew      = "new"
	StatusActive   = "active"
	StatusOff      = "off"
	StatusArchived = "archived"
)

// Workload is one container the droplet runs at boot, in list order.
type Workload struct {
	Image   string `json:"image"`
	Command string `json:"command"`
}

// Droplet is the persisted record of a provisioned compute instance. The
// provider-assigned numeric id is the primary external identity; the name is
// a secondary lookup key used by the droplet itself at boot.
type Droplet struct {
	ID        uint   `gorm:"primaryKey"`
	DropletID int64  `gorm:"uniqueIndex;not null"`
	Name      string `gorm:"index;not null"`
	OwnerID   string `gorm:"index;not null"`
	Status    string `gorm:"not null;default:new"`

	Region      string
	Size        string
	Image       string
	IPv4        string
	MonthlyCost float64

	// UserInput keeps the original natural-language request for audit and
	// workload inference.
	UserInput string

	Workloads datatypes.JSONSlice[Workload]
	GPU       bool

	ExpiresAt *time.Time `gorm:"index"`

	// IsDeleted and DeletedAt are set together by the archive path and never
	// unset. Archived records keep their row for history.
	IsDeleted bool `gorm:"not null;default:false;index"`
	DeletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Droplet) TableName() string { return "droplets" }
