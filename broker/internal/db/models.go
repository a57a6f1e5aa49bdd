package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Runner keys (C1)
// -----------------------------------------------------------------------------

// RunnerKey is a long-lived bearer credential that lets a runner attach to
// the broker. The plaintext token is generated once at Issue time and never
// persisted — only KeyHash (a keyed HMAC-SHA256 digest) is stored. KeyPrefix
// is the human-visible prefix ("sv_xxxxxxxx") shown in listings so a user can
// recognize a key without being able to reconstruct it.
//
// ClientCert is an optional PEM-encoded client certificate a runner may
// present for mTLS-based transport authentication in addition to the
// bearer secret (spec §6 treats this as an operator-configured option). It
// is the one field in this schema that must be recoverable in plaintext,
// so — unlike KeyHash — it is stored with EncryptedString rather than hashed.
type RunnerKey struct {
	base
	UserID     uuid.UUID `gorm:"type:text;not null;index"`
	Name       string    `gorm:"not null"`
	KeyHash    string    `gorm:"not null;uniqueIndex"`
	KeyPrefix  string    `gorm:"not null"`
	ClientCert EncryptedString `gorm:"type:text"`
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// -----------------------------------------------------------------------------
// Project (core-owned fields only — C7)
// -----------------------------------------------------------------------------

// Project mirrors only the fields this core owns on the project record
// (spec §3). The full project row (name, slug, owner, generation history,
// etc.) belongs to the out-of-scope HTTP/UI layer; this table exists so the
// core can persist its half of that row without depending on the UI
// layer's schema.
type Project struct {
	base
	Slug            string     `gorm:"uniqueIndex;not null"`
	UserID          uuid.UUID  `gorm:"type:text;not null;index"`
	RunnerID        *uuid.UUID `gorm:"type:text;index"`
	DevServerStatus string     `gorm:"not null;default:'stopped'"`
	DevServerPort   *int
	DevServerPID    *int
	TunnelURL       string `gorm:"default:''"`
	ErrorMessage    string `gorm:"type:text;default:''"`
	GenerationState string `gorm:"type:text;default:'{}'"` // opaque JSON owned by the executor
	LastActivityAt  time.Time
}

// -----------------------------------------------------------------------------
// RunningProcess (C8)
// -----------------------------------------------------------------------------

// RunningProcess is the persisted record of a runner-supervised dev-server
// child process. ProjectID is the primary key — at most one row per project
// (spec §3 invariant).
type RunningProcess struct {
	ProjectID             uuid.UUID `gorm:"type:text;primaryKey"`
	RunnerID              uuid.UUID `gorm:"type:text;not null;index"`
	PID                   int       `gorm:"not null"`
	Command               string    `gorm:"not null"`
	Port                  *int
	StartedAt             time.Time `gorm:"not null"`
	HealthCheckFailCount  int       `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// PortAllocation (C2)
// -----------------------------------------------------------------------------

// PortAllocation records a dev-server port reservation for a project.
// ProjectID is the primary key; unreleased rows hold a unique Port.
type PortAllocation struct {
	ProjectID  uuid.UUID `gorm:"type:text;primaryKey"`
	Port       int       `gorm:"not null;index"`
	ReservedAt time.Time `gorm:"not null"`
	ReleasedAt *time.Time
}
