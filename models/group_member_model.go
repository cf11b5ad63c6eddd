package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	MemberStatusPresent = "present"
	MemberStatusRemoved = "removed"
	MemberStatusLeft    = "left"
)

// GroupMember is the roster entry for a chat user the bot has seen in a group.
// The messaging platform only enumerates administrators, so plain members are
// known to the reconciler through join events recorded here.
type GroupMember struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key"`
	GroupID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_group_members_group_user"`
	UserID    int64     `gorm:"not null;uniqueIndex:idx_group_members_group_user"`
	Username  string    `gorm:"size:100;index"`
	Role      string    `gorm:"size:20;not null;default:'member'"`
	Status    string    `gorm:"size:20;not null;default:'present';index"`
	JoinedAt  time.Time `gorm:"not null"`
	RemovedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (m *GroupMember) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
