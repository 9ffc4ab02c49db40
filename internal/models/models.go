package models

import "time"

const (
	RoleUser     = "user"
	RoleOperator = "operator"
)

// User 即身份；Room 是 operator 用来镜像其他房间的“当前房间”字段，普通用户恒等于 Username。
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"size:16;not null;default:user"`
	Room         string `gorm:"size:64;not null;default:''"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message 是房间日志的持久化行；Seq 决定日志顺序，MsgID 在同一房间内唯一。
type Message struct {
	Seq    uint64    `gorm:"primaryKey;autoIncrement;index:idx_msg_room_seq,priority:2"`
	Room   string    `gorm:"size:64;not null;uniqueIndex:idx_msg_room_msg_id,priority:1;index:idx_msg_room_seq,priority:1"`
	MsgID  string    `gorm:"size:32;not null;uniqueIndex:idx_msg_room_msg_id,priority:2"`
	Author string    `gorm:"size:64;not null"`
	Body   string    `gorm:"type:text;not null"`
	Origin string    `gorm:"size:64;not null;default:''"`
	SentAt time.Time `gorm:"not null"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	Username  string    `gorm:"index;size:64;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
