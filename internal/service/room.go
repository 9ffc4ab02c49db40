package service

import (
	"context"
	"errors"

	"chatroom/internal/chat"
	"chatroom/internal/store"
)

// Presence 提供房间的在线连接数，由 ws.Hub 实现。
type Presence interface {
	Online(room string) int
}

// RoomService 即 Room Registry：把身份解析为房间，并处理 operator 的切换房间操作。
// 普通用户的房间恒为自己的用户名；operator 的当前房间持久化在账户库的 room 字段。
type RoomService struct {
	accounts store.Accounts
	presence Presence
	operator string
}

func NewRoomService(accounts store.Accounts, presence Presence, operator string) *RoomService {
	return &RoomService{accounts: accounts, presence: presence, operator: operator}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	Name   string `json:"name"`
	Online int    `json:"online"`
}

// Authorize 检查 identity 是否具备管理房间的能力。
func (s *RoomService) Authorize(identity string) error {
	if identity == "" || identity != s.operator {
		return chat.ErrNotAuthorized
	}
	return nil
}

// ResolveRoom 返回 identity 当前所在的房间。
func (s *RoomService) ResolveRoom(ctx context.Context, identity string) (string, error) {
	if identity != s.operator {
		return identity, nil
	}
	user, err := s.accounts.FindUser(ctx, identity)
	if errors.Is(err, store.ErrUserNotFound) {
		return identity, nil
	}
	if err != nil {
		return "", err
	}
	if user.Room == "" {
		return identity, nil
	}
	return user.Room, nil
}

// SwitchRoom 修改 operator 之后连接时进入的房间；已建立的连接不迁移。
func (s *RoomService) SwitchRoom(ctx context.Context, actor, room string) error {
	if err := s.Authorize(actor); err != nil {
		return err
	}
	if _, err := s.accounts.FindUser(ctx, room); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return chat.ErrRoomNotFound
		}
		return err
	}
	return s.accounts.SetCurrentRoom(ctx, actor, room)
}

// CurrentRoom 返回 identity 的房间及其在线人数。
func (s *RoomService) CurrentRoom(ctx context.Context, identity string) (*RoomDTO, error) {
	room, err := s.ResolveRoom(ctx, identity)
	if err != nil {
		return nil, err
	}
	return &RoomDTO{Name: room, Online: s.presence.Online(room)}, nil
}

// ListRooms 列出全部房间（每个账户一个），仅 operator 可用。
func (s *RoomService) ListRooms(ctx context.Context, actor string, limit int) ([]RoomDTO, error) {
	if err := s.Authorize(actor); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	users, err := s.accounts.ListUsers(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(users))
	for _, u := range users {
		out = append(out, RoomDTO{Name: u.Username, Online: s.presence.Online(u.Username)})
	}
	return out, nil
}
