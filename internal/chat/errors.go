package chat

import (
	"errors"
	"fmt"
)

// 房间消息子系统的错误分类，边界层（ws / http handler）据此映射为结构化错误响应。
var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrMessageNotFound  = errors.New("message not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrResyncImpossible = errors.New("resync impossible")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrRoomNotFound     = errors.New("room not found")
)

// StoreError 描述一次持久化层访问失败。
// errors.Is(err, ErrStoreUnavailable) 对所有 StoreError 成立。
type StoreError struct {
	Backend string
	Op      string
	Room    string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Room == "" {
		return fmt.Sprintf("store %s: %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("store %s: %s room=%s: %v", e.Backend, e.Op, e.Room, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}
