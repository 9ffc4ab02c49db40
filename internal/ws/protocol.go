package ws

import (
	"encoding/json"
	"errors"
	"time"

	"chatroom/internal/chat"
)

// 客户端 -> 服务端事件
const (
	EventSendMessage       = "send_message"
	EventGetRecentMessages = "get_recent_messages"
	EventGetOlderMessages  = "get_older_messages"
	EventGetSinceReconnect = "get_messages_since_reconnect"
)

// 服务端 -> 客户端事件
const (
	EventNewMessage             = "new_message"
	EventMessageSent            = "message_sent"
	EventRecentMessages         = "recent_messages"
	EventOlderMessages          = "older_messages"
	EventMessagesSinceReconnect = "messages_since_reconnect"
	EventError                  = "error"
	EventStatus                 = "status"
	EventJoin                   = "join"
	EventLeave                  = "leave"
)

// error 事件的 code 取值
const (
	CodeInvalidMessage   = "invalid_message"
	CodeMessageNotFound  = "message_not_found"
	CodeResyncImpossible = "resync_impossible"
	CodeStoreUnavailable = "store_unavailable"
	CodeRateLimited      = "rate_limited"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal"
)

// Envelope 是所有帧的外层结构：{"event": ..., "data": {...}}。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type SendMessageData struct {
	Message string `json:"message"`
}

type OlderMessagesData struct {
	BeforeMessageID string `json:"before_message_id"`
}

type SinceReconnectData struct {
	LastMessageID string `json:"last_message_id"`
}

type MessageSentData struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageListData struct {
	Messages []chat.Message `json:"messages"`
	Count    int            `json:"count"`
}

type ErrorData struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type StatusData struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

type PresenceData struct {
	Identity string `json:"identity"`
	Online   int    `json:"online"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}

func messageList(msgs []chat.Message) MessageListData {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return MessageListData{Messages: msgs, Count: len(msgs)}
}

// errorFor 把业务错误映射为 error 事件；存储细节不暴露给客户端。
func errorFor(err error) ErrorData {
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		return ErrorData{Code: CodeInvalidMessage, Message: err.Error()}
	case errors.Is(err, chat.ErrResyncImpossible):
		return ErrorData{Code: CodeResyncImpossible, Message: "last message id is no longer in the room log, fetch recent messages instead"}
	case errors.Is(err, chat.ErrMessageNotFound):
		return ErrorData{Code: CodeMessageNotFound, Message: "message not found"}
	case errors.Is(err, chat.ErrStoreUnavailable):
		return ErrorData{Code: CodeStoreUnavailable, Message: "message store unavailable"}
	default:
		return ErrorData{Code: CodeInternal, Message: "internal error"}
	}
}
