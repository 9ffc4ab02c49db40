package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
)

func newRequestID() string { return ulid.Make().String() }

// handle 处理一个客户端事件。任何错误（包括 panic）都只回给本连接，连接保持打开。
func (c *Client) handle(env Envelope) {
	reqID := newRequestID()
	log := c.log.With().Str("event", env.Event).Str("request_id", reqID).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Msg("ws event handler panic")
			c.replyError(reqID, ErrorData{Code: CodeInternal, Message: "internal error"})
		}
	}()

	// 存储调用不跟随连接生命周期：连接断开不会中止正在进行的持久化。
	ctx, cancel := context.WithTimeout(context.Background(), c.h.opts.StoreTimeout)
	defer cancel()

	room := c.room.name
	switch env.Event {
	case EventSendMessage:
		var in SendMessageData
		if !c.decode(reqID, env, &in) {
			return
		}
		msg, err := c.h.messages.Send(ctx, room, c.identity, in.Message)
		if err != nil {
			log.Warn().Err(err).Msg("send message")
			c.replyError(reqID, errorFor(err))
			return
		}
		c.reply(EventMessageSent, MessageSentData{Success: true, MessageID: msg.ID, Timestamp: msg.SentAt})

	case EventGetRecentMessages:
		msgs, err := c.h.messages.Recent(ctx, room)
		if err != nil {
			log.Warn().Err(err).Msg("recent messages")
			c.replyError(reqID, errorFor(err))
			return
		}
		c.reply(EventRecentMessages, messageList(msgs))

	case EventGetOlderMessages:
		var in OlderMessagesData
		if !c.decode(reqID, env, &in) {
			return
		}
		if in.BeforeMessageID == "" {
			c.replyError(reqID, ErrorData{Code: CodeBadRequest, Message: "before_message_id is required"})
			return
		}
		msgs, err := c.h.messages.Older(ctx, room, in.BeforeMessageID)
		if err != nil {
			log.Debug().Err(err).Str("before", in.BeforeMessageID).Msg("older messages")
			c.replyError(reqID, errorFor(err))
			return
		}
		c.reply(EventOlderMessages, messageList(msgs))

	case EventGetSinceReconnect:
		var in SinceReconnectData
		if !c.decode(reqID, env, &in) {
			return
		}
		msgs, err := c.h.messages.Since(ctx, room, in.LastMessageID)
		if err != nil {
			log.Info().Err(err).Str("last", in.LastMessageID).Msg("resync")
			c.replyError(reqID, errorFor(err))
			return
		}
		c.reply(EventMessagesSinceReconnect, messageList(msgs))

	default:
		c.replyError(reqID, ErrorData{Code: CodeBadRequest, Message: "unknown event " + env.Event})
	}
}

// decode 解析事件 data；data 缺省时保留零值。
func (c *Client) decode(reqID string, env Envelope, v any) bool {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return true
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		c.replyError(reqID, ErrorData{Code: CodeBadRequest, Message: "invalid data for " + env.Event})
		return false
	}
	return true
}
