package chat

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxBodyLength 是单条消息正文允许的最大字符数（按 rune 计）。
const MaxBodyLength = 1000

// Message 是房间日志中的一条不可变消息。
// Origin 为空表示用户直接发送；非空表示这是从 Origin 房间镜像到 operator 房间的副本。
type Message struct {
	ID     string    `json:"id"`
	Room   string    `json:"room"`
	Author string    `json:"author"`
	Body   string    `json:"body"`
	Origin string    `json:"origin,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// Mirrored 表示该消息是否为镜像副本，镜像副本不会被再次镜像。
func (m Message) Mirrored() bool { return m.Origin != "" }

// NewMessageID 生成 8 字节随机数的 hex 编码（16 个字符）。
func NewMessageID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NormalizeBody 去掉首尾空白并校验长度，失败时返回 ErrInvalidMessage。
func NormalizeBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", fmt.Errorf("%w: message cannot be empty", ErrInvalidMessage)
	}
	if !utf8.ValidString(body) {
		return "", fmt.Errorf("%w: message is not valid utf-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return "", fmt.Errorf("%w: message too long (>%d characters)", ErrInvalidMessage, MaxBodyLength)
	}
	return body, nil
}

// MirrorBody 返回镜像到 operator 房间时使用的正文，格式为 "<author>: body"。
func MirrorBody(author, body string) string {
	return "<" + author + ">: " + body
}
