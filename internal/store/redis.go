package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"chatroom/internal/chat"

	"github.com/redis/go-redis/v9"
)

const redisBackend = "redis"

// RedisStore 把每个房间的日志存成一个 list，并用 hash 记录 id -> 绝对位置。
// Trim 从表头裁剪并累加 base 偏移，list 下标 = 绝对位置 - base。
// 所有读写都走 Lua 脚本，保证 anchor 查找与区间读取看到同一快照。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 解析 redisURL 并确认连通。
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, &chat.StoreError{Backend: redisBackend, Op: "open", Err: err}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &chat.StoreError{Backend: redisBackend, Op: "ping", Err: err}
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &chat.StoreError{Backend: redisBackend, Op: "ping", Err: err}
	}
	return nil
}

const roomsKey = "chat:rooms"

// 同一房间的 key 共用 {room} hash tag，集群模式下落在同一 slot，脚本才能原子执行。
func roomLogKey(room string) string  { return fmt.Sprintf("chat:{%s}:log", room) }
func roomPosKey(room string) string  { return fmt.Sprintf("chat:{%s}:pos", room) }
func roomBaseKey(room string) string { return fmt.Sprintf("chat:{%s}:base", room) }

func roomKeys(room string) []string {
	return []string{roomLogKey(room), roomPosKey(room), roomBaseKey(room)}
}

// KEYS: log, pos, base. ARGV: id, payload. 返回绝对位置；id 已存在时返回 -1。
var appendScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return -1
end
local n = redis.call('RPUSH', KEYS[1], ARGV[2])
local base = tonumber(redis.call('GET', KEYS[3]) or '0')
local pos = base + n - 1
redis.call('HSET', KEYS[2], ARGV[1], pos)
return pos
`)

// KEYS: log, pos, base. ARGV: id, mode("before"|"after"), limit. anchor 不存在时返回 nil。
var rangeScript = redis.NewScript(`
local pos = redis.call('HGET', KEYS[2], ARGV[1])
if not pos then
	return false
end
local base = tonumber(redis.call('GET', KEYS[3]) or '0')
local idx = tonumber(pos) - base
if idx < 0 then
	return false
end
if ARGV[2] == 'before' then
	local limit = tonumber(ARGV[3])
	if idx == 0 or limit <= 0 then
		return {}
	end
	local start = idx - limit
	if start < 0 then
		start = 0
	end
	return redis.call('LRANGE', KEYS[1], start, idx - 1)
end
return redis.call('LRANGE', KEYS[1], idx + 1, -1)
`)

// KEYS: log, pos, base. ARGV: keep. 返回删除条数。
var trimScript = redis.NewScript(`
local keep = tonumber(ARGV[1])
local n = redis.call('LLEN', KEYS[1])
if n <= keep then
	return 0
end
local drop = n - keep
local old = redis.call('LRANGE', KEYS[1], 0, drop - 1)
for _, raw in ipairs(old) do
	local m = cjson.decode(raw)
	redis.call('HDEL', KEYS[2], m.id)
end
redis.call('LTRIM', KEYS[1], drop, -1)
redis.call('INCRBY', KEYS[3], drop)
return drop
`)

func (s *RedisStore) Append(ctx context.Context, room string, msg chat.Message) (*chat.Message, error) {
	defer observe(redisBackend, "append")()
	msg = stamp(room, msg)
	id, err := insertWithFreshID(func(id string) error {
		msg.ID = id
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		pos, err := appendScript.Run(ctx, s.client, roomKeys(room), id, string(data)).Int64()
		if err != nil {
			return err
		}
		if pos < 0 {
			return errDuplicateID
		}
		return nil
	})
	if err != nil {
		return nil, &chat.StoreError{Backend: redisBackend, Op: "append", Room: room, Err: err}
	}
	// 房间索引只用于保留策略遍历，写失败不影响日志本身。
	s.client.SAdd(ctx, roomsKey, room)
	msg.ID = id
	return &msg, nil
}

func (s *RedisStore) Recent(ctx context.Context, room string, limit int) ([]chat.Message, error) {
	defer observe(redisBackend, "recent")()
	if limit <= 0 {
		return []chat.Message{}, nil
	}
	raw, err := s.client.LRange(ctx, roomLogKey(room), int64(-limit), -1).Result()
	if err != nil {
		return nil, &chat.StoreError{Backend: redisBackend, Op: "recent", Room: room, Err: err}
	}
	msgs, err := decodeMessages(raw)
	if err != nil {
		return nil, &chat.StoreError{Backend: redisBackend, Op: "recent", Room: room, Err: err}
	}
	return msgs, nil
}

func (s *RedisStore) Before(ctx context.Context, room, anchorID string, limit int) ([]chat.Message, error) {
	defer observe(redisBackend, "before")()
	return s.rangeFrom(ctx, "before", room, anchorID, limit)
}

func (s *RedisStore) After(ctx context.Context, room, anchorID string) ([]chat.Message, error) {
	defer observe(redisBackend, "after")()
	return s.rangeFrom(ctx, "after", room, anchorID, 0)
}

func (s *RedisStore) rangeFrom(ctx context.Context, mode, room, anchorID string, limit int) ([]chat.Message, error) {
	raw, err := rangeScript.Run(ctx, s.client, roomKeys(room), anchorID, mode, limit).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, chat.ErrMessageNotFound
	}
	if err != nil {
		return nil, &chat.StoreError{Backend: redisBackend, Op: mode, Room: room, Err: err}
	}
	msgs, err := decodeMessages(raw)
	if err != nil {
		return nil, &chat.StoreError{Backend: redisBackend, Op: mode, Room: room, Err: err}
	}
	return msgs, nil
}

func (s *RedisStore) Trim(ctx context.Context, room string, keep int) (int, error) {
	defer observe(redisBackend, "trim")()
	if keep < 0 {
		keep = 0
	}
	n, err := trimScript.Run(ctx, s.client, roomKeys(room), keep).Int()
	if err != nil {
		return 0, &chat.StoreError{Backend: redisBackend, Op: "trim", Room: room, Err: err}
	}
	return n, nil
}

func (s *RedisStore) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := s.client.SMembers(ctx, roomsKey).Result()
	if err != nil {
		return nil, &chat.StoreError{Backend: redisBackend, Op: "rooms", Err: err}
	}
	sort.Strings(rooms)
	return rooms, nil
}

func decodeMessages(raw []string) ([]chat.Message, error) {
	msgs := make([]chat.Message, 0, len(raw))
	for _, data := range raw {
		var m chat.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
