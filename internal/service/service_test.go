package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatroom/internal/auth"
	"chatroom/internal/chat"
	"chatroom/internal/config"
	"chatroom/internal/store"
)

const testOperator = "operator"

type published struct {
	room string
	msg  chat.Message
}

type recordingFanout struct {
	mu   sync.Mutex
	sent []published
}

func (f *recordingFanout) Publish(room string, msg *chat.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{room: room, msg: *msg})
}

func (f *recordingFanout) inRoom(room string) []chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chat.Message
	for _, p := range f.sent {
		if p.room == room {
			out = append(out, p.msg)
		}
	}
	return out
}

type fakePresence map[string]int

func (p fakePresence) Online(room string) int { return p[room] }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	store    *store.SQLiteStore
	fanout   *recordingFanout
	dispatch *Dispatcher
	messages *MessageService
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := newTestStore(t)
	fan := &recordingFanout{}
	d := NewDispatcher(st, fan, testOperator)
	return fixture{store: st, fanout: fan, dispatch: d, messages: NewMessageService(st, d)}
}

func (f fixture) send(t *testing.T, room, author, body string) *chat.Message {
	t.Helper()
	m, err := f.messages.Send(context.Background(), room, author, body)
	if err != nil {
		t.Fatalf("Send(%q, %q) error = %v", room, body, err)
	}
	return m
}

func TestSend_MirrorsToOperatorRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.send(t, "alice", "alice", "hi")

	if got := f.fanout.inRoom("alice"); len(got) != 1 || got[0].Body != "hi" || got[0].ID != m.ID {
		t.Fatalf("alice room published = %+v, want one \"hi\"", got)
	}
	mirrored := f.fanout.inRoom(testOperator)
	if len(mirrored) != 1 {
		t.Fatalf("operator room published %d messages, want 1", len(mirrored))
	}
	if mirrored[0].Body != "<alice>: hi" || mirrored[0].Origin != "alice" || mirrored[0].Author != "alice" {
		t.Errorf("mirrored message = %+v", mirrored[0])
	}

	src, _ := f.store.Recent(ctx, "alice", 10)
	if len(src) != 1 {
		t.Errorf("alice log has %d entries, want 1 (mirror must not land in the source room)", len(src))
	}
	op, _ := f.store.Recent(ctx, testOperator, 10)
	if len(op) != 1 || op[0].Body != "<alice>: hi" {
		t.Errorf("operator log = %+v", op)
	}
}

func TestSend_NoMirror(t *testing.T) {
	tests := []struct {
		name   string
		room   string
		author string
		origin string
	}{
		{"operator in own room", testOperator, testOperator, ""},
		{"operator in another room", "alice", testOperator, ""},
		{"already mirrored", "bob", "bob", "bob"},
		{"user posting into operator room", testOperator, "alice", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.dispatch.Post(context.Background(), tt.room, chat.Message{Author: tt.author, Body: "x", Origin: tt.origin})
			if err != nil {
				t.Fatalf("Post() error = %v", err)
			}
			if n := len(f.fanout.sent); n != 1 {
				t.Errorf("published %d messages, want 1", n)
			}
		})
	}
}

func TestSend_InvalidMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, body := range []string{"", "   ", strings.Repeat("a", chat.MaxBodyLength+1)} {
		_, err := f.messages.Send(ctx, "alice", "alice", body)
		if !errors.Is(err, chat.ErrInvalidMessage) {
			t.Errorf("Send(len=%d) error = %v, want ErrInvalidMessage", len(body), err)
		}
	}
	if msgs, _ := f.messages.Recent(ctx, "alice"); len(msgs) != 0 {
		t.Errorf("Recent() = %d messages after rejected sends, want 0", len(msgs))
	}
	if len(f.fanout.sent) != 0 {
		t.Errorf("rejected sends published %d messages", len(f.fanout.sent))
	}

	// 恰好 1000 个字符（多字节）可以发送
	f.send(t, "alice", "alice", strings.Repeat("好", chat.MaxBodyLength))
}

func TestSend_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.store.Close()

	_, err := f.messages.Send(context.Background(), "alice", "alice", "hi")
	if !errors.Is(err, chat.ErrStoreUnavailable) {
		t.Fatalf("Send() error = %v, want ErrStoreUnavailable", err)
	}
	if len(f.fanout.sent) != 0 {
		t.Errorf("failed append published %d messages, want 0", len(f.fanout.sent))
	}
}

type failRoomStore struct {
	store.MessageStore
	room string
}

func (s failRoomStore) Append(ctx context.Context, room string, msg chat.Message) (*chat.Message, error) {
	if room == s.room {
		return nil, &chat.StoreError{Backend: "test", Op: "append", Room: room, Err: errors.New("disk full")}
	}
	return s.MessageStore.Append(ctx, room, msg)
}

func TestSend_MirrorFailureKeepsOriginal(t *testing.T) {
	st := newTestStore(t)
	fan := &recordingFanout{}
	d := NewDispatcher(failRoomStore{MessageStore: st, room: testOperator}, fan, testOperator)
	svc := NewMessageService(st, d)

	m, err := svc.Send(context.Background(), "alice", "alice", "hi")
	if err != nil {
		t.Fatalf("Send() error = %v, want success despite mirror failure", err)
	}
	if got := fan.inRoom("alice"); len(got) != 1 || got[0].ID != m.ID {
		t.Errorf("alice published = %+v", got)
	}
	if got := fan.inRoom(testOperator); len(got) != 0 {
		t.Errorf("operator published = %+v, want none", got)
	}
}

func TestSend_ConcurrentSameRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const perSender = 20

	var wg sync.WaitGroup
	for _, author := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(author string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := f.messages.Send(ctx, "alice", author, author+" says hi"); err != nil {
					t.Errorf("Send() error = %v", err)
				}
			}
		}(author)
	}
	wg.Wait()

	logged, err := f.store.Recent(ctx, "alice", 2*perSender)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(logged) != 2*perSender {
		t.Fatalf("Recent() = %d messages, want %d", len(logged), 2*perSender)
	}
	seen := make(map[string]bool)
	for _, m := range logged {
		if m.Body != m.Author+" says hi" {
			t.Errorf("corrupted message %+v", m)
		}
		if seen[m.ID] {
			t.Errorf("duplicate id %s", m.ID)
		}
		seen[m.ID] = true
	}

	// 广播顺序与日志顺序一致
	pub := f.fanout.inRoom("alice")
	if len(pub) != len(logged) {
		t.Fatalf("published %d, logged %d", len(pub), len(logged))
	}
	for i := range pub {
		if pub[i].ID != logged[i].ID {
			t.Fatalf("publish order differs from log order at %d: %s vs %s", i, pub[i].ID, logged[i].ID)
		}
	}
}

func TestOlder_FiveMessageRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for _, body := range []string{"m1", "m2", "m3", "m4", "m5"} {
		ids = append(ids, f.send(t, "alice", "alice", body).ID)
	}

	got, err := f.messages.Older(ctx, "alice", ids[2])
	if err != nil {
		t.Fatalf("Older() error = %v", err)
	}
	if len(got) != 2 || got[0].Body != "m1" || got[1].Body != "m2" {
		t.Errorf("Older(3rd) = %+v, want m1, m2", got)
	}

	if _, err := f.messages.Older(ctx, "alice", "deadbeefdeadbeef"); !errors.Is(err, chat.ErrMessageNotFound) {
		t.Errorf("Older(unknown) error = %v, want ErrMessageNotFound", err)
	}
	// 其他房间的 id 不能作为锚点
	if _, err := f.messages.Older(ctx, "bob", ids[2]); !errors.Is(err, chat.ErrMessageNotFound) {
		t.Errorf("Older(other room) error = %v, want ErrMessageNotFound", err)
	}
}

func TestSince(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 35; i++ {
		ids = append(ids, f.send(t, "alice", "alice", "msg").ID)
	}

	got, err := f.messages.Since(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Since(\"\") error = %v", err)
	}
	if len(got) != RecentLimit || got[0].ID != ids[5] || got[RecentLimit-1].ID != ids[34] {
		t.Errorf("Since(\"\") returned %d messages, want the last %d", len(got), RecentLimit)
	}

	got, err = f.messages.Since(ctx, "alice", ids[31])
	if err != nil {
		t.Fatalf("Since(id) error = %v", err)
	}
	if len(got) != 3 || got[0].ID != ids[32] || got[2].ID != ids[34] {
		t.Errorf("Since(ids[31]) = %d messages, want ids[32..34]", len(got))
	}

	got, err = f.messages.Since(ctx, "alice", ids[34])
	if err != nil || len(got) != 0 {
		t.Errorf("Since(last) = %v, %v; want empty, nil", got, err)
	}

	_, err = f.messages.Since(ctx, "alice", "0000000000000000")
	if !errors.Is(err, chat.ErrResyncImpossible) {
		t.Errorf("Since(unknown) error = %v, want ErrResyncImpossible", err)
	}
	if errors.Is(err, chat.ErrMessageNotFound) {
		t.Error("ErrResyncImpossible must not be reported as ErrMessageNotFound")
	}
}

func TestRetention_Sweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, f.send(t, "alice", "alice", "m").ID)
	}
	// 另有 10 条镜像到 operator 房间
	r := NewRetention(f.store, f.dispatch, 3, 0)

	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 14 {
		t.Errorf("Sweep() removed %d, want 14", n)
	}
	left, _ := f.messages.Recent(ctx, "alice")
	if len(left) != 3 || left[0].ID != ids[7] {
		t.Errorf("Recent() after sweep = %d messages", len(left))
	}
	if _, err := f.messages.Since(ctx, "alice", ids[0]); !errors.Is(err, chat.ErrResyncImpossible) {
		t.Errorf("Since(trimmed) error = %v, want ErrResyncImpossible", err)
	}
	if got, err := f.messages.Since(ctx, "alice", ids[7]); err != nil || len(got) != 2 {
		t.Errorf("Since(ids[7]) = %d, %v; want 2, nil", len(got), err)
	}
}

func TestRetention_RunDisabled(t *testing.T) {
	f := newFixture(t)
	done := make(chan struct{})
	go func() {
		NewRetention(f.store, f.dispatch, 0, 0).Run(context.Background())
		close(done)
	}()
	<-done
}

func TestRoomService(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"alice", "bob", testOperator} {
		if _, err := st.CreateUser(ctx, name, "hash", ""); err != nil {
			t.Fatalf("CreateUser(%s) error = %v", name, err)
		}
	}
	rooms := NewRoomService(st, fakePresence{"alice": 2}, testOperator)

	if got, _ := rooms.ResolveRoom(ctx, "alice"); got != "alice" {
		t.Errorf("ResolveRoom(alice) = %q", got)
	}
	if got, _ := rooms.ResolveRoom(ctx, testOperator); got != testOperator {
		t.Errorf("ResolveRoom(operator) = %q, want own room by default", got)
	}

	if err := rooms.SwitchRoom(ctx, "alice", "bob"); !errors.Is(err, chat.ErrNotAuthorized) {
		t.Errorf("SwitchRoom(alice) error = %v, want ErrNotAuthorized", err)
	}
	if err := rooms.SwitchRoom(ctx, testOperator, "nobody"); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Errorf("SwitchRoom(nobody) error = %v, want ErrRoomNotFound", err)
	}
	if err := rooms.SwitchRoom(ctx, testOperator, "alice"); err != nil {
		t.Fatalf("SwitchRoom() error = %v", err)
	}
	if got, _ := rooms.ResolveRoom(ctx, testOperator); got != "alice" {
		t.Errorf("ResolveRoom(operator) after switch = %q, want alice", got)
	}
	// 切换只影响 operator
	if got, _ := rooms.ResolveRoom(ctx, "bob"); got != "bob" {
		t.Errorf("ResolveRoom(bob) = %q", got)
	}

	cur, err := rooms.CurrentRoom(ctx, testOperator)
	if err != nil || cur.Name != "alice" || cur.Online != 2 {
		t.Errorf("CurrentRoom(operator) = %+v, %v", cur, err)
	}

	if _, err := rooms.ListRooms(ctx, "bob", 0); !errors.Is(err, chat.ErrNotAuthorized) {
		t.Errorf("ListRooms(bob) error = %v, want ErrNotAuthorized", err)
	}
	list, err := rooms.ListRooms(ctx, testOperator, 0)
	if err != nil {
		t.Fatalf("ListRooms() error = %v", err)
	}
	if len(list) != 3 || list[0].Name != "alice" || list[0].Online != 2 {
		t.Errorf("ListRooms() = %+v", list)
	}
}

func TestUserService(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cfg := config.Defaults()
	cfg.AccessTokenTTLMinutes = 5
	users := NewUserService(st, cfg)

	res, err := users.Register(ctx, "alice", "secret1")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if res.Room != "alice" {
		t.Errorf("Register() room = %q, want alice", res.Room)
	}
	if _, err := users.Register(ctx, "alice", "other"); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("Register(dup) error = %v, want ErrUsernameTaken", err)
	}
	if _, err := users.Register(ctx, cfg.OperatorIdentity, "secret1"); err != nil {
		t.Fatalf("Register(operator) error = %v", err)
	}
	if op, _ := users.Me(ctx, cfg.OperatorIdentity); op.Role != "operator" {
		t.Errorf("operator role = %q", op.Role)
	}

	if _, err := users.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login(wrong) error = %v", err)
	}
	if _, err := users.Login(ctx, "ghost", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login(ghost) error = %v", err)
	}
	login, err := users.Login(ctx, "alice", "secret1")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	claims, err := auth.ParseAccessToken(login.AccessToken, cfg.JWTSecret)
	if err != nil {
		t.Fatalf("ParseAccessToken() error = %v", err)
	}
	// access token 的有效期来自配置
	if ttl := time.Until(claims.ExpiresAt.Time); ttl <= 4*time.Minute || ttl > 5*time.Minute {
		t.Errorf("access token ttl = %v, want about 5m", ttl)
	}

	refreshed, err := users.RefreshTokens(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokens() error = %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.RefreshToken == login.RefreshToken {
		t.Errorf("RefreshTokens() = %+v", refreshed)
	}
	// 旧 token 只能用一次
	if _, err := users.RefreshTokens(ctx, login.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("RefreshTokens(reused) error = %v", err)
	}

	if err := users.Logout(ctx, refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := users.RefreshTokens(ctx, refreshed.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("RefreshTokens(after logout) error = %v", err)
	}
}
