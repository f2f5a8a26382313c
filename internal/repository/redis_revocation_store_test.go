package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/hitoshi/authfacade/internal/model"
)

// --- モック定義 ---

// fakeRedis はSET/MGETとユーザー失効スクリプトのみを解釈するインメモリRedis。
// EVALSHAは常にNOSCRIPTを返し、EVALでスクリプトの動作を再現する。
type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	ttls    map[string]int64
	doErr   error
	connErr error
	closed  int
	evals   int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]int64{}}
}

func (f *fakeRedis) Get() redis.Conn {
	return &fakeConn{r: f}
}

type fakeConn struct {
	r *fakeRedis
}

var _ redis.Conn = (*fakeConn)(nil)

func (c *fakeConn) Close() error {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	c.r.closed++
	return nil
}

func (c *fakeConn) Err() error { return c.r.connErr }

func (c *fakeConn) Send(string, ...interface{}) error { return errors.New("not supported") }

func (c *fakeConn) Flush() error { return nil }

func (c *fakeConn) Receive() (interface{}, error) { return nil, errors.New("not supported") }

func (c *fakeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if c.r.doErr != nil {
		return nil, c.r.doErr
	}

	switch cmd {
	case "SET":
		key := fmt.Sprint(args[0])
		val := fmt.Sprint(args[1])
		nx := false
		var ttl int64
		for i := 2; i < len(args); i++ {
			switch args[i] {
			case "NX":
				nx = true
			case "EX":
				ttl = args[i+1].(int64)
				i++
			}
		}
		if _, exists := c.r.data[key]; nx && exists {
			return nil, nil
		}
		c.r.data[key] = val
		c.r.ttls[key] = ttl
		return "OK", nil
	case "EVALSHA":
		return nil, redis.Error("NOSCRIPT No matching script. Please use EVAL.")
	case "EVAL":
		c.r.evals++
		key := fmt.Sprint(args[2])
		at := args[3].(int64)
		ttl := args[4].(int64)
		if cur := c.r.ttls[key]; cur > ttl {
			ttl = cur
		}
		c.r.ttls[key] = ttl
		if v, ok := c.r.data[key]; ok {
			if cur, _ := strconv.ParseInt(v, 10, 64); cur >= at {
				return int64(0), nil
			}
		}
		c.r.data[key] = strconv.FormatInt(at, 10)
		return int64(1), nil
	case "MGET":
		out := make([]interface{}, len(args))
		for i, a := range args {
			if v, ok := c.r.data[fmt.Sprint(a)]; ok {
				out[i] = []byte(v)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported command %s", cmd)
}

func newTestRedisStore(f *fakeRedis, now time.Time) *RedisRevocationStore {
	s := NewRedisRevocationStore(f)
	s.now = func() time.Time { return now }
	return s
}

func TestRedisRevocationStore_ImplementsInterface(t *testing.T) {
	var _ RevocationStore = (*RedisRevocationStore)(nil)
}

func TestRedisRevocationStore_RevokeIsInsertIfAbsent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := newFakeRedis()
	s := newTestRedisStore(f, now)
	ctx := context.Background()

	entry := model.RevocationEntry{
		TokenID:   "jti-1",
		UserID:    "user-1",
		RevokedAt: now,
		ExpiresAt: now.Add(90 * time.Second),
	}

	inserted, err := s.Revoke(ctx, entry)
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if !inserted {
		t.Fatal("first Revoke() should insert")
	}

	inserted, err = s.Revoke(ctx, entry)
	if err != nil {
		t.Fatalf("second Revoke() error = %v", err)
	}
	if inserted {
		t.Error("second Revoke() should report existing entry")
	}

	if got := f.ttls[revokedTokenKeyPrefix+"jti-1"]; got != 90 {
		t.Errorf("ttl = %d, want 90", got)
	}
	if f.closed != 2 {
		t.Errorf("connections closed = %d, want 2", f.closed)
	}
}

func TestRedisRevocationStore_IsRevoked(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := newFakeRedis()
	s := newTestRedisStore(f, now)
	ctx := context.Background()

	revoked, err := s.IsRevoked(ctx, "user-1", now, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked() error = %v", err)
	}
	if revoked {
		t.Error("nothing revoked yet")
	}

	s.Revoke(ctx, model.RevocationEntry{TokenID: "jti-1", UserID: "user-1", RevokedAt: now, ExpiresAt: now.Add(time.Hour)})

	revoked, _ = s.IsRevoked(ctx, "user-1", now, "jti-1")
	if !revoked {
		t.Error("jti-1 should be revoked")
	}
	revoked, _ = s.IsRevoked(ctx, "user-1", now, "jti-2")
	if revoked {
		t.Error("jti-2 should not be revoked")
	}
}

func TestRedisRevocationStore_RevokeAllForUser(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := newFakeRedis()
	s := newTestRedisStore(f, now)
	ctx := context.Background()

	err := s.RevokeAllForUser(ctx, model.RevocationEntry{
		UserID:    "user-1",
		RevokedAt: now,
		ExpiresAt: now.Add(720 * time.Hour),
	})
	if err != nil {
		t.Fatalf("RevokeAllForUser() error = %v", err)
	}
	if got := f.data[revokedUserKeyPrefix+"user-1"]; got != strconv.FormatInt(now.UnixMicro(), 10) {
		t.Errorf("stored value = %q", got)
	}
	if f.evals != 1 {
		t.Errorf("script evaluations = %d, want 1", f.evals)
	}

	tests := []struct {
		name     string
		userID   string
		issuedAt time.Time
		want     bool
	}{
		{"issued before", "user-1", now.Add(-time.Minute), true},
		{"issued same instant", "user-1", now, true},
		{"issued later in the same second", "user-1", now.Add(300 * time.Millisecond), false},
		{"issued after", "user-1", now.Add(time.Second), false},
		{"other user", "user-2", now.Add(-time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.IsRevoked(ctx, tt.userID, tt.issuedAt, "some-jti")
			if err != nil {
				t.Fatalf("IsRevoked() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IsRevoked() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRedisRevocationStore_IsRevoked_ChecksEveryTokenID(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := newFakeRedis()
	s := newTestRedisStore(f, now)
	ctx := context.Background()

	s.Revoke(ctx, model.RevocationEntry{TokenID: "sid-1", UserID: "user-1", RevokedAt: now, ExpiresAt: now.Add(time.Hour)})

	revoked, err := s.IsRevoked(ctx, "user-1", now, "jti-9", "sid-1")
	if err != nil {
		t.Fatalf("IsRevoked() error = %v", err)
	}
	if !revoked {
		t.Error("token should be revoked through its session id")
	}
	revoked, _ = s.IsRevoked(ctx, "user-1", now, "jti-9", "")
	if revoked {
		t.Error("empty ids should be ignored")
	}
}

func TestRedisRevocationStore_RevokeAllForUser_KeepsLatestCutoff(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := newFakeRedis()
	s := newTestRedisStore(f, now)
	ctx := context.Background()
	key := revokedUserKeyPrefix + "user-1"

	later := now.Add(2 * time.Second)
	if err := s.RevokeAllForUser(ctx, model.RevocationEntry{UserID: "user-1", RevokedAt: later, ExpiresAt: now.Add(720 * time.Hour)}); err != nil {
		t.Fatalf("RevokeAllForUser(later) error = %v", err)
	}
	// 遅れて届いた古い失効は時刻もTTLも縮めない
	if err := s.RevokeAllForUser(ctx, model.RevocationEntry{UserID: "user-1", RevokedAt: now, ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("RevokeAllForUser(earlier) error = %v", err)
	}

	if got := f.data[key]; got != strconv.FormatInt(later.UnixMicro(), 10) {
		t.Errorf("stored cutoff = %q, want later cutoff", got)
	}
	if got := f.ttls[key]; got != 720*3600 {
		t.Errorf("ttl = %d, want %d", got, 720*3600)
	}

	revoked, err := s.IsRevoked(ctx, "user-1", now.Add(time.Second), "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked() error = %v", err)
	}
	if !revoked {
		t.Error("token issued before the later cutoff should stay revoked")
	}
}

func TestRedisRevocationStore_PropagatesErrors(t *testing.T) {
	now := time.Now()
	ctx := context.Background()

	f := newFakeRedis()
	f.doErr = errors.New("READONLY")
	s := newTestRedisStore(f, now)

	if _, err := s.Revoke(ctx, model.RevocationEntry{TokenID: "x", UserID: "u", ExpiresAt: now.Add(time.Hour)}); err == nil {
		t.Error("Revoke() expected error")
	}
	if _, err := s.IsRevoked(ctx, "u", now, "x"); err == nil {
		t.Error("IsRevoked() expected error")
	}

	f = newFakeRedis()
	f.connErr = errors.New("dial tcp: connection refused")
	s = newTestRedisStore(f, now)
	if err := s.RevokeAllForUser(ctx, model.RevocationEntry{UserID: "u", ExpiresAt: now.Add(time.Hour)}); err == nil {
		t.Error("RevokeAllForUser() expected error for broken connection")
	}
	if f.closed != 1 {
		t.Errorf("broken connection should be closed, closed = %d", f.closed)
	}
}

func TestRedisRevocationStore_CanceledContext(t *testing.T) {
	f := newFakeRedis()
	s := newTestRedisStore(f, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.IsRevoked(ctx, "u", time.Now(), "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("IsRevoked() error = %v, want context.Canceled", err)
	}
}

func TestRedisRevocationStore_DeleteExpiredIsNoop(t *testing.T) {
	s := newTestRedisStore(newFakeRedis(), time.Now())
	n, err := s.DeleteExpired(context.Background(), time.Now())
	if err != nil || n != 0 {
		t.Errorf("DeleteExpired() = (%d, %v), want (0, nil)", n, err)
	}
}

func TestTTLSeconds(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		expiresAt time.Time
		want      int64
	}{
		{"whole seconds", now.Add(10 * time.Second), 10},
		{"rounds up", now.Add(1500 * time.Millisecond), 2},
		{"already expired", now.Add(-time.Minute), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ttlSeconds(tt.expiresAt, now); got != tt.want {
				t.Errorf("ttlSeconds() = %d, want %d", got, tt.want)
			}
		})
	}
}
