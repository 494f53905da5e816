package goredis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"

	"github.com/adeilh/rakh-state/cache"
)

func connectedMock(t *testing.T, opts ...Option) (*Store, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	store := NewStoreFromClient(db, opts...)

	mock.ExpectPing().SetVal("PONG")
	if err := store.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return store, mock
}

func TestNewStoreRequiresAddr(t *testing.T) {
	if _, err := NewStore(nil); !errors.Is(err, cache.ErrMissingAddr) {
		t.Fatalf("expected ErrMissingAddr for nil options, got %v", err)
	}
	if _, err := NewStore(&redis.Options{}); !errors.Is(err, cache.ErrMissingAddr) {
		t.Fatalf("expected ErrMissingAddr for empty addr, got %v", err)
	}
	store, err := NewStore(&redis.Options{Addr: "127.0.0.1:6379"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_ = store.Close()
}

func TestRequiresConnect(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewStoreFromClient(db)
	ctx := context.Background()

	if _, err := store.GetMany(ctx, []string{"a"}); !errors.Is(err, cache.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from GetMany, got %v", err)
	}
	if err := store.SetMany(ctx, map[string][]byte{"a": nil}, time.Second); !errors.Is(err, cache.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from SetMany, got %v", err)
	}
	if err := store.DeleteMany(ctx, []string{"a"}); !errors.Is(err, cache.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from DeleteMany, got %v", err)
	}
	if err := store.Ping(ctx); !errors.Is(err, cache.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from Ping, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestConnectFails(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewStoreFromClient(db)
	boom := errors.New("connection refused")
	mock.ExpectPing().SetErr(boom)

	if err := store.Connect(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped connect error, got %v", err)
	}
	if err := store.Ping(context.Background()); !errors.Is(err, cache.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after failed connect, got %v", err)
	}
}

func TestGetMany(t *testing.T) {
	store, mock := connectedMock(t)
	mock.ExpectMGet("a", "b", "c").SetVal([]interface{}{`{"n":1}`, nil, `{"n":3}`})

	got, err := store.GetMany(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d: %v", len(got), got)
	}
	if string(got["a"]) != `{"n":1}` || string(got["c"]) != `{"n":3}` {
		t.Fatalf("unexpected values: %q %q", got["a"], got["c"])
	}
	if _, ok := got["b"]; ok {
		t.Fatal("miss must be absent from the result")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetManyError(t *testing.T) {
	store, mock := connectedMock(t)
	boom := errors.New("read timeout")
	mock.ExpectMGet("a").SetErr(boom)

	if _, err := store.GetMany(context.Background(), []string{"a"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped mget error, got %v", err)
	}
}

func TestSetManyPipelinesSortedKeys(t *testing.T) {
	store, mock := connectedMock(t, WithKeyPrefix("bot:"))
	ttl := 14 * 24 * time.Hour

	mock.ExpectSet("bot:a", []byte(`{"v":1}`), ttl).SetVal("OK")
	mock.ExpectSet("bot:b", []byte(`{"v":2}`), ttl).SetVal("OK")

	err := store.SetMany(context.Background(), map[string][]byte{
		"b": []byte(`{"v":2}`),
		"a": []byte(`{"v":1}`),
	}, ttl)
	if err != nil {
		t.Fatalf("set many: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSetManyError(t *testing.T) {
	store, mock := connectedMock(t)
	boom := errors.New("OOM command not allowed")
	mock.ExpectSet("a", []byte("1"), time.Minute).SetErr(boom)

	err := store.SetMany(context.Background(), map[string][]byte{"a": []byte("1")}, time.Minute)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped set error, got %v", err)
	}
}

func TestDeleteMany(t *testing.T) {
	store, mock := connectedMock(t, WithKeyPrefix("p:"))
	mock.ExpectDel("p:a", "p:missing").SetVal(1)

	if err := store.DeleteMany(context.Background(), []string{"a", "missing"}); err != nil {
		t.Fatalf("delete many: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestEmptyBatchesSkipRedis(t *testing.T) {
	store, mock := connectedMock(t)
	ctx := context.Background()

	got, err := store.GetMany(ctx, nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %v %v", got, err)
	}
	if err := store.SetMany(ctx, nil, time.Second); err != nil {
		t.Fatalf("set many: %v", err)
	}
	if err := store.DeleteMany(ctx, nil); err != nil {
		t.Fatalf("delete many: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPingAndClose(t *testing.T) {
	store, mock := connectedMock(t)
	mock.ExpectPing().SetVal("PONG")

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Ping(context.Background()); !errors.Is(err, cache.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after close, got %v", err)
	}
}
