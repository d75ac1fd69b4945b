package userlock

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "u1")
			if err != nil {
				t.Errorf("Lock failed: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
	if n := l.size(); n != 0 {
		t.Errorf("%d entries leaked", n)
	}
}

func TestLocal_DifferentKeysIndependent(t *testing.T) {
	l := NewLocal()
	unlock1, _ := l.Lock(context.Background(), "u1")
	defer unlock1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock2, err := l.Lock(ctx, "u2")
	if err != nil {
		t.Fatalf("lock on another key blocked: %v", err)
	}
	unlock2()
}

func TestLocal_ContextCancel(t *testing.T) {
	l := NewLocal()
	unlock, _ := l.Lock(context.Background(), "u1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "u1"); err == nil {
		t.Fatal("expected timeout while key is held")
	}
	unlock()
	unlock() // idempotent
	if n := l.size(); n != 0 {
		t.Errorf("%d entries leaked", n)
	}
}

// fakeRedis implements SET NX and the release script in memory.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	sets int
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string]string{}} }

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) release(keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[keys[0]] == args[0].(string) {
		delete(f.data, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.release(keys, args...)
}

func (f *fakeRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.release(keys, args...)
}

func (f *fakeRedis) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.release(keys, args...)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.release(keys, args...)
}

func (f *fakeRedis) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeRedis) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func TestRedis_AcquireWaitRelease(t *testing.T) {
	f := newFakeRedis()
	l := NewRedis(f, WithRetry(time.Millisecond), WithKeyPrefix("t:"))

	unlock, err := l.Lock(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if _, ok := f.data["t:u1"]; !ok {
		t.Fatal("lock key not written")
	}

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(context.Background(), "u1")
		if err == nil {
			close(acquired)
			u()
		}
	}()
	select {
	case <-acquired:
		t.Fatal("second holder acquired while locked")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestRedis_ReleaseOnlyOwnToken(t *testing.T) {
	f := newFakeRedis()
	l := NewRedis(f)
	unlock, _ := l.Lock(context.Background(), "u1")

	// Simulate TTL expiry and another replica taking the key.
	f.mu.Lock()
	for k := range f.data {
		if strings.HasSuffix(k, "u1") {
			f.data[k] = "other-replica"
		}
	}
	f.mu.Unlock()

	unlock()
	if f.data[DefaultKeyPrefix+"u1"] != "other-replica" {
		t.Error("release deleted a lock owned by another holder")
	}
}

func TestRedis_ContextCancel(t *testing.T) {
	f := newFakeRedis()
	f.data[DefaultKeyPrefix+"u1"] = "held"
	l := NewRedis(f, WithRetry(time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "u1"); err == nil {
		t.Error("expected context error")
	}
}
