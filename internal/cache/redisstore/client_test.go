package redisstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/pyramid-catalog/internal/metrics"
)

// creates new client connected to miniredis for testing
func newMini(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func TestSetGetDel_HappyPath(t *testing.T) {
	rc := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := rc.Set(ctx, "k1", []byte("v1"), 5*time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := rc.Get(ctx, "k1")
	if err != nil || !ok || string(got) != "v1" {
		t.Fatalf("Get=%q ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := rc.Get(ctx, "missing"); ok {
		t.Fatal("missing key reported present")
	}

	if err := rc.Del(ctx, "k1", "k2"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, _ := rc.Get(ctx, "k1"); ok {
		t.Fatal("k1 still present after Del")
	}
}

func TestContextDeadline_IsRespected(t *testing.T) {
	rc := newMini(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rc.Set(ctx, "k", []byte("v"), time.Second); err == nil {
		t.Fatalf("expected error on Set with canceled context")
	}
	if _, _, err := rc.Get(ctx, "k"); err == nil {
		t.Fatalf("expected error on Get with canceled context")
	}
	if err := rc.Del(ctx, "k"); err == nil {
		t.Fatalf("expected error on Del with canceled context")
	}
}

func TestIncrAndGet(t *testing.T) {
	rc := newMini(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, ok, err := rc.Get(ctx, "gen"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	for want := int64(1); want <= 3; want++ {
		n, err := rc.Incr(ctx, "gen")
		if err != nil || n != want {
			t.Fatalf("Incr=%d err=%v want %d", n, err, want)
		}
	}
	v, ok, err := rc.Get(ctx, "gen")
	if err != nil || !ok || string(v) != "3" {
		t.Fatalf("Get=%q ok=%v err=%v", v, ok, err)
	}
}

func TestSAddWithTTL_SUnion(t *testing.T) {
	rc := newMini(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := rc.SAddWithTTL(ctx, []string{"s:a", "s:b"}, "k1", time.Minute); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	if err := rc.SAddWithTTL(ctx, []string{"s:b"}, "k2", time.Minute); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	got, err := rc.SUnion(ctx, "s:a", "s:b", "s:none")
	if err != nil {
		t.Fatalf("SUnion: %v", err)
	}
	sort.Strings(got)
	if strings.Join(got, ",") != "k1,k2" {
		t.Fatalf("members=%v", got)
	}
}

func TestMetrics_Incremented(t *testing.T) {
	p := metrics.Init(metrics.Config{})

	rc := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = rc.Set(ctx, "m1", []byte("x"), time.Minute)
	_, _, _ = rc.Get(ctx, "m1")
	_ = rc.Del(ctx, "m1")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, op := range []string{"set", "get", "del"} {
		if !strings.Contains(body, `redis_operation_duration_seconds_bucket{op="`+op+`"`) {
			t.Fatalf("missing redis_operation_duration_seconds for %s; got:\n%s", op, body)
		}
	}
}
