package connector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skillgate/skillgate/internal/fault"
	"go.uber.org/zap"
)

func testClient(t *testing.T, cfg Config, meter *Meter) *client {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "test"
	}
	cfg.BackoffBase = time.Millisecond
	return newClient(cfg, meter, zap.NewNop())
}

func TestRetryTransientThenSucceed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	c := testClient(t, Config{MaxAttempts: 3}, NewMeter(0))
	data, rec, err := c.do(context.Background(), http.MethodGet, srv.URL, nil, nil, "op")
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if string(data) != "ok" {
		t.Errorf("got body %q", data)
	}
	if rec.Attempts != 3 {
		t.Errorf("got %d attempts, want 3", rec.Attempts)
	}
	if rec.Outcome != "ok" {
		t.Errorf("got outcome %q, want ok", rec.Outcome)
	}
}

func TestNoRetryOnAuthError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, Config{MaxAttempts: 5}, NewMeter(0))
	_, _, err := c.do(context.Background(), http.MethodGet, srv.URL, nil, nil, "op")
	if err == nil {
		t.Fatal("expected error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("auth error retried: %d calls, want 1", n)
	}
}

func TestRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, Config{MaxAttempts: 2}, NewMeter(0))
	_, rec, err := c.do(context.Background(), http.MethodGet, srv.URL, nil, nil, "op")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if rec.Attempts != 2 {
		t.Errorf("got %d attempts, want 2", rec.Attempts)
	}
}

func TestPerCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := testClient(t, Config{Timeout: 20 * time.Millisecond, MaxAttempts: 1}, NewMeter(0))
	_, rec, err := c.do(context.Background(), http.MethodGet, srv.URL, nil, nil, "op")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if rec.Outcome != "timeout" {
		t.Errorf("got outcome %q, want timeout", rec.Outcome)
	}
}

func TestCostCeilingBlocksCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	meter := NewMeter(100)
	c := testClient(t, Config{CostMicros: 60, MaxAttempts: 1}, meter)

	if _, _, err := c.do(context.Background(), http.MethodGet, srv.URL, nil, nil, "op"); err != nil {
		t.Fatalf("first call should fit budget: %v", err)
	}
	_, _, err := c.do(context.Background(), http.MethodGet, srv.URL, nil, nil, "op")
	if fault.KindOf(err) != fault.CostLimitExceeded {
		t.Fatalf("got %v, want CostLimitExceeded", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("call over budget was issued: %d calls, want 1", n)
	}
	if meter.Total() != 60 {
		t.Errorf("meter total %d, want 60", meter.Total())
	}
}

func TestCostCommittedOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	meter := NewMeter(0)
	c := testClient(t, Config{CostMicros: 10, MaxAttempts: 1}, meter)
	if _, _, err := c.do(context.Background(), http.MethodGet, srv.URL, nil, nil, "op"); err == nil {
		t.Fatal("expected error")
	}
	if meter.Total() != 10 {
		t.Errorf("failed call not accounted: total %d, want 10", meter.Total())
	}
}

func TestMeterConcurrentCommits(t *testing.T) {
	meter := NewMeter(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			meter.Commit(2)
		}()
	}
	wg.Wait()
	if meter.Total() != 100 {
		t.Errorf("total %d, want 100", meter.Total())
	}
}

func TestAnthropicCompleteUsageCost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Complete appends /messages to the versioned endpoint.
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "msg_1",
			"content": []map[string]string{{"type": "text", "text": "looks safe"}},
			"usage":   map[string]int{"input_tokens": 1000, "output_tokens": 1000},
		})
	}))
	defer srv.Close()

	meter := NewMeter(0)
	conn := NewAnthropicConnector(Config{
		ID:       "claude",
		Endpoint: srv.URL + "/v1",
		Extra: map[string]string{
			"input_cost_micros_per_ktok":  "100",
			"output_cost_micros_per_ktok": "500",
		},
	}, meter, zap.NewNop())

	text, rec, err := conn.Complete(context.Background(), "", "review this")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "looks safe" {
		t.Errorf("got text %q", text)
	}
	if rec.CostMicros != 600 {
		t.Errorf("call record cost %d, want 600", rec.CostMicros)
	}
	if meter.Total() != 600 {
		t.Errorf("meter total %d, want 600", meter.Total())
	}
}

func TestStorageConnectorRoundTrip(t *testing.T) {
	objects := make(map[string][]byte)
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			objects[r.URL.Path] = body
		case http.MethodGet:
			data, ok := objects[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		}
	}))
	defer srv.Close()

	conn := NewStorageConnector(Config{
		ID:       "artifacts",
		Endpoint: srv.URL,
		Extra:    map[string]string{"bucket": "skills"},
	}, NewMeter(0), zap.NewNop())

	if _, err := conn.Put(context.Background(), "echo/1/run", []byte("#!/bin/sh\ncat\n")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, _, err := conn.Get(context.Background(), "echo/1/run")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "#!/bin/sh\ncat\n" {
		t.Errorf("round trip mismatch: %q", data)
	}
}

func TestSetRegisterAndLookup(t *testing.T) {
	set := NewSet(NewMeter(0), zap.NewNop())
	set.Register(NewStorageConnector(Config{ID: "store", Name: "Store"}, set.Meter(), zap.NewNop()))

	if _, err := set.Get("store"); err != nil {
		t.Fatalf("get registered connector: %v", err)
	}
	if _, err := set.Get("missing"); fault.KindOf(err) != fault.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if len(set.List()) != 1 {
		t.Errorf("list size %d, want 1", len(set.List()))
	}
}
