package errors

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRecoverMiddlewareCountsPanics(t *testing.T) {
	h := NewErrorHandler("", nil, WithLimits(100, time.Hour, time.Hour))
	defer h.Stop()

	prev := handler
	handler = h
	defer func() { handler = prev }()

	func() {
		defer RecoverMiddleware()()
		panic("boom")
	}()

	if got := h.ErrorCount(); got != 1 {
		t.Errorf("ErrorCount() = %d, want 1", got)
	}
}

func TestGoRecovers(t *testing.T) {
	done := make(chan struct{})
	Go(func() {
		defer close(done)
		panic("worker failure")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("guarded goroutine did not finish")
	}
}

func TestErrorStormTriggersShutdown(t *testing.T) {
	var shutdownCalled atomic.Bool
	exited := make(chan int, 1)

	h := NewErrorHandler("", func() { shutdownCalled.Store(true) },
		WithLimits(2, time.Hour, 10*time.Millisecond),
		WithExit(func(code int) { exited <- code }),
	)
	defer h.Stop()

	for i := 0; i < 3; i++ {
		h.IncrementError()
	}

	select {
	case code := <-exited:
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after an error storm")
	}
	if !shutdownCalled.Load() {
		t.Error("shutdown function was not called")
	}
}

func TestReportPostsToWebhook(t *testing.T) {
	var mu sync.Mutex
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotContentType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := NewErrorHandler(srv.URL, nil, WithLimits(100, time.Hour, time.Hour))
	defer h.Stop()

	h.Report(ReportErrorOptions{Error: "Test", Message: "hello"})

	mu.Lock()
	defer mu.Unlock()
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
}
