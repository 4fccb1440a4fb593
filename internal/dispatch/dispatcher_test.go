package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dskow/routing-gateway/internal/destination"
	"github.com/dskow/routing-gateway/internal/gwerr"
)

type fakeRecorder struct {
	mu        sync.Mutex
	successes map[string]int
	failures  map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{successes: map[string]int{}, failures: map[string]int{}}
}

func (f *fakeRecorder) RecordSuccess(id string) {
	f.mu.Lock()
	f.successes[id]++
	f.mu.Unlock()
}

func (f *fakeRecorder) RecordFailure(id string) {
	f.mu.Lock()
	f.failures[id]++
	f.mu.Unlock()
}

func testDest(url string) destination.Destination {
	return destination.Destination{ID: "erp-a", Name: "A", BaseURL: url, APIKey: "secret", TimeoutMs: 2000, Enabled: true}
}

func TestDispatch_SendsCredentialsAndBody(t *testing.T) {
	var gotAuth, gotCT, gotUA, gotRID, gotBody, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		gotUA = r.Header.Get("User-Agent")
		gotRID = r.Header.Get("X-Request-ID")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	d := New(srv.Client(), rec, WithUserAgent("test-agent"))

	res, err := d.Dispatch(context.Background(), testDest(srv.URL), Call{
		Method:    http.MethodPost,
		Path:      "/orders",
		Body:      []byte(`{"sku":"a"}`),
		RequestID: "rid-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, "test-agent", gotUA)
	assert.Equal(t, "rid-1", gotRID)
	assert.Equal(t, "/orders", gotPath)
	assert.Equal(t, `{"sku":"a"}`, gotBody)

	assert.Equal(t, http.StatusCreated, res.Status)
	assert.Equal(t, "erp-a", res.Destination)
	assert.JSONEq(t, `{"id":1}`, string(res.Body))
	assert.False(t, res.CompletedAt.IsZero())
	assert.Equal(t, 1, rec.successes["erp-a"])
	assert.Zero(t, rec.failures["erp-a"])
}

func TestDispatch_BodyOnlyForWriteMethods(t *testing.T) {
	tests := []struct {
		method   string
		wantBody bool
	}{
		{http.MethodGet, false},
		{http.MethodDelete, false},
		{http.MethodPost, true},
		{http.MethodPut, true},
		{http.MethodPatch, true},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			var got []byte
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = io.ReadAll(r.Body)
				w.Write([]byte(`{}`))
			}))
			defer srv.Close()

			d := New(srv.Client(), nil)
			_, err := d.Dispatch(context.Background(), testDest(srv.URL), Call{Method: tt.method, Path: "/x", Body: []byte(`{"a":1}`)})
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, len(got) > 0)
		})
	}
}

func TestDispatch_Non2xxRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	d := New(srv.Client(), rec)
	_, err := d.Dispatch(context.Background(), testDest(srv.URL), Call{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)

	ge, ok := gwerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerr.KindUpstream, ge.Kind)
	assert.Equal(t, "erp-a", ge.Destination)
	assert.Equal(t, http.StatusServiceUnavailable, ge.Status)
	assert.Equal(t, 1, rec.failures["erp-a"])
	assert.Zero(t, rec.successes["erp-a"])
}

func TestDispatch_NetworkErrorRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rec := newFakeRecorder()
	d := New(http.DefaultClient, rec)
	_, err := d.Dispatch(context.Background(), testDest(url), Call{Method: http.MethodGet, Path: "/"})
	assert.Equal(t, gwerr.KindUpstream, gwerr.KindOf(err))
	assert.Equal(t, 1, rec.failures["erp-a"])
}

func TestDispatch_TimeoutOverrideWins(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := newFakeRecorder()
	d := New(srv.Client(), rec)
	dest := testDest(srv.URL)
	dest.TimeoutMs = 60000

	start := time.Now()
	_, err := d.Dispatch(context.Background(), dest, Call{Method: http.MethodGet, Path: "/", Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, rec.failures["erp-a"])
}

func TestDispatch_CallerCancelNotCounted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	d := New(srv.Client(), rec)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := d.Dispatch(ctx, testDest(srv.URL), Call{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)
	assert.Zero(t, rec.failures["erp-a"])
}

func TestDispatch_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":"0123456789"}`))
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	d := New(srv.Client(), rec, WithMaxResponseBytes(8))
	_, err := d.Dispatch(context.Background(), testDest(srv.URL), Call{Method: http.MethodGet, Path: "/"})
	assert.True(t, errors.Is(err, ErrResponseTooLarge))
	assert.Equal(t, 1, rec.failures["erp-a"])
}

func TestCarriesBody(t *testing.T) {
	assert.True(t, CarriesBody(http.MethodPatch))
	assert.False(t, CarriesBody(http.MethodHead))
}
