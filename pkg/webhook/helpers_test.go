package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/go-webhooks/pkg/store"
)

type receivedRequest struct {
	Header http.Header
	Body   []byte
}

// receiver is a subscriber endpoint that records every request.
type receiver struct {
	*httptest.Server
	mu       sync.Mutex
	requests []receivedRequest
}

func newReceiver(t *testing.T, status int) *receiver {
	r := &receiver{}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.requests = append(r.requests, receivedRequest{Header: req.Header.Clone(), Body: body})
		r.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *receiver) received() []receivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]receivedRequest(nil), r.requests...)
}

func addEndpoint(t *testing.T, repo *store.MemoryRepository, id, url, secret string, active bool, events ...string) store.WebhookEndpoint {
	endpoint := store.WebhookEndpoint{ID: id, URL: url, Secret: secret, Events: events, IsActive: active, CreatedAt: time.Now()}
	require.NoError(t, repo.CreateEndpoint(context.Background(), &endpoint))
	return endpoint
}

// flakyStore fails selected writes on top of the in-memory repository.
type flakyStore struct {
	*store.MemoryRepository
	failCreate    bool
	failFind      bool
	failRecord    bool
	failIncrement bool
	// strictText rejects bodies a TEXT column would refuse.
	strictText    bool
	markCalls     atomic.Int32
	lastReset     atomic.Bool
	createCalled  atomic.Int32
}

var errStoreDown = errors.New("store unavailable")

func (f *flakyStore) CreateEvent(ctx context.Context, event *store.WebhookEvent) error {
	f.createCalled.Add(1)
	if f.failCreate {
		return errStoreDown
	}
	return f.MemoryRepository.CreateEvent(ctx, event)
}

func (f *flakyStore) FindActive(ctx context.Context) ([]store.WebhookEndpoint, error) {
	if f.failFind {
		return nil, errStoreDown
	}
	return f.MemoryRepository.FindActive(ctx)
}

func (f *flakyStore) MarkTriggered(ctx context.Context, id string, at time.Time, resetFailures bool) error {
	f.markCalls.Add(1)
	f.lastReset.Store(resetFailures)
	return f.MemoryRepository.MarkTriggered(ctx, id, at, resetFailures)
}

func (f *flakyStore) RecordOutcome(ctx context.Context, id string, outcome store.DeliveryOutcome) error {
	if f.failRecord {
		return errStoreDown
	}
	if f.strictText && (!utf8.ValidString(outcome.ResponseBody) || strings.ContainsRune(outcome.ResponseBody, 0)) {
		return errors.New("invalid byte sequence for encoding UTF8")
	}
	return f.MemoryRepository.RecordOutcome(ctx, id, outcome)
}

func (f *flakyStore) IncrementFailureCount(ctx context.Context, id string) error {
	if f.failIncrement {
		return errStoreDown
	}
	return f.MemoryRepository.IncrementFailureCount(ctx, id)
}
