package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hookline/internal/ledger"
	"github.com/mattjoyce/hookline/internal/payload"
	"github.com/mattjoyce/hookline/internal/signature"
	"github.com/mattjoyce/hookline/internal/source"
	"github.com/mattjoyce/hookline/internal/storage"
)

const (
	paymentsSecret = "whsec_payments"
	scmSecret      = "scm-secret"
	identitySecret = "identity-secret"
	testSecret     = "test_webhook_secret_dev"
)

var fixedNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	orch  *Orchestrator
	store *ledger.SQLiteStore
	logs  *syncBuffer
}

func defaultConfig() Config {
	return Config{
		Sources: map[source.Source]SourceConfig{
			source.Payments: {Secret: paymentsSecret},
			source.SCM:      {Secret: scmSecret},
			source.Identity: {Secret: identitySecret},
			source.Test:     {Secret: testSecret},
		},
		HandlerTimeout: time.Second,
		ClaimLease:     time.Minute,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "hookline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store := ledger.NewSQLiteStore(db)
	l := ledger.New(store, ledger.NewMemoryCache(time.Hour, 100), logger)

	o := New(cfg, l, NewRegistry(), logger)
	o.now = func() time.Time { return fixedNow }
	return &harness{orch: o, store: store, logs: logs}
}

func signedRequest(t *testing.T, src source.Source, body, secret string, at time.Time, extra map[string]string) Request {
	t.Helper()
	sig, err := signature.Sign(src, []byte(body), secret, at)
	require.NoError(t, err)
	h := http.Header{}
	h.Set(src.Headers().Signature, sig)
	for k, v := range extra {
		h.Set(k, v)
	}
	return Request{Source: src, Body: []byte(body), Header: h}
}

func succeed(msg string) HandlerFunc {
	return func(context.Context, *payload.Event) (Outcome, error) {
		return Outcome{Success: true, Message: msg}, nil
	}
}

const invoicePaid = `{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{"amount_paid":500,"customer_email":"a@b.c","client_secret":"pi_1_secret_x"}}}`

func TestProcessPaymentsInvoicePaid(t *testing.T) {
	h := newHarness(t, defaultConfig())
	var got *payload.Event
	h.orch.Registry().Register(source.Payments, "invoice.paid", func(_ context.Context, ev *payload.Event) (Outcome, error) {
		got = ev
		return Outcome{Success: true, Message: "invoice applied"}, nil
	})

	resp := h.orch.Process(context.Background(), signedRequest(t, source.Payments, invoicePaid, paymentsSecret, fixedNow.Add(-time.Minute), nil))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.True(t, resp.Success)
	assert.Equal(t, "invoice applied", resp.Message)
	assert.Equal(t, "evt_1", resp.EventID)

	require.NotNil(t, got)
	assert.Equal(t, "pi_1_secret_x", got.Body["data"].(map[string]any)["object"].(map[string]any)["client_secret"],
		"handlers see the unsanitized body")
	_, ok := got.Variant.(*payload.PaymentsEvent)
	assert.True(t, ok)

	rec, err := h.store.FindByID(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, rec.Processed)
	assert.NotNil(t, rec.ProcessedAt)
	assert.Nil(t, rec.Error)
	assert.NotContains(t, string(rec.Payload), "pi_1_secret_x")
	assert.NotContains(t, string(rec.Payload), "a@b.c", "customer email is redacted before storage")
	assert.Contains(t, string(rec.Payload), `"amount_paid":500`)

	logs := h.logs.String()
	assert.Contains(t, logs, `"outcome":"succeeded"`)
	assert.Contains(t, logs, `"event_id":"evt_1"`)
	assert.Contains(t, logs, `"duration_ms"`)
	assert.NotContains(t, logs, "pi_1_secret_x", "bodies never reach the log")
}

func TestProcessIsIdempotent(t *testing.T) {
	h := newHarness(t, defaultConfig())
	var calls atomic.Int32
	h.orch.Registry().Register(source.Payments, AnyEventType, func(context.Context, *payload.Event) (Outcome, error) {
		calls.Add(1)
		return Outcome{Success: true}, nil
	})

	req := signedRequest(t, source.Payments, invoicePaid, paymentsSecret, fixedNow, nil)
	for i := 0; i < 5; i++ {
		resp := h.orch.Process(context.Background(), req)
		require.Equal(t, http.StatusOK, resp.Status)
		require.True(t, resp.Success)
		if i > 0 {
			assert.Equal(t, alreadyProcessedMessage, resp.Message)
		}
	}
	assert.Equal(t, int32(1), calls.Load())

	rec, err := h.store.FindByID(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, rec.Processed)
	assert.Equal(t, 1, rec.Attempts)
}

func TestProcessConcurrentDuplicatesRunHandlerOnce(t *testing.T) {
	h := newHarness(t, defaultConfig())
	var calls atomic.Int32
	h.orch.Registry().Register(source.Payments, AnyEventType, func(context.Context, *payload.Event) (Outcome, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return Outcome{Success: true}, nil
	})

	req := signedRequest(t, source.Payments, invoicePaid, paymentsSecret, fixedNow, nil)
	const n = 8
	statuses := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = h.orch.Process(context.Background(), req).Status
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, s := range statuses {
		assert.Contains(t, []int{http.StatusOK, http.StatusConflict}, s)
	}
}

func TestProcessRejectsTamperedSCMSignature(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.orch.Registry().Register(source.SCM, AnyEventType, func(context.Context, *payload.Event) (Outcome, error) {
		t.Fatal("handler must not run")
		return Outcome{}, nil
	})

	body := `{"ref":"refs/heads/main","sender":{"login":"octo"},"repository":{"id":1}}`
	hdr := http.Header{}
	hdr.Set("X-Hub-Signature-256", "sha256="+strings.Repeat("de", 32))
	hdr.Set("X-GitHub-Event", "push")
	hdr.Set("X-GitHub-Delivery", "d-1")

	resp := h.orch.Process(context.Background(), Request{Source: source.SCM, Body: []byte(body), Header: hdr})
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.False(t, resp.Success)
	assert.Equal(t, "invalid signature", resp.Error)

	_, err := h.store.FindByID(context.Background(), "scm_d-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound, "verification precedes any ledger write")
	assert.Contains(t, h.logs.String(), `"category":"auth"`)
	assert.Contains(t, h.logs.String(), `"security":true`)
}

func TestProcessRejectsReplayedPaymentsTimestamp(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.orch.Registry().Register(source.Payments, AnyEventType, succeed("ok"))

	stale := fixedNow.Add(-(5*time.Minute + time.Second))
	resp := h.orch.Process(context.Background(), signedRequest(t, source.Payments, invoicePaid, paymentsSecret, stale, nil))
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Contains(t, h.logs.String(), signature.ErrTimestampOutOfTolerance.Error())
}

func TestProcessTerminalHandlerFailure(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.orch.Registry().Register(source.Identity, "user.deleted", func(context.Context, *payload.Event) (Outcome, error) {
		return Outcome{Success: false, ShouldRetry: false, Error: "no local user"}, nil
	})

	body := `{"object":"event","type":"user.deleted","data":{"id":"user_1","deleted":true}}`
	req := signedRequest(t, source.Identity, body, identitySecret, fixedNow, map[string]string{"Svix-Id": "msg_1"})
	resp := h.orch.Process(context.Background(), req)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.False(t, resp.Success)
	assert.Equal(t, "no local user", resp.Error)
	assert.Equal(t, "identity_msg_1", resp.EventID)

	rec, err := h.store.FindByID(context.Background(), "identity_msg_1")
	require.NoError(t, err)
	assert.False(t, rec.Processed)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "no local user", *rec.Error)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.Contains(t, h.logs.String(), `"category":"handler_terminal"`)
}

func TestProcessRetryableFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler HandlerFunc
		wantErr string
	}{
		{
			name: "handler asks for retry",
			handler: func(context.Context, *payload.Event) (Outcome, error) {
				return Outcome{Success: false, ShouldRetry: true, Error: "ledger service down"}, nil
			},
			wantErr: "ledger service down",
		},
		{
			name: "handler returns error",
			handler: func(context.Context, *payload.Event) (Outcome, error) {
				return Outcome{}, errors.New("connection refused")
			},
			wantErr: "connection refused",
		},
		{
			name: "handler panics",
			handler: func(context.Context, *payload.Event) (Outcome, error) {
				panic("nil map")
			},
			wantErr: ErrHandlerPanic.Error(),
		},
		{
			name: "handler exceeds timeout",
			handler: func(ctx context.Context, _ *payload.Event) (Outcome, error) {
				<-ctx.Done()
				return Outcome{}, ctx.Err()
			},
			wantErr: ErrHandlerTimeout.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.HandlerTimeout = 50 * time.Millisecond
			h := newHarness(t, cfg)
			h.orch.Registry().Register(source.Test, AnyEventType, tt.handler)

			resp := h.orch.Process(context.Background(), signedRequest(t, source.Test, `{"id":"t-1"}`, testSecret, fixedNow, nil))
			assert.Equal(t, http.StatusInternalServerError, resp.Status)
			assert.False(t, resp.Success)
			assert.Contains(t, resp.Error, tt.wantErr)

			rec, err := h.store.FindByID(context.Background(), "t-1")
			require.NoError(t, err)
			assert.False(t, rec.Processed)
			require.NotNil(t, rec.Error)
			assert.Contains(t, *rec.Error, tt.wantErr)
			assert.Contains(t, h.logs.String(), `"category":"handler_retryable"`)
		})
	}
}

func TestProcessHandlerOutlivesClientCancel(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handlerErr error
	h.orch.Registry().Register(source.Test, AnyEventType, func(hctx context.Context, _ *payload.Event) (Outcome, error) {
		// The client disconnects while the handler is mid-flight.
		cancel()
		handlerErr = hctx.Err()
		return Outcome{Success: true, Message: "done"}, nil
	})

	resp := h.orch.Process(ctx, signedRequest(t, source.Test, `{"id":"t-cancel"}`, testSecret, fixedNow, nil))
	require.Error(t, ctx.Err())
	assert.NoError(t, handlerErr, "handler context must not follow the request")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.True(t, resp.Success)

	rec, err := h.store.FindByID(context.Background(), "t-cancel")
	require.NoError(t, err)
	assert.True(t, rec.Processed, "outcome must be recorded after the client is gone")
	assert.NotNil(t, rec.ProcessedAt)
	assert.Nil(t, rec.Error)
	assert.Equal(t, ledger.StatusSucceeded, rec.Status)

	again := h.orch.Process(context.Background(), signedRequest(t, source.Test, `{"id":"t-cancel"}`, testSecret, fixedNow, nil))
	assert.Equal(t, alreadyProcessedMessage, again.Message)
}

func TestRetryRecordsOutcomeAfterCancel(t *testing.T) {
	h := newHarness(t, defaultConfig())
	var fail atomic.Bool
	fail.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.orch.Registry().Register(source.Test, AnyEventType, func(context.Context, *payload.Event) (Outcome, error) {
		if fail.Load() {
			return Outcome{}, errors.New("downstream unavailable")
		}
		cancel()
		return Outcome{Success: true}, nil
	})

	resp := h.orch.Process(context.Background(), signedRequest(t, source.Test, `{"id":"t-retry-cancel"}`, testSecret, fixedNow, nil))
	require.Equal(t, http.StatusInternalServerError, resp.Status)

	fail.Store(false)
	resp, err := h.orch.Retry(ctx, "t-retry-cancel")
	require.NoError(t, err)
	assert.True(t, resp.Success)

	rec, err := h.store.FindByID(context.Background(), "t-retry-cancel")
	require.NoError(t, err)
	assert.True(t, rec.Processed)
	assert.Nil(t, rec.Error)
}

func TestProcessNoHandlerIsTerminal(t *testing.T) {
	h := newHarness(t, defaultConfig())

	resp := h.orch.Process(context.Background(), signedRequest(t, source.Test, `{"id":"t-2","type":"ping"}`, testSecret, fixedNow, nil))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "no handler registered for test/ping")
}

func TestProcessRejections(t *testing.T) {
	tests := []struct {
		name       string
		cfg        func(*Config)
		req        func(t *testing.T) Request
		wantStatus int
		wantInLog  string
	}{
		{
			name: "missing secret is a server error",
			cfg: func(c *Config) {
				c.Sources[source.SCM] = SourceConfig{}
			},
			req: func(t *testing.T) Request {
				return signedRequest(t, source.SCM, `{}`, "whatever", fixedNow, nil)
			},
			wantStatus: http.StatusInternalServerError,
			wantInLog:  `"category":"config"`,
		},
		{
			name: "missing signature header",
			req: func(t *testing.T) Request {
				return Request{Source: source.Payments, Body: []byte(invoicePaid), Header: http.Header{}}
			},
			wantStatus: http.StatusUnauthorized,
			wantInLog:  signature.ErrMissingSignature.Error(),
		},
		{
			name: "malformed JSON",
			req: func(t *testing.T) Request {
				return signedRequest(t, source.Test, `{"id":`, testSecret, fixedNow, nil)
			},
			wantStatus: http.StatusBadRequest,
			wantInLog:  `"category":"invalid_payload"`,
		},
		{
			name: "wrong shape",
			req: func(t *testing.T) Request {
				return signedRequest(t, source.Payments, `{"id":"evt_x","object":"charge","type":"t","data":{}}`, paymentsSecret, fixedNow, nil)
			},
			wantStatus: http.StatusBadRequest,
			wantInLog:  payload.ErrInvalidShape.Error(),
		},
		{
			name: "oversized body rejected before verification",
			req: func(t *testing.T) Request {
				return Request{Source: source.Test, Body: bytes.Repeat([]byte("a"), payload.MaxBodyBytes+1), Header: http.Header{}}
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantInLog:  payload.ErrPayloadTooLarge.Error(),
		},
		{
			name: "unknown source",
			req: func(t *testing.T) Request {
				return Request{Source: "billing", Body: []byte(`{}`), Header: http.Header{}}
			},
			wantStatus: http.StatusNotFound,
			wantInLog:  "unknown webhook source",
		},
		{
			name: "skip_verification ignored outside test source",
			cfg: func(c *Config) {
				c.Sources[source.SCM] = SourceConfig{Secret: scmSecret, SkipVerification: true}
			},
			req: func(t *testing.T) Request {
				return Request{Source: source.SCM, Body: []byte(`{}`), Header: http.Header{}}
			},
			wantStatus: http.StatusUnauthorized,
			wantInLog:  signature.ErrMissingSignature.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			h := newHarness(t, cfg)
			resp := h.orch.Process(context.Background(), tt.req(t))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
			assert.Contains(t, h.logs.String(), tt.wantInLog)
		})
	}
}

func TestProcessBypassIsLoud(t *testing.T) {
	cfg := defaultConfig()
	cfg.Sources[source.Test] = SourceConfig{SkipVerification: true}
	h := newHarness(t, cfg)
	h.orch.Registry().Register(source.Test, AnyEventType, succeed("ok"))

	resp := h.orch.Process(context.Background(), Request{Source: source.Test, Body: []byte(`{"id":"t-3"}`), Header: http.Header{}})
	assert.Equal(t, http.StatusOK, resp.Status)

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(h.logs.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["msg"] == "signature verification bypassed" {
			found = true
			assert.Equal(t, "WARN", entry["level"])
			assert.Equal(t, true, entry["security"])
		}
	}
	assert.True(t, found, "bypass must be logged")
}

func TestProcessInProgressReturnsConflict(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.orch.Registry().Register(source.Test, AnyEventType, succeed("ok"))

	res, err := h.store.Claim(context.Background(), &ledger.Record{ID: "t-4", Source: source.Test, EventType: "unknown"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, ledger.ClaimAcquired, res)

	resp := h.orch.Process(context.Background(), signedRequest(t, source.Test, `{"id":"t-4"}`, testSecret, fixedNow, nil))
	assert.Equal(t, http.StatusConflict, resp.Status)
	assert.Equal(t, "t-4", resp.EventID)
}
