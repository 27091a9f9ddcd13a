package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally-sync/internal/archive"
	"tally-sync/internal/handshake"
	"tally-sync/internal/models"
	"tally-sync/internal/ratelimit"
	"tally-sync/internal/store"
	"tally-sync/internal/submit"
)

type stubSubmitter struct {
	mu      sync.Mutex
	result  submit.Result
	calls   int
	mesa    models.MesaInfo
	mesaErr error
}

func (s *stubSubmitter) Attempt(ctx context.Context, payload map[string]any, credential string) submit.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result
}

func (s *stubSubmitter) LookupMesa(ctx context.Context, numero string) (models.MesaInfo, error) {
	return s.mesa, s.mesaErr
}

type countingDrain struct{ n int }

func (d *countingDrain) RequestDrain(context.Context) error {
	d.n++
	return nil
}

type testServer struct {
	store *store.SQLite
	sub   *stubSubmitter
	drain *countingDrain
	hs    *handshake.Handshake
	srv   *Server
	h     http.Handler
}

func newTestServer(t *testing.T, mutate func(*Deps)) *testServer {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ts := &testServer{
		store: st,
		sub:   &stubSubmitter{result: submit.Result{Kind: submit.Success, Status: 200}},
		drain: &countingDrain{},
	}
	ts.hs = handshake.New(st, nil, nil)
	d := Deps{Store: st, Submitter: ts.sub, Confirmations: ts.hs, Drain: ts.drain}
	if mutate != nil {
		mutate(&d)
	}
	ts.srv = New(d)
	ts.h = ts.srv.Router()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	ts.h.ServeHTTP(rr, req)
	return rr
}

func submission(mesa int64) map[string]any {
	return map[string]any{
		"payload": map[string]any{
			"mesa_id":     mesa,
			"votos_cargo": []map[string]any{{"partido_postulacion_id": 1, "cargo_id": 1, "votos": 120}},
			"resumen_mesa": map[string]any{
				"electores_votaron":  200,
				"sobres_encontrados": 200,
				"diferencia":         0,
			},
		},
		"credential": "csrf-token",
	}
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func (ts *testServer) queued(t *testing.T) []models.Record {
	t.Helper()
	recs, err := ts.store.List(context.Background())
	require.NoError(t, err)
	return recs
}

func TestSubmit_OnlineSuccessDoesNotQueue(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodPost, "/submissions", submission(10))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, ts.queued(t))
}

func TestSubmit_TransientFailureQueues(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sub.result = submit.Result{Kind: submit.Transient, Err: errors.New("dial tcp: connection refused")}

	rr := ts.do(t, http.MethodPost, "/submissions", submission(10))
	require.Equal(t, http.StatusAccepted, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["queued"])

	recs := ts.queued(t)
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusPending, recs[0].Status)
	assert.Equal(t, "csrf-token", recs[0].Credential)
	assert.EqualValues(t, body["id"], recs[0].ID)
}

func TestSubmit_ConflictAndAuthAreReportedNotQueued(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.sub.result = submit.Classify(409, "error", "")
	rr := ts.do(t, http.MethodPost, "/submissions", submission(10))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, submit.DefaultConflictMessage, decode(t, rr)["message"])

	ts.sub.result = submit.Classify(403, "", "")
	rr = ts.do(t, http.MethodPost, "/submissions", submission(10))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	assert.Empty(t, ts.queued(t))
}

func TestSubmit_OfflineFirstSkipsOnlineAttempt(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.OfflineFirst = true })
	rr := ts.do(t, http.MethodPost, "/submissions", submission(10))
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Zero(t, ts.sub.calls)
	assert.Len(t, ts.queued(t), 1)
}

func TestSubmit_RefusesDuplicateForQueuedMesa(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.OfflineFirst = true })
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/submissions", submission(10)).Code)

	rr := ts.do(t, http.MethodPost, "/submissions", submission(10))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "duplicate", decode(t, rr)["status"])
	assert.Len(t, ts.queued(t), 1)

	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/submissions", submission(11)).Code)
}

func TestSubmit_RejectsPayloadWithoutMesa(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodPost, "/submissions", map[string]any{"payload": map[string]any{"votos_cargo": []any{}}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Zero(t, ts.sub.calls)
}

func TestSubmit_StorageFailureIsLoud(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.OfflineFirst = true })
	require.NoError(t, ts.store.Close())

	rr := ts.do(t, http.MethodPost, "/submissions", submission(10))
	assert.Equal(t, http.StatusInsufficientStorage, rr.Code)
	assert.Contains(t, decode(t, rr)["error"], "local queue unavailable")
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false}, nil
}

func TestSubmit_RateLimited(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.Limiter = denyAll{} })
	rr := ts.do(t, http.MethodPost, "/submissions", submission(10), "X-Operator-ID", "op-7")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Zero(t, ts.sub.calls)
}

func (ts *testServer) add(t *testing.T, mesa int64, status string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := ts.store.Add(ctx, models.NewRecord{Payload: map[string]any{"mesa_id": mesa}, Credential: "secret-cred"})
	require.NoError(t, err)
	if status != models.StatusPending {
		require.NoError(t, ts.store.Update(ctx, id, models.StatusPatch(status)))
	}
	return id
}

func TestQueue_ListAndFilter(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.add(t, 1, models.StatusPending)
	ts.add(t, 2, models.StatusBlockedAuth)

	rr := ts.do(t, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["records"], 2)

	rr = ts.do(t, http.MethodGet, "/queue?status=blocked_auth", nil)
	recs := decode(t, rr)["records"].([]any)
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusBlockedAuth, recs[0].(map[string]any)["status"])
	assert.NotContains(t, rr.Body.String(), "secret-cred", "credentials are not exposed")
}

func TestQueue_GetMissing(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/queue/99", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/queue/abc", nil).Code)
}

func TestQueue_RemoveOnlyNonPending(t *testing.T) {
	ts := newTestServer(t, nil)
	pending := ts.add(t, 1, models.StatusPending)
	cancelled := ts.add(t, 2, models.StatusCancelled)

	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodDelete, "/queue/"+itoa(pending), nil).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/queue/"+itoa(cancelled), nil).Code)
	assert.Len(t, ts.queued(t), 1)
}

func TestQueue_RetryBlockedWithNewCredential(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.add(t, 1, models.StatusBlockedAuth)

	rr := ts.do(t, http.MethodPost, "/queue/"+itoa(id)+"/retry", map[string]string{"credential": "fresh"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, ts.drain.n)

	rec, ok, err := ts.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, "fresh", rec.Credential)
}

func TestQueue_RetryRefusesPendingAndNeedsConfirm(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, status := range []string{models.StatusPending, models.StatusNeedsConfirm} {
		id := ts.add(t, 1, status)
		assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/queue/"+itoa(id)+"/retry", nil).Code)
	}
	assert.Zero(t, ts.drain.n)
}

func TestQueue_ManualDrain(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/queue/drain", nil).Code)
	assert.Equal(t, 1, ts.drain.n)
}

func TestConfirmations_ListAndResolve(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.add(t, 5, models.StatusNeedsConfirm)
	ts.hs.Receive(id, "Mesa ya escrutada")

	rr := ts.do(t, http.MethodGet, "/confirmations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["confirmations"], 1)

	rr = ts.do(t, http.MethodPost, "/confirmations/"+itoa(id), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "decision is required")

	rr = ts.do(t, http.MethodPost, "/confirmations/"+itoa(id), map[string]any{"overwrite": false})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.StatusCancelled, decode(t, rr)["status"])

	rr = ts.do(t, http.MethodPost, "/confirmations/"+itoa(id), map[string]any{"overwrite": true})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodPost, "/confirmations/404", map[string]any{"overwrite": true})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMesaLookup(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sub.mesa = models.MesaInfo{Escuela: "Escuela 12", Circuito: float64(3)}
	rr := ts.do(t, http.MethodGet, "/mesas/1001", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Escuela 12", decode(t, rr)["escuela"])

	ts.sub.mesaErr = submit.ErrMesaNotFound
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/mesas/9", nil).Code)
}

type stubArchiver struct{ res archive.Result }

func (a stubArchiver) Export(context.Context) (archive.Result, error) { return a.res, nil }

func TestArchive(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodPost, "/archive", nil).Code)

	ts = newTestServer(t, func(d *Deps) { d.Archiver = stubArchiver{res: archive.Result{Key: "k.json", Records: 2}} })
	rr := ts.do(t, http.MethodPost, "/archive", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "k.json", decode(t, rr)["key"])
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nil).Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis: connection refused")
}

func TestSubmit_LimiterOutageDoesNotRejectTallies(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.Limiter = brokenLimiter{} })
	rr := ts.do(t, http.MethodPost, "/submissions", submission(10))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, ts.sub.calls)
}

func TestConfirmations_ReopensMissedPushes(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.add(t, 5, models.StatusNeedsConfirm)

	rr := ts.do(t, http.MethodGet, "/confirmations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	prompts := decode(t, rr)["confirmations"].([]any)
	require.Len(t, prompts, 1)
	assert.EqualValues(t, id, prompts[0].(map[string]any)["record_id"])
}
