package submit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		code    int
		status  string
		message string
		want    Kind
	}{
		{"accepted", 200, "ok", "", Success},
		{"2xx without ok body", 200, "", "", Transient},
		{"finalized mesa", 409, "", "ya escrutada", Conflict},
		{"forbidden", 403, "", "", AuthBlock},
		{"session expired", 401, "", "", AuthBlock},
		{"server error", 500, "error", "boom", Transient},
		{"bad request", 400, "", "", Transient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.code, tc.status, tc.message)
			assert.Equal(t, tc.want, got.Kind)
			assert.Equal(t, tc.code, got.Status)
		})
	}
}

func TestClassify_ConflictDefaultsMessage(t *testing.T) {
	got := Classify(http.StatusConflict, "", "")
	assert.Equal(t, DefaultConflictMessage, got.Message)
}

func TestAttempt_SendsPayloadAndCredential(t *testing.T) {
	var (
		gotBody  map[string]any
		gotCSRF  string
		gotCType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotCSRF = r.Header.Get("X-CSRFToken")
		gotCType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, time.Second)
	res := c.Attempt(context.Background(), map[string]any{"mesa_id": 5, "overwrite": true}, "tok")

	assert.Equal(t, Success, res.Kind)
	assert.Equal(t, "tok", gotCSRF)
	assert.Equal(t, "application/json", gotCType)
	assert.EqualValues(t, 5, gotBody["mesa_id"])
	assert.Equal(t, true, gotBody["overwrite"])
}

func TestAttempt_ConflictCarriesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"status":"error","message":"Mesa 5 ya escrutada"}`))
	}))
	defer srv.Close()

	res := NewClient(srv.URL, srv.URL, time.Second).Attempt(context.Background(), map[string]any{}, "")
	assert.Equal(t, Conflict, res.Kind)
	assert.Equal(t, "Mesa 5 ya escrutada", res.Message)
}

func TestAttempt_NonJSONBodyStillClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "<html>forbidden</html>", http.StatusForbidden)
	}))
	defer srv.Close()

	res := NewClient(srv.URL, srv.URL, time.Second).Attempt(context.Background(), map[string]any{}, "")
	assert.Equal(t, AuthBlock, res.Kind)
}

func TestAttempt_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := NewClient(url, url, time.Second).Attempt(context.Background(), map[string]any{}, "")
	assert.Equal(t, Transient, res.Kind)
	assert.Equal(t, 0, res.Status)
	assert.Error(t, res.Err)
}

func TestAttempt_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	res := NewClient(srv.URL, srv.URL, 50*time.Millisecond).Attempt(context.Background(), map[string]any{}, "")
	assert.Equal(t, Transient, res.Kind)
	assert.Error(t, res.Err)
}

func TestLookupMesa(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("numero_mesa") {
		case "101":
			_, _ = w.Write([]byte(`{"escuela":"Escuela 12","circuito":4}`))
		case "":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Número de mesa no proporcionado"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Mesa no encontrada"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL+"/operador/mesa/", time.Second)

	info, err := c.LookupMesa(context.Background(), "101")
	require.NoError(t, err)
	assert.Equal(t, "Escuela 12", info.Escuela)
	assert.EqualValues(t, 4, info.Circuito)

	_, err = c.LookupMesa(context.Background(), "999")
	assert.ErrorIs(t, err, ErrMesaNotFound)

	_, err = c.LookupMesa(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no proporcionado")
}
