package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclinic/medisync/internal/schema"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Config{
		BaseURL:  srv.URL,
		Hospital: "hospital-1",
		DeviceID: "device-a",
		Timeout:  2 * time.Second,
	})
	require.NoError(t, err)
	return client, srv
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Config{Hospital: "hospital-1"})
	assert.Error(t, err, "missing base URL must be rejected")

	_, err = New(Config{BaseURL: "http://localhost"})
	assert.Error(t, err, "missing hospital must be rejected")
}

func TestPushSuccess(t *testing.T) {
	var gotPath string
	var gotReq PushRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(PushResult{Version: 3, ServerSeq: 17})
	}))

	rec, err := schema.NewRecord(schema.TablePatients, map[string]string{"phone": "111"})
	require.NoError(t, err)

	result, err := client.Push(context.Background(), rec, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Version)
	assert.Equal(t, int64(17), result.ServerSeq)

	assert.Equal(t, "/api/v1/hospitals/hospital-1/tables/patients/records/"+rec.ID, gotPath)
	assert.Equal(t, int64(2), gotReq.BaseVersion)
	assert.Equal(t, "device-a", gotReq.DeviceID)
	assert.Equal(t, rec.ID, gotReq.Record.ID)
}

func TestPushConflict(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		remote := VersionedRecord{Version: 5, ServerSeq: 40}
		remote.Table = schema.TablePatients
		remote.ID = "11111111-1111-4111-8111-111111111111"
		remote.Payload = []byte(`{"phone":"222"}`)
		json.NewEncoder(w).Encode(remote)
	}))

	rec, _ := schema.NewRecord(schema.TablePatients, map[string]string{"phone": "111"})
	_, err := client.Push(context.Background(), rec, 1)
	require.Error(t, err)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(5), conflict.Version)
	assert.JSONEq(t, `{"phone":"222"}`, string(conflict.Remote.Payload))
	assert.False(t, IsTransient(err), "conflict is not retryable")
}

func TestPushServerErrorIsTransient(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	rec, _ := schema.NewRecord(schema.TablePatients, nil)
	_, err := client.Push(context.Background(), rec, 0)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestPushConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	client, err := New(Config{BaseURL: srv.URL, Hospital: "hospital-1", Timeout: time.Second})
	require.NoError(t, err)
	srv.Close()

	rec, _ := schema.NewRecord(schema.TablePatients, nil)
	_, err = client.Push(context.Background(), rec, 0)
	require.Error(t, err)
	assert.True(t, IsTransient(err), "connection refused must be retryable")
}

func TestPushBadRequestIsPermanent(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unknown table"}`, http.StatusBadRequest)
	}))

	rec, _ := schema.NewRecord(schema.TablePatients, nil)
	_, err := client.Push(context.Background(), rec, 0)
	require.Error(t, err)
	assert.False(t, IsTransient(err), "4xx rejection must not be retried as transient")

	var conflict *ConflictError
	assert.False(t, errors.As(err, &conflict))
}

func TestChanges(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/hospitals/hospital-1/changes", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("since"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))

		vr := VersionedRecord{Version: 1, ServerSeq: 8}
		vr.Table = schema.TablePatients
		vr.ID = "11111111-1111-4111-8111-111111111111"
		vr.Payload = []byte(`{}`)
		json.NewEncoder(w).Encode(ChangeBatch{Records: []VersionedRecord{vr}, Next: 8})
	}))

	batch, err := client.Changes(context.Background(), 7, 50)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, int64(8), batch.Next)
	assert.False(t, batch.HasMore)
}

func TestPing(t *testing.T) {
	healthy := true
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))

	ctx := context.Background()
	assert.NoError(t, client.Ping(ctx))

	healthy = false
	err := client.Ping(ctx)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestParseSince(t *testing.T) {
	assert.Equal(t, int64(0), ParseSince(""))
	assert.Equal(t, int64(0), ParseSince("garbage"))
	assert.Equal(t, int64(42), ParseSince("42"))
}
