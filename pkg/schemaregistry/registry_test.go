package schemaregistry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/hamba/avro/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const pageviewSchema = `{"type":"record","name":"pageview","fields":[{"name":"viewtime","type":"long"},{"name":"userid","type":"string"}]}`

func TestInMemory(t *testing.T) {
	ctx := context.Background()
	r := NewInMemory()

	_, err := r.Latest(ctx, Subject("pageviews"))
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	require.ErrorIs(t, err, ErrSubjectNotFound)

	s := avro.MustParse(pageviewSchema)
	id, err := r.Register(ctx, "pageviews-value", s)
	require.NoError(t, err)

	again, err := r.Register(ctx, "pageviews-value", avro.MustParse(pageviewSchema))
	require.NoError(t, err)
	require.Equal(t, id, again)

	shared, err := r.Register(ctx, "copy-value", s)
	require.NoError(t, err)
	require.Equal(t, id, shared)

	latest, err := r.Latest(ctx, "pageviews-value")
	require.NoError(t, err)
	require.Equal(t, id, latest.ID)
	require.Equal(t, s.String(), latest.Schema.String())

	byID, err := r.ByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, s.String(), byID.String())

	_, err = r.ByID(ctx, 99)
	require.ErrorIs(t, err, ErrSchemaNotFound)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{URL: srv.URL, Timeout: time.Second, MaxRetries: 2, CacheSize: 10}, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	c.backoff.MinBackoff = time.Millisecond
	c.backoff.MaxBackoff = time.Millisecond
	return c
}

func TestClient_Latest(t *testing.T) {
	calls := atomic.NewInt32(0)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		switch {
		case strings.HasPrefix(r.URL.Path, "/subjects/pageviews-value/versions/"):
			w.Header().Set("Content-Type", "application/vnd.schemaregistry.v1+json")
			_, _ = w.Write([]byte(`{"subject":"pageviews-value","version":1,"id":3,"schema":` + quote(pageviewSchema) + `}`))
		case r.URL.Path == "/schemas/ids/3":
			_, _ = w.Write([]byte(`{"schema":` + quote(pageviewSchema) + `}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":40401,"message":"Subject 'x' not found."}`))
		}
	})
	ctx := context.Background()

	s, err := c.Latest(ctx, "pageviews-value")
	require.NoError(t, err)
	require.Equal(t, 3, s.ID)
	require.Equal(t, avro.Record, s.Schema.Type())

	// Cached by id after the first resolution.
	before := calls.Load()
	_, err = c.ByID(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, before, calls.Load())

	_, err = c.Latest(ctx, "missing-value")
	require.ErrorIs(t, err, ErrSubjectNotFound)
	require.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("latest", "not_found")))
}

func TestClient_RetriesAreBounded(t *testing.T) {
	calls := atomic.NewInt32(0)
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Inc()
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error_code":50001,"message":"backend store error"}`))
	})

	_, err := c.Latest(context.Background(), "pageviews-value")
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "pageviews-value", rerr.Subject)
	// One attempt plus two retries.
	require.Equal(t, int32(3), calls.Load())
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
