package schemaregistry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hamba/avro/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/sr"

	"github.com/grafana/streamql/pkg/encoding"
)

// Client is a Registry backed by a Confluent compatible schema registry.
type Client struct {
	cl      *sr.Client
	logger  log.Logger
	backoff backoff.Config
	cache   *lru.Cache[int, avro.Schema]

	requests *prometheus.CounterVec
}

var _ Registry = (*Client)(nil)

// NewClient returns a registry client. Schemas are cached by id since a
// registered id never changes meaning.
func NewClient(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Client, error) {
	opts := []sr.ClientOpt{
		sr.URLs(cfg.URL),
		sr.HTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.Username != "" {
		opts = append(opts, sr.BasicAuth(cfg.Username, cfg.Password.String()))
	}
	cl, err := sr.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating schema registry client: %w", err)
	}
	cache, err := lru.New[int, avro.Schema](max(1, cfg.CacheSize))
	if err != nil {
		return nil, err
	}
	return &Client{
		cl:     cl,
		logger: log.With(logger, "component", "schema_registry"),
		backoff: backoff.Config{
			MinBackoff: 100 * time.Millisecond,
			MaxBackoff: 5 * time.Second,
			MaxRetries: cfg.MaxRetries + 1,
		},
		cache: cache,
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "streamql_schema_registry_requests_total",
			Help: "Total number of schema registry requests by operation and status.",
		}, []string{"op", "status"}),
	}, nil
}

// do runs fn with bounded retries. Missing subjects and schemas are not
// retried.
func (c *Client) do(ctx context.Context, op, subject string, fn func() error) error {
	boff := backoff.New(ctx, c.backoff)
	var lastErr error
	for boff.Ongoing() {
		err := fn()
		if err == nil {
			c.requests.WithLabelValues(op, "success").Inc()
			return nil
		}
		if notFound(err) {
			c.requests.WithLabelValues(op, "not_found").Inc()
			if op == "latest" {
				return &ResolutionError{Subject: subject, Err: fmt.Errorf("%w: %v", ErrSubjectNotFound, err)}
			}
			return &ResolutionError{Subject: subject, Err: fmt.Errorf("%w: %v", ErrSchemaNotFound, err)}
		}
		c.requests.WithLabelValues(op, "error").Inc()
		level.Warn(c.logger).Log("msg", "schema registry request failed", "op", op, "subject", subject, "attempt", boff.NumRetries()+1, "err", err)
		lastErr = err
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return &ResolutionError{Subject: subject, Err: lastErr}
}

func notFound(err error) bool {
	var rerr *sr.ResponseError
	return errors.As(err, &rerr) && rerr.StatusCode == http.StatusNotFound
}

func (c *Client) Latest(ctx context.Context, subject string) (encoding.AvroSchema, error) {
	var ss sr.SubjectSchema
	err := c.do(ctx, "latest", subject, func() (err error) {
		ss, err = c.cl.SchemaByVersion(ctx, subject, -1)
		return err
	})
	if err != nil {
		return encoding.AvroSchema{}, err
	}
	if ss.Type != sr.TypeAvro {
		return encoding.AvroSchema{}, &ResolutionError{Subject: subject, Err: fmt.Errorf("schema %d is %s, not AVRO", ss.ID, ss.Type)}
	}
	schema, err := c.parse(ss.ID, ss.Schema.Schema)
	if err != nil {
		return encoding.AvroSchema{}, &ResolutionError{Subject: subject, Err: err}
	}
	return encoding.AvroSchema{ID: ss.ID, Schema: schema}, nil
}

func (c *Client) ByID(ctx context.Context, id int) (avro.Schema, error) {
	if s, ok := c.cache.Get(id); ok {
		return s, nil
	}
	subject := fmt.Sprintf("id %d", id)
	var s sr.Schema
	err := c.do(ctx, "by_id", subject, func() (err error) {
		s, err = c.cl.SchemaByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	schema, err := c.parse(id, s.Schema)
	if err != nil {
		return nil, &ResolutionError{Subject: subject, Err: err}
	}
	return schema, nil
}

func (c *Client) Register(ctx context.Context, subject string, schema avro.Schema) (int, error) {
	var ss sr.SubjectSchema
	err := c.do(ctx, "register", subject, func() (err error) {
		ss, err = c.cl.CreateSchema(ctx, subject, sr.Schema{Schema: schema.String(), Type: sr.TypeAvro})
		return err
	})
	if err != nil {
		return 0, err
	}
	c.cache.Add(ss.ID, schema)
	level.Info(c.logger).Log("msg", "registered schema", "subject", subject, "id", ss.ID, "version", ss.Version)
	return ss.ID, nil
}

func (c *Client) parse(id int, text string) (avro.Schema, error) {
	if s, ok := c.cache.Get(id); ok {
		return s, nil
	}
	s, err := avro.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing schema %d: %w", id, err)
	}
	c.cache.Add(id, s)
	return s, nil
}
