package engine

import (
	"context"
	"io"
	"sync"

	"github.com/grafana/dskit/services"

	"github.com/grafana/streamql/pkg/engine/executor"
	"github.com/grafana/streamql/pkg/types"
)

// Cursor streams the rows of an interactive query.
type Cursor struct {
	query  *executor.Query
	schema types.Schema

	rows chan types.Row
	// closed discards rows emitted after the client went away.
	closed    chan struct{}
	closeOnce sync.Once
	// done is closed once the query terminated and no more rows arrive.
	done chan struct{}
	err  error
	// release runs once the query terminated, before done is closed.
	release func(failure error)
}

func newCursor(schema types.Schema, buffer int) *Cursor {
	return &Cursor{
		schema: schema,
		rows:   make(chan types.Row, buffer),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Emit implements executor.Emitter.
func (c *Cursor) Emit(ctx context.Context, rec executor.Record) error {
	select {
	case c.rows <- rec.Row:
		return nil
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watch waits for the query to terminate. Rows are no longer emitted once it
// returns.
func (c *Cursor) watch() {
	_ = c.query.AwaitTerminated(context.Background())
	if c.query.State() == services.Failed {
		c.err = c.query.FailureCase()
	}
	if c.release != nil {
		c.release(c.err)
	}
	close(c.done)
}

// Schema returns the columns of the rows.
func (c *Cursor) Schema() types.Schema { return c.schema }

// QueryID returns the id of the query feeding the cursor.
func (c *Cursor) QueryID() string { return c.query.ID() }

// Next blocks until a row is available. It returns io.EOF once the query
// completed and every row was read, or the error the query failed with.
func (c *Cursor) Next(ctx context.Context) (types.Row, error) {
	select {
	case row := <-c.rows:
		return row, nil
	case <-c.done:
		select {
		case row := <-c.rows:
			return row, nil
		default:
		}
		if c.err != nil {
			return nil, c.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the error the query failed with, if any. It is only
// meaningful after Next returned an error.
func (c *Cursor) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close terminates the query and waits for it to stop. Buffered rows stay
// readable.
func (c *Cursor) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.query.StopAsync()
	<-c.done
	return nil
}
