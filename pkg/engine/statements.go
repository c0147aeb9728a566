package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/grafana/streamql/pkg/catalog"
	"github.com/grafana/streamql/pkg/encoding"
	"github.com/grafana/streamql/pkg/engine/executor"
	"github.com/grafana/streamql/pkg/engine/planner/logical"
	"github.com/grafana/streamql/pkg/engine/planner/physical"
	"github.com/grafana/streamql/pkg/schemaregistry"
	"github.com/grafana/streamql/pkg/sql/syntax"
	"github.com/grafana/streamql/pkg/transport"
	"github.com/grafana/streamql/pkg/types"
)

func (e *Engine) createSource(ctx context.Context, s *syntax.CreateSource) (*Result, error) {
	e.ddl.Lock()
	defer e.ddl.Unlock()

	if _, ok := e.catalog.Snapshot().Lookup(s.Name); ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrExists, s.Name)
	}
	props := s.Properties
	format := strings.ToUpper(props.ValueFormat)
	if format == "" {
		return nil, fmt.Errorf("%s %s: VALUE_FORMAT is required", s.Kind, s.Name)
	}
	if !encoding.ValidFormat(format) {
		return nil, fmt.Errorf("%w: %s", encoding.ErrUnknownFormat, props.ValueFormat)
	}
	if format == encoding.FormatDelimited && props.ValueDelimiter != "" {
		if _, err := encoding.ParseDelimiter(props.ValueDelimiter); err != nil {
			return nil, err
		}
	}
	topic := props.Topic
	if topic == "" {
		topic = s.Name
	}

	entry := &catalog.Entry{
		Name:      s.Name,
		Kind:      s.Kind,
		Topic:     topic,
		Format:    format,
		Delimiter: props.ValueDelimiter,
		Statement: s.String(),
	}

	var pinned *encoding.AvroSchema
	switch {
	case len(s.Columns) == 0 && format == encoding.FormatAvro:
		// The latest registered schema is resolved once and pinned.
		latest, err := e.registry.Latest(ctx, schemaregistry.Subject(topic))
		if err != nil {
			return nil, fmt.Errorf("inferring columns of %s: %w", s.Name, err)
		}
		if entry.Schema, err = encoding.SchemaFromAvro(latest.Schema); err != nil {
			return nil, err
		}
		pinned = &latest
	case len(s.Columns) == 0:
		return nil, fmt.Errorf("%s %s: columns are required for format %s", s.Kind, s.Name, format)
	default:
		cols := make([]types.Column, len(s.Columns))
		for i, c := range s.Columns {
			cols[i] = types.Column{Name: c.Name, Type: c.Type}
			if c.Key {
				if entry.KeyColumn != "" {
					return nil, fmt.Errorf("%s %s: more than one KEY column", s.Kind, s.Name)
				}
				entry.KeyColumn = c.Name
			}
		}
		schema, err := types.NewSchema(cols...)
		if err != nil {
			return nil, err
		}
		entry.Schema = schema
	}

	if props.Key != "" {
		if entry.KeyColumn != "" && !strings.EqualFold(entry.KeyColumn, props.Key) {
			return nil, fmt.Errorf("%s %s: KEY property %s conflicts with KEY column %s", s.Kind, s.Name, props.Key, entry.KeyColumn)
		}
		entry.KeyColumn = props.Key
	}
	entry.KeyType = types.String
	if entry.KeyColumn != "" {
		col, ok := entry.Schema.Lookup(entry.KeyColumn)
		if !ok {
			return nil, fmt.Errorf("%s %s: unknown KEY column %s", s.Kind, s.Name, entry.KeyColumn)
		}
		if !col.Type.IsPrimitive() {
			return nil, fmt.Errorf("%s %s: KEY column %s must have a primitive type", s.Kind, s.Name, col.Name)
		}
		entry.KeyColumn, entry.KeyType = col.Name, col.Type
	} else if s.Kind == types.SourceTable {
		return nil, fmt.Errorf("TABLE %s: a KEY column is required", s.Name)
	}
	if props.Timestamp != "" {
		col, ok := entry.Schema.Lookup(props.Timestamp)
		if !ok {
			return nil, fmt.Errorf("%s %s: unknown TIMESTAMP column %s", s.Kind, s.Name, props.Timestamp)
		}
		if col.Type.Kind != types.KindBigInt {
			return nil, fmt.Errorf("%s %s: TIMESTAMP column %s must be BIGINT, got %s", s.Kind, s.Name, col.Name, col.Type)
		}
		entry.TimestampColumn = col.Name
	}

	partitions, err := e.ensureTopic(ctx, topic, props.Partitions)
	if err != nil {
		return nil, err
	}
	entry.Partitions = partitions

	if format == encoding.FormatAvro && pinned == nil {
		rec, err := encoding.AvroFromSchema(s.Name, entry.Schema)
		if err != nil {
			return nil, err
		}
		id, err := e.registry.Register(ctx, schemaregistry.Subject(topic), rec)
		if err != nil {
			return nil, fmt.Errorf("registering schema of %s: %w", s.Name, err)
		}
		pinned = &encoding.AvroSchema{ID: id, Schema: rec}
	}
	if pinned != nil {
		entry.SchemaID = pinned.ID
	}

	if err := e.catalog.Apply(func(tx *catalog.Txn) error { return tx.Create(entry) }); err != nil {
		return nil, err
	}
	if pinned != nil {
		e.codecs.pin(topic, *pinned)
	}
	level.Info(e.logger).Log("msg", "source created", "name", entry.Name, "kind", entry.Kind, "topic", topic, "partitions", partitions)
	return &Result{Message: fmt.Sprintf("%s %s created.", titleKind(s.Kind), s.Name)}, nil
}

// ensureTopic returns the partition count of topic, creating it when it does
// not exist.
func (e *Engine) ensureTopic(ctx context.Context, topic string, partitions int) (int, error) {
	n, err := e.log.Partitions(ctx, topic)
	switch {
	case errors.Is(err, transport.ErrTopicNotFound):
		if partitions <= 0 {
			partitions = e.cfg.DefaultPartitions
		}
		if err := e.log.CreateTopic(ctx, topic, partitions); err != nil && !errors.Is(err, transport.ErrTopicExists) {
			return 0, fmt.Errorf("creating topic %s: %w", topic, err)
		}
		return partitions, nil
	case err != nil:
		return 0, err
	case partitions > 0 && partitions != n:
		return 0, fmt.Errorf("topic %s has %d partitions, %d were requested", topic, n, partitions)
	}
	return n, nil
}

func (e *Engine) createAsSelect(ctx context.Context, s *syntax.CreateAsSelect) (*Result, error) {
	e.ddl.Lock()
	defer e.ddl.Unlock()

	snap := e.catalog.Snapshot()
	if _, ok := snap.Lookup(s.Name); ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrExists, s.Name)
	}
	props := s.Properties
	target := &logical.SinkTarget{
		Name:       s.Name,
		Kind:       s.Kind,
		Topic:      props.Topic,
		Format:     strings.ToUpper(props.ValueFormat),
		Delimiter:  props.ValueDelimiter,
		Partitions: props.Partitions,
	}
	if target.Topic == "" {
		target.Topic = s.Name
	}
	if from, ok := snap.Lookup(s.Query.From.Name); ok && target.Format == "" {
		target.Format, target.Delimiter = from.Format, from.Delimiter
	}
	if target.Format != "" && !encoding.ValidFormat(target.Format) {
		return nil, fmt.Errorf("%w: %s", encoding.ErrUnknownFormat, props.ValueFormat)
	}

	plan, err := logical.Build(s.Query, snap, logical.Options{
		Functions:    e.functions,
		DefaultGrace: e.cfg.DefaultGrace,
		Target:       target,
	})
	if err != nil {
		return nil, err
	}
	prefix := "CSAS"
	if s.Kind == types.SourceTable {
		prefix = "CTAS"
	}
	id := fmt.Sprintf("%s_%s_%d", prefix, s.Name, e.seq.Inc())
	topo, err := physical.Compile(plan, physical.Options{QueryID: id, TopicPrefix: e.cfg.TopicPrefix})
	if err != nil {
		return nil, err
	}
	e.logPlans(id, plan, topo)
	sink := topo.Sink

	if _, err := e.ensureTopic(ctx, sink.Topic, sink.Partitions); err != nil {
		return nil, err
	}

	entry := &catalog.Entry{
		Name:       s.Name,
		Kind:       plan.Kind,
		Schema:     sink.Schema,
		KeyColumn:  plan.KeyColumn,
		KeyType:    sink.KeyType,
		Topic:      sink.Topic,
		Format:     sink.Format,
		Delimiter:  sink.Delimiter,
		Partitions: sink.Partitions,
		Windowed:   sink.Windowed,
		Query:      id,
		Statement:  s.String(),
	}
	if sink.Format == encoding.FormatAvro {
		rec, err := encoding.AvroFromSchema(s.Name, sink.Schema)
		if err != nil {
			return nil, err
		}
		schemaID, err := e.registry.Register(ctx, schemaregistry.Subject(sink.Topic), rec)
		if err != nil {
			return nil, fmt.Errorf("registering schema of %s: %w", s.Name, err)
		}
		entry.SchemaID = schemaID
		e.codecs.pin(sink.Topic, encoding.AvroSchema{ID: schemaID, Schema: rec})
	}

	q, err := executor.NewQuery(topo, e.queryConfig(nil))
	if err != nil {
		return nil, err
	}
	if err := e.catalog.Apply(func(tx *catalog.Txn) error {
		if err := tx.Create(entry); err != nil {
			return err
		}
		return addReaders(tx, plan, id)
	}); err != nil {
		return nil, err
	}

	rq := &runningQuery{
		info:  QueryInfo{ID: id, Sink: s.Name, Statement: s.String()},
		query: q,
	}
	q.AddListener(services.NewListener(nil, nil, nil, nil, func(_ services.State, failure error) {
		e.markFailed(rq, failure)
	}))
	if err := e.start(ctx, rq); err != nil {
		// The sink entry must not outlive a query that never ran.
		_ = e.catalog.Apply(func(tx *catalog.Txn) error {
			tx.ReleaseQuery(id)
			return tx.Drop(s.Name)
		})
		return nil, err
	}
	return &Result{
		Message: fmt.Sprintf("Created query with ID %s", id),
		QueryID: id,
	}, nil
}

func (e *Engine) drop(d *syntax.Drop) (*Result, error) {
	e.ddl.Lock()
	defer e.ddl.Unlock()

	dropped := false
	err := e.catalog.Apply(func(tx *catalog.Txn) error {
		entry, ok := tx.Lookup(d.Name)
		if !ok {
			if d.IfExists {
				return nil
			}
			return fmt.Errorf("%w: %s", catalog.ErrNotFound, d.Name)
		}
		if entry.Kind != d.Kind {
			return fmt.Errorf("%s is a %s, not a %s", entry.Name, entry.Kind, d.Kind)
		}
		dropped = true
		return tx.Drop(d.Name)
	})
	if err != nil {
		return nil, err
	}
	if !dropped {
		return &Result{Message: fmt.Sprintf("%s %s does not exist.", titleKind(d.Kind), d.Name)}, nil
	}
	return &Result{Message: fmt.Sprintf("%s %s dropped.", titleKind(d.Kind), d.Name)}, nil
}

func (e *Engine) show(s *syntax.Show) *Result {
	if s.Target == syntax.ShowQueries {
		res := &Result{Columns: []string{"Query ID", "State", "Sink", "Statement"}}
		for _, q := range e.Queries() {
			if q.Interactive {
				continue
			}
			res.Rows = append(res.Rows, types.Row{
				types.StringValue(q.ID),
				types.StringValue(strings.ToUpper(q.State)),
				types.StringValue(q.Sink),
				types.StringValue(q.Statement),
			})
		}
		return res
	}

	kind := types.SourceStream
	if s.Target == syntax.ShowTables {
		kind = types.SourceTable
	}
	res := &Result{Columns: []string{"Name", "Topic", "Format", "Partitions"}}
	for _, entry := range e.catalog.Snapshot().List(kind) {
		res.Rows = append(res.Rows, types.Row{
			types.StringValue(entry.Name),
			types.StringValue(entry.Topic),
			types.StringValue(entry.Format),
			types.IntValue(int64(entry.Partitions)),
		})
	}
	return res
}

func (e *Engine) describe(d *syntax.Describe) (*Result, error) {
	snap := e.catalog.Snapshot()
	entry, ok := snap.Lookup(d.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, d.Name)
	}
	res := &Result{
		Message: fmt.Sprintf("%s %s (topic %s, format %s)", entry.Kind, entry.Name, entry.Topic, entry.Format),
		Columns: []string{"Field", "Type", "Extra"},
	}
	for _, col := range entry.Schema.Columns {
		var extra []string
		if strings.EqualFold(col.Name, entry.KeyColumn) {
			extra = append(extra, "KEY")
		}
		if strings.EqualFold(col.Name, entry.TimestampColumn) {
			extra = append(extra, "TIMESTAMP")
		}
		res.Rows = append(res.Rows, types.Row{
			types.StringValue(col.Name),
			types.StringValue(col.Type.String()),
			types.StringValue(strings.Join(extra, ",")),
		})
	}
	if entry.Query != "" {
		res.Message += ", written by query " + entry.Query
	}
	if readers := snap.Readers(entry.Name); len(readers) > 0 {
		res.Message += ", read by " + strings.Join(readers, ", ")
	}
	return res, nil
}

func (e *Engine) insert(ctx context.Context, s *syntax.InsertValues) (*Result, error) {
	entry, ok := e.catalog.Snapshot().Lookup(s.Target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, s.Target)
	}
	if entry.Windowed {
		return nil, fmt.Errorf("cannot insert into windowed table %s", entry.Name)
	}
	cols := s.Columns
	if len(cols) == 0 {
		cols = entry.Schema.Names()
	}
	if len(cols) != len(s.Values) {
		return nil, fmt.Errorf("INSERT INTO %s: %d columns but %d values", entry.Name, len(cols), len(s.Values))
	}

	row := make(types.Row, entry.Schema.Len())
	for i := range row {
		row[i] = types.NullValue()
	}
	for i, name := range cols {
		idx := entry.Schema.Index(name)
		if idx < 0 {
			return nil, fmt.Errorf("INSERT INTO %s: unknown column %s", entry.Name, name)
		}
		v, err := constant(s.Values[i])
		if err != nil {
			return nil, fmt.Errorf("INSERT INTO %s: column %s: %w", entry.Name, name, err)
		}
		if row[idx], err = types.Coerce(v, entry.Schema.Columns[idx].Type); err != nil {
			return nil, fmt.Errorf("INSERT INTO %s: column %s: %w", entry.Name, name, err)
		}
	}

	key := types.NullValue()
	if entry.KeyColumn != "" {
		key = row[entry.Schema.Index(entry.KeyColumn)]
	}
	keyBytes, err := encoding.KeyCodec{Type: entry.KeyType}.Encode(key)
	if err != nil {
		return nil, err
	}
	codec, err := e.codecs.provide(entry.Topic, entry.Format, entry.Delimiter)
	if err != nil {
		return nil, err
	}
	value, err := codec.Encode(entry.Schema, row)
	if err != nil {
		return nil, err
	}
	ts := e.clock.Now()
	if entry.TimestampColumn != "" {
		if v := row[entry.Schema.Index(entry.TimestampColumn)]; !v.IsNull() {
			ts = time.UnixMilli(v.Int())
		}
	}
	msg := transport.Message{
		Topic:     entry.Topic,
		Partition: executor.PartitionFor(keyBytes, entry.Partitions, 0),
		Key:       keyBytes,
		Value:     value,
		Timestamp: ts,
	}
	err = transport.Retry(ctx, transport.DefaultBackoff, e.logger, "insert", func() error {
		return e.log.Append(ctx, []transport.Message{msg})
	})
	if err != nil {
		return nil, err
	}
	return &Result{Message: "1 row inserted."}, nil
}

// constant evaluates a literal value expression.
func constant(expr syntax.Expr) (types.Value, error) {
	switch x := expr.(type) {
	case *syntax.IntLiteral:
		return types.IntValue(x.Value), nil
	case *syntax.FloatLiteral:
		return types.DoubleValue(x.Value), nil
	case *syntax.StringLiteral:
		return types.StringValue(x.Value), nil
	case *syntax.BoolLiteral:
		return types.BoolValue(x.Value), nil
	case *syntax.NullLiteral:
		return types.NullValue(), nil
	case *syntax.UnaryExpr:
		v, err := constant(x.Expr)
		if err != nil {
			return types.Value{}, err
		}
		switch {
		case x.Op == types.UnaryOpNeg && v.Kind() == types.KindBigInt:
			return types.IntValue(-v.Int()), nil
		case x.Op == types.UnaryOpNeg && v.Kind() == types.KindDouble:
			return types.DoubleValue(-v.Float()), nil
		case x.Op == types.UnaryOpNot && v.Kind() == types.KindBoolean:
			return types.BoolValue(!v.Bool()), nil
		}
	case *syntax.CastExpr:
		v, err := constant(x.Expr)
		if err != nil {
			return types.Value{}, err
		}
		return types.Coerce(v, x.Type)
	}
	return types.Value{}, fmt.Errorf("%s is not a constant", expr)
}

func titleKind(k types.SourceKind) string {
	s := strings.ToLower(k.String())
	return strings.ToUpper(s[:1]) + s[1:]
}

// FormatRow renders the values of a row for display.
func FormatRow(row types.Row) []string {
	out := make([]string, len(row))
	for i, v := range row {
		if v.IsNull() {
			out[i] = "null"
			continue
		}
		if v.Kind() == types.KindString {
			out[i] = v.Str()
			continue
		}
		out[i] = v.String()
	}
	return out
}
