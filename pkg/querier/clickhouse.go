package querier

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("querier")

// SetupClickHouse creates a ClickHouse connection tuned for analytics reads.
func SetupClickHouse(address, username, password, database string) (driver.Conn, error) {
	opts := &clickhouse.Options{
		Addr: []string{address},
		Settings: clickhouse.Settings{
			"join_algorithm":             "auto",
			"max_bytes_before_external_group_by": 8 << 30, // spill large GROUP BYs to disk instead of failing
		},
	}
	if database != "" {
		opts.Auth.Database = database
	}
	if username != "" {
		opts.Auth.Username = username
		opts.Auth.Password = password
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}
	return conn, nil
}

// ClickHouseExecutor executes rendered queries against ClickHouse, scanning
// rows dynamically from the declared column types.
type ClickHouseExecutor struct {
	conn driver.Conn
}

// NewClickHouseExecutor wraps an open connection.
func NewClickHouseExecutor(conn driver.Conn) *ClickHouseExecutor {
	return &ClickHouseExecutor{conn: conn}
}

// Close closes the underlying connection.
func (e *ClickHouseExecutor) Close() error {
	return e.conn.Close()
}

// Execute runs one query and materializes its full result set.
func (e *ClickHouseExecutor) Execute(ctx context.Context, q Query) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Execute")
	defer span.End()

	queryID := uuid.New().String()
	span.SetAttributes(attribute.String("query_id", queryID))

	chCtx := clickhouse.Context(ctx,
		clickhouse.WithQueryID(queryID),
		clickhouse.WithSettings(clickhouse.Settings{
			"max_execution_time": int(q.LimitContext.MaxExecutionTime().Seconds()),
		}),
	)

	start := time.Now()
	rows, err := e.conn.Query(chCtx, q.SQL, q.Args...)
	if err != nil {
		queriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("executing query %s: %w", queryID, err)
	}
	defer rows.Close()

	columns := rows.Columns()
	types := rows.ColumnTypes()

	res := &Result{Columns: columns}
	for rows.Next() {
		scan := make([]any, len(columns))
		for i, ct := range types {
			scan[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(scan...); err != nil {
			queriesTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make([]any, len(columns))
		for i := range scan {
			row[i] = reflect.ValueOf(scan[i]).Elem().Interface()
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		queriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("reading rows: %w", err)
	}

	elapsed := time.Since(start)
	res.Timings = append(res.Timings, Timing{Key: "./clickhouse_execute", DurationS: elapsed.Seconds()})

	queriesTotal.WithLabelValues("success").Inc()
	queryDuration.Observe(elapsed.Seconds())
	queryRows.Observe(float64(len(res.Rows)))

	return res, nil
}
