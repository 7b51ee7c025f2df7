package healthlog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.mongodb.org/mongo-driver/bson"
)

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS health_log (
	id         BIGSERIAL PRIMARY KEY,
	namespace  TEXT,
	severity   TEXT NOT NULL,
	scope      TEXT NOT NULL,
	operation  TEXT NOT NULL,
	msg        TEXT NOT NULL,
	data       JSONB,
	created_at TIMESTAMPTZ NOT NULL
)`

// PostgresSink mirrors entries into an external Postgres table so the
// audit trail can be queried off-node. Delivery failures surface to the
// caller; the producer decides whether they are fatal.
type PostgresSink struct {
	conn *pgx.Conn
}

func NewPostgresSink(ctx context.Context, connStr string) (*PostgresSink, error) {
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to health log database: %w", err)
	}

	if _, err := conn.Exec(ctx, createEntriesTable); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to create health log table: %w", err)
	}

	return &PostgresSink{conn: conn}, nil
}

func (s *PostgresSink) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

func (s *PostgresSink) Log(ctx context.Context, entry *Entry) error {
	var dataJSON []byte
	if len(entry.Data) > 0 {
		var err error
		dataJSON, err = bson.MarshalExtJSON(entry.Data, true, false)
		if err != nil {
			return fmt.Errorf("failed to encode entry data: %w", err)
		}
	}

	_, err := s.conn.Exec(ctx,
		`INSERT INTO health_log (namespace, severity, scope, operation, msg, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.Namespace,
		string(entry.Severity),
		string(entry.Scope),
		string(entry.Operation),
		entry.Msg,
		dataJSON,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert health log entry: %w", err)
	}
	return nil
}
