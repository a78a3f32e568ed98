package binlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-mysql-org/go-mysql/replication"
	_ "github.com/go-sql-driver/mysql"

	"order-notifier/internal/models"
)

// OpenDB opens the metadata connection used for column lookups and checks
func OpenDB(cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/", cfg.User, cfg.Password, cfg.Host, cfg.Port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// columnCache caches column names and types by "database.table"
type columnCache struct {
	db    *sql.DB
	mu    sync.Mutex
	names map[string][]string
	types map[string][]string
}

func newColumnCache(db *sql.DB) *columnCache {
	return &columnCache{
		db:    db,
		names: make(map[string][]string),
		types: make(map[string][]string),
	}
}

func (c *columnCache) get(ctx context.Context, database, table string) ([]string, []string, error) {
	key := database + "." + table

	c.mu.Lock()
	defer c.mu.Unlock()
	if names, ok := c.names[key]; ok {
		return names, c.types[key], nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_TYPE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, database, table)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query column info: %w", err)
	}
	defer rows.Close()

	var names, types []string
	for rows.Next() {
		var name, columnType string
		if err := rows.Scan(&name, &columnType); err != nil {
			return nil, nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		names = append(names, name)
		types = append(types, columnType)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("no columns found for %s", key)
	}

	c.names[key] = names
	c.types[key] = types
	return names, types, nil
}

// rowsToEnvelopes converts one rows event into one envelope per affected row.
// UPDATE events carry [before_1, after_1, before_2, after_2, ...].
func rowsToEnvelopes(e *replication.RowsEvent, op models.Operation, columns, types []string, tsMs int64) ([]*models.ChangeEnvelope, error) {
	src := models.Source{
		Database: string(e.Table.Schema),
		Table:    string(e.Table.Table),
	}

	var envelopes []*models.ChangeEnvelope
	newEnvelope := func(before, after []interface{}) error {
		envelope := &models.ChangeEnvelope{Op: op, Source: src, TsMs: tsMs}
		var err error
		if before != nil {
			if envelope.Before, err = toRow(before, columns, types); err != nil {
				return err
			}
		}
		if after != nil {
			if envelope.After, err = toRow(after, columns, types); err != nil {
				return err
			}
		}
		envelopes = append(envelopes, envelope)
		return nil
	}

	switch op {
	case models.OpUpdate:
		for i := 0; i+1 < len(e.Rows); i += 2 {
			if err := newEnvelope(e.Rows[i], e.Rows[i+1]); err != nil {
				return nil, err
			}
		}
	case models.OpDelete:
		for _, row := range e.Rows {
			if err := newEnvelope(row, nil); err != nil {
				return nil, err
			}
		}
	default:
		for _, row := range e.Rows {
			if err := newEnvelope(nil, row); err != nil {
				return nil, err
			}
		}
	}
	return envelopes, nil
}

func toRow(values []interface{}, columns, types []string) (models.Row, error) {
	row := make(models.Row, len(values))
	for j := 0; j < len(values) && j < len(columns); j++ {
		raw, err := json.Marshal(convertValue(values[j], columnType(types, j)))
		if err != nil {
			return nil, fmt.Errorf("failed to encode column %s: %w", columns[j], err)
		}
		row[columns[j]] = raw
	}
	return row, nil
}

func columnType(types []string, i int) string {
	if i < len(types) {
		return strings.ToUpper(types[i])
	}
	return ""
}

// convertValue turns TEXT columns and text-looking byte slices into strings;
// BLOB columns stay []byte and are base64 encoded
func convertValue(value interface{}, colType string) interface{} {
	b, ok := value.([]byte)
	if !ok {
		return value
	}
	if strings.Contains(colType, "TEXT") {
		return string(b)
	}
	if strings.Contains(colType, "BLOB") || strings.Contains(colType, "BINARY") {
		return b
	}
	if utf8.Valid(b) && !strings.ContainsRune(string(b), 0) {
		return string(b)
	}
	return b
}
