// Package binlog captures row changes straight from the MySQL binary log and
// presents them as Debezium-style change envelopes.
package binlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"order-notifier/internal/models"
	"order-notifier/internal/source"
)

// Config holds binlog reader settings
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	ServerID uint32
	Flavor   string // mysql, mariadb

	PositionFile  string
	StartPosition uint32
	PollTimeout   time.Duration

	// Tables limits capture to these table names; empty captures every table
	Tables []string
}

// Reader is a source.Source reading row events from a MySQL replica stream.
// The binlog position is persisted when a message is committed.
type Reader struct {
	syncer       *replication.BinlogSyncer
	streamer     *replication.BinlogStreamer
	columns      *columnCache
	db           *sql.DB
	logger       *logrus.Logger
	positionFile string
	currentFile  string
	pollTimeout  time.Duration

	tables  map[uint64]*replication.TableMapEvent // Cache table map events
	include map[string]bool

	// txn holds the rows of the open transaction; they move to pending at commit
	txn     []*source.Message
	pending []*source.Message
}

// NewReader starts a binlog sync from the saved position, or from
// cfg.StartPosition when no position file exists yet.
func NewReader(cfg Config, logger *logrus.Logger) (*Reader, error) {
	if cfg.Flavor == "" {
		cfg.Flavor = mysql.MySQLFlavor
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}

	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:   cfg.ServerID,
		Flavor:     cfg.Flavor,
		Host:       cfg.Host,
		Port:       uint16(cfg.Port),
		User:       cfg.User,
		Password:   cfg.Password,
		UseDecimal: true,
		ParseTime:  true,
	})

	position := mysql.Position{Pos: cfg.StartPosition}
	if saved, ok, err := loadPosition(cfg.PositionFile); err != nil {
		logger.Warnf("Ignoring unreadable binlog position file: %v", err)
	} else if ok {
		position = saved
		logger.Infof("Loaded binlog position from file: %s:%d", position.Name, position.Pos)
	}

	streamer, err := syncer.StartSync(position)
	if err != nil {
		syncer.Close()
		db.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}
	logger.Infof("Started binlog sync from position: %s:%d", position.Name, position.Pos)

	include := make(map[string]bool, len(cfg.Tables))
	for _, table := range cfg.Tables {
		include[strings.ToLower(table)] = true
	}

	return &Reader{
		syncer:       syncer,
		streamer:     streamer,
		columns:      newColumnCache(db),
		db:           db,
		logger:       logger,
		positionFile: cfg.PositionFile,
		currentFile:  position.Name,
		pollTimeout:  cfg.PollTimeout,
		tables:       make(map[uint64]*replication.TableMapEvent),
		include:      include,
	}, nil
}

// Fetch returns the next captured row change, waiting up to the poll timeout
func (r *Reader) Fetch(ctx context.Context) (*source.Message, error) {
	if msg := r.pop(); msg != nil {
		return msg, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.pollTimeout)
	defer cancel()

	for {
		event, err := r.streamer.GetEvent(pollCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, classify(err)
		}

		if err := r.handleEvent(ctx, event); err != nil {
			r.logger.Errorf("Error processing binlog event: %v", err)
			continue
		}
		if msg := r.pop(); msg != nil {
			return msg, nil
		}
	}
}

func (r *Reader) pop() *source.Message {
	if len(r.pending) == 0 {
		return nil
	}
	msg := r.pending[0]
	r.pending = r.pending[1:]
	return msg
}

func (r *Reader) handleEvent(ctx context.Context, event *replication.BinlogEvent) error {
	switch e := event.Event.(type) {
	case *replication.RotateEvent:
		r.currentFile = string(e.NextLogName)
		r.logger.Infof("Binlog rotated to: %s", r.currentFile)

	case *replication.TableMapEvent:
		r.tables[e.TableID] = e
		r.logger.Debugf("Cached table map for %s.%s (ID: %d)", string(e.Schema), string(e.Table), e.TableID)

	case *replication.RowsEvent:
		op, ok := operationFor(event.Header.EventType)
		if !ok {
			r.logger.Debugf("Unhandled row event type: %d", event.Header.EventType)
			return nil
		}
		if len(r.include) > 0 && !r.include[strings.ToLower(string(e.Table.Table))] {
			return nil
		}

		columns, types, err := r.columnInfo(ctx, e)
		if err != nil {
			return err
		}

		envelopes, err := rowsToEnvelopes(e, op, columns, types, int64(event.Header.Timestamp)*1000)
		if err != nil {
			return err
		}

		for _, envelope := range envelopes {
			data, err := models.EncodeChangeEnvelope(envelope)
			if err != nil {
				return err
			}
			r.txn = append(r.txn, &source.Message{
				Value:  data,
				Topic:  envelope.Source.Database + "." + envelope.Source.Table,
				Offset: int64(event.Header.LogPos),
			})
		}

	case *replication.QueryEvent:
		r.logger.Debugf("Query event: %s", string(e.Query))
		// Non-transactional engines end their writes with a COMMIT query
		if strings.EqualFold(strings.TrimSpace(string(e.Query)), "COMMIT") {
			r.endTransaction(event.Header.LogPos)
		}

	case *replication.XIDEvent:
		r.logger.Debugf("XID event: %d", e.XID)
		r.endTransaction(event.Header.LogPos)
	}
	return nil
}

// endTransaction releases the rows of the committed transaction. The last one
// carries the position after the commit, so a restart never resumes halfway
// through a transaction and away from its table map events.
func (r *Reader) endTransaction(logPos uint32) {
	if len(r.txn) == 0 {
		return
	}
	r.txn[len(r.txn)-1].Ack = mysql.Position{Name: r.currentFile, Pos: logPos}
	r.pending = append(r.pending, r.txn...)
	r.txn = nil
}

// columnInfo returns column names from the table map (MySQL 8.0+ with
// binlog_row_metadata=FULL) or from INFORMATION_SCHEMA otherwise
func (r *Reader) columnInfo(ctx context.Context, e *replication.RowsEvent) ([]string, []string, error) {
	tableMap, ok := r.tables[e.TableID]
	if !ok {
		tableMap = e.Table
	}
	if tableMap == nil {
		return nil, nil, fmt.Errorf("table map not found for table ID %d", e.TableID)
	}

	database := string(tableMap.Schema)
	table := string(tableMap.Table)

	names, types, err := r.columns.get(ctx, database, table)
	if len(tableMap.ColumnName) > 0 {
		if err != nil {
			r.logger.Warnf("Failed to get column types: %v, continuing without type info", err)
		}
		names = make([]string, len(tableMap.ColumnName))
		for i, col := range tableMap.ColumnName {
			names[i] = string(col)
		}
		return names, types, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get column info: %w", err)
	}
	if len(names) < int(tableMap.ColumnCount) {
		r.logger.Warnf("Column count mismatch for %s.%s: expected %d columns, got %d names", database, table, tableMap.ColumnCount, len(names))
	}
	return names, types, nil
}

// Commit saves the binlog position carried by msg
func (r *Reader) Commit(ctx context.Context, msg *source.Message) error {
	if msg == nil {
		return nil
	}
	position, ok := msg.Ack.(mysql.Position)
	if !ok {
		return nil
	}
	return savePosition(r.positionFile, position)
}

// Close stops the binlog sync and closes the metadata connection
func (r *Reader) Close() error {
	r.logger.Info("Closing binlog reader...")
	if r.syncer != nil {
		r.syncer.Close()
	}
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func operationFor(eventType replication.EventType) (models.Operation, bool) {
	switch eventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return models.OpCreate, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return models.OpUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return models.OpDelete, true
	default:
		return "", false
	}
}

// classify wraps syncer errors that require a new sync
func classify(err error) error {
	if errors.Is(err, replication.ErrNeedSyncAgain) || errors.Is(err, replication.ErrSyncClosed) {
		return source.Fatal(err)
	}
	return err
}

// loadPosition parses a "filename:position" file. ok is false when there is no file.
func loadPosition(path string) (mysql.Position, bool, error) {
	if path == "" {
		return mysql.Position{}, false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return mysql.Position{}, false, nil
	}
	if err != nil {
		return mysql.Position{}, false, fmt.Errorf("failed to read position file: %w", err)
	}

	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return mysql.Position{}, false, nil
	}

	// Find last colon to handle filenames that might contain colons
	idx := strings.LastIndex(raw, ":")
	if idx <= 0 || idx == len(raw)-1 {
		return mysql.Position{Name: raw}, true, nil
	}
	pos, err := strconv.ParseUint(raw[idx+1:], 10, 32)
	if err != nil {
		return mysql.Position{Name: raw}, true, nil
	}
	return mysql.Position{Name: raw[:idx], Pos: uint32(pos)}, true, nil
}

// savePosition writes "filename:position"
func savePosition(path string, position mysql.Position) error {
	if path == "" || position.Name == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%s:%d", position.Name, position.Pos)), 0644); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}
