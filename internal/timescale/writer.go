package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"deribit-grid-bot/internal/config"
)

const writeTimeout = 3 * time.Second

// FillRecord is one executed grid order, written when the engine
// processes a fill notification.
type FillRecord struct {
	Time       time.Time
	Instrument string
	Label      string
	Direction  string
	StepIndex  int
	Trigger    float64
	OrderID    string
}

// WindowSnapshot captures the active window after a reconciliation
// pass, one row per pass.
type WindowSnapshot struct {
	Time        time.Time
	Instrument  string
	LastPrice   float64
	ActiveBuys  int
	ActiveSells int
	WantBuys    int
	WantSells   int
	Errors      int
}

// Writer persists fill history and window snapshots to TimescaleDB.
// Enqueue methods never block the engine; rows are dropped when the
// queue is full.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	fills     chan FillRecord
	snapshots chan WindowSnapshot
	started   atomic.Bool
	dropFill  atomic.Uint64
	dropSnap  atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		fills:     make(chan FillRecord, queueSize),
		snapshots: make(chan WindowSnapshot, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueFill(record FillRecord) {
	if w == nil {
		return
	}
	select {
	case w.fills <- record:
		return
	default:
		if w.dropFill.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale fill queue full")
		}
	}
}

func (w *Writer) EnqueueSnapshot(snapshot WindowSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- snapshot:
		return
	default:
		if w.dropSnap.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale snapshot queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-w.fills:
			w.writeFill(ctx, record)
		case snapshot := <-w.snapshots:
			w.writeSnapshot(ctx, snapshot)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		instrument TEXT NOT NULL,
		label TEXT NOT NULL,
		direction TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		trigger_price DOUBLE PRECISION NOT NULL,
		order_id TEXT NOT NULL,
		PRIMARY KEY (ts, order_id)
	)`, w.table("grid_fills"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		instrument TEXT NOT NULL,
		last_price DOUBLE PRECISION NOT NULL,
		active_buys INTEGER NOT NULL,
		active_sells INTEGER NOT NULL,
		want_buys INTEGER NOT NULL,
		want_sells INTEGER NOT NULL,
		errors INTEGER NOT NULL
	)`, w.table("window_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("grid_fills"))); err != nil && w.log != nil {
		w.log.Warn("timescale grid_fills hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("window_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("timescale window_snapshots hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeFill(ctx context.Context, record FillRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instrument, label, direction, step_index, trigger_price, order_id
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7
	) ON CONFLICT (ts, order_id) DO NOTHING`, w.table("grid_fills"))
	if _, err := w.db.ExecContext(ctx, query,
		record.Time,
		record.Instrument,
		record.Label,
		record.Direction,
		record.StepIndex,
		record.Trigger,
		record.OrderID,
	); err != nil && w.log != nil {
		w.log.Warn("timescale fill insert failed", zap.Error(err))
	}
}

func (w *Writer) writeSnapshot(ctx context.Context, snapshot WindowSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instrument, last_price, active_buys, active_sells, want_buys, want_sells, errors
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8
	)`, w.table("window_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snapshot.Time,
		snapshot.Instrument,
		snapshot.LastPrice,
		snapshot.ActiveBuys,
		snapshot.ActiveSells,
		snapshot.WantBuys,
		snapshot.WantSells,
		snapshot.Errors,
	); err != nil && w.log != nil {
		w.log.Warn("timescale snapshot insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
