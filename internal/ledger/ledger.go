package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/internal/metrics"
)

var log = logrus.WithField("component", "ledger")

// Ledger 下单结果与评估结果的本地记录（SQLite）
type Ledger struct {
	db *sql.DB
}

// Open 打开（或创建）账本；path 为空时使用内存库
func Open(path string) (*Ledger, error) {
	dsn := path
	if path == "" {
		dsn = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir ledger dir")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite：单连接，内存库也只有这一份
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS bets (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  market_id TEXT NOT NULL,
  selection_id INTEGER NOT NULL,
  side TEXT NOT NULL,
  size REAL NOT NULL,
  price REAL NOT NULL,
  customer_ref TEXT,
  strategy TEXT NOT NULL,
  status TEXT NOT NULL,
  bet_id TEXT,
  size_matched REAL NOT NULL DEFAULT 0,
  avg_price_matched REAL NOT NULL DEFAULT 0,
  error_code TEXT,
  placed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_bets_market_placed ON bets(market_id, placed_at DESC);`,
		`
CREATE TABLE IF NOT EXISTS outcomes (
  id TEXT PRIMARY KEY,
  market_id TEXT NOT NULL,
  status TEXT NOT NULL,
  strategy TEXT,
  reason TEXT,
  retryable INTEGER NOT NULL DEFAULT 0,
  planned INTEGER NOT NULL DEFAULT 0,
  placed INTEGER NOT NULL DEFAULT 0,
  total_liability REAL NOT NULL DEFAULT 0,
  roi REAL NOT NULL DEFAULT 0,
  plan_json TEXT,
  at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_market_at ON outcomes(market_id, at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migrate stmt failed: %s", stmt)
		}
	}
	return nil
}

// BetRecord 账本中的一笔下单
type BetRecord struct {
	ID              int64     `json:"id"`
	MarketID        string    `json:"market_id"`
	SelectionID     int64     `json:"selection_id"`
	Side            string    `json:"side"`
	Size            float64   `json:"size"`
	Price           float64   `json:"price"`
	CustomerRef     string    `json:"customer_ref,omitempty"`
	Strategy        string    `json:"strategy"`
	Status          string    `json:"status"`
	BetID           string    `json:"bet_id,omitempty"`
	SizeMatched     float64   `json:"size_matched"`
	AvgPriceMatched float64   `json:"avg_price_matched"`
	ErrorCode       string    `json:"error_code,omitempty"`
	PlacedAt        time.Time `json:"placed_at"`
}

// OutcomeRecord 账本中的一次评估
type OutcomeRecord struct {
	ID             string            `json:"id"`
	MarketID       string            `json:"market_id"`
	Status         string            `json:"status"`
	Strategy       string            `json:"strategy,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Retryable      bool              `json:"retryable"`
	Planned        int               `json:"planned"`
	Placed         int               `json:"placed"`
	TotalLiability float64           `json:"total_liability"`
	ROI            float64           `json:"roi"`
	Plan           *domain.WagerPlan `json:"plan,omitempty"`
	At             time.Time         `json:"at"`
}

// RecordBet 写入一笔下单结果（成功或失败都记）
func (l *Ledger) RecordBet(ctx context.Context, strategy string, res domain.BetResult) error {
	placedAt := res.PlacedAt
	if placedAt.IsZero() {
		placedAt = time.Now()
	}
	o := res.Order
	_, err := l.db.ExecContext(ctx, `
INSERT INTO bets (market_id, selection_id, side, size, price, customer_ref, strategy, status, bet_id, size_matched, avg_price_matched, error_code, placed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`, o.MarketID, o.SelectionID, string(o.Side), o.Size, o.Price, o.CustomerRef, strategy, string(res.Status),
		res.BetID, res.SizeMatched, res.AveragePriceMatched, res.ErrorCode, placedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrap(err, "insert bet")
	}
	return nil
}

// OnBet 实现 execution.BetSink；写库失败只记日志，不影响下单流程
func (l *Ledger) OnBet(ctx context.Context, strategy string, res domain.BetResult) {
	if err := l.RecordBet(context.WithoutCancel(ctx), strategy, res); err != nil {
		metrics.LedgerErrors.Add(1)
		log.WithError(err).WithField("market", res.Order.MarketID).Error("记录下单结果失败")
	}
}

// RecordOutcome 写入一次评估结果
func (l *Ledger) RecordOutcome(ctx context.Context, o domain.Outcome) error {
	var (
		planJSON        sql.NullString
		liability, roi  float64
		planned, placed int
	)
	if o.Plan != nil {
		b, err := json.Marshal(o.Plan)
		if err != nil {
			return errors.Wrap(err, "marshal plan")
		}
		planJSON = sql.NullString{String: string(b), Valid: true}
		liability, roi = o.Plan.TotalLiability, o.Plan.ROI
	}
	if o.Report != nil {
		planned, placed = o.Report.Planned, o.Report.Placed
	}
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO outcomes (id, market_id, status, strategy, reason, retryable, planned, placed, total_liability, roi, plan_json, at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`, o.ID, o.MarketID, string(o.Status), o.Strategy, o.Reason, boolToInt(o.Retryable), planned, placed,
		liability, roi, planJSON, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrap(err, "insert outcome")
	}
	return nil
}

// OnOutcome 实现 strategy.OutcomeSink
func (l *Ledger) OnOutcome(ctx context.Context, o domain.Outcome) {
	if err := l.RecordOutcome(context.WithoutCancel(ctx), o); err != nil {
		metrics.LedgerErrors.Add(1)
		log.WithError(err).WithField("market", o.MarketID).Error("记录评估结果失败")
	}
}

// ListBets 按时间倒序；marketID 为空时返回所有市场
func (l *Ledger) ListBets(ctx context.Context, marketID string, limit int) ([]BetRecord, error) {
	if limit <= 0 || limit > 2000 {
		limit = 200
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, market_id, selection_id, side, size, price, COALESCE(customer_ref,''), strategy, status,
       COALESCE(bet_id,''), size_matched, avg_price_matched, COALESCE(error_code,''), placed_at
FROM bets
WHERE (?='' OR market_id=?)
ORDER BY placed_at DESC, id DESC
LIMIT ?
`, marketID, marketID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query bets")
	}
	defer rows.Close()

	var out []BetRecord
	for rows.Next() {
		var (
			b  BetRecord
			ts string
		)
		if err := rows.Scan(&b.ID, &b.MarketID, &b.SelectionID, &b.Side, &b.Size, &b.Price, &b.CustomerRef,
			&b.Strategy, &b.Status, &b.BetID, &b.SizeMatched, &b.AvgPriceMatched, &b.ErrorCode, &ts); err != nil {
			return nil, err
		}
		b.PlacedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListOutcomes 按时间倒序；marketID 为空时返回所有市场
func (l *Ledger) ListOutcomes(ctx context.Context, marketID string, limit int) ([]OutcomeRecord, error) {
	if limit <= 0 || limit > 2000 {
		limit = 200
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, market_id, status, COALESCE(strategy,''), COALESCE(reason,''), retryable, planned, placed,
       total_liability, roi, plan_json, at
FROM outcomes
WHERE (?='' OR market_id=?)
ORDER BY at DESC
LIMIT ?
`, marketID, marketID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query outcomes")
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var (
			o         OutcomeRecord
			retryable int
			planJSON  sql.NullString
			ts        string
		)
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Status, &o.Strategy, &o.Reason, &retryable, &o.Planned, &o.Placed,
			&o.TotalLiability, &o.ROI, &planJSON, &ts); err != nil {
			return nil, err
		}
		o.Retryable = retryable != 0
		if planJSON.Valid && planJSON.String != "" {
			var p domain.WagerPlan
			if err := json.Unmarshal([]byte(planJSON.String), &p); err == nil {
				o.Plan = &p
			}
		}
		o.At, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
