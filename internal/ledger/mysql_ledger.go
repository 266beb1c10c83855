package ledger

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "USDC-Treasurer/internal/errors"
)

// MySQLConfig 描述账本数据库的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLLedger 使用 MySQL 持久化账本。表里只有 INSERT 和 SELECT，
// 不存在任何 UPDATE/DELETE 语句。
type MySQLLedger struct {
	db *sql.DB
}

// NewMySQLLedger 建立连接池、执行迁移并返回可用的账本。
func NewMySQLLedger(ctx context.Context, cfg MySQLConfig) (*MySQLLedger, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	ledger := &MySQLLedger{db: db}
	if err := ledger.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return ledger, nil
}

const entryColumns = `seq, kind, intent_id, attempt_id, state, nonce, tx_hash, destination,
        amount, gas_price, gas_limit, signed_payload, submit_count, error_code, error_msg,
        note, principal, observed_balance, expected_balance, created_at`

// Append 插入一条新条目。事务提交即视为持久。
func (l *MySQLLedger) Append(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	if !IsValidKind(entry.Kind) {
		return xerrors.New(xerrors.CodeInvalidArgument, "非法的条目类型")
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO ledger_entries
        (kind, intent_id, attempt_id, state, nonce, tx_hash, destination, amount,
         gas_price, gas_limit, signed_payload, submit_count, error_code, error_msg,
         note, principal, observed_balance, expected_balance, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var nonce any
	if entry.Nonce != nil {
		nonce = *entry.Nonce
	}

	res, err := l.db.ExecContext(ctx, stmt,
		string(entry.Kind),
		entry.IntentID,
		entry.AttemptID,
		entry.State,
		nonce,
		entry.TxHash,
		entry.Destination,
		entry.Amount,
		entry.GasPrice,
		entry.GasLimit,
		entry.SignedPayload,
		entry.SubmitCount,
		entry.ErrorCode,
		entry.ErrorMsg,
		entry.Note,
		entry.Principal,
		entry.ObservedBalance,
		entry.ExpectedBalance,
		entry.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账本失败")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取账本序列号失败")
	}
	entry.Seq = uint64(seq)
	return nil
}

// List 返回最近的条目，按序列号倒序。
func (l *MySQLLedger) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	return l.query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries ORDER BY seq DESC LIMIT ?`, limit)
}

// ListByIntent 返回某个意图的全部条目，按序列号正序。
func (l *MySQLLedger) ListByIntent(ctx context.Context, intentID string) ([]Entry, error) {
	return l.query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE intent_id = ? ORDER BY seq ASC`, intentID)
}

// ListSince 返回给定时间戳（含）之后的条目。
func (l *MySQLLedger) ListSince(ctx context.Context, createdAt int64) ([]Entry, error) {
	return l.query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE created_at >= ? ORDER BY seq ASC`, createdAt)
}

// LatestBalanceSample 返回最近一次余额采样。
func (l *MySQLLedger) LatestBalanceSample(ctx context.Context) (*Entry, error) {
	entries, err := l.query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE kind = ? ORDER BY seq DESC LIMIT 1`,
		string(KindBalanceSample))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	sample := entries[0]
	return &sample, nil
}

// All 返回全部条目，按序列号正序。
func (l *MySQLLedger) All(ctx context.Context) ([]Entry, error) {
	return l.query(ctx, `SELECT `+entryColumns+` FROM ledger_entries ORDER BY seq ASC`)
}

func (l *MySQLLedger) query(ctx context.Context, stmt string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本失败")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var kind string
		var nonce sql.NullInt64
		var payload, errorMsg, note sql.NullString
		if err := rows.Scan(
			&entry.Seq,
			&kind,
			&entry.IntentID,
			&entry.AttemptID,
			&entry.State,
			&nonce,
			&entry.TxHash,
			&entry.Destination,
			&entry.Amount,
			&entry.GasPrice,
			&entry.GasLimit,
			&payload,
			&entry.SubmitCount,
			&entry.ErrorCode,
			&errorMsg,
			&note,
			&entry.Principal,
			&entry.ObservedBalance,
			&entry.ExpectedBalance,
			&entry.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账本条目失败")
		}
		entry.Kind = EntryKind(kind)
		if nonce.Valid {
			n := uint64(nonce.Int64)
			entry.Nonce = &n
		}
		entry.SignedPayload = payload.String
		entry.ErrorMsg = errorMsg.String
		entry.Note = note.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历账本条目失败")
	}
	return entries, nil
}

// Close 关闭底层数据库连接。
func (l *MySQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

var _ Ledger = (*MySQLLedger)(nil)
