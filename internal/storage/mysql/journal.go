package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Config 描述事件流水库的连接参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// EventRecord 表示一条支付事件的落库结构，也是流水查询接口的返回形态。
type EventRecord struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	PaymentID  string `json:"payment_id"`
	Previous   string `json:"previous,omitempty"`
	New        string `json:"new,omitempty"`
	Hash       string `json:"hash,omitempty"`
	Cause      string `json:"cause,omitempty"`
	Payload    string `json:"payload,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
}

// Journal 将支付事件追加写入 MySQL，作为审计流水。
//
// 流水只记录事件，不充当支付存储的持久化后端：支付缓存
// 始终以内存为准，进程重启后从零重建。
type Journal struct {
	db *sql.DB
}

// NewJournal 建立 MySQL 连接并完成迁移。
func NewJournal(ctx context.Context, cfg Config) (*Journal, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	journal := &Journal{db: db}
	if err := journal.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return journal, nil
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
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
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}

// Append 写入一条事件流水。
func (j *Journal) Append(ctx context.Context, record EventRecord) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("事件流水库未初始化")
	}
	const statement = `INSERT INTO payment_events
        (event_id, event_type, payment_id, previous_state, new_state, result_hash, cause, payload, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := j.db.ExecContext(ctx, statement,
		record.EventID,
		record.Type,
		record.PaymentID,
		record.Previous,
		record.New,
		record.Hash,
		record.Cause,
		record.Payload,
		record.OccurredAt,
	); err != nil {
		return fmt.Errorf("写入事件流水失败: %w", err)
	}
	return nil
}

// ListLatest 返回指定支付最近的事件流水，按发生时间倒序。
func (j *Journal) ListLatest(ctx context.Context, paymentID string, limit int) ([]EventRecord, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("事件流水库未初始化")
	}
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT event_id, event_type, payment_id, previous_state, new_state, result_hash, cause, payload, occurred_at
        FROM payment_events WHERE payment_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, paymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询事件流水失败: %w", err)
	}
	defer rows.Close()

	records := make([]EventRecord, 0, limit)
	for rows.Next() {
		var record EventRecord
		if err := rows.Scan(
			&record.EventID,
			&record.Type,
			&record.PaymentID,
			&record.Previous,
			&record.New,
			&record.Hash,
			&record.Cause,
			&record.Payload,
			&record.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("读取事件流水失败: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Close 释放数据库连接。
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
