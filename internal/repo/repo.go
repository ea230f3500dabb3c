package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dealline/internal/config"
	"dealline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertDeal(ctx context.Context, tx *sql.Tx, d domain.Deal) error {
	payload, err := json.Marshal(d.Process)
	if err != nil {
		return fmt.Errorf("marshal process: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO deals(name,created_at,updated_at,process_json) VALUES (?,?,?,?)`,
		d.Name, d.CreatedAt, d.UpdatedAt, string(payload))
	return err
}

func (r Repo) GetDeal(ctx context.Context, name string) (domain.Deal, error) {
	var d domain.Deal
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT name,created_at,updated_at,process_json FROM deals WHERE name=?`, name).
		Scan(&d.Name, &d.CreatedAt, &d.UpdatedAt, &payload)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(payload), &d.Process); err != nil {
		return d, fmt.Errorf("decode process for %s: %w", name, err)
	}
	d.History, err = r.ListUpdates(ctx, name)
	return d, err
}

// DealExists avoids decoding the process when only presence matters.
func (r Repo) DealExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM deals WHERE name=?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// DealListing is the lightweight row returned by ListDeals.
type DealListing struct {
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Steps     int    `json:"steps"`
	Updates   int    `json:"updates"`
}

func (r Repo) ListDeals(ctx context.Context) ([]DealListing, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT d.name, d.created_at, d.updated_at, d.process_json,
       (SELECT COUNT(*) FROM deal_updates u WHERE u.deal_name = d.name)
FROM deals d ORDER BY d.updated_at DESC, d.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DealListing
	for rows.Next() {
		var l DealListing
		var payload string
		if err := rows.Scan(&l.Name, &l.CreatedAt, &l.UpdatedAt, &payload, &l.Updates); err != nil {
			return nil, err
		}
		var p domain.BuyingProcess
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode process for %s: %w", l.Name, err)
		}
		l.Steps = len(p.Steps)
		res = append(res, l)
	}
	return res, rows.Err()
}

// ReplaceProcess stores the merged process wholesale and bumps the
// deal's updated_at.
func (r Repo) ReplaceProcess(ctx context.Context, tx *sql.Tx, name string, p domain.BuyingProcess, updatedAt string) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal process: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE deals SET process_json=?, updated_at=? WHERE name=?`,
		string(payload), updatedAt, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertUpdate(ctx context.Context, tx *sql.Tx, dealName string, u domain.UpdateRecord) error {
	payload, err := json.Marshal(u.Extracted)
	if err != nil {
		return fmt.Errorf("marshal extracted doc: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO deal_updates(id,deal_name,ts,raw_text,extracted_json) VALUES (?,?,?,?,?)`,
		u.ID, dealName, u.Timestamp, u.RawText, string(payload))
	return err
}

func (r Repo) ListUpdates(ctx context.Context, dealName string) ([]domain.UpdateRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,raw_text,extracted_json FROM deal_updates WHERE deal_name=? ORDER BY ts, id`, dealName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UpdateRecord
	for rows.Next() {
		var u domain.UpdateRecord
		var payload string
		if err := rows.Scan(&u.ID, &u.Timestamp, &u.RawText, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &u.Extracted); err != nil {
			return nil, fmt.Errorf("decode update %s: %w", u.ID, err)
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) DeleteDeal(ctx context.Context, tx *sql.Tx, name string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM deals WHERE name=?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertSettings stores the single workspace settings document.
func (r Repo) UpsertSettings(ctx context.Context, cfg *config.Config) error {
	return r.upsertSettings(ctx, r.DB, nil, cfg)
}

func (r Repo) UpsertSettingsTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return r.upsertSettings(ctx, nil, tx, cfg)
}

func (r Repo) upsertSettings(ctx context.Context, db *sql.DB, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO settings(id,settings_yaml,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET settings_yaml=excluded.settings_yaml, updated_at=excluded.updated_at`, string(payload), now)
	return err
}

func (r Repo) GetSettings(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT settings_yaml FROM settings WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func (r Repo) LatestEvents(ctx context.Context, dealName string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(deal_name,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	if dealName != "" {
		query += ` WHERE deal_name=?`
		args = append(args, dealName)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.DealName, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with id greater than after, oldest first.
// The webhook dispatcher pages through the log with it.
func (r Repo) EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(deal_name,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id`
	args := []any{after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.DealName, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, or 0 for an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
