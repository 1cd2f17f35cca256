package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bus-tracker/internal/route"
)

var ErrRouteNotFound = errors.New("route not found")

// SaveRoute stores r under its name, replacing any previous version.
func (db *DB) SaveRoute(ctx context.Context, r route.Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return db.SaveDocument(ctx, route.NewDocument(r))
}

// SaveDocument stores doc as is. Times are kept as service-day clocks.
func (db *DB) SaveDocument(ctx context.Context, doc route.Document) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := db.rebind(`INSERT INTO routes (name, auto_calculate, updated_at) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET auto_calculate = excluded.auto_calculate, updated_at = excluded.updated_at`)
	if _, err := tx.ExecContext(ctx, q, doc.Name, doc.AutoCalculate, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("upsert route %q: %w", doc.Name, err)
	}
	if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM route_points WHERE route_name = ?`), doc.Name); err != nil {
		return fmt.Errorf("clear points of %q: %w", doc.Name, err)
	}
	ins := db.rebind(`INSERT INTO route_points (route_name, seq, point_id, name, kind, lat, lng, scheduled)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, p := range doc.Points {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		var scheduled sql.NullString
		if p.Time != "" {
			scheduled = sql.NullString{String: p.Time, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, ins, doc.Name, i, p.ID, p.Name, p.Kind, p.Lat, p.Lng, scheduled); err != nil {
			return fmt.Errorf("insert point %d of %q: %w", i, doc.Name, err)
		}
	}
	return tx.Commit()
}

// LoadDocument returns the stored form of the named route.
func (db *DB) LoadDocument(ctx context.Context, name string) (route.Document, error) {
	doc := route.Document{Name: name}
	err := db.conn.QueryRowContext(ctx, db.rebind(`SELECT auto_calculate FROM routes WHERE name = ?`), name).
		Scan(&doc.AutoCalculate)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, fmt.Errorf("%w: %q", ErrRouteNotFound, name)
	}
	if err != nil {
		return doc, fmt.Errorf("query route %q: %w", name, err)
	}

	rows, err := db.conn.QueryContext(ctx, db.rebind(`SELECT point_id, name, kind, lat, lng, scheduled
FROM route_points WHERE route_name = ? ORDER BY seq`), name)
	if err != nil {
		return doc, fmt.Errorf("query points of %q: %w", name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p route.PointDocument
		var scheduled sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.Lat, &p.Lng, &scheduled); err != nil {
			return doc, err
		}
		p.Time = scheduled.String
		doc.Points = append(doc.Points, p)
	}
	return doc, rows.Err()
}

// LoadRoute loads the named route with its times resolved against the
// service day of day.
func (db *DB) LoadRoute(ctx context.Context, name string, day time.Time) (route.Route, error) {
	doc, err := db.LoadDocument(ctx, name)
	if err != nil {
		return route.Route{}, err
	}
	return doc.Route(day)
}

// ListRoutes returns every stored route name in order.
func (db *DB) ListRoutes(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT name FROM routes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (db *DB) DeleteRoute(ctx context.Context, name string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM route_points WHERE route_name = ?`), name); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM routes WHERE name = ?`), name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", ErrRouteNotFound, name)
	}
	return tx.Commit()
}
