package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"dynastymap/api/internal/util"
	"github.com/jackc/pgx/v5"
)

// notifyChannel is raised by the grid_records trigger with the entity name
// as payload.
const notifyChannel = "grid_records"

// PostgresStore implements Backend on a single JSONB record table. Live
// queries hold a dedicated pgx connection listening on notifyChannel.
type PostgresStore struct {
	db          *sql.DB
	databaseURL string
}

func NewPostgresStore(db *sql.DB, databaseURL string) *PostgresStore {
	return &PostgresStore{db: db, databaseURL: databaseURL}
}

func (s *PostgresStore) List(ctx context.Context, entity Entity) ([]Record, error) {
	if !entity.Valid() {
		return nil, invalidEntity(entity)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fields, created_at, updated_at
		FROM grid_records
		WHERE entity = $1
		ORDER BY created_at, id
	`, string(entity))
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", entity, err)
	}
	defer rows.Close()

	items := make([]Record, 0)
	for rows.Next() {
		var (
			item Record
			raw  []byte
		)
		if err := rows.Scan(&item.ID, &raw, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan %s record: %w", entity, err)
		}
		if err := json.Unmarshal(raw, &item.Fields); err != nil {
			return nil, fmt.Errorf("decode %s record %s: %w", entity, item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s records: %w", entity, err)
	}
	return items, nil
}

func (s *PostgresStore) Create(ctx context.Context, entity Entity, fields Fields) (Record, error) {
	if !entity.Valid() {
		return Record{}, invalidEntity(entity)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s fields: %w", entity, err)
	}

	rec := Record{ID: util.NewID(string(entity)), Fields: fields}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO grid_records (entity, id, fields)
		VALUES ($1, $2, $3::jsonb)
		RETURNING created_at, updated_at
	`, string(entity), rec.ID, string(raw)).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("insert %s record: %w", entity, err)
	}
	return rec, nil
}

func (s *PostgresStore) Update(ctx context.Context, entity Entity, id string, fields Fields) (Record, error) {
	if !entity.Valid() {
		return Record{}, invalidEntity(entity)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s fields: %w", entity, err)
	}

	rec := Record{ID: id}
	var merged []byte
	err = s.db.QueryRowContext(ctx, `
		UPDATE grid_records
		SET fields = fields || $3::jsonb, updated_at = clock_timestamp()
		WHERE entity = $1 AND id = $2
		RETURNING fields, created_at, updated_at
	`, string(entity), id, string(raw)).Scan(&merged, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound(entity, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("update %s record %s: %w", entity, id, err)
	}
	if err := json.Unmarshal(merged, &rec.Fields); err != nil {
		return Record{}, fmt.Errorf("decode %s record %s: %w", entity, id, err)
	}
	return rec, nil
}

func (s *PostgresStore) Observe(ctx context.Context, entity Entity, fn func(Snapshot)) error {
	if !entity.Valid() {
		return invalidEntity(entity)
	}
	conn, err := pgx.Connect(ctx, s.databaseURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open listen connection: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	emit := func() error {
		items, err := s.List(ctx, entity)
		if err != nil {
			return err
		}
		fn(Snapshot{Items: items, IsSynced: true})
		return nil
	}
	if err := emit(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("wait for %s notification: %w", entity, err)
		}
		if notification.Payload != string(entity) {
			continue
		}
		if err := emit(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
