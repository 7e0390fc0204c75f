// Package store is the persistence layer: the camera catalog read model and
// the media unit archive written by the frame pipeline.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Media is one camera row from the shared catalog. The relay only reads this
// table; provisioning lives elsewhere.
type Media struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URI        string    `json:"uri"`
	SaveToDisk bool      `json:"save_to_disk"`
	SaveDir    string    `json:"save_dir"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type MediaModel struct {
	DB *sql.DB
}

func (m *MediaModel) List(ctx context.Context) ([]Media, error) {
	query := `
		SELECT id, name, uri, save_to_disk, save_dir, updated_at
		FROM media
		ORDER BY name
	`
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Media
	for rows.Next() {
		var c Media
		if err := rows.Scan(&c.ID, &c.Name, &c.URI, &c.SaveToDisk, &c.SaveDir, &c.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// MediaUnit is one archived frame: where it lives on disk, when it was
// captured, and the AI annotations merged in later. Description and Embedding
// stay NULL until the engine responds.
type MediaUnit struct {
	ID          string    `json:"id"` // frame id
	MediaID     string    `json:"media_id"`
	AtTime      time.Time `json:"at_time"`
	Description *string   `json:"description"`
	Embedding   []byte    `json:"embedding"` // packed little-endian float32s
	Path        string    `json:"path"`
	Type        string    `json:"type"`
}

// MediaUnitUpdate is a partial annotation update. Nil fields keep the stored
// value.
type MediaUnitUpdate struct {
	ID          string
	Description *string
	Embedding   []byte
}

type MediaUnitModel struct {
	DB *sql.DB
}

// BatchInsert writes one flush batch in a single transaction.
func (m *MediaUnitModel) BatchInsert(ctx context.Context, units []MediaUnit) error {
	if len(units) == 0 {
		return nil
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO media_units (id, media_id, at_time, description, embedding, path, type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, u := range units {
		if _, err := stmt.ExecContext(ctx, u.ID, u.MediaID, u.AtTime, u.Description, u.Embedding, u.Path, u.Type); err != nil {
			return fmt.Errorf("insert media unit %s: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

// BatchUpdate merges annotation updates in a single transaction. An update
// whose id matches no stored unit affects zero rows and is silently skipped;
// late engine responses for pruned frames are expected.
func (m *MediaUnitModel) BatchUpdate(ctx context.Context, updates []MediaUnitUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE media_units
		SET description = COALESCE($2, description),
		    embedding   = COALESCE($3, embedding)
		WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.ID, u.Description, u.Embedding); err != nil {
			return fmt.Errorf("update media unit %s: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

func (m *MediaUnitModel) GetByID(ctx context.Context, id string) (*MediaUnit, error) {
	query := `
		SELECT id, media_id, at_time, description, embedding, path, type
		FROM media_units WHERE id = $1
	`
	u := &MediaUnit{}
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.MediaID, &u.AtTime, &u.Description, &u.Embedding, &u.Path, &u.Type,
	)
	if err == sql.ErrNoRows {
		return nil, nil // Not found is clean nil
	}
	return u, err
}

func (m *MediaUnitModel) ListByMediaID(ctx context.Context, mediaID string, limit int) ([]*MediaUnit, error) {
	query := `
		SELECT id, media_id, at_time, description, embedding, path, type
		FROM media_units
		WHERE media_id = $1
		ORDER BY at_time DESC
		LIMIT $2
	`
	rows, err := m.DB.QueryContext(ctx, query, mediaID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*MediaUnit
	for rows.Next() {
		u := &MediaUnit{}
		if err := rows.Scan(&u.ID, &u.MediaID, &u.AtTime, &u.Description, &u.Embedding, &u.Path, &u.Type); err != nil {
			return nil, err
		}
		list = append(list, u)
	}
	return list, rows.Err()
}

// EncodeEmbedding packs an embedding vector as little-endian float32 bytes for
// the bytea column.
func EncodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}
