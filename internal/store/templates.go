package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// TemplateSource reads the enrolled templates as a gallery.Source. Every write to the
// templates or identity names bumps gallery_meta.version.
type TemplateSource struct {
	store *Store
}

var _ gallery.Source = (*TemplateSource)(nil)

// Templates returns the store's template source.
func (s *Store) Templates() *TemplateSource {
	return &TemplateSource{store: s}
}

func (s *Store) bumpVersion(ctx context.Context, db execer) error {
	_, err := db.Exec(ctx, `
		INSERT INTO gallery_meta (id, version) VALUES (1, 1)
		ON CONFLICT (id) DO UPDATE SET version = gallery_meta.version + 1
	`)
	if err != nil {
		return fmt.Errorf("bump gallery version: %w", err)
	}
	return nil
}

// Version returns the current version marker; zero when nothing was ever enrolled.
func (t *TemplateSource) Version(ctx context.Context) (gallery.Version, error) {
	var v int64
	err := t.store.pool.QueryRow(ctx, "SELECT version FROM gallery_meta WHERE id = 1").Scan(&v)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read gallery version: %w", err)
	}
	return gallery.Version(v), nil
}

// Load reads all templates and their version in one snapshot.
func (t *TemplateSource) Load(ctx context.Context) ([]types.EnrolledTemplate, gallery.Version, error) {
	tx, err := t.store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx, "SELECT version FROM gallery_meta WHERE id = 1").Scan(&version)
	if err != nil && err != pgx.ErrNoRows {
		return nil, 0, fmt.Errorf("read gallery version: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT t.identity_id, i.name, t.embedding
		FROM enrolled_templates t JOIN identities i ON i.id = t.identity_id
		ORDER BY t.identity_id, t.id
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []types.EnrolledTemplate
	for rows.Next() {
		var id, name string
		var vec pgvector.Vector
		if err := rows.Scan(&id, &name, &vec); err != nil {
			return nil, 0, fmt.Errorf("scan template: %w", err)
		}
		if n := len(out); n > 0 && out[n-1].IdentityID == id {
			out[n-1].Descriptors = append(out[n-1].Descriptors, vec.Slice())
			continue
		}
		out = append(out, types.EnrolledTemplate{IdentityID: id, Name: name, Descriptors: [][]float32{vec.Slice()}})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, gallery.Version(version), nil
}

// ReplaceTemplates stores the given templates, replacing every earlier descriptor of
// the same identities, and bumps the version in the same transaction.
func (s *Store) ReplaceTemplates(ctx context.Context, templates []types.EnrolledTemplate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tpl := range templates {
		if _, err := tx.Exec(ctx, `
			INSERT INTO identities (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
		`, tpl.IdentityID, tpl.Name); err != nil {
			return fmt.Errorf("upsert identity %s: %w", tpl.IdentityID, err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM enrolled_templates WHERE identity_id = $1", tpl.IdentityID); err != nil {
			return fmt.Errorf("clear templates of %s: %w", tpl.IdentityID, err)
		}

		batch := &pgx.Batch{}
		for _, d := range tpl.Descriptors {
			batch.Queue("INSERT INTO enrolled_templates (identity_id, embedding) VALUES ($1, $2)",
				tpl.IdentityID, pgvector.NewVector(d))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert templates of %s: %w", tpl.IdentityID, err)
		}
	}

	if err := s.bumpVersion(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteIdentity removes an identity with its templates and attendance history.
func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM identities WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM attendance WHERE identity_id = $1", id); err != nil {
		return err
	}
	if err := s.bumpVersion(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LazyTemplates reads templates through a Lazy backend. While the database is down the
// gallery loader keeps its current gallery and retries on the next tick.
type LazyTemplates struct {
	lazy *Lazy
}

var _ gallery.Source = (*LazyTemplates)(nil)

// Templates returns a template source that connects on demand. The backend must be Postgres.
func (l *Lazy) Templates() *LazyTemplates {
	return &LazyTemplates{lazy: l}
}

func (t *LazyTemplates) source(ctx context.Context) (*TemplateSource, error) {
	b, err := t.lazy.Get(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := b.(*Store)
	if !ok {
		return nil, fmt.Errorf("template storage needs postgres, got %T", b)
	}
	return s.Templates(), nil
}

func (t *LazyTemplates) Version(ctx context.Context) (gallery.Version, error) {
	src, err := t.source(ctx)
	if err != nil {
		return 0, err
	}
	return src.Version(ctx)
}

func (t *LazyTemplates) Load(ctx context.Context) ([]types.EnrolledTemplate, gallery.Version, error) {
	src, err := t.source(ctx)
	if err != nil {
		return nil, 0, err
	}
	return src.Load(ctx)
}
