package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const pgUndefinedTable = "42P01"

// PGVector keeps each owner's vectors in a dedicated table
// <prefix>_<owner> with an embedding vector(dims) column.
type PGVector struct {
	db     *gorm.DB
	prefix string
	dims   int

	ready sync.Map // table name -> struct{}
}

type pgPoint struct {
	ID         string          `gorm:"column:id;primaryKey"`
	DocumentID string          `gorm:"column:document_id"`
	Embedding  pgvector.Vector `gorm:"column:embedding"`
	Metadata   datatypes.JSON  `gorm:"column:metadata"`
}

type pgHit struct {
	ID         string
	DocumentID string
	Metadata   datatypes.JSON
	Score      float64
}

func NewPGVector(db *gorm.DB, prefix string, dims int) *PGVector {
	return &PGVector{db: db, prefix: prefix, dims: dims}
}

func (p *PGVector) Name() string { return "pgvector" }

// Init makes sure the vector extension is installed.
func (p *PGVector) Init(ctx context.Context) error {
	if err := p.db.WithContext(ctx).Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("create vector extension failed: %w", err)
	}
	return nil
}

func (p *PGVector) ensureTable(ctx context.Context, table string) error {
	if _, ok := p.ready.Load(table); ok {
		return nil
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, p.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (document_id)`, table+"_doc_idx", table),
	}
	for _, stmt := range stmts {
		if err := p.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("create vector table %s failed: %w", table, err)
		}
	}
	p.ready.Store(table, struct{}{})
	return nil
}

func (p *PGVector) Upsert(ctx context.Context, scope string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	table, err := ScopeName(p.prefix, scope)
	if err != nil {
		return err
	}
	if err := p.ensureTable(ctx, table); err != nil {
		return err
	}

	rows := make([]pgPoint, len(items))
	for i, it := range items {
		if p.dims > 0 && len(it.Vector) != p.dims {
			return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(it.Vector), p.dims)
		}
		meta, err := json.Marshal(it.Metadata)
		if err != nil {
			return fmt.Errorf("encode vector metadata failed: %w", err)
		}
		rows[i] = pgPoint{
			ID:         it.ID,
			DocumentID: it.DocumentID,
			Embedding:  pgvector.NewVector(it.Vector),
			Metadata:   datatypes.JSON(meta),
		}
	}

	err = p.db.WithContext(ctx).Table(table).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"document_id", "embedding", "metadata"}),
		}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("upsert vectors failed: %w", err)
	}
	return nil
}

func (p *PGVector) Search(ctx context.Context, scope string, vector []float32, k int, filter Filter) ([]Match, error) {
	table, err := ScopeName(p.prefix, scope)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = DefaultK
	}
	q := pgvector.NewVector(vector)

	tx := p.db.WithContext(ctx).Table(table).
		Select("id, document_id, metadata, 1 - (embedding <=> ?) AS score", q)
	if len(filter.DocumentIDs) > 0 {
		tx = tx.Where("document_id IN ?", filter.DocumentIDs)
	}
	var hits []pgHit
	err = tx.Order(clause.OrderBy{Expression: clause.Expr{
		SQL: "embedding <=> ?", Vars: []any{q}, WithoutParentheses: true,
	}}).Limit(k).Scan(&hits).Error
	if isUndefinedTable(err) {
		return []Match{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		m := Match{ID: h.ID, DocumentID: h.DocumentID, Score: h.Score}
		if len(h.Metadata) > 0 {
			_ = json.Unmarshal(h.Metadata, &m.Metadata)
		}
		matches = append(matches, m)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

func (p *PGVector) Delete(ctx context.Context, scope string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := ScopeName(p.prefix, scope)
	if err != nil {
		return err
	}
	err = p.db.WithContext(ctx).Exec(fmt.Sprintf(`DELETE FROM %q WHERE id IN ?`, table), ids).Error
	if err != nil && !isUndefinedTable(err) {
		return fmt.Errorf("delete vectors failed: %w", err)
	}
	return nil
}

func (p *PGVector) DropScope(ctx context.Context, scope string) error {
	table, err := ScopeName(p.prefix, scope)
	if err != nil {
		return err
	}
	if err := p.db.WithContext(ctx).Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table)).Error; err != nil {
		return fmt.Errorf("drop vector table failed: %w", err)
	}
	p.ready.Delete(table)
	return nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}
