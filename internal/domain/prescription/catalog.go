package prescription

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// CatalogProvider fetches a catalog snapshot for the given medication IDs
type CatalogProvider interface {
	Load(ctx context.Context, ids []string) (Catalog, error)
}

// CatalogRepository reads the medication catalog from PostgreSQL
type CatalogRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewCatalogRepository creates a new repository
func NewCatalogRepository(pool *pgxpool.Pool, logger *zap.Logger) *CatalogRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogRepository{pool: pool, logger: logger}
}

// Load retrieves the catalog entries for ids. Unknown IDs are simply absent
// from the returned catalog.
func (r *CatalogRepository) Load(ctx context.Context, ids []string) (Catalog, error) {
	if len(ids) == 0 {
		return Catalog{}, nil
	}

	query := `
		SELECT id, name, generic_name, category, strength, dosage_form,
		       manufacturer, current_stock, expiry_date, active
		FROM medication_catalog
		WHERE id = ANY($1)
	`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	catalog := make(Catalog, len(ids))
	for rows.Next() {
		var (
			e      CatalogEntry
			stock  *int32
			expiry *time.Time
		)
		err := rows.Scan(
			&e.ID, &e.Name, &e.GenericName, &e.Category, &e.Strength,
			&e.DosageForm, &e.Manufacturer, &stock, &expiry, &e.Active,
		)
		if err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		if stock != nil {
			n := int(*stock)
			e.CurrentStock = &n
		}
		e.ExpiryDate = expiry
		catalog[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.logger.Debug("catalog loaded",
		zap.Int("requested", len(ids)),
		zap.Int("found", len(catalog)))
	return catalog, nil
}

// Search lists active entries whose name or generic name matches term
func (r *CatalogRepository) Search(ctx context.Context, term string, limit int) ([]CatalogEntry, error) {
	query := `
		SELECT id, name, generic_name, category, strength, dosage_form,
		       manufacturer, current_stock, expiry_date, active
		FROM medication_catalog
		WHERE active AND (name ILIKE $1 ESCAPE '\' OR generic_name ILIKE $1 ESCAPE '\')
		ORDER BY name ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, containsPattern(term), limit)
	if err != nil {
		return nil, fmt.Errorf("search catalog: %w", err)
	}
	defer rows.Close()

	var entries []CatalogEntry
	for rows.Next() {
		var (
			e     CatalogEntry
			stock *int32
		)
		err := rows.Scan(
			&e.ID, &e.Name, &e.GenericName, &e.Category, &e.Strength,
			&e.DosageForm, &e.Manufacturer, &stock, &e.ExpiryDate, &e.Active,
		)
		if err != nil {
			return nil, err
		}
		if stock != nil {
			n := int(*stock)
			e.CurrentStock = &n
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern matches term anywhere, taking % and _ in term literally
func containsPattern(term string) string {
	return "%" + likeEscaper.Replace(term) + "%"
}

// StaticCatalog serves a fixed in-memory catalog
type StaticCatalog struct {
	catalog Catalog
}

// NewStaticCatalog creates a provider over entries
func NewStaticCatalog(entries []CatalogEntry) *StaticCatalog {
	return &StaticCatalog{catalog: NewCatalog(entries)}
}

// LoadStaticCatalogFile reads a JSON array of catalog entries
func LoadStaticCatalogFile(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var entries []CatalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode catalog file: %w", err)
	}
	return NewStaticCatalog(entries), nil
}

// Load returns the subset of the static catalog referenced by ids
func (s *StaticCatalog) Load(_ context.Context, ids []string) (Catalog, error) {
	out := make(Catalog, len(ids))
	for _, id := range ids {
		if e, ok := s.catalog[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}
