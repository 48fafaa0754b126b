package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/athenaeum-dev/athenaeum/internal/model"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore holds the derived crate metadata used for search and
// display. It is never authoritative: on divergence the index wins.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dataPath string, logger *zap.Logger) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataPath, "athenaeum.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Initialize schema
	if _, err := db.Exec(model.Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertCrate updates or inserts a crate record, filling in its ID.
// An empty readme on a re-publish keeps the previous rendered copy.
func (s *SQLiteStore) UpsertCrate(crate *model.DBCrate) error {
	query := `
		INSERT INTO crates (name, canon_name, description, documentation, repository, readme_html, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(canon_name) DO UPDATE SET
			description = excluded.description,
			documentation = excluded.documentation,
			repository = excluded.repository,
			readme_html = CASE WHEN excluded.readme_html = '' THEN crates.readme_html ELSE excluded.readme_html END,
			updated_at = excluded.updated_at
		RETURNING id
	`

	crate.UpdatedAt = time.Now()
	err := s.db.QueryRow(
		query,
		crate.Name,
		crate.CanonName,
		crate.Description,
		crate.Documentation,
		crate.Repository,
		crate.ReadmeHTML,
		crate.UpdatedAt,
	).Scan(&crate.ID)

	if err != nil {
		return fmt.Errorf("failed to upsert crate: %w", err)
	}

	return nil
}

// AddVersion adds a new version record
func (s *SQLiteStore) AddVersion(version *model.DBVersion) error {
	query := `
		INSERT INTO versions (crate_id, vers, cksum, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(crate_id, vers) DO UPDATE SET
			cksum = excluded.cksum
		RETURNING id
	`

	err := s.db.QueryRow(
		query,
		version.CrateID,
		version.Vers,
		version.Cksum,
		version.CreatedAt,
	).Scan(&version.ID)

	if err != nil {
		return fmt.Errorf("failed to add version: %w", err)
	}

	return nil
}

// SetVersionYanked updates a version's yanked flag in the derived copy.
func (s *SQLiteStore) SetVersionYanked(canonName, vers string, yanked bool) error {
	query := `
		UPDATE versions SET yanked = ?
		WHERE vers = ? AND crate_id = (SELECT id FROM crates WHERE canon_name = ?)
	`
	res, err := s.db.Exec(query, yanked, vers, canonName)
	if err != nil {
		return fmt.Errorf("failed to set yanked flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check yanked update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("version not recorded: %s %s", canonName, vers)
	}
	return nil
}

// GetCrateByName gets a crate by canonical name
func (s *SQLiteStore) GetCrateByName(canonName string) (*model.DBCrate, error) {
	query := `SELECT * FROM crates WHERE canon_name = ?`
	crate := &model.DBCrate{}
	err := s.db.QueryRow(query, canonName).Scan(
		&crate.ID,
		&crate.Name,
		&crate.CanonName,
		&crate.Description,
		&crate.Documentation,
		&crate.Repository,
		&crate.ReadmeHTML,
		&crate.Owner,
		&crate.Downloads,
		&crate.CreatedAt,
		&crate.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("crate not found: %s", canonName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crate: %w", err)
	}
	return crate, nil
}

// GetVersionsByCrateID gets all versions of a crate, newest first
func (s *SQLiteStore) GetVersionsByCrateID(crateID int64) ([]*model.DBVersion, error) {
	query := `SELECT * FROM versions WHERE crate_id = ? ORDER BY created_at DESC`
	rows, err := s.db.Query(query, crateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var versions []*model.DBVersion
	for rows.Next() {
		version := &model.DBVersion{}
		err := rows.Scan(
			&version.ID,
			&version.CrateID,
			&version.Vers,
			&version.Cksum,
			&version.Yanked,
			&version.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, version)
	}

	return versions, nil
}

// Search finds crates whose name or description matches the query,
// most downloaded first. perPage bounds the result count.
func (s *SQLiteStore) Search(q string, perPage int) ([]model.SearchResult, int64, error) {
	if perPage <= 0 || perPage > 100 {
		perPage = 10
	}
	pattern := "%" + q + "%"

	var total int64
	countQuery := `SELECT COUNT(*) FROM crates WHERE canon_name LIKE ? OR description LIKE ?`
	if err := s.db.QueryRow(countQuery, pattern, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count search results: %w", err)
	}

	query := `
		SELECT c.name, c.description, c.downloads,
		       COALESCE((SELECT v.vers FROM versions v WHERE v.crate_id = c.id AND v.yanked = 0 ORDER BY v.created_at DESC LIMIT 1), '')
		FROM crates c
		WHERE c.canon_name LIKE ? OR c.description LIKE ?
		ORDER BY c.downloads DESC, c.name
		LIMIT ?
	`
	rows, err := s.db.Query(query, pattern, pattern, perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search crates: %w", err)
	}
	defer rows.Close()

	results := make([]model.SearchResult, 0, perPage)
	for rows.Next() {
		var r model.SearchResult
		if err := rows.Scan(&r.Name, &r.Description, &r.Downloads, &r.MaxVersion); err != nil {
			return nil, 0, fmt.Errorf("failed to scan search result: %w", err)
		}
		results = append(results, r)
	}

	return results, total, nil
}

// SetCrateOwnerIfEmpty records the publishing identity as the crate's
// owner on first publish; later publishes never reassign it.
func (s *SQLiteStore) SetCrateOwnerIfEmpty(canonName, owner string) error {
	query := `UPDATE crates SET owner = ? WHERE canon_name = ? AND owner = ''`
	if _, err := s.db.Exec(query, owner, canonName); err != nil {
		return fmt.Errorf("failed to set crate owner: %w", err)
	}
	return nil
}

// IncrementDownloads bumps the crate's download counter.
func (s *SQLiteStore) IncrementDownloads(canonName string) error {
	query := `UPDATE crates SET downloads = downloads + 1 WHERE canon_name = ?`
	_, err := s.db.Exec(query, canonName)
	if err != nil {
		return fmt.Errorf("failed to increment downloads: %w", err)
	}
	return nil
}

// CreateToken mints a new API token under the given name.
func (s *SQLiteStore) CreateToken(name string) (*model.DBToken, error) {
	token := &model.DBToken{
		Token:     uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now(),
	}

	query := `INSERT INTO tokens (token, name, created_at) VALUES (?, ?, ?) RETURNING id`
	if err := s.db.QueryRow(query, token.Token, token.Name, token.CreatedAt).Scan(&token.ID); err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}
	return token, nil
}

// GetToken looks up an API token, returning nil when unknown.
func (s *SQLiteStore) GetToken(token string) (*model.DBToken, error) {
	query := `SELECT * FROM tokens WHERE token = ?`
	t := &model.DBToken{}
	err := s.db.QueryRow(query, token).Scan(&t.ID, &t.Token, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return t, nil
}
