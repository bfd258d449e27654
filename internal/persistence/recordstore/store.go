package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"citysim.ai/internal/sim/errs"
	"citysim.ai/internal/sim/model"
)

// Store is the record store every engine component reads and mutates.
// Ids are application-assigned, so Put* is an idempotent create-or-update.
type Store interface {
	GetCitizen(ctx context.Context, id string) (model.Citizen, error)
	ListCitizens(ctx context.Context, f Filter) ([]model.Citizen, error)
	PutCitizen(ctx context.Context, c model.Citizen) error

	GetBuilding(ctx context.Context, id string) (model.Building, error)
	ListBuildings(ctx context.Context, f Filter) ([]model.Building, error)
	PutBuilding(ctx context.Context, b model.Building) error

	GetResource(ctx context.Context, id string) (model.ResourceStack, error)
	ListResources(ctx context.Context, f Filter) ([]model.ResourceStack, error)
	PutResource(ctx context.Context, r model.ResourceStack) error
	DeleteResource(ctx context.Context, id string) error

	GetContract(ctx context.Context, id string) (model.Contract, error)
	ListContracts(ctx context.Context, f Filter) ([]model.Contract, error)
	PutContract(ctx context.Context, c model.Contract) error

	GetActivity(ctx context.Context, id string) (model.Activity, error)
	ListActivities(ctx context.Context, f Filter) ([]model.Activity, error)
	PutActivity(ctx context.Context, a model.Activity) error

	CreateTransaction(ctx context.Context, t model.Transaction) error
	ListTransactions(ctx context.Context, f Filter) ([]model.Transaction, error)

	CreateNotification(ctx context.Context, n model.Notification) error
	ListNotifications(ctx context.Context, f Filter) ([]model.Notification, error)

	GetRelationship(ctx context.Context, id string) (model.Relationship, error)
	ListRelationships(ctx context.Context, f Filter) ([]model.Relationship, error)
	PutRelationship(ctx context.Context, r model.Relationship) error
}

type Dialect int

const (
	DialectSQLite Dialect = iota + 1
	DialectPostgres
)

func (d Dialect) bind(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	log     *log.Logger
}

var _ Store = (*SQLStore)(nil)

// Open selects a backend from a spec: "postgres://..." / "postgresql://..." or a
// SQLite path (optionally prefixed with "sqlite:"), ":memory:" included.
func Open(spec string, logger *log.Logger) (*SQLStore, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case strings.HasPrefix(spec, "postgres://"), strings.HasPrefix(spec, "postgresql://"):
		return OpenPostgres(spec, logger)
	default:
		return OpenSQLite(strings.TrimPrefix(spec, "sqlite:"), logger)
	}
}

func OpenSQLite(path string, logger *log.Logger) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; ticks are single-threaded and ":memory:" is per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, DialectSQLite, logger)
}

func OpenPostgres(dsn string, logger *log.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return New(db, DialectPostgres, logger)
}

// New wraps db and creates missing tables.
func New(db *sql.DB, d Dialect, logger *log.Logger) (*SQLStore, error) {
	s := Wrap(db, d, logger)
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Wrap uses db as-is, without touching the schema.
func Wrap(db *sql.DB, d Dialect, logger *log.Logger) *SQLStore {
	return &SQLStore{db: db, dialect: d, log: logger}
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) initSchema() error {
	for _, t := range allTables {
		for _, stmt := range t.ddl() {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("schema %s: %w", t.name, err)
			}
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

type validator interface{ Validate() error }

func (s *SQLStore) upsert(ctx context.Context, t table, id string, row []any, rec any) error {
	if v, ok := rec.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%s put: %v: %w", t.name, err, errs.ErrBadRequest)
		}
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	names := []string{"id"}
	sets := make([]string, 0, len(t.cols)+1)
	for _, c := range t.cols {
		names = append(names, c.name)
		sets = append(sets, c.name+" = excluded."+c.name)
	}
	names = append(names, "raw_json")
	sets = append(sets, "raw_json = excluded.raw_json")

	ph := make([]string, len(names))
	for i := range names {
		ph[i] = s.dialect.bind(i + 1)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		t.name, strings.Join(names, ", "), strings.Join(ph, ", "), strings.Join(sets, ", "))

	args := make([]any, 0, len(names))
	args = append(args, id)
	args = append(args, row...)
	args = append(args, string(raw))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("%s put %s: %w", t.name, id, err)
	}
	return nil
}

// insert refuses to overwrite: used for immutable audit records.
func (s *SQLStore) insert(ctx context.Context, t table, id string, row []any, rec any) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	names := []string{"id"}
	for _, c := range t.cols {
		names = append(names, c.name)
	}
	names = append(names, "raw_json")
	ph := make([]string, len(names))
	for i := range names {
		ph[i] = s.dialect.bind(i + 1)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, strings.Join(names, ", "), strings.Join(ph, ", "))
	args := make([]any, 0, len(names))
	args = append(args, id)
	args = append(args, row...)
	args = append(args, string(raw))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("%s insert %s: %w", t.name, id, err)
	}
	return nil
}

func getRecord[T any](ctx context.Context, s *SQLStore, t table, id string) (T, error) {
	var zero T
	q := "SELECT raw_json FROM " + t.name + " WHERE id = " + s.dialect.bind(1)
	var raw string
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, fmt.Errorf("%s %s: %w", t.name, id, errs.ErrRecordNotFound)
		}
		return zero, fmt.Errorf("%s get %s: %w", t.name, id, err)
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return zero, fmt.Errorf("%s %s: decode: %w", t.name, id, err)
	}
	if v, ok := any(out).(validator); ok {
		if err := v.Validate(); err != nil {
			return zero, fmt.Errorf("%s %s: %w", t.name, id, err)
		}
	}
	return out, nil
}

// listRecords skips rows that fail validation; one corrupt record must not stall a tick.
func listRecords[T any](ctx context.Context, s *SQLStore, t table, f Filter) ([]T, error) {
	where, args, err := s.where(t, f)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id, raw_json FROM "+t.name+where, args...)
	if err != nil {
		return nil, fmt.Errorf("%s list: %w", t.name, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var rec T
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logf("recordstore: skip %s %s: decode: %v", t.name, id, err)
			continue
		}
		if v, ok := any(rec).(validator); ok {
			if err := v.Validate(); err != nil {
				s.logf("recordstore: skip %s %s: %v", t.name, id, err)
				continue
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetCitizen(ctx context.Context, id string) (model.Citizen, error) {
	return getRecord[model.Citizen](ctx, s, tblCitizens, id)
}

func (s *SQLStore) ListCitizens(ctx context.Context, f Filter) ([]model.Citizen, error) {
	return listRecords[model.Citizen](ctx, s, tblCitizens, f)
}

func (s *SQLStore) PutCitizen(ctx context.Context, c model.Citizen) error {
	return s.upsert(ctx, tblCitizens, c.ID, citizenRow(c), c)
}

func (s *SQLStore) GetBuilding(ctx context.Context, id string) (model.Building, error) {
	return getRecord[model.Building](ctx, s, tblBuildings, id)
}

func (s *SQLStore) ListBuildings(ctx context.Context, f Filter) ([]model.Building, error) {
	return listRecords[model.Building](ctx, s, tblBuildings, f)
}

func (s *SQLStore) PutBuilding(ctx context.Context, b model.Building) error {
	return s.upsert(ctx, tblBuildings, b.ID, buildingRow(b), b)
}

func (s *SQLStore) GetResource(ctx context.Context, id string) (model.ResourceStack, error) {
	return getRecord[model.ResourceStack](ctx, s, tblResources, id)
}

func (s *SQLStore) ListResources(ctx context.Context, f Filter) ([]model.ResourceStack, error) {
	return listRecords[model.ResourceStack](ctx, s, tblResources, f)
}

func (s *SQLStore) PutResource(ctx context.Context, r model.ResourceStack) error {
	return s.upsert(ctx, tblResources, r.ID, resourceRow(r), r)
}

func (s *SQLStore) DeleteResource(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM resources WHERE id = "+s.dialect.bind(1), id); err != nil {
		return fmt.Errorf("resources delete %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) GetContract(ctx context.Context, id string) (model.Contract, error) {
	return getRecord[model.Contract](ctx, s, tblContracts, id)
}

func (s *SQLStore) ListContracts(ctx context.Context, f Filter) ([]model.Contract, error) {
	return listRecords[model.Contract](ctx, s, tblContracts, f)
}

func (s *SQLStore) PutContract(ctx context.Context, c model.Contract) error {
	return s.upsert(ctx, tblContracts, c.ID, contractRow(c), c)
}

func (s *SQLStore) GetActivity(ctx context.Context, id string) (model.Activity, error) {
	return getRecord[model.Activity](ctx, s, tblActivities, id)
}

func (s *SQLStore) ListActivities(ctx context.Context, f Filter) ([]model.Activity, error) {
	return listRecords[model.Activity](ctx, s, tblActivities, f)
}

func (s *SQLStore) PutActivity(ctx context.Context, a model.Activity) error {
	return s.upsert(ctx, tblActivities, a.ID, activityRow(a), a)
}

func (s *SQLStore) CreateTransaction(ctx context.Context, t model.Transaction) error {
	if t.ID == "" {
		return fmt.Errorf("transactions insert: empty id: %w", errs.ErrBadRequest)
	}
	return s.insert(ctx, tblTransactions, t.ID, transactionRow(t), t)
}

func (s *SQLStore) ListTransactions(ctx context.Context, f Filter) ([]model.Transaction, error) {
	return listRecords[model.Transaction](ctx, s, tblTransactions, f)
}

func (s *SQLStore) CreateNotification(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		return fmt.Errorf("notifications insert: empty id: %w", errs.ErrBadRequest)
	}
	return s.insert(ctx, tblNotifications, n.ID, notificationRow(n), n)
}

func (s *SQLStore) ListNotifications(ctx context.Context, f Filter) ([]model.Notification, error) {
	return listRecords[model.Notification](ctx, s, tblNotifications, f)
}

func (s *SQLStore) GetRelationship(ctx context.Context, id string) (model.Relationship, error) {
	return getRecord[model.Relationship](ctx, s, tblRelationships, id)
}

func (s *SQLStore) ListRelationships(ctx context.Context, f Filter) ([]model.Relationship, error) {
	return listRecords[model.Relationship](ctx, s, tblRelationships, f)
}

func (s *SQLStore) PutRelationship(ctx context.Context, r model.Relationship) error {
	return s.upsert(ctx, tblRelationships, r.ID, relationshipRow(r), r)
}
