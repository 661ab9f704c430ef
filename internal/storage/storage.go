// Package storage shares the launch id and the set of active workers of a
// run between processes through a sqlite database file.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/raphi011/rpbridge/internal/model"
)

//go:embed migrations/*.sql
var fs embed.FS

type Storage struct {
	db     *sqlx.DB
	log    *slog.Logger
	runKey string
	cache  *launchCache
}

// New opens (or creates) the database. An empty dbFilename opens a shared
// in-memory database that only lives as long as the process.
func New(dbFilename, runKey string, log *slog.Logger) (*Storage, error) {
	db, err := sqlx.Connect("sqlite", connectionString(dbFilename))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	row := db.QueryRow("select sqlite_version()")

	var version string
	err = row.Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve sqlite version: %w", err)
	}

	log.Debug("Using sqlite version: " + version)

	s := &Storage{
		db:     db,
		log:    log,
		runKey: runKey,
		cache:  newLaunchCache(),
	}

	if err = s.migrateDB(db); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func connectionString(filename string) string {
	var cs string
	var options = []string{"_pragma=busy_timeout(5000)", "_pragma=journal_mode(WAL)", "_pragma=foreign_keys(1)", "_pragma=synchronous(normal)"}

	if filename != "" {
		cs = filename
	} else {
		cs = "file:" + randomAlphanumeric(16)
		options = append(options, "mode=memory", "cache=shared")
	}

	for i, o := range options {
		if i == 0 {
			cs += "?"
		} else {
			cs += "&"
		}
		cs += o
	}

	return cs
}

const alphaNumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomAlphanumeric(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = alphaNumericChars[rand.Intn(len(alphaNumericChars))]
	}
	return string(b)
}

func (s *Storage) migrateDB(db *sqlx.DB) error {
	d, err := iofs.New(fs, "migrations")
	if err != nil {
		return fmt.Errorf("load db migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("load migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate with instance: %w", err)
	}

	err = m.Up()

	if err == migrate.ErrNoChange {
		s.log.Debug("No migrations have been applied. The DB is at the latest state.")
	} else if err != nil {
		return fmt.Errorf("applying db migrations: %w", err)
	}

	return nil
}

type storageContextKey string

func (s *Storage) StartTransaction(ctx context.Context) (context.Context, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ctx, err
	}

	return context.WithValue(ctx, storageContextKey("storage.transaction"), tx), nil
}

func (s *Storage) CommitTransaction(ctx context.Context) error {
	v := ctx.Value(storageContextKey("storage.transaction"))

	if v == nil {
		return errors.New("context does not contain a transaction")
	}

	return v.(*sqlx.Tx).Commit()
}

func (s *Storage) RollbackTransaction(ctx context.Context) {
	v := ctx.Value(storageContextKey("storage.transaction"))

	if v != nil {
		err := v.(*sqlx.Tx).Rollback()
		if err != nil && err != sql.ErrTxDone {
			s.log.Warn("could not rollback transaction", "error", err)
		}
	}
}

func (s *Storage) getDB(ctx context.Context) commonDB {
	v := ctx.Value(storageContextKey("storage.transaction"))

	if v == nil {
		return s.db
	}

	return v.(*sqlx.Tx)
}

// functions shared by `*sqlx.Tx` and `*sqlx.Db`
type commonDB interface {
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Publish stores the launch id of the run. Publishing the id that is already
// stored is a no-op, a different one fails with model.AlreadyPublishedError.
func (s *Storage) Publish(ctx context.Context, launchID string) (err error) {
	ctx, err = s.StartTransaction(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer s.RollbackTransaction(ctx)

	existing, ok, err := s.loadLaunchID(ctx)
	if err != nil {
		return err
	}

	if ok {
		if existing == launchID {
			return nil
		}

		return model.AlreadyPublishedError{Existing: existing}
	}

	_, err = s.getDB(ctx).NamedExecContext(ctx, `INSERT INTO Launch
	(runKey, launchId, publishedTime) VALUES
	(:runKey, :launchId, :publishedTime)`,
		map[string]any{
			"runKey":        s.runKey,
			"launchId":      launchID,
			"publishedTime": timeFormat(time.Now()),
		})
	if err != nil {
		return fmt.Errorf("inserting launch: %w", err)
	}

	if err = s.CommitTransaction(ctx); err != nil {
		return fmt.Errorf("committing launch: %w", err)
	}

	s.cache.Save(s.runKey, launchID)

	return nil
}

// Load returns the launch id published for the run.
func (s *Storage) Load(ctx context.Context) (string, bool, error) {
	if id, ok := s.cache.Load(s.runKey); ok {
		return id, true, nil
	}

	id, ok, err := s.loadLaunchID(ctx)
	if err != nil || !ok {
		return "", false, err
	}

	s.cache.Save(s.runKey, id)

	return id, true, nil
}

func (s *Storage) loadLaunchID(ctx context.Context) (string, bool, error) {
	var id string

	err := s.getDB(ctx).GetContext(ctx, &id, `SELECT launchId FROM Launch WHERE runKey=?`, s.runKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("loading launch: %w", err)
	}

	return id, true, nil
}

// Join marks a worker as active. Joining again reactivates it.
func (s *Storage) Join(ctx context.Context, workerID string) error {
	_, err := s.getDB(ctx).NamedExecContext(ctx, `INSERT INTO Worker
	(runKey, workerId, joinedTime) VALUES
	(:runKey, :workerId, :joinedTime)
	ON CONFLICT (runKey, workerId) DO UPDATE SET joinedTime=excluded.joinedTime, leftTime=NULL`,
		map[string]any{
			"runKey":     s.runKey,
			"workerId":   workerID,
			"joinedTime": timeFormat(time.Now()),
		})
	if err != nil {
		return fmt.Errorf("joining worker %s: %w", workerID, err)
	}

	return nil
}

func (s *Storage) Leave(ctx context.Context, workerID string) error {
	r, err := s.getDB(ctx).NamedExecContext(ctx, `UPDATE Worker SET leftTime=:leftTime
	WHERE runKey=:runKey AND workerId=:workerId`,
		map[string]any{
			"runKey":   s.runKey,
			"workerId": workerID,
			"leftTime": timeFormat(time.Now()),
		})
	if err != nil {
		return fmt.Errorf("leaving worker %s: %w", workerID, err)
	}

	if affected, _ := r.RowsAffected(); affected != 1 {
		return model.NotFoundError{}
	}

	return nil
}

// Active counts the workers that joined and did not leave yet.
func (s *Storage) Active(ctx context.Context) (int, error) {
	var n int

	err := s.getDB(ctx).GetContext(ctx, &n, `SELECT count(*) FROM Worker WHERE runKey=? AND leftTime IS NULL`, s.runKey)
	if err != nil {
		return 0, fmt.Errorf("counting workers: %w", err)
	}

	return n, nil
}

// Reset forgets the launch and the workers of the run.
func (s *Storage) Reset(ctx context.Context) (err error) {
	ctx, err = s.StartTransaction(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer s.RollbackTransaction(ctx)

	params := map[string]any{"runKey": s.runKey}

	if _, err = s.getDB(ctx).NamedExecContext(ctx, `DELETE FROM Launch WHERE runKey=:runKey`, params); err != nil {
		return fmt.Errorf("deleting launch: %w", err)
	}

	if _, err = s.getDB(ctx).NamedExecContext(ctx, `DELETE FROM Worker WHERE runKey=:runKey`, params); err != nil {
		return fmt.Errorf("deleting workers: %w", err)
	}

	if err = s.CommitTransaction(ctx); err != nil {
		return err
	}

	s.cache.Delete(s.runKey)

	return nil
}

func timeFormat(t time.Time) string {
	return t.Format(time.RFC3339)
}
