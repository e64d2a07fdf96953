package jobdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const jobsTable = "liveq_jobs"

var (
	colId    = goqu.C("id")
	colState = goqu.C("state")
)

// Portable between sqlite and postgres: TEXT and BIGINT only, times as unix nanoseconds, lists and maps as JSON.
const createJobsTable = `
CREATE TABLE IF NOT EXISTS liveq_jobs (
	id TEXT PRIMARY KEY,
	lab TEXT NOT NULL,
	team TEXT NOT NULL,
	owner TEXT NOT NULL,
	parameters TEXT NOT NULL,
	events BIGINT NOT NULL,
	state TEXT NOT NULL,
	created BIGINT NOT NULL,
	updated BIGINT NOT NULL,
	histograms TEXT NOT NULL,
	results_path TEXT NOT NULL,
	agents TEXT NOT NULL,
	total_events BIGINT NOT NULL,
	warning TEXT NOT NULL,
	error TEXT NOT NULL
)`

const createStateIndex = `CREATE INDEX IF NOT EXISTS idx_liveq_jobs_state ON liveq_jobs (state)`

type jobRow struct {
	Id          string `db:"id"`
	Lab         string `db:"lab"`
	Team        string `db:"team"`
	Owner       string `db:"owner"`
	Parameters  string `db:"parameters"`
	Events      int64  `db:"events"`
	State       string `db:"state"`
	Created     int64  `db:"created"`
	Updated     int64  `db:"updated"`
	Histograms  string `db:"histograms"`
	ResultsPath string `db:"results_path"`
	Agents      string `db:"agents"`
	TotalEvents int64  `db:"total_events"`
	Warning     string `db:"warning"`
	Error       string `db:"error"`
}

func toRecord(job *Job) (goqu.Record, error) {
	parameters, err := json.Marshal(job.Parameters)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	histograms, err := json.Marshal(job.Histograms)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	agents, err := json.Marshal(job.Agents)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return goqu.Record{
		"id":           job.Id,
		"lab":          job.Lab,
		"team":         job.Team,
		"owner":        job.Owner,
		"parameters":   string(parameters),
		"events":       int64(job.Events),
		"state":        job.State.String(),
		"created":      job.Created.UnixNano(),
		"updated":      job.Updated.UnixNano(),
		"histograms":   string(histograms),
		"results_path": job.ResultsPath,
		"agents":       string(agents),
		"total_events": int64(job.TotalEvents),
		"warning":      job.Warning,
		"error":        job.Error,
	}, nil
}

func (row *jobRow) toJob() (*Job, error) {
	state, err := ParseJobState(row.State)
	if err != nil {
		return nil, err
	}
	job := &Job{
		Id:          row.Id,
		Lab:         row.Lab,
		Team:        row.Team,
		Owner:       row.Owner,
		Events:      int(row.Events),
		State:       state,
		Created:     time.Unix(0, row.Created).UTC(),
		Updated:     time.Unix(0, row.Updated).UTC(),
		ResultsPath: row.ResultsPath,
		TotalEvents: int(row.TotalEvents),
		Warning:     row.Warning,
		Error:       row.Error,
	}
	if err := json.Unmarshal([]byte(row.Parameters), &job.Parameters); err != nil {
		return nil, errors.Wrapf(err, "decoding parameters of job %s", row.Id)
	}
	if err := json.Unmarshal([]byte(row.Histograms), &job.Histograms); err != nil {
		return nil, errors.Wrapf(err, "decoding histograms of job %s", row.Id)
	}
	if err := json.Unmarshal([]byte(row.Agents), &job.Agents); err != nil {
		return nil, errors.Wrapf(err, "decoding agents of job %s", row.Id)
	}
	return job, nil
}

// SqlJobRepository stores jobs in one table of a sqlite or postgres database, queries built with goqu.
type SqlJobRepository struct {
	db    *sql.DB
	goqu  *goqu.Database
	owned bool
}

// OpenSqlite opens (creating if necessary) a sqlite database file and prepares it for use.
func OpenSqlite(ctx context.Context, path string) (*SqlJobRepository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating directory for sqlite database %s", path)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sqlite database %s", path)
	}
	// sqlite allows a single writer; one connection avoids SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	return newSqlJobRepository(ctx, db, "sqlite3", true)
}

// OpenPostgres connects to postgres through the pgx driver and prepares the schema.
func OpenPostgres(ctx context.Context, connection string) (*SqlJobRepository, error) {
	db, err := sql.Open("pgx", connection)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres connection")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "connecting to postgres")
	}
	return newSqlJobRepository(ctx, db, "postgres", true)
}

// NewSqlJobRepository uses an already opened database. dialect is a goqu dialect, "sqlite3" or "postgres".
func NewSqlJobRepository(ctx context.Context, db *sql.DB, dialect string) (*SqlJobRepository, error) {
	return newSqlJobRepository(ctx, db, dialect, false)
}

func newSqlJobRepository(ctx context.Context, db *sql.DB, dialect string, owned bool) (*SqlJobRepository, error) {
	r := &SqlJobRepository{db: db, goqu: goqu.New(dialect, db), owned: owned}
	if err := r.migrate(ctx); err != nil {
		if owned {
			_ = db.Close()
		}
		return nil, err
	}
	return r, nil
}

func (r *SqlJobRepository) migrate(ctx context.Context) error {
	for _, stmt := range []string{createJobsTable, createStateIndex} {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "creating job table")
		}
	}
	return nil
}

type sqlQuerier interface {
	From(from ...interface{}) *goqu.SelectDataset
}

func selectJob(ctx context.Context, q sqlQuerier, id string) (*Job, error) {
	var row jobRow
	found, err := q.From(jobsTable).Where(colId.Eq(id)).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !found {
		return nil, nil
	}
	return row.toJob()
}

func (r *SqlJobRepository) Create(ctx context.Context, job *Job) error {
	record, err := toRecord(job)
	if err != nil {
		return err
	}
	return r.goqu.WithTx(func(tx *goqu.TxDatabase) error {
		existing, err := selectJob(ctx, tx, job.Id)
		if err != nil {
			return err
		}
		if existing != nil {
			return alreadyExists(job.Id)
		}
		_, err = tx.Insert(jobsTable).Rows(record).Executor().ExecContext(ctx)
		return errors.WithStack(err)
	})
}

func (r *SqlJobRepository) Update(ctx context.Context, job *Job) error {
	record, err := toRecord(job)
	if err != nil {
		return err
	}
	return r.goqu.WithTx(func(tx *goqu.TxDatabase) error {
		existing, err := selectJob(ctx, tx, job.Id)
		if err != nil {
			return err
		}
		if err := checkTransition(existing, job); err != nil {
			return err
		}
		if existing == nil {
			_, err = tx.Insert(jobsTable).Rows(record).Executor().ExecContext(ctx)
			return errors.WithStack(err)
		}
		delete(record, "id")
		_, err = tx.Update(jobsTable).Set(record).Where(colId.Eq(job.Id)).Executor().ExecContext(ctx)
		return errors.WithStack(err)
	})
}

func (r *SqlJobRepository) Get(ctx context.Context, id string) (*Job, error) {
	job, err := selectJob(ctx, r.goqu, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, notFound(id)
	}
	return job, nil
}

func (r *SqlJobRepository) ListNonTerminal(ctx context.Context) ([]*Job, error) {
	var rows []jobRow
	err := r.goqu.From(jobsTable).
		Where(colState.NotIn(Completed.String(), Cancelled.String(), Failed.String())).
		Order(goqu.C("created").Asc(), colId.Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *SqlJobRepository) SetResults(ctx context.Context, id string, path string, warning string) error {
	result, err := r.goqu.Update(jobsTable).
		Set(goqu.Record{"results_path": path, "warning": warning}).
		Where(colId.Eq(id)).
		Executor().ExecContext(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func (r *SqlJobRepository) Check() error {
	return errors.WithStack(r.db.Ping())
}

func (r *SqlJobRepository) Close() error {
	if !r.owned {
		return nil
	}
	return errors.WithStack(r.db.Close())
}
