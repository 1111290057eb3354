package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"atlas/internal/apperr"
	"atlas/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (pgxmock.PgxPoolIface, *DB) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, WrapPool(mock)
}

var resultCols = []string{
	"id", "task_id", "paper_id", "project_id", "version", "is_latest",
	"previous_version", "strategy", "features_used", "output", "prompt_tokens", "completion_tokens",
	"finished", "error", "created_at", "finished_at",
}

func resultRow(mock pgxmock.PgxPoolIface, id, task string, version int, prev *string) *pgxmock.Rows {
	return mock.NewRows(resultCols).AddRow(
		id, task, "paper-1", "proj-1", version, true,
		prev, "json_schema", []string{"a.b"}, []byte(nil), int64(0), int64(0),
		false, "", time.Now(), (*time.Time)(nil),
	)
}

func TestResultBeginFirstVersion(t *testing.T) {
	mock, db := newMockDB(t)
	repo := NewResultRepo(db)

	mock.ExpectQuery(`FROM results WHERE task_id=\$1`).WithArgs("task-1").WillReturnError(pgx.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("paper-1", "proj-1").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO results`).
		WithArgs("task-1", "paper-1", "proj-1", 1, (*string)(nil), "json_schema", []string{"a.b"}).
		WillReturnRows(resultRow(mock, "r1", "task-1", 1, nil))
	mock.ExpectCommit()

	res, err := repo.Begin(context.Background(), BeginInput{
		TaskID: "task-1", PaperID: "paper-1", ProjectID: "proj-1", Strategy: "json_schema", FeaturesUsed: []string{"a.b"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.True(t, res.IsLatest)
	assert.Nil(t, res.PreviousVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultBeginDemotesPriorLatest(t *testing.T) {
	mock, db := newMockDB(t)
	repo := NewResultRepo(db)

	prev := "r2"
	mock.ExpectQuery(`FROM results WHERE task_id=\$1`).WithArgs("task-3").WillReturnError(pgx.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("paper-1", "proj-1").
		WillReturnRows(mock.NewRows([]string{"id", "version"}).AddRow("r2", 2))
	mock.ExpectExec(`UPDATE results SET is_latest=FALSE`).WithArgs("r2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`INSERT INTO results`).
		WithArgs("task-3", "paper-1", "proj-1", 3, &prev, "json_schema", []string{"a.b"}).
		WillReturnRows(resultRow(mock, "r3", "task-3", 3, &prev))
	mock.ExpectCommit()

	res, err := repo.Begin(context.Background(), BeginInput{
		TaskID: "task-3", PaperID: "paper-1", ProjectID: "proj-1", Strategy: "json_schema", FeaturesUsed: []string{"a.b"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Version)
	require.NotNil(t, res.PreviousVersion)
	assert.Equal(t, "r2", *res.PreviousVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultBeginIsIdempotentPerTask(t *testing.T) {
	mock, db := newMockDB(t)
	repo := NewResultRepo(db)

	mock.ExpectQuery(`FROM results WHERE task_id=\$1`).WithArgs("task-1").
		WillReturnRows(resultRow(mock, "r1", "task-1", 1, nil))

	res, err := repo.Begin(context.Background(), BeginInput{TaskID: "task-1", PaperID: "paper-1", ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", res.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultBeginRaceSurfacesDuplicate(t *testing.T) {
	mock, db := newMockDB(t)
	repo := NewResultRepo(db)

	mock.ExpectQuery(`FROM results WHERE task_id=\$1`).WithArgs("task-9").WillReturnError(pgx.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO results`).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := repo.Begin(context.Background(), BeginInput{TaskID: "task-9", PaperID: "paper-1", ProjectID: "proj-1"})
	require.ErrorIs(t, err, apperr.ErrDuplicate)
	assert.Contains(t, err.Error(), "result version 1 for paper paper-1 in project proj-1 (task task-9)")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultVersionChainAcrossRuns(t *testing.T) {
	mock, db := newMockDB(t)
	repo := NewResultRepo(db)
	ctx := context.Background()

	const runs = 4
	rows := map[string]*models.Result{}
	latestID := ""
	for n := 1; n <= runs; n++ {
		task := fmt.Sprintf("task-%d", n)
		var prev *string
		mock.ExpectQuery(`FROM results WHERE task_id=\$1`).WithArgs(task).WillReturnError(pgx.ErrNoRows)
		mock.ExpectBegin()
		if latestID == "" {
			mock.ExpectQuery(`FOR UPDATE`).WithArgs("paper-1", "proj-1").WillReturnError(pgx.ErrNoRows)
		} else {
			p := latestID
			prev = &p
			mock.ExpectQuery(`FOR UPDATE`).WithArgs("paper-1", "proj-1").
				WillReturnRows(mock.NewRows([]string{"id", "version"}).AddRow(latestID, rows[latestID].Version))
			mock.ExpectExec(`UPDATE results SET is_latest=FALSE`).WithArgs(latestID).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		}
		mock.ExpectQuery(`INSERT INTO results`).
			WithArgs(task, "paper-1", "proj-1", n, prev, "json_schema", []string{"a.b"}).
			WillReturnRows(resultRow(mock, fmt.Sprintf("r%d", n), task, n, prev))
		mock.ExpectCommit()
		mock.ExpectExec(`UPDATE results`).WithArgs(task, pgxmock.AnyArg(), int64(0), int64(0), "").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		res, err := repo.Begin(ctx, BeginInput{
			TaskID: task, PaperID: "paper-1", ProjectID: "proj-1", Strategy: "json_schema", FeaturesUsed: []string{"a.b"},
		})
		require.NoError(t, err)
		require.NoError(t, repo.Finalize(ctx, FinalizeInput{TaskID: task, Output: json.RawMessage(`{}`)}))

		if latestID != "" {
			rows[latestID].IsLatest = false
		}
		res.Finished = true
		rows[res.ID] = &res
		latestID = res.ID
	}
	require.NoError(t, mock.ExpectationsWereMet())

	var latest []*models.Result
	for _, r := range rows {
		if r.IsLatest {
			latest = append(latest, r)
		}
	}
	require.Len(t, latest, 1)
	assert.Equal(t, runs, latest[0].Version)

	hops := 0
	for cur := latest[0]; cur.PreviousVersion != nil; hops++ {
		prev, ok := rows[*cur.PreviousVersion]
		require.True(t, ok, "dangling previous_version %s", *cur.PreviousVersion)
		assert.Equal(t, cur.Version-1, prev.Version)
		cur = prev
	}
	assert.Equal(t, runs-1, hops)
}

func TestResultFinalizeWithError(t *testing.T) {
	mock, db := newMockDB(t)
	repo := NewResultRepo(db)

	mock.ExpectExec(`UPDATE results`).
		WithArgs("task-1", nil, int64(0), int64(0), "extraction failed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.Finalize(context.Background(), FinalizeInput{TaskID: "task-1", Error: "extraction failed"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultFinalizeUnknownTask(t *testing.T) {
	mock, db := newMockDB(t)
	repo := NewResultRepo(db)

	mock.ExpectExec(`UPDATE results`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Finalize(context.Background(), FinalizeInput{TaskID: "missing", Output: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestResultLatestOutputs(t *testing.T) {
	mock, db := newMockDB(t)
	repo := NewResultRepo(db)

	mock.ExpectQuery(`SELECT paper_id::text, output FROM results`).WithArgs("proj-1").
		WillReturnRows(mock.NewRows([]string{"paper_id", "output"}).
			AddRow("paper-1", []byte(`{"species":"mouse"}`)).
			AddRow("paper-2", []byte(`{"species":"rat"}`)))

	got, err := repo.LatestOutputs(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"species":"rat"}`, string(got["paper-2"]))
	require.NoError(t, mock.ExpectationsWereMet())
}
