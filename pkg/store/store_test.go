package store_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esglens/esglens/pkg/store"
	"github.com/esglens/esglens/pkg/tiers"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db, store.Postgres, nil), mock
}

func TestUserIDForEmail(t *testing.T) {
	id := store.UserIDForEmail("jane@example.com")
	assert.Len(t, id, 32)
	assert.Regexp(t, "^[0-9a-f]{32}$", id)

	// Normalization keeps the id stable across formatting.
	assert.Equal(t, id, store.UserIDForEmail("  Jane@Example.COM "))
	assert.NotEqual(t, id, store.UserIDForEmail("john@example.com"))
}

func TestTimestampFormat(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 30, 45, 123_456_789, time.UTC)
	formatted := store.FormatTimestamp(ts)
	assert.Equal(t, "2024-06-01T10:30:45.123Z", formatted)
	assert.Equal(t, ts.Truncate(time.Millisecond), store.ParseTimestamp(formatted))

	// Lexical order matches chronological order, which the created_at
	// range scans depend on.
	later := store.FormatTimestamp(ts.Add(time.Second))
	assert.Less(t, formatted, later)
}

func TestCreateUser(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("uid-1", "jane@example.com", "free", int64(100), "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.CreateUser(context.Background(), store.User{
		ID:      "uid-1",
		Email:   "jane@example.com",
		Tier:    tiers.TierFree,
		Credits: 100,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.CreateUser(context.Background(), store.User{ID: "uid-1", Email: "jane@example.com"})
	assert.ErrorIs(t, err, store.ErrDuplicateEmail)
}

func TestGetUser(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "email", "tier", "credits", "payment_customer_id", "created_at", "last_seen_at"}).
		AddRow("uid-1", "jane@example.com", "starter", int64(940), "cus_123", "2024-06-01T10:00:00.000Z", "2024-06-02T08:00:00.000Z")
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("uid-1").
		WillReturnRows(rows)

	u, err := s.GetUser(context.Background(), "uid-1")
	require.NoError(t, err)
	assert.Equal(t, tiers.TierStarter, u.Tier)
	assert.Equal(t, int64(940), u.Credits)
	assert.Equal(t, "cus_123", u.PaymentCustomerID)
	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), u.CreatedAt)
}

func TestGetUser_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "tier", "credits", "payment_customer_id", "created_at", "last_seen_at"}))

	_, err := s.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateUserCredits_Debit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users SET credits = credits + $1")).
		WithArgs(int64(-5), sqlmock.AnyArg(), "uid-1", int64(-5)).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(int64(95)))

	balance, err := s.UpdateUserCredits(context.Background(), "uid-1", -5)
	require.NoError(t, err)
	assert.Equal(t, int64(95), balance)
}

func TestUpdateUserCredits_Insufficient(t *testing.T) {
	s, mock := newMockStore(t)

	// The guarded update matches no row, the follow-up read reports the
	// untouched balance.
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users SET credits = credits + $1")).
		WithArgs(int64(-10), sqlmock.AnyArg(), "uid-1", int64(-10)).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT credits FROM users WHERE id = $1")).
		WithArgs("uid-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(int64(3)))

	balance, err := s.UpdateUserCredits(context.Background(), "uid-1", -10)
	assert.ErrorIs(t, err, store.ErrInsufficientCredits)
	assert.Equal(t, int64(3), balance)
}

func TestUpdateUserCredits_UnknownUser(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users SET credits = credits + $1")).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT credits FROM users WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}))

	_, err := s.UpdateUserCredits(context.Background(), "ghost", -1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInsertAnalysis(t *testing.T) {
	s, mock := newMockStore(t)

	created := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO analyses")).
		WithArgs("a1", "uid-1", "Acme Corp", "Technology", "2024", "",
			int64(1), 62.5, 55.0, 70.1, 62.5,
			`["CSRD","TCFD"]`, `{"CSRD":21.4}`, `{"scores":{"overall":62.5}}`, "2024-06-01T10:00:00.000Z").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.InsertAnalysis(context.Background(), store.AnalysisRecord{
		ID:             "a1",
		UserID:         "uid-1",
		CompanyName:    "Acme Corp",
		IndustrySector: "Technology",
		ReportingPeriod: "2024",
		QuickMode:      true,
		Environmental:  62.5,
		Social:         55.0,
		Governance:     70.1,
		Overall:        62.5,
		Frameworks:     []string{"CSRD", "TCFD"},
		Coverage:       map[string]float64{"CSRD": 21.4},
		Result:         json.RawMessage(`{"scores":{"overall":62.5}}`),
		CreatedAt:      created,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func analysisRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "company_name", "industry_sector", "reporting_period", "source_url",
		"quick_mode", "environmental_score", "social_score", "governance_score", "overall_score",
		"frameworks", "coverage", "result", "created_at",
	})
}

func TestGetAnalysisByID_OwnerScoped(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM analyses WHERE id = $1 AND user_id = $2")).
		WithArgs("a1", "intruder").
		WillReturnRows(analysisRows())

	_, err := s.GetAnalysisByID(context.Background(), "intruder", "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetAnalysisByID(t *testing.T) {
	s, mock := newMockStore(t)

	rows := analysisRows().AddRow(
		"a1", "uid-1", "Acme Corp", "Technology", "2024", "https://acme.example/esg.pdf",
		int64(0), 62.5, 55.0, 70.1, 62.5,
		`["CSRD"]`, `{"CSRD":21.4}`, `{"analysis_id":"a1"}`, "2024-06-01T10:00:00.000Z")
	mock.ExpectQuery(regexp.QuoteMeta("FROM analyses WHERE id = $1 AND user_id = $2")).
		WithArgs("a1", "uid-1").
		WillReturnRows(rows)

	rec, err := s.GetAnalysisByID(context.Background(), "uid-1", "a1")
	require.NoError(t, err)
	assert.False(t, rec.QuickMode)
	assert.Equal(t, []string{"CSRD"}, rec.Frameworks)
	assert.Equal(t, map[string]float64{"CSRD": 21.4}, rec.Coverage)
	assert.JSONEq(t, `{"analysis_id":"a1"}`, string(rec.Result))
	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), rec.CreatedAt)
}

func TestListAnalysesByUser_Pagination(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM analyses WHERE user_id = $1")).
		WithArgs("uid-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(5)))

	rows := analysisRows().
		AddRow("a3", "uid-1", "Acme Corp", "", "", "", int64(1), 60.0, 50.0, 70.0, 60.0, `[]`, `{}`, `{}`, "2024-06-03T10:00:00.000Z").
		AddRow("a2", "uid-1", "Acme Corp", "", "", "", int64(1), 58.0, 49.0, 68.0, 58.3, `[]`, `{}`, `{}`, "2024-06-02T10:00:00.000Z")
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT $2 OFFSET $3")).
		WithArgs("uid-1", 2, 2).
		WillReturnRows(rows)

	recs, total, err := s.ListAnalysesByUser(context.Background(), "uid-1", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, recs, 2)
	assert.Equal(t, "a3", recs[0].ID)
	assert.Equal(t, "a2", recs[1].ID)
}

func TestUpsertCompany(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO companies")).
		WithArgs("Acme Corp", "Technology", 62.5, 55.0, 70.1, 62.5, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertCompany(context.Background(), store.Company{
		Name:           "Acme Corp",
		IndustrySector: "Technology",
		Environmental:  62.5,
		Social:         55.0,
		Governance:     70.1,
		Overall:        62.5,
	})
	assert.NoError(t, err)
}

func TestAggregateBenchmark(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"environmental_score", "social_score", "governance_score", "overall_score", "coverage"}).
		AddRow(60.0, 50.0, 70.0, 60.0, `{"CSRD":50.0}`).
		AddRow(40.0, 45.0, 60.0, 48.3, `{"CSRD":70.0}`).
		AddRow(80.0, 72.0, 75.0, 75.7, `{"GRI":30.0}`)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE industry_sector = $1")).
		WithArgs("Technology", 1000).
		WillReturnRows(rows)

	base, err := s.AggregateBenchmark(context.Background(), []string{"CSRD"}, "Technology")
	require.NoError(t, err)
	assert.Equal(t, int64(3), base.SampleSize)
	assert.Equal(t, 60.0, base.Environmental)
	assert.Equal(t, 50.0, base.Social)
	assert.Equal(t, 70.0, base.Governance)
	assert.Equal(t, 60.0, base.Overall)
	assert.Equal(t, map[string]float64{"CSRD": 60.0}, base.Coverage)
}

func TestAggregateBenchmark_Empty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT $1")).
		WithArgs(1000).
		WillReturnRows(sqlmock.NewRows([]string{"environmental_score", "social_score", "governance_score", "overall_score", "coverage"}))

	base, err := s.AggregateBenchmark(context.Background(), []string{"CSRD"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), base.SampleSize)
}

func TestWithRetry_TransientThenSuccess(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("uid-1", "jane@example.com", "free", int64(0), "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.CreateUser(context.Background(), store.User{ID: "uid-1", Email: "jane@example.com", Tier: tiers.TierFree})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetry_NonTransientFailsFast(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: "23502"})

	err := s.CreateUser(context.Background(), store.User{ID: "uid-1", Email: "jane@example.com"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
