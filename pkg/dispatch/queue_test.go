package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewQueue(db), mock
}

func TestQueue_Enqueue(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectQuery("INSERT INTO dispatch").
		WithArgs((*int64)(nil), "sale.order", int64(42), "create", "sub-1", []byte("{}"), "high", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := q.Enqueue(context.Background(), EnqueueInput{
		Model: "sale.order", RecordID: 42, Op: "create", SubscriberID: "sub-1",
		Payload: map[string]interface{}{}, Priority: "high",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_SelectForWork(t *testing.T) {
	q, mock := newTestQueue(t)
	rows := sqlmock.NewRows([]string{
		"id", "event_log_id", "model", "record_id", "op", "subscriber_id", "payload", "priority", "status",
		"retry_count", "max_retries", "next_retry_at", "error_kind", "error_code", "error_message",
		"sent_at", "response_code", "processing_started_at", "timestamp", "created_at",
	}).AddRow(1, nil, "sale.order", 42, "create", "sub-1", []byte(`{}`), "high", "pending",
		0, 5, nil, "", 0, "", nil, nil, nil, time.Now(), time.Now())

	mock.ExpectQuery("SELECT (.|\n)*FROM dispatch").WithArgs(10).WillReturnRows(rows)

	records, err := q.SelectForWork(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StatusPending, records[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_TryTransition_Succeeds(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectExec("UPDATE dispatch SET status").
		WithArgs(int64(1), "pending", "processing").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := q.TryTransition(context.Background(), 1, StatusPending, StatusProcessing)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueue_TryTransition_LostRace(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectExec("UPDATE dispatch SET status").
		WithArgs(int64(1), "pending", "processing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := q.TryTransition(context.Background(), 1, StatusPending, StatusProcessing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_MarkSent(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectExec("UPDATE dispatch SET status = 'sent'").
		WithArgs(int64(1), 200).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.MarkSent(context.Background(), 1, 200)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_ScheduleRetry(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectExec("UPDATE dispatch SET status = 'failed', retry_count").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.ScheduleRetry(context.Background(), 1, 2, time.Now().Add(time.Minute), ErrorInfo{Kind: "timeout", Message: "timed out"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_MarkDead_InsertsDeadLetterInSameTransaction(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE dispatch SET status = 'dead'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO dead_letters").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := q.MarkDead(context.Background(), 1, 5, ErrorInfo{Kind: "http_5xx", Code: 503, Message: "unavailable"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_MarkDead_RollsBackOnInsertFailure(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE dispatch SET status = 'dead'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO dead_letters").WillReturnError(assertErr)
	mock.ExpectRollback()

	err := q.MarkDead(context.Background(), 1, 5, ErrorInfo{Kind: "other", Message: "boom"})
	require.Error(t, err)
}

func TestQueue_Postpone(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectExec("UPDATE dispatch SET status = 'failed', next_retry_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.Postpone(context.Background(), 1, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_ReclaimStuck(t *testing.T) {
	q, mock := newTestQueue(t)
	mock.ExpectExec("UPDATE dispatch SET status = 'pending'").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := q.ReclaimStuck(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var assertErr = errTest("insert failed")

type errTest string

func (e errTest) Error() string { return string(e) }
