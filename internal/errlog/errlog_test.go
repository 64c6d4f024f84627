package errlog

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintCollapsesVariableFragments(t *testing.T) {
	a := Fingerprint("screenshot", "timeout",
		"navigation to https://example.com/page?id=123 timed out after 10s at 2024-05-01T12:00:00Z")
	b := Fingerprint("screenshot", "timeout",
		"navigation to https://other.org/different timed out after 30s at 2025-01-15T08:30:45Z")
	assert.Equal(t, a, b)
}

func TestFingerprintCollapsesUUIDs(t *testing.T) {
	a := Fingerprint("pool", "stale",
		"worker 3f1a2b3c-4d5e-6f70-8192-a3b4c5d6e7f8 session dead")
	b := Fingerprint("pool", "stale",
		"worker 00000000-1111-2222-3333-444444444444 session dead")
	assert.Equal(t, a, b)
}

func TestFingerprintCollapsesBareNumbers(t *testing.T) {
	a := Fingerprint("scrape", "extract", "found 3 elements, expected 10")
	b := Fingerprint("scrape", "extract", "found 999 elements, expected 1")
	assert.Equal(t, a, b)
}

func TestFingerprintIsCaseInsensitive(t *testing.T) {
	a := Fingerprint("links", "nav", "Connection Refused")
	b := Fingerprint("links", "nav", "connection refused")
	assert.Equal(t, a, b)
}

func TestFingerprintSeparatesOperationAndCode(t *testing.T) {
	base := Fingerprint("links", "timeout", "gave up")
	assert.NotEqual(t, base, Fingerprint("pdf", "timeout", "gave up"))
	assert.NotEqual(t, base, Fingerprint("links", "internal_error", "gave up"))
	assert.NotEqual(t, base, Fingerprint("links", "timeout", "different message"))
}

func TestRecordUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := New(db, zerolog.Nop())

	mock.ExpectExec("INSERT INTO error_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	l.Record(context.Background(), Entry{
		UserID:    "usr_1",
		Level:     "error",
		Source:    "pipeline",
		Operation: "screenshot",
		ErrorCode: "timeout",
		Message:   "navigation timed out after 10s",
		Context:   map[string]any{"url": "https://example.com"},
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSwallowsWriteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := New(db, zerolog.Nop())

	mock.ExpectExec("INSERT INTO error_logs").
		WillReturnError(assert.AnError)

	// Must not panic or propagate.
	l.Record(context.Background(), Entry{
		Level: "error", Source: "pipeline", Operation: "links",
		ErrorCode: "internal_error", Message: "boom",
	})
}
