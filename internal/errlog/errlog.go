// Package errlog is the deduplicating error log. Messages are normalized
// into a fingerprint so one recurring failure becomes one row with a
// counter, not thousands of rows.
package errlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Entry is one error occurrence to record.
type Entry struct {
	UserID     string
	Level      string // error, critical
	Source     string
	Operation  string
	ErrorCode  string
	StatusCode int
	Message    string
	StackTrace string
	Context    map[string]any
}

// Logger writes deduplicated entries to the error_logs table. Writers are
// idempotent by fingerprint, so concurrent logging of the same failure is
// safe.
type Logger struct {
	db  *sql.DB
	log zerolog.Logger
}

func New(db *sql.DB, log zerolog.Logger) *Logger {
	return &Logger{db: db, log: log.With().Str("component", "errlog").Logger()}
}

// Variable fragments scrubbed out of messages before hashing. Order
// matters: timestamps and UUIDs contain digits, so they go before the
// bare-number pass.
var (
	reTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	reUUID      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	reURL       = regexp.MustCompile(`https?://\S+`)
	reDuration  = regexp.MustCompile(`\d+(\.\d+)?\s?(ns|µs|us|ms|s|m|h)\b`)
	reNumber    = regexp.MustCompile(`\b\d+\b`)
)

// Fingerprint normalizes msg and hashes it together with the operation and
// error code. Two failures differing only in ids, URLs or timings collapse
// to the same fingerprint.
func Fingerprint(operation, errorCode, msg string) string {
	norm := reTimestamp.ReplaceAllString(msg, "<ts>")
	norm = reUUID.ReplaceAllString(norm, "<uuid>")
	norm = reURL.ReplaceAllString(norm, "<url>")
	norm = reDuration.ReplaceAllString(norm, "<dur>")
	norm = reNumber.ReplaceAllString(norm, "<n>")
	norm = strings.ToLower(strings.TrimSpace(norm))

	sum := sha256.Sum256([]byte(operation + "|" + errorCode + "|" + norm))
	return hex.EncodeToString(sum[:])
}

// Record upserts one entry: first occurrence inserts a row, repeats bump
// occurrence_count and last_occurrence. Failures to log are logged and
// swallowed; the error path must never fail because the log did.
func (l *Logger) Record(ctx context.Context, e Entry) {
	fp := Fingerprint(e.Operation, e.ErrorCode, e.Message)

	ctxJSON, err := json.Marshal(e.Context)
	if err != nil || e.Context == nil {
		ctxJSON = []byte("{}")
	}

	var statusCode any
	if e.StatusCode != 0 {
		statusCode = e.StatusCode
	}
	var userID any
	if e.UserID != "" {
		userID = e.UserID
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO error_logs
			(id, fingerprint, user_id, level, source, operation, status_code,
			 message, stack_trace, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		ON CONFLICT (fingerprint) DO UPDATE SET
			occurrence_count = error_logs.occurrence_count + 1,
			last_occurrence  = NOW(),
			message          = EXCLUDED.message,
			context          = EXCLUDED.context`,
		uuid.New().String(), fp, userID, e.Level, e.Source, e.Operation,
		statusCode, e.Message, e.StackTrace, ctxJSON)
	if err != nil {
		l.log.Error().Err(err).Str("fingerprint", fp).Msg("error log write failed")
	}
}

// RecordAsync records from a detached background goroutine so the caller's
// response is not delayed. Used for critical handler failures.
func (l *Logger) RecordAsync(e Entry) {
	go l.Record(context.Background(), e)
}
