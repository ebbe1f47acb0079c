package database

import (
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var sendColumns = []string{
	"id", "filename", "title", "source_url", "firmware", "host", "size", "outcome",
	"failure_class", "upload_error", "device_path", "local_path", "duration_ms", "created_at",
}

// InsertSend records one send and returns its ID.
func (db *DB) InsertSend(s Send) (int64, error) {
	result, err := sq.Insert("sends").
		Columns("filename", "title", "source_url", "firmware", "host", "size", "outcome",
			"failure_class", "upload_error", "device_path", "local_path", "duration_ms").
		Values(s.Filename, s.Title, nullable(s.SourceURL), nullable(s.Firmware), nullable(s.Host), s.Size, s.Outcome,
			nullable(s.FailureClass), nullable(s.UploadError), nullable(s.DevicePath), nullable(s.LocalPath), s.DurationMS).
		RunWith(db.conn).
		Exec()
	if err != nil {
		return 0, fmt.Errorf("inserting send: %w", err)
	}
	return result.LastInsertId()
}

// SendFilter narrows RecentSends. Zero values match everything.
type SendFilter struct {
	Outcome string
	Limit   uint64
}

// RecentSends returns sends newest first.
func (db *DB) RecentSends(f SendFilter) ([]Send, error) {
	q := sq.Select(sendColumns...).From("sends").OrderBy("id DESC")
	if f.Outcome != "" {
		q = q.Where(sq.Eq{"outcome": f.Outcome})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	rows, err := q.RunWith(db.conn).Query()
	if err != nil {
		return nil, fmt.Errorf("querying sends: %w", err)
	}
	defer rows.Close()
	return scanSends(rows)
}

// SendStats counts sends by outcome.
func (db *DB) SendStats() (Stats, error) {
	rows, err := sq.Select("outcome", "COUNT(*)", "COALESCE(SUM(size), 0)").
		From("sends").
		GroupBy("outcome").
		RunWith(db.conn).
		Query()
	if err != nil {
		return Stats{}, fmt.Errorf("querying send stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var outcome string
		var n int
		var size int64
		if err := rows.Scan(&outcome, &n, &size); err != nil {
			return Stats{}, err
		}
		st.Total += n
		st.Bytes += size
		switch outcome {
		case OutcomeUploaded:
			st.Uploaded = n
		case OutcomeDownloaded:
			st.Downloaded = n
		case OutcomeFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

func scanSends(rows *sql.Rows) ([]Send, error) {
	var sends []Send
	for rows.Next() {
		var s Send
		var sourceURL, firmware, host, failureClass, uploadError, devicePath, localPath, createdAt sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Filename, &s.Title, &sourceURL, &firmware, &host, &s.Size, &s.Outcome,
			&failureClass, &uploadError, &devicePath, &localPath, &duration, &createdAt); err != nil {
			return nil, err
		}
		s.SourceURL = sourceURL.String
		s.Firmware = firmware.String
		s.Host = host.String
		s.FailureClass = failureClass.String
		s.UploadError = uploadError.String
		s.DevicePath = devicePath.String
		s.LocalPath = localPath.String
		s.DurationMS = duration.Int64
		s.CreatedAt = createdAt.String
		sends = append(sends, s)
	}
	return sends, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
