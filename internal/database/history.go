package database

import (
	"context"

	"github.com/TobiSchelling/x4send/internal/article"
	"github.com/TobiSchelling/x4send/internal/transfer"
)

// Record stores a finished send. It satisfies transfer.Recorder.
func (db *DB) Record(_ context.Context, a article.Article, o transfer.Outcome) error {
	_, err := db.InsertSend(SendFromOutcome(a, o))
	return err
}

// SendFromOutcome flattens an orchestrator outcome into a history row.
func SendFromOutcome(a article.Article, o transfer.Outcome) Send {
	s := Send{
		Filename:   o.Filename,
		Title:      a.Title,
		SourceURL:  a.SourceURL,
		Firmware:   string(o.Target.Firmware),
		Host:       o.Target.Host,
		Size:       int64(o.Size),
		LocalPath:  o.LocalPath,
		DurationMS: o.Duration.Milliseconds(),
	}
	switch o.Disposition {
	case transfer.Uploaded:
		s.Outcome = OutcomeUploaded
	case transfer.Downloaded:
		s.Outcome = OutcomeDownloaded
	default:
		s.Outcome = OutcomeFailed
	}
	if o.Upload != nil {
		if o.Upload.Success {
			s.DevicePath = o.Upload.Path
		} else {
			s.FailureClass = string(o.Upload.Failure)
			s.UploadError = o.Upload.Error
		}
	}
	if s.UploadError == "" && o.Err != nil {
		s.UploadError = o.Err.Error()
	}
	return s
}
