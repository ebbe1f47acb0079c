package database

// Send outcomes.
const (
	OutcomeUploaded   = "uploaded"
	OutcomeDownloaded = "downloaded"
	OutcomeFailed     = "failed"
)

// Send is one row of send history. EPUB bytes are never stored.
type Send struct {
	ID           int64
	Filename     string
	Title        string
	SourceURL    string
	Firmware     string
	Host         string
	Size         int64
	Outcome      string
	FailureClass string
	UploadError  string
	DevicePath   string
	LocalPath    string
	DurationMS   int64
	CreatedAt    string
}

// Stats summarizes the send history.
type Stats struct {
	Total      int
	Uploaded   int
	Downloaded int
	Failed     int
	Bytes      int64
}
