// Package device talks to an X4 e-reader over its local Wi-Fi HTTP server.
//
// Two firmware families are supported. They expose the same capabilities
// (list, create folder, upload, delete) through different endpoints, so a
// single HTTP client is parameterized by a protocol dialect chosen from the
// configured firmware.
package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Firmware identifies the protocol family the device speaks.
type Firmware string

const (
	Stock      Firmware = "stock"
	CrossPoint Firmware = "crosspoint"
)

// TargetFolder is the device folder uploads are placed in.
const TargetFolder = "send-to-x4"

const (
	// DefaultUploadTimeout bounds a single upload request.
	DefaultUploadTimeout = 30 * time.Second
	statusTimeout        = 3 * time.Second
)

// ParseFirmware accepts "stock" or "crosspoint" in any case.
func ParseFirmware(s string) (Firmware, error) {
	switch f := Firmware(strings.ToLower(strings.TrimSpace(s))); f {
	case Stock, CrossPoint:
		return f, nil
	}
	return "", fmt.Errorf("unknown firmware %q (want %q or %q)", s, Stock, CrossPoint)
}

// DefaultHost is the address the device uses on its own access point.
func (f Firmware) DefaultHost() string {
	if f == CrossPoint {
		return "192.168.4.1"
	}
	return "192.168.3.3"
}

// Target describes where and how to transfer a book.
type Target struct {
	Firmware      Firmware
	Host          string
	UploadTimeout time.Duration
}

// FailureClass categorizes an unsuccessful transfer.
type FailureClass string

const (
	FailureUnreachable FailureClass = "unreachable"
	FailureHTTP        FailureClass = "http"
	FailureTimeout     FailureClass = "timeout"
	FailureError       FailureClass = "error"
)

// Result is the outcome of one upload.
type Result struct {
	Success bool
	Failure FailureClass
	Error   string
	// Path is the device path of the uploaded file.
	Path string
}

// Entry is one item of a device directory listing.
type Entry struct {
	Name string `json:"name"`
	Dir  bool   `json:"dir"`
	Size int64  `json:"size,omitempty"`
}

// Client is the set of device operations the rest of the program uses.
type Client interface {
	// EnsureFolder reports whether TargetFolder exists or could be created.
	EnsureFolder(ctx context.Context) bool
	// UploadEpub prepares the folder and uploads data. Failures are
	// reported in the Result, never as an error.
	UploadEpub(ctx context.Context, data []byte, filename string) Result
	// ListFolder returns the .epub files in TargetFolder.
	ListFolder(ctx context.Context) ([]Entry, error)
	// DeleteFile removes name from TargetFolder.
	DeleteFile(ctx context.Context, name string) error
	// Status lists the device root with a short timeout.
	Status(ctx context.Context) ([]Entry, error)
}

// HTTPDoer abstracts http.Client.Do for testing.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// ErrInvalidName is returned for file names that are empty or contain a
// path separator.
var ErrInvalidName = errors.New("invalid file name")

// StatusError is returned when the device answers with a non-2xx status.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d", e.Op, e.Code)
}
