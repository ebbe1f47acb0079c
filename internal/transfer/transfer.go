// Package transfer runs a send: build the EPUB, upload it to the device and
// fall back to saving it locally when the upload does not succeed.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TobiSchelling/x4send/internal/article"
	"github.com/TobiSchelling/x4send/internal/device"
	"github.com/TobiSchelling/x4send/internal/epub"
)

// State is a progress stage of a send.
type State string

const (
	StateGenerating  State = "generating"
	StateUploading   State = "uploading"
	StateSuccess     State = "success"
	StateDownloading State = "downloading"
	StateDownloaded  State = "downloaded"
	StateFailed      State = "failed"
)

// Event is one progress notification.
type Event struct {
	State    State
	Message  string
	Filename string
}

// Observer receives progress notifications. Errors returned by observers
// are logged and otherwise ignored.
type Observer interface {
	Notify(ctx context.Context, ev Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event) error

func (f ObserverFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Builder produces the EPUB bytes and file name for an article.
type Builder interface {
	Build(a article.Article) ([]byte, error)
	Filename(a article.Article) string
}

// Deliverer saves a file on the local machine and returns where it went.
type Deliverer interface {
	Deliver(ctx context.Context, data []byte, filename, mimeType string) (string, error)
}

// TargetSource resolves the device target. It is consulted on every send
// so configuration changes apply without a restart.
type TargetSource interface {
	Target() (device.Target, error)
}

// TargetFunc adapts a function to TargetSource.
type TargetFunc func() (device.Target, error)

func (f TargetFunc) Target() (device.Target, error) { return f() }

// ClientFactory creates the device client for a resolved target.
type ClientFactory func(device.Target) device.Client

// Recorder stores the outcome of a finished send.
type Recorder interface {
	Record(ctx context.Context, a article.Article, o Outcome) error
}

// Disposition is where the book ended up.
type Disposition string

const (
	Uploaded   Disposition = "uploaded"
	Downloaded Disposition = "downloaded"
	Failed     Disposition = "failed"
)

// StepResult holds the result of a single send step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Outcome is the terminal result of Send or Download.
type Outcome struct {
	Disposition Disposition
	Filename    string
	Size        int
	Target      device.Target
	// Upload is nil when no upload was attempted.
	Upload    *device.Result
	LocalPath string
	Err       error
	Steps     []StepResult
	Duration  time.Duration
}

// OK reports whether the user ended up with the book, on the device or
// locally.
func (o Outcome) OK() bool { return o.Disposition != Failed }

// Message is a one-line summary for the user.
func (o Outcome) Message() string {
	switch o.Disposition {
	case Uploaded:
		return "Sent to X4!"
	case Downloaded:
		return "EPUB downloaded"
	}
	if o.Err != nil {
		return o.Err.Error()
	}
	return "send failed"
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClientFactory overrides how device clients are created.
func WithClientFactory(f ClientFactory) Option {
	return func(o *Orchestrator) { o.newClient = f }
}

// WithRecorder records every finished send.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithObserver registers a progress observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// Orchestrator sequences one send at a time. It holds no per-send state.
type Orchestrator struct {
	builder   Builder
	deliverer Deliverer
	targets   TargetSource
	newClient ClientFactory
	recorder  Recorder
	observers []Observer
	log       *slog.Logger
	now       func() time.Time
}

// New creates an orchestrator.
func New(builder Builder, deliverer Deliverer, targets TargetSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		builder:   builder,
		deliverer: deliverer,
		targets:   targets,
		log:       slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.newClient == nil {
		log := o.log
		o.newClient = func(t device.Target) device.Client { return device.New(t, log) }
	}
	return o
}

// Send builds the EPUB once, tries the device, and saves the same bytes
// locally if the upload fails for any reason. A build failure ends the send
// without touching the network or the disk.
func (o *Orchestrator) Send(ctx context.Context, a article.Article) Outcome {
	start := o.now()
	out := Outcome{}

	o.notify(ctx, Event{State: StateGenerating, Message: "Creating EPUB..."})
	data, filename, step := o.generate(a)
	out.Steps = append(out.Steps, step)
	if step.Err != nil {
		return o.finish(ctx, a, out, start, step.Err)
	}
	out.Filename, out.Size = filename, len(data)

	o.notify(ctx, Event{State: StateUploading, Message: "Sending to X4...", Filename: filename})
	res, step := o.upload(ctx, data, filename, &out)
	out.Steps = append(out.Steps, step)
	out.Upload = &res
	if res.Success {
		out.Disposition = Uploaded
		o.log.Info("sent to device", "file", filename, "path", res.Path)
		o.notify(ctx, Event{State: StateSuccess, Message: out.Message(), Filename: filename})
		return o.finish(ctx, a, out, start, nil)
	}

	o.log.Warn("upload failed, saving locally", "class", string(res.Failure), "error", res.Error)
	o.notify(ctx, Event{State: StateDownloading, Message: "Downloading (X4 upload failed)...", Filename: filename})
	return o.deliver(ctx, a, data, out, start)
}

// Download builds the EPUB and saves it locally without contacting the
// device.
func (o *Orchestrator) Download(ctx context.Context, a article.Article) Outcome {
	start := o.now()
	out := Outcome{}

	o.notify(ctx, Event{State: StateGenerating, Message: "Creating EPUB..."})
	data, filename, step := o.generate(a)
	out.Steps = append(out.Steps, step)
	if step.Err != nil {
		return o.finish(ctx, a, out, start, step.Err)
	}
	out.Filename, out.Size = filename, len(data)

	o.notify(ctx, Event{State: StateDownloading, Message: "Downloading...", Filename: filename})
	return o.deliver(ctx, a, data, out, start)
}

// generate recovers a panic from the builder and reports it as a build
// failure.
func (o *Orchestrator) generate(a article.Article) (data []byte, filename string, step StepResult) {
	step.Name = "Generate"
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("panic while building epub", "panic", r)
			data, filename = nil, ""
			step.Err = fmt.Errorf("%w: panic: %v", epub.ErrBuild, r)
		}
	}()

	data, err := o.builder.Build(a)
	if err != nil {
		if !errors.Is(err, epub.ErrBuild) {
			err = fmt.Errorf("%w: %v", epub.ErrBuild, err)
		}
		step.Err = err
		return nil, "", step
	}
	filename = o.builder.Filename(a)
	step.Summary = fmt.Sprintf("Built %s (%d bytes)", filename, len(data))
	return data, filename, step
}

func (o *Orchestrator) upload(ctx context.Context, data []byte, filename string, out *Outcome) (device.Result, StepResult) {
	step := StepResult{Name: "Upload"}

	target, err := o.targets.Target()
	if err != nil {
		res := device.Result{Failure: device.FailureError, Error: fmt.Sprintf("resolving device target: %v", err)}
		step.Err = errors.New(res.Error)
		return res, step
	}
	out.Target = target

	res := o.newClient(target).UploadEpub(ctx, data, filename)
	if res.Success {
		step.Summary = fmt.Sprintf("Uploaded to %s:%s", target.Host, res.Path)
	} else {
		step.Err = fmt.Errorf("%s: %s", res.Failure, res.Error)
	}
	return res, step
}

func (o *Orchestrator) deliver(ctx context.Context, a article.Article, data []byte, out Outcome, start time.Time) Outcome {
	step := StepResult{Name: "Download"}
	path, err := o.deliverer.Deliver(ctx, data, out.Filename, epub.MimeType)
	if err != nil {
		step.Err = err
		out.Steps = append(out.Steps, step)
		return o.finish(ctx, a, out, start, err)
	}
	step.Summary = "Saved to " + path
	out.Steps = append(out.Steps, step)
	out.LocalPath = path
	out.Disposition = Downloaded

	o.notify(ctx, Event{State: StateDownloaded, Message: out.Message(), Filename: out.Filename})
	return o.finish(ctx, a, out, start, nil)
}

func (o *Orchestrator) finish(ctx context.Context, a article.Article, out Outcome, start time.Time, err error) Outcome {
	if err != nil {
		out.Disposition = Failed
		out.Err = err
		o.log.Error("send failed", "error", err)
		o.notify(ctx, Event{State: StateFailed, Message: err.Error(), Filename: out.Filename})
	}
	out.Duration = o.now().Sub(start)

	if o.recorder != nil {
		if rerr := o.recorder.Record(context.WithoutCancel(ctx), a, out); rerr != nil {
			o.log.Warn("recording send failed", "error", rerr)
		}
	}
	return out
}

func (o *Orchestrator) notify(ctx context.Context, ev Event) {
	for _, obs := range o.observers {
		o.notifyOne(ctx, obs, ev)
	}
}

func (o *Orchestrator) notifyOne(ctx context.Context, obs Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Warn("observer panic ignored", "state", string(ev.State), "panic", r)
		}
	}()
	if err := obs.Notify(ctx, ev); err != nil {
		o.log.Debug("observer error ignored", "state", string(ev.State), "error", err)
	}
}
