// Package compress drives a compression of a session, or of a range of it,
// through the summarizer and records the result as a new version in the
// manifest.
//
// A compression holds the session's compression lock for its whole
// duration, summarizer call included. A concurrent request for the same
// session is rejected with an InProgress error rather than queued.
package compress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/artifact"
	"github.com/flemzord/strata/internal/decay"
	"github.com/flemzord/strata/internal/lock"
	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/metrics"
	"github.com/flemzord/strata/internal/part"
	"github.com/flemzord/strata/internal/source"
	"github.com/flemzord/strata/internal/summarize"
	"github.com/flemzord/strata/internal/telemetry"
	"github.com/flemzord/strata/internal/tokens"
)

// Request describes one compression.
type Request struct {
	ProjectID string
	SessionID string
	Settings  manifest.Settings

	// DeltaOnly compresses only the messages added since the latest part,
	// as a new part.
	DeltaOnly bool

	// PartNumber, when positive, re-compresses that existing part at the
	// level of Settings.
	PartNumber int
}

func (r Request) validate() error {
	var errs []error
	if err := manifest.ValidateProjectID(r.ProjectID); err != nil {
		errs = append(errs, err)
	}
	if err := manifest.ValidateSessionID(r.SessionID); err != nil {
		errs = append(errs, err)
	}
	if r.PartNumber < 0 {
		errs = append(errs, apperr.New(apperr.Validation, "compress", "part number must be positive, got %d", r.PartNumber))
	}
	if r.PartNumber > 0 && r.DeltaOnly {
		errs = append(errs, apperr.New(apperr.Validation, "compress", "delta mode and part re-compression are exclusive"))
	}
	if err := r.Settings.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return apperr.Wrap(apperr.Validation, "compress: request", err)
	}
	return nil
}

// Config tunes the orchestrator.
type Config struct {
	// MinDeltaMessages is the smallest range worth compressing.
	MinDeltaMessages int

	Decay decay.Model
}

func (c *Config) defaults() {
	if c.MinDeltaMessages <= 0 {
		c.MinDeltaMessages = part.MinDeltaMessages
	}
}

// Deps are the collaborators of an Orchestrator. Metrics and Logger are
// optional.
type Deps struct {
	Repo       *manifest.Repository
	Locks      *lock.Table
	Reader     source.Reader
	Summarizer summarize.Summarizer
	Artifacts  *artifact.Store
	Estimator  tokens.Estimator
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Orchestrator creates compression versions.
type Orchestrator struct {
	repo       *manifest.Repository
	locks      *lock.Table
	reader     source.Reader
	summarizer summarize.Summarizer
	artifacts  *artifact.Store
	estimator  tokens.Estimator
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	config     Config
	now        func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	cfg.defaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	estimator := deps.Estimator
	if estimator == nil {
		estimator = tokens.NewCharEstimator(0)
	}
	return &Orchestrator{
		repo:       deps.Repo,
		locks:      deps.Locks,
		reader:     deps.Reader,
		summarizer: deps.Summarizer,
		artifacts:  deps.Artifacts,
		estimator:  estimator,
		metrics:    deps.Metrics,
		logger:     logger.With("component", "compress"),
		tracer:     telemetry.Tracer(),
		config:     cfg,
		now:        time.Now,
	}
}

// Compress creates a new version. On any error the manifest is unchanged
// and the session lock is released.
func (o *Orchestrator) Compress(ctx context.Context, req Request) (rec *manifest.CompressionRecord, err error) {
	ctx, span := o.tracer.Start(ctx, "strata.compress", trace.WithAttributes(
		attribute.String("strata.project", req.ProjectID),
		attribute.String("strata.session", req.SessionID),
		attribute.Bool("strata.delta_only", req.DeltaOnly),
		attribute.Int("strata.part", req.PartNumber),
	))
	defer func() { telemetry.End(span, err) }()

	if err := req.validate(); err != nil {
		o.metrics.ObserveCompression(metrics.OutcomeRejected, 0, 0)
		return nil, err
	}

	key := lock.Key{Project: req.ProjectID, Session: req.SessionID, Op: lock.OpCompression}
	err = o.locks.Do(key, func() error {
		var runErr error
		rec, runErr = o.run(ctx, req)
		return runErr
	})
	if err != nil {
		o.metrics.ObserveCompression(outcome(err), 0, 0)
		o.logger.Info("compression not created",
			"project", req.ProjectID,
			"session", req.SessionID,
			"kind", apperr.KindOf(err),
			"error", err,
		)
		return nil, err
	}

	o.metrics.ObserveCompression(metrics.OutcomeOK, time.Duration(rec.DurationMS)*time.Millisecond, rec.Ratio)
	span.SetAttributes(
		attribute.String("strata.version", rec.VersionID),
		attribute.Float64("strata.ratio", rec.Ratio),
	)
	return rec, nil
}

// run is the body of Compress, called with the session lock held.
func (o *Orchestrator) run(ctx context.Context, req Request) (*manifest.CompressionRecord, error) {
	m, err := o.repo.Load(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	sess, err := m.Session(req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.LinkedPath == "" {
		return nil, apperr.New(apperr.SourceMissing, "compress", "session %s has no linked source", sess.ID)
	}
	all, err := o.reader.Read(ctx, sess.LinkedPath)
	if err != nil {
		return nil, err
	}

	t, err := o.plan(all, sess, req)
	if err != nil {
		return nil, err
	}
	t.delta.LogWarning(o.logger, req.ProjectID, req.SessionID)

	settings := req.Settings
	if settings.SessionDistance == 0 {
		settings.SessionDistance = sessionDistance(m, sess.ID)
	}

	skip := min(settings.SkipFirst, len(t.messages))
	verbatim, body := t.messages[:skip], t.messages[skip:]
	if len(body) == 0 {
		return nil, apperr.New(apperr.Validation, "compress",
			"skipFirst %d leaves nothing to summarize in %d messages", settings.SkipFirst, len(t.messages))
	}

	keep := o.evaluateMarkers(sess, verbatim, body, settings)

	started := o.now()
	res, err := o.summarizer.Summarize(ctx, summarize.Request{
		Messages: body,
		Settings: settings,
		Keep:     keep.spans,
	})
	elapsed := o.now().Sub(started)
	if err != nil {
		return nil, apperr.Wrap(apperr.SummarizerFailed, "compress: summarize", err)
	}
	if err := checkOutput(res.Messages); err != nil {
		return nil, err
	}

	output := make([]source.Message, 0, len(verbatim)+len(res.Messages))
	output = append(output, verbatim...)
	output = append(output, res.Messages...)

	inputTokens := tokens.Messages(o.estimator, t.messages)
	outputTokens := max(1, tokens.Messages(o.estimator, output))

	versionID := part.NextVersionID(sess, t.partNumber)
	name := artifact.VersionName(sess.ID, t.partNumber, versionID, settings, outputTokens)

	rec := manifest.CompressionRecord{
		VersionID:      versionID,
		Label:          artifact.Label(t.partNumber, settings, outputTokens),
		Artifact:       name,
		CreatedAt:      o.now().UTC(),
		Settings:       settings,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		InputMessages:  len(t.messages),
		OutputMessages: len(output),
		Ratio:          float64(inputTokens) / float64(outputTokens),
		DurationMS:     elapsed.Milliseconds(),
		KeepStats:      keep.stats,
		PartNumber:     t.partNumber,
		Level:          settings.Level(),
		FullSession:    t.full,
		Range:          t.rng,
	}
	if t.delta.IntegrityWarning != "" {
		rec.IntegrityNotes = []string{t.delta.IntegrityWarning}
	}

	if err := o.artifacts.PutMessages(req.ProjectID, name, output); err != nil {
		return nil, err
	}

	_, err = o.repo.Update(ctx, req.ProjectID, func(m *manifest.Manifest) error {
		s, err := m.Session(req.SessionID)
		if err != nil {
			return err
		}
		if id := part.ReserveVersionID(s, t.partNumber); id != versionID {
			return apperr.New(apperr.StaleManifest, "compress",
				"version %s of part %d was issued concurrently (next is %s)", versionID, t.partNumber, id)
		}
		s.Compressions = append(s.Compressions, rec)
		for id, preserved := range keep.decisions {
			if mk, ok := s.Marker(id); ok {
				mk.Survival = append(mk.Survival, manifest.MarkerSurvival{VersionID: versionID, Preserved: preserved})
			}
		}
		s.LastAccessedAt = rec.CreatedAt
		return nil
	})
	if err != nil {
		if delErr := o.artifacts.Delete(req.ProjectID, name); delErr != nil {
			o.logger.Warn("orphaned artifact", "project", req.ProjectID, "artifact", name, "error", delErr)
		}
		return nil, err
	}

	o.logger.Info("compression created",
		"project", req.ProjectID,
		"session", req.SessionID,
		"part", rec.PartNumber,
		"version", rec.VersionID,
		"level", rec.Level,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"ratio", rec.Ratio,
		"duration_ms", rec.DurationMS,
	)
	return &rec, nil
}

// DetectDelta reports the uncompressed suffix of a session without
// compressing it. It takes no lock.
func (o *Orchestrator) DetectDelta(ctx context.Context, projectID, sessionID string) (part.Delta, error) {
	m, err := o.repo.Load(ctx, projectID)
	if err != nil {
		return part.Delta{}, err
	}
	sess, err := m.Session(sessionID)
	if err != nil {
		return part.Delta{}, err
	}
	all, err := o.reader.Read(ctx, sess.LinkedPath)
	if err != nil {
		return part.Delta{}, err
	}
	return part.DetectDelta(all, sess)
}

// checkOutput rejects summarizer output that would break the version.
func checkOutput(msgs []source.Message) error {
	if len(msgs) == 0 {
		return apperr.New(apperr.SummarizerFailed, "compress", "summarizer returned no messages")
	}
	for i := range msgs {
		if msgs[i].UUID == "" {
			return apperr.New(apperr.SummarizerFailed, "compress", "summarizer output message %d has no uuid", i)
		}
	}
	return nil
}

// outcome maps an error to a metrics outcome label.
func outcome(err error) string {
	switch apperr.KindOf(err) {
	case apperr.Validation, apperr.InProgress, apperr.VersionExists,
		apperr.NoDelta, apperr.InsufficientMessages:
		return metrics.OutcomeRejected
	}
	return metrics.OutcomeFailed
}
