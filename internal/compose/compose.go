// Package compose builds compositions: concatenations of the best available
// version of each requested session (or of each of its parts) that fit a
// token budget. Compositions are recorded in the manifest with their
// lineage; sessions and versions are never modified.
package compose

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/artifact"
	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/metrics"
	"github.com/flemzord/strata/internal/source"
	"github.com/flemzord/strata/internal/telemetry"
	"github.com/flemzord/strata/internal/tokens"
)

// Version selectors besides explicit version ids.
const (
	// VersionOriginal uses the unmodified session messages.
	VersionOriginal = "original"

	// VersionAuto picks the best version; on a multi-part session it
	// behaves like VersionAutoParts.
	VersionAuto = "auto"

	// VersionAutoParts picks the best version of each part.
	VersionAutoParts = "auto-parts"
)

// Format is the shape of the composed output.
type Format string

// Output formats.
const (
	FormatJSONL      Format = "jsonl"
	FormatTranscript Format = "transcript"
)

func (f Format) ext() string {
	if f == FormatTranscript {
		return "md"
	}
	return "jsonl"
}

// ComponentRequest names one session of a composition.
type ComponentRequest struct {
	SessionID string

	// Version is an explicit version id, VersionOriginal, VersionAuto, or
	// VersionAutoParts. Empty means VersionAuto.
	Version string

	// Weight scales this component's share of the budget. Zero counts as 1.
	Weight float64
}

// Request describes a composition.
type Request struct {
	ProjectID   string
	Name        string
	Components  []ComponentRequest
	TotalBudget int
	Prefer      Preferences
	Format      Format
}

func (r *Request) normalize() error {
	var errs []error
	if err := manifest.ValidateProjectID(r.ProjectID); err != nil {
		errs = append(errs, err)
	}
	if len(r.Components) == 0 {
		errs = append(errs, errors.New("at least one component is required"))
	}
	if r.TotalBudget <= 0 {
		errs = append(errs, errors.New("total budget must be positive"))
	}
	if r.Prefer.Ratio < 0 {
		errs = append(errs, errors.New("preferred ratio must not be negative"))
	}
	switch r.Format {
	case "":
		r.Format = FormatJSONL
	case FormatJSONL, FormatTranscript:
	default:
		errs = append(errs, errors.New("unknown format "+string(r.Format)))
	}
	for i := range r.Components {
		c := &r.Components[i]
		if c.SessionID == "" {
			errs = append(errs, errors.New("component session id is required"))
		}
		if c.Weight < 0 {
			errs = append(errs, errors.New("component weight must not be negative"))
		}
		if c.Version == "" {
			c.Version = VersionAuto
		}
	}
	if err := errors.Join(errs...); err != nil {
		return apperr.Wrap(apperr.Validation, "compose: request", err)
	}
	return nil
}

// Config tunes the engine.
type Config struct {
	Score ScoreConfig
}

// Deps are the collaborators of an Engine. Metrics and Logger are optional.
type Deps struct {
	Repo      *manifest.Repository
	Reader    source.Reader
	Artifacts *artifact.Store
	Estimator tokens.Estimator
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Engine plans and builds compositions.
type Engine struct {
	repo      *manifest.Repository
	reader    source.Reader
	artifacts *artifact.Store
	estimator tokens.Estimator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	config    Config
	now       func() time.Time
	newID     func() string
}

// New creates an Engine.
func New(deps Deps, cfg Config) *Engine {
	cfg.Score.defaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	estimator := deps.Estimator
	if estimator == nil {
		estimator = tokens.NewCharEstimator(0)
	}
	return &Engine{
		repo:      deps.Repo,
		reader:    deps.Reader,
		artifacts: deps.Artifacts,
		estimator: estimator,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "compose"),
		tracer:    telemetry.Tracer(),
		config:    cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Compose selects versions, writes the composed output, and records the
// composition.
func (e *Engine) Compose(ctx context.Context, req Request) (comp *manifest.Composition, err error) {
	ctx, span := e.tracer.Start(ctx, "strata.compose", trace.WithAttributes(
		attribute.String("strata.project", req.ProjectID),
		attribute.Int("strata.components", len(req.Components)),
		attribute.Int("strata.budget", req.TotalBudget),
	))
	defer func() {
		telemetry.End(span, err)
		switch {
		case err == nil:
			e.metrics.ObserveComposition(metrics.OutcomeOK)
		case apperr.KindOf(err) == apperr.Internal:
			e.metrics.ObserveComposition(metrics.OutcomeFailed)
		default:
			e.metrics.ObserveComposition(metrics.OutcomeRejected)
		}
	}()

	plan, err := e.Plan(ctx, req)
	if err != nil {
		return nil, err
	}

	id := e.newID()
	comp = &manifest.Composition{
		ID:        id,
		Name:      req.Name,
		CreatedAt: e.now().UTC(),
		Budget:    req.TotalBudget,
		Format:    string(plan.format),
	}
	if comp.Name == "" {
		comp.Name = "composition-" + id[:min(8, len(id))]
	}

	var out []source.Message
	for _, sel := range plan.Selections {
		msgs, err := e.load(ctx, plan.manifest, sel)
		if err != nil {
			return nil, err
		}
		c := manifest.Component{
			SessionID:    sel.SessionID,
			Order:        sel.Order,
			MessageCount: len(msgs),
		}
		for _, ch := range sel.Parts {
			c.TokenContribution += ch.OutputTokens
		}
		if len(sel.Parts) == 1 && !sel.MultiPart {
			c.VersionID = sel.Parts[0].VersionID
		} else {
			for _, ch := range sel.Parts {
				c.VersionIDs = append(c.VersionIDs, ch.VersionID)
			}
		}
		comp.Components = append(comp.Components, c)
		comp.TotalTokens += c.TokenContribution
		comp.TotalMessages += len(msgs)
		out = append(out, msgs...)
	}

	comp.Artifact = artifact.CompositionName(id, plan.format.ext())
	data, err := render(out, plan.format)
	if err != nil {
		return nil, err
	}
	if err := e.artifacts.Put(req.ProjectID, comp.Artifact, data); err != nil {
		return nil, err
	}

	_, err = e.repo.Update(ctx, req.ProjectID, func(m *manifest.Manifest) error {
		if _, exists := m.Compositions[id]; exists {
			return apperr.New(apperr.Internal, "compose", "composition id %s already used", id)
		}
		m.Compositions[id] = comp
		return nil
	})
	if err != nil {
		if delErr := e.artifacts.Delete(req.ProjectID, comp.Artifact); delErr != nil {
			e.logger.Warn("orphaned composition artifact", "artifact", comp.Artifact, "error", delErr)
		}
		return nil, err
	}

	e.logger.Info("composition created",
		"project", req.ProjectID,
		"composition", id,
		"components", len(comp.Components),
		"total_tokens", comp.TotalTokens,
		"budget", req.TotalBudget,
	)
	return comp, nil
}

// load reads the messages of a selection in part order.
func (e *Engine) load(ctx context.Context, m *manifest.Manifest, sel Selection) ([]source.Message, error) {
	sess, err := m.Session(sel.SessionID)
	if err != nil {
		return nil, err
	}

	var out []source.Message
	var original []source.Message
	for _, ch := range sel.Parts {
		if ch.VersionID == VersionOriginal {
			if original == nil {
				if original, err = e.reader.Read(ctx, sess.LinkedPath); err != nil {
					return nil, err
				}
			}
			end := min(ch.Range.EndIndex, len(original))
			out = append(out, original[min(ch.Range.StartIndex, end):end]...)
			continue
		}
		rec, ok := sess.Version(ch.VersionID)
		if !ok {
			return nil, apperr.New(apperr.VersionNotFound, "compose", "session %s has no version %s", sess.ID, ch.VersionID)
		}
		msgs, err := e.artifacts.Messages(ctx, m.ProjectID, rec.Artifact)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// render encodes the composed messages.
func render(msgs []source.Message, f Format) ([]byte, error) {
	var b strings.Builder
	if f == FormatTranscript {
		for _, m := range msgs {
			b.WriteString("### ")
			b.WriteString(m.Role)
			if !m.Timestamp.IsZero() {
				b.WriteString(" (" + m.Timestamp.UTC().Format(time.RFC3339) + ")")
			}
			b.WriteString("\n\n")
			b.WriteString(strings.TrimSpace(m.Text))
			b.WriteString("\n\n")
		}
		return []byte(b.String()), nil
	}
	if err := source.Encode(&b, msgs); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "compose: render", err)
	}
	return []byte(b.String()), nil
}

// List returns a project's compositions, oldest first.
func (e *Engine) List(ctx context.Context, projectID string) ([]*manifest.Composition, error) {
	m, err := e.repo.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]*manifest.Composition, 0, len(m.Compositions))
	for _, c := range m.Compositions {
		out = append(out, c)
	}
	sortCompositions(out)
	return out, nil
}

// RecordUsage notes that consumerSessionID was seeded from a composition.
// Recording the same consumer twice is a no-op.
func (e *Engine) RecordUsage(ctx context.Context, projectID, compositionID, consumerSessionID string) error {
	if err := manifest.ValidateSessionID(consumerSessionID); err != nil {
		return err
	}
	_, err := e.repo.Update(ctx, projectID, func(m *manifest.Manifest) error {
		c, err := m.Composition(compositionID)
		if err != nil {
			return err
		}
		for _, id := range c.UsedBy {
			if id == consumerSessionID {
				return nil
			}
		}
		c.UsedBy = append(c.UsedBy, consumerSessionID)
		return nil
	})
	return err
}

// Delete removes a composition and its output.
func (e *Engine) Delete(ctx context.Context, projectID, compositionID string) error {
	var name string
	_, err := e.repo.Update(ctx, projectID, func(m *manifest.Manifest) error {
		c, err := m.Composition(compositionID)
		if err != nil {
			return err
		}
		name = c.Artifact
		delete(m.Compositions, compositionID)
		return nil
	})
	if err != nil {
		return err
	}
	return e.artifacts.Delete(projectID, name)
}
