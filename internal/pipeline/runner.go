// ABOUTME: Pipeline runner: admission, worker pool, retries, recovery
// ABOUTME: Drives documents through the state machine to indexed or review

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gomaslegal/lexengine/internal/config"
	"github.com/gomaslegal/lexengine/internal/logger"
	"github.com/gomaslegal/lexengine/internal/metrics"
	"github.com/gomaslegal/lexengine/internal/notify"
	"github.com/gomaslegal/lexengine/internal/ocr"
	"github.com/gomaslegal/lexengine/internal/watcher"
	"github.com/gomaslegal/lexengine/pkg/classify"
	"github.com/gomaslegal/lexengine/pkg/document"
	"github.com/gomaslegal/lexengine/pkg/fingerprint"
	"github.com/gomaslegal/lexengine/pkg/index"
	"github.com/gomaslegal/lexengine/pkg/query"
	"github.com/gomaslegal/lexengine/pkg/store"
)

// OCRClient abstracts the OCR service so tests can stand in for it.
type OCRClient interface {
	Process(ctx context.Context, path string) (*ocr.Result, error)
}

// Classifier abstracts classification.
type Classifier interface {
	Classify(text string) classify.Outcome
}

// Runner owns the document pipeline. Admissions come in from the
// watcher; each document is driven through OCR, normalization,
// classification and indexing by a bounded worker pool, with
// per-document serialization and attempt-capped retries.
type Runner struct {
	cfg        *config.Config
	store      *store.Store
	trees      *index.TreeStore
	builder    *index.Builder
	ocr        OCRClient
	classifier Classifier
	notifier   *notify.Notifier
	artifacts  *Artifacts
	log        *logger.Logger
	metrics    *metrics.Metrics
}

// New wires a runner from its collaborators.
func New(cfg *config.Config, s *store.Store, trees *index.TreeStore, builder *index.Builder,
	ocrClient OCRClient, classifier Classifier, notifier *notify.Notifier,
	artifacts *Artifacts, log *logger.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		cfg:        cfg,
		store:      s,
		trees:      trees,
		builder:    builder,
		ocr:        ocrClient,
		classifier: classifier,
		notifier:   notifier,
		artifacts:  artifacts,
		log:        log.Component("pipeline"),
		metrics:    m,
	}
}

// Run recovers in-flight documents, then consumes admissions until the
// context is cancelled or the admission channel closes.
func (r *Runner) Run(ctx context.Context, admissions <-chan watcher.Admission) error {
	if err := r.Recover(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case adm, ok := <-admissions:
					if !ok {
						return nil
					}
					r.metrics.QueueDepth.Set(float64(len(admissions)))
					// Taking ownership: a re-drop of the same path may now
					// start its own stabilization.
					adm.Release()
					r.handleAdmission(ctx, adm)
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Recover resumes every document the last run left mid-pipeline. The
// store is the source of truth: anything in a processing or error
// state is picked up where it stopped.
func (r *Runner) Recover(ctx context.Context) error {
	docs, err := r.store.ListByStates(ctx,
		document.StateStabilizing, document.StateHashing,
		document.StateOCR, document.StateNormalizing,
		document.StateClassifying, document.StateIndexing,
		document.StateError)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}
	if len(docs) == 0 {
		return nil
	}
	r.log.Info().Int("count", len(docs)).Msg("Recovering in-flight documents")

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			if err := r.resume(ctx, doc); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error().Err(err).Str("doc", doc.ID).Msg("Recovery failed")
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) resume(ctx context.Context, doc *document.Document) error {
	switch doc.State {
	case document.StateStabilizing:
		if err := r.store.Transition(ctx, doc.ID, document.StateStabilizing, document.StateHashing); err != nil {
			return err
		}
		fallthrough
	case document.StateHashing:
		if err := r.store.Transition(ctx, doc.ID, document.StateHashing, document.StateOCR); err != nil {
			return err
		}
	case document.StateError:
		// Return to the stage that failed last.
		at := document.StateOCR
		if len(doc.ErrorHistory) > 0 {
			if s, ok := stateForStage(doc.ErrorHistory[len(doc.ErrorHistory)-1].Stage); ok {
				at = s
			}
		}
		if err := r.store.Transition(ctx, doc.ID, document.StateError, at); err != nil {
			return err
		}
	}
	return r.process(ctx, doc.ID)
}

// handleAdmission registers a stabilized file and runs its pipeline.
// Duplicates by fingerprint are rejected, except when the existing
// document is stuck in error or review: re-dropping a failed file is
// the operator's way of asking for another run.
func (r *Runner) handleAdmission(ctx context.Context, adm watcher.Admission) {
	log := r.log
	fp, err := fingerprint.File(adm.Path)
	if err != nil {
		log.Error().Err(err).Str("path", adm.Path).Msg("Fingerprint failed")
		return
	}
	id := fingerprint.DocumentID(fp)
	log = log.Document(id)

	if existing, err := r.store.GetByFingerprint(ctx, fp); err == nil {
		r.handleRedrop(ctx, existing, adm)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Error().Err(err).Msg("Fingerprint lookup failed")
		return
	}

	doc := &document.Document{
		ID:               id,
		Fingerprint:      fp,
		SourcePath:       adm.Path,
		OriginalFilename: filepath.Base(adm.Path),
		State:            document.StateStabilizing,
	}
	if err := r.store.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			r.metrics.DuplicatesTotal.Inc()
			return
		}
		log.Error().Err(err).Msg("Registration failed")
		return
	}
	log.Info().Str("file", doc.OriginalFilename).Msg("Document registered")
	r.publish(ctx, id)

	if err := r.admitChecks(ctx, doc, adm); err != nil {
		log.Warn().Err(err).Msg("Admission checks routed document to review")
		return
	}

	if err := r.process(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Pipeline run failed")
	}
}

func (r *Runner) handleRedrop(ctx context.Context, existing *document.Document, adm watcher.Admission) {
	log := r.log.Document(existing.ID)
	switch existing.State {
	case document.StateReview:
		if err := r.store.Resubmit(ctx, existing.ID, document.StateOCR); err != nil {
			log.Error().Err(err).Msg("Redrop resubmit failed")
			return
		}
		log.Info().Msg("Re-dropped reviewed document, retrying")
		r.publish(ctx, existing.ID)
		r.updateReviewGauge(ctx)
		if err := r.process(ctx, existing.ID); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Pipeline run failed")
		}
	case document.StateError:
		if err := r.resume(ctx, existing); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Redrop resume failed")
		}
	default:
		r.metrics.DuplicatesTotal.Inc()
		_ = r.store.Audit(ctx, existing.ID, "duplicate",
			fmt.Sprintf("rejected re-drop of %s", filepath.Base(adm.Path)))
		log.Info().Str("path", adm.Path).Msg("Duplicate rejected")
	}
}

// admitChecks covers the hashing phase: flagged admissions and files
// that aren't PDFs go straight to review.
func (r *Runner) admitChecks(ctx context.Context, doc *document.Document, adm watcher.Admission) error {
	if err := r.store.Transition(ctx, doc.ID, document.StateStabilizing, document.StateHashing); err != nil {
		return err
	}

	var reason error
	switch {
	case adm.Empty:
		reason = Permanent("file is empty after pending timeout")
	default:
		if err := checkPDFMagic(doc.SourcePath); err != nil {
			reason = err
		}
	}
	if adm.TimedOut {
		_ = r.store.Audit(ctx, doc.ID, "unstable",
			"admitted on last observed content after pending timeout")
	}

	if reason != nil {
		_, _ = r.store.RecordError(ctx, doc.ID, document.ErrorRecord{
			Stage: "admission", Kind: Kind(reason), Message: reason.Error(), Attempt: 1,
		})
		if err := r.store.Transition(ctx, doc.ID, document.StateHashing, document.StateReview); err != nil {
			return err
		}
		r.metrics.DocumentsReviewed.Inc()
		r.updateReviewGauge(ctx)
		r.publish(ctx, doc.ID)
		return reason
	}

	if err := r.store.Transition(ctx, doc.ID, document.StateHashing, document.StateOCR); err != nil {
		return err
	}
	r.publish(ctx, doc.ID)
	return nil
}

func checkPDFMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return Transient("open %s: %v", path, err)
	}
	defer f.Close()
	head := make([]byte, 4)
	if _, err := f.Read(head); err != nil {
		return Permanent("read header of %s: %v", filepath.Base(path), err)
	}
	if string(head) != "%PDF" {
		return Permanent("%s is not a PDF (magic %q)", filepath.Base(path), head)
	}
	return nil
}

// process drives one document until it reaches a resting state. All
// work for the document runs under its store lock, so a re-drop racing
// an active run cannot interleave stage commits.
func (r *Runner) process(ctx context.Context, id string) error {
	return r.store.WithLock(id, func() error {
		r.metrics.DocumentsInFlight.Inc()
		defer r.metrics.DocumentsInFlight.Dec()

		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := r.store.GetDocument(ctx, id)
			if err != nil {
				return err
			}

			var stageErr error
			switch doc.State {
			case document.StateOCR:
				stageErr = r.stageOCR(ctx, doc)
			case document.StateNormalizing:
				stageErr = r.stageNormalize(ctx, doc)
			case document.StateClassifying:
				stageErr = r.stageClassify(ctx, doc)
			case document.StateIndexing:
				stageErr = r.stageIndex(ctx, doc)
			default:
				// indexed, review, discarded, or a state someone else
				// is responsible for.
				return nil
			}

			if stageErr == nil {
				continue
			}
			retry, err := r.fail(ctx, doc, stageErr)
			if err != nil {
				return err
			}
			if !retry {
				return nil
			}
		}
	})
}

// fail records a stage failure and decides between retry and review.
// Transient failures back off linearly and re-enter the same stage
// until the attempt budget is spent.
func (r *Runner) fail(ctx context.Context, doc *document.Document, stageErr error) (retry bool, err error) {
	stage := document.StageFor(doc.State)
	log := r.log.Document(doc.ID)

	prev, err := r.store.Attempts(ctx, doc.ID)
	if err != nil {
		return false, err
	}
	attempts, err := r.store.RecordError(ctx, doc.ID, document.ErrorRecord{
		Stage:   stage,
		Kind:    Kind(stageErr),
		Message: stageErr.Error(),
		Attempt: prev + 1,
	})
	if err != nil {
		return false, err
	}
	if err := r.store.Transition(ctx, doc.ID, doc.State, document.StateError); err != nil {
		return false, err
	}
	r.metrics.RecordStage(stage, "error", 0)
	r.publish(ctx, doc.ID)

	// MaxRetries is the retry budget on top of the first attempt: a
	// stage may fail transiently MaxRetries times and still succeed.
	if IsTransient(stageErr) && attempts <= r.cfg.MaxRetries {
		r.metrics.RetriesTotal.WithLabelValues(stage).Inc()
		log.Warn().Err(stageErr).Int("attempt", attempts).Str("stage", stage).Msg("Transient failure, retrying")

		backoff := time.Duration(attempts) * r.cfg.RetryBackoff
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}
		if err := r.store.Transition(ctx, doc.ID, document.StateError, doc.State); err != nil {
			return false, err
		}
		r.publish(ctx, doc.ID)
		return true, nil
	}

	log.Error().Err(stageErr).Str("stage", stage).Int("attempts", attempts).Msg("Routing document to review")
	if err := r.store.Transition(ctx, doc.ID, document.StateError, document.StateReview); err != nil {
		return false, err
	}
	r.metrics.DocumentsReviewed.Inc()
	r.updateReviewGauge(ctx)
	r.publish(ctx, doc.ID)
	return false, nil
}

// Resubmit returns a reviewed document to the pipeline and runs it.
func (r *Runner) Resubmit(ctx context.Context, id string, at document.State) error {
	if err := r.store.Resubmit(ctx, id, at); err != nil {
		return err
	}
	r.updateReviewGauge(ctx)
	r.publish(ctx, id)
	return r.process(ctx, id)
}

// Discard drops a reviewed document and removes its artifacts.
func (r *Runner) Discard(ctx context.Context, id, reason string) error {
	if err := r.store.Discard(ctx, id, reason); err != nil {
		return err
	}
	r.updateReviewGauge(ctx)
	r.publish(ctx, id)
	return r.artifacts.Remove(id)
}

func (r *Runner) publish(ctx context.Context, id string) {
	doc, err := r.store.GetDocument(ctx, id)
	if err != nil {
		return
	}
	docType := ""
	if doc.Classification != nil {
		docType = doc.Classification.Type
	}
	r.notifier.Publish(doc.ID, doc.State, doc.OriginalFilename, docType)
}

func (r *Runner) updateReviewGauge(ctx context.Context) {
	if n, err := r.store.CountReview(ctx); err == nil {
		r.metrics.ReviewQueueSize.Set(float64(n))
	}
}

func stateForStage(stage string) (document.State, bool) {
	switch stage {
	case "ocr":
		return document.StateOCR, true
	case "normalize":
		return document.StateNormalizing, true
	case "classify":
		return document.StateClassifying, true
	case "index":
		return document.StateIndexing, true
	}
	return "", false
}

// TextSource adapts the store and artifact layout into the query
// engine's text loader: a document's text is its latest normalize
// output.
func TextSource(s *store.Store, a *Artifacts) query.TextSource {
	return func(ctx context.Context, docID string) (string, error) {
		doc, err := s.GetDocument(ctx, docID)
		if err != nil {
			return "", err
		}
		path, ok := doc.StageOutputs["normalize"]
		if !ok {
			return "", fmt.Errorf("document %s has no normalized text", docID)
		}
		data, err := a.Read(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
