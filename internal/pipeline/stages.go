// ABOUTME: The four processing stages: ocr, normalize, classify, index
// ABOUTME: Each commits its artifact and state advance in one store call

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomaslegal/lexengine/pkg/document"
	"github.com/gomaslegal/lexengine/pkg/normalize"
)

func (r *Runner) stageOCR(ctx context.Context, doc *document.Document) error {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StageTimeout)
	defer cancel()

	res, err := r.ocr.Process(sctx, doc.SourcePath)
	if err != nil {
		return fmt.Errorf("ocr %s: %w", doc.OriginalFilename, err)
	}

	attempt, err := r.nextAttempt(ctx, doc.ID)
	if err != nil {
		return err
	}
	path, err := r.artifacts.Write(doc.ID, "ocr", attempt, "md", []byte(res.Markdown))
	if err != nil {
		return fmt.Errorf("write ocr artifact: %w", err)
	}
	if err := r.store.SetPages(ctx, doc.ID, res.Pages); err != nil {
		return err
	}
	if err := r.store.AdvanceStage(ctx, doc.ID, document.StateOCR, document.StateNormalizing, "ocr", path); err != nil {
		return err
	}

	r.metrics.RecordStage("ocr", "ok", time.Since(start))
	r.log.LogStage(doc.ID, "ocr", attempt, time.Since(start), nil)
	r.publish(ctx, doc.ID)
	return nil
}

func (r *Runner) stageNormalize(ctx context.Context, doc *document.Document) error {
	start := time.Now()

	raw, err := r.readStageOutput(doc, "ocr")
	if err != nil {
		return err
	}
	res := normalize.Clean(string(raw))
	if res.Text == "" {
		return Permanent("document %s normalized to nothing", doc.ID)
	}

	attempt, err := r.nextAttempt(ctx, doc.ID)
	if err != nil {
		return err
	}
	path, err := r.artifacts.Write(doc.ID, "normalize", attempt, "md", []byte(res.Text))
	if err != nil {
		return fmt.Errorf("write normalize artifact: %w", err)
	}
	if err := r.store.AdvanceStage(ctx, doc.ID, document.StateNormalizing, document.StateClassifying, "normalize", path); err != nil {
		return err
	}

	if len(res.RecurringLines) > 0 {
		r.log.Document(doc.ID).Debug().Int("recurring", len(res.RecurringLines)).Msg("Removed recurring header lines")
	}
	r.metrics.RecordStage("normalize", "ok", time.Since(start))
	r.log.LogStage(doc.ID, "normalize", attempt, time.Since(start), nil)
	r.publish(ctx, doc.ID)
	return nil
}

func (r *Runner) stageClassify(ctx context.Context, doc *document.Document) error {
	start := time.Now()

	text, err := r.readStageOutput(doc, "normalize")
	if err != nil {
		return err
	}
	out := r.classifier.Classify(string(text))

	if err := r.store.UpdateClassification(ctx, doc.ID, out.Classification, out.Entities); err != nil {
		return err
	}

	attempt, err := r.nextAttempt(ctx, doc.ID)
	if err != nil {
		return err
	}
	blob, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	path, err := r.artifacts.Write(doc.ID, "classify", attempt, "json", blob)
	if err != nil {
		return fmt.Errorf("write classify artifact: %w", err)
	}

	if out.RequiresReview && !r.cfg.ForceIndex {
		r.log.Document(doc.ID).Warn().
			Str("type", out.Classification.Type).
			Float64("confidence", out.Classification.Confidence).
			Msg("Low-confidence classification, routing to review")
		_ = r.store.Audit(ctx, doc.ID, "review",
			fmt.Sprintf("classified %s at %.2f, below threshold", out.Classification.Type, out.Classification.Confidence))
		if err := r.store.Transition(ctx, doc.ID, document.StateClassifying, document.StateReview); err != nil {
			return err
		}
		r.metrics.RecordStage("classify", "review", time.Since(start))
		r.metrics.DocumentsReviewed.Inc()
		r.updateReviewGauge(ctx)
		r.publish(ctx, doc.ID)
		return nil
	}

	if err := r.store.AdvanceStage(ctx, doc.ID, document.StateClassifying, document.StateIndexing, "classify", path); err != nil {
		return err
	}
	r.metrics.RecordStage("classify", "ok", time.Since(start))
	r.log.LogStage(doc.ID, "classify", attempt, time.Since(start), nil)
	r.publish(ctx, doc.ID)
	return nil
}

func (r *Runner) stageIndex(ctx context.Context, doc *document.Document) error {
	start := time.Now()

	text, err := r.readStageOutput(doc, "normalize")
	if err != nil {
		return err
	}
	tree, err := r.builder.Build(ctx, doc.ID, string(text))
	if err != nil {
		return Permanent("build index for %s: %v", doc.ID, err)
	}
	if err := r.trees.Save(ctx, tree); err != nil {
		return fmt.Errorf("save index for %s: %w", doc.ID, err)
	}

	r.metrics.IndexNodesBuilt.Add(float64(len(tree.Nodes)))
	if tree.Fallback {
		r.metrics.IndexFallbackTotal.Inc()
		_ = r.store.Audit(ctx, doc.ID, "index_fallback", "no structure detected, flat index built")
	}

	if err := r.store.MarkIndexed(ctx, doc.ID, document.StateIndexing); err != nil {
		return err
	}
	r.metrics.RecordStage("index", "ok", time.Since(start))
	r.metrics.DocumentsIndexed.Inc()
	r.log.Document(doc.ID).Info().
		Int("nodes", len(tree.Nodes)).
		Bool("fallback", tree.Fallback).
		Msg("Document indexed")
	r.publish(ctx, doc.ID)
	return nil
}

// readStageOutput loads a prior stage's artifact. A missing artifact
// is permanent: retrying won't bring the file back, a human has to.
func (r *Runner) readStageOutput(doc *document.Document, stage string) ([]byte, error) {
	path, ok := doc.StageOutputs[stage]
	if !ok {
		return nil, Permanent("document %s missing %s output", doc.ID, stage)
	}
	data, err := r.artifacts.Read(path)
	if err != nil {
		return nil, Permanent("read %s artifact for %s: %v", stage, doc.ID, err)
	}
	return data, nil
}

// nextAttempt numbers the artifact for the attempt in progress.
// Attempts reset on every stage advance, so this counts failures of
// the current stage plus the run happening now.
func (r *Runner) nextAttempt(ctx context.Context, id string) (int, error) {
	n, err := r.store.Attempts(ctx, id)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}
