// ABOUTME: Pipeline integration tests with a stubbed OCR service
// ABOUTME: Happy path, retries, review routing, duplicates and resubmit

package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gomaslegal/lexengine/internal/config"
	"github.com/gomaslegal/lexengine/internal/logger"
	"github.com/gomaslegal/lexengine/internal/metrics"
	"github.com/gomaslegal/lexengine/internal/notify"
	"github.com/gomaslegal/lexengine/internal/ocr"
	"github.com/gomaslegal/lexengine/internal/watcher"
	"github.com/gomaslegal/lexengine/pkg/classify"
	"github.com/gomaslegal/lexengine/pkg/document"
	"github.com/gomaslegal/lexengine/pkg/index"
	"github.com/gomaslegal/lexengine/pkg/store"
)

const ocrMarkdown = `## Page 1

SENTENCIA DEFINITIVA

Expediente 457/2024

CONSIDERANDO PRIMERO. Este tribunal es competente.

## Page 2

Se RESUELVE: amparo concedido al quejoso.
`

const pipelineRules = `
- type: sentencia
  tags: [fallo]
  threshold: 0.6
  signals:
    - text: "sentencia definitiva"
      location: header
      weight: 0.5
    - text: "resuelve"
      weight: 0.3
`

type fakeOCR struct {
	mu       sync.Mutex
	failures int // fail this many calls before succeeding
	calls    int
	markdown string
}

func (f *fakeOCR) Process(ctx context.Context, path string) (*ocr.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, &ocr.APIError{StatusCode: 503, Body: "overloaded"}
	}
	return &ocr.Result{Markdown: f.markdown, Pages: 2, Model: "test"}, nil
}

type harness struct {
	cfg    *config.Config
	store  *store.Store
	runner *Runner
	ocr    *fakeOCR
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	base := t.TempDir()

	cfg := &config.Config{
		WatchDir:           filepath.Join(base, "in"),
		ArtifactDir:        filepath.Join(base, "artifacts"),
		DBPath:             filepath.Join(base, "state.db"),
		AcceptedExtensions: []string{".pdf"},
		Workers:            2,
		MaxRetries:         3,
		StageTimeout:       5 * time.Second,
		RetryBackoff:       time.Millisecond,
		RulesPath:          filepath.Join(base, "rules.yaml"),
	}
	if mutate != nil {
		mutate(cfg)
	}
	for _, dir := range []string{cfg.WatchDir, cfg.ArtifactDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
	}
	if err := os.WriteFile(cfg.RulesPath, []byte(pipelineRules), 0o644); err != nil {
		t.Fatalf("Failed to write rules: %v", err)
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	artifacts, err := NewArtifacts(cfg.ArtifactDir)
	if err != nil {
		t.Fatalf("Failed to create artifacts: %v", err)
	}
	rules, err := classify.NewRuleSource(cfg.RulesPath)
	if err != nil {
		t.Fatalf("Failed to load rules: %v", err)
	}

	log := logger.New(logger.Config{Level: "error", Output: io.Discard})
	m := metrics.NewWith(prometheus.NewRegistry())
	notifier := notify.New(func() ([]document.Snapshot, error) { return nil, nil }, log, m, 8)
	t.Cleanup(notifier.Close)

	fo := &fakeOCR{markdown: ocrMarkdown}
	runner := New(cfg, s, index.NewTreeStore(s.DB()), index.NewBuilder(),
		fo, classify.New(rules), notifier, artifacts, log, m)

	return &harness{cfg: cfg, store: s, runner: runner, ocr: fo}
}

func (h *harness) dropPDF(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.cfg.WatchDir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func (h *harness) onlyDoc(t *testing.T) *document.Document {
	t.Helper()
	snaps, err := h.store.ListSnapshots(context.Background())
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("Expected exactly one document, got %d", len(snaps))
	}
	doc, err := h.store.GetDocument(context.Background(), snaps[0].DocumentID)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	return doc
}

func TestPipelineHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	path := h.dropPDF(t, "sentencia.pdf", "%PDF-1.7 cuerpo del documento")
	h.runner.handleAdmission(ctx, watcher.Admission{Path: path})

	doc := h.onlyDoc(t)
	if doc.State != document.StateIndexed {
		t.Fatalf("Expected indexed, got %s (errors: %+v)", doc.State, doc.ErrorHistory)
	}
	if doc.Pages != 2 {
		t.Errorf("Pages not recorded: %d", doc.Pages)
	}
	if doc.Classification == nil || doc.Classification.Type != "sentencia" {
		t.Errorf("Classification missing: %+v", doc.Classification)
	}
	if len(doc.Entities.Dockets) == 0 {
		t.Errorf("Entities not extracted: %+v", doc.Entities)
	}
	if doc.IndexedAt.IsZero() {
		t.Error("indexed_at not set")
	}
	for _, stage := range []string{"ocr", "normalize", "classify"} {
		p, ok := doc.StageOutputs[stage]
		if !ok {
			t.Errorf("Missing %s output", stage)
			continue
		}
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Artifact %s missing on disk: %v", p, err)
		}
	}

	tree, err := h.runner.trees.Load(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Index tree not stored: %v", err)
	}
	if err := tree.Validate(); err != nil {
		t.Errorf("Stored tree invalid: %v", err)
	}

	// Normalized text is reachable through the query text source.
	text, err := TextSource(h.store, h.runner.artifacts)(ctx, doc.ID)
	if err != nil {
		t.Fatalf("TextSource failed: %v", err)
	}
	if !strings.Contains(text, "RESUELVE") {
		t.Errorf("Normalized text incomplete: %q", text)
	}
}

func TestPipelineRetriesTransientThenSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	// Spend the entire retry budget before succeeding.
	h.ocr.failures = h.cfg.MaxRetries

	path := h.dropPDF(t, "reintento.pdf", "%PDF-1.7 contenido")
	h.runner.handleAdmission(context.Background(), watcher.Admission{Path: path})

	doc := h.onlyDoc(t)
	if doc.State != document.StateIndexed {
		t.Fatalf("Expected indexed after retries, got %s", doc.State)
	}
	if h.ocr.calls != h.cfg.MaxRetries+1 {
		t.Errorf("Expected %d OCR calls, got %d", h.cfg.MaxRetries+1, h.ocr.calls)
	}
	if len(doc.ErrorHistory) != h.cfg.MaxRetries {
		t.Errorf("Expected %d recorded failures, got %d", h.cfg.MaxRetries, len(doc.ErrorHistory))
	}
	for _, rec := range doc.ErrorHistory {
		if rec.Kind != "transient" || rec.Stage != "ocr" {
			t.Errorf("Unexpected error record: %+v", rec)
		}
	}
}

func TestPipelineExhaustsRetriesToReview(t *testing.T) {
	h := newHarness(t, nil)
	h.ocr.failures = 100

	path := h.dropPDF(t, "caido.pdf", "%PDF-1.7 contenido")
	h.runner.handleAdmission(context.Background(), watcher.Admission{Path: path})

	doc := h.onlyDoc(t)
	if doc.State != document.StateReview {
		t.Fatalf("Expected review, got %s", doc.State)
	}
	if len(doc.ErrorHistory) != h.cfg.MaxRetries+1 {
		t.Errorf("Expected %d failures, got %d", h.cfg.MaxRetries+1, len(doc.ErrorHistory))
	}
}

func TestPipelineRejectsNonPDF(t *testing.T) {
	h := newHarness(t, nil)

	path := h.dropPDF(t, "falso.pdf", "GIF89a not a pdf")
	h.runner.handleAdmission(context.Background(), watcher.Admission{Path: path})

	doc := h.onlyDoc(t)
	if doc.State != document.StateReview {
		t.Fatalf("Expected review for bad magic, got %s", doc.State)
	}
	if len(doc.ErrorHistory) != 1 || doc.ErrorHistory[0].Kind != "permanent" {
		t.Errorf("Unexpected error history: %+v", doc.ErrorHistory)
	}
}

func TestPipelineEmptyAdmissionToReview(t *testing.T) {
	h := newHarness(t, nil)

	path := h.dropPDF(t, "vacio.pdf", "")
	h.runner.handleAdmission(context.Background(), watcher.Admission{Path: path, Empty: true})

	doc := h.onlyDoc(t)
	if doc.State != document.StateReview {
		t.Fatalf("Expected review for empty file, got %s", doc.State)
	}
}

func TestPipelineDuplicateRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := h.dropPDF(t, "original.pdf", "%PDF-1.7 mismo contenido")
	h.runner.handleAdmission(ctx, watcher.Admission{Path: first})

	// Same bytes, different name.
	second := h.dropPDF(t, "copia.pdf", "%PDF-1.7 mismo contenido")
	h.runner.handleAdmission(ctx, watcher.Admission{Path: second})

	doc := h.onlyDoc(t)
	if doc.OriginalFilename != "original.pdf" {
		t.Errorf("Duplicate replaced original: %s", doc.OriginalFilename)
	}
	if h.ocr.calls != 1 {
		t.Errorf("Duplicate reprocessed: %d OCR calls", h.ocr.calls)
	}
}

func TestPipelineRedropOfReviewedRetries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ocr.failures = 100

	path := h.dropPDF(t, "atorado.pdf", "%PDF-1.7 contenido")
	h.runner.handleAdmission(ctx, watcher.Admission{Path: path})
	if doc := h.onlyDoc(t); doc.State != document.StateReview {
		t.Fatalf("Setup: expected review, got %s", doc.State)
	}

	// Service recovered; operator drops the same file again.
	h.ocr.mu.Lock()
	h.ocr.failures = 0
	h.ocr.mu.Unlock()
	h.runner.handleAdmission(ctx, watcher.Admission{Path: path})

	doc := h.onlyDoc(t)
	if doc.State != document.StateIndexed {
		t.Errorf("Expected indexed after re-drop, got %s", doc.State)
	}
}

func TestPipelineLowConfidenceToReview(t *testing.T) {
	h := newHarness(t, nil)
	// Only the weight-0.3 signal will match.
	h.ocr.markdown = "## Page 1\n\nSe RESUELVE el asunto.\n"

	path := h.dropPDF(t, "dudoso.pdf", "%PDF-1.7 contenido")
	h.runner.handleAdmission(context.Background(), watcher.Admission{Path: path})

	doc := h.onlyDoc(t)
	if doc.State != document.StateReview {
		t.Fatalf("Expected review for low confidence, got %s", doc.State)
	}
	if doc.Classification == nil || doc.Classification.Type != "sentencia" {
		t.Errorf("Classification should persist even on review: %+v", doc.Classification)
	}
}

func TestPipelineForceIndexOverridesReview(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.ForceIndex = true })
	h.ocr.markdown = "## Page 1\n\nSe RESUELVE el asunto.\n"

	path := h.dropPDF(t, "forzado.pdf", "%PDF-1.7 contenido")
	h.runner.handleAdmission(context.Background(), watcher.Admission{Path: path})

	doc := h.onlyDoc(t)
	if doc.State != document.StateIndexed {
		t.Errorf("Expected indexed with force_index, got %s", doc.State)
	}
}

func TestPipelineResubmitFromReview(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ocr.failures = 100

	path := h.dropPDF(t, "revision.pdf", "%PDF-1.7 contenido")
	h.runner.handleAdmission(ctx, watcher.Admission{Path: path})
	stuck := h.onlyDoc(t)

	h.ocr.mu.Lock()
	h.ocr.failures = 0
	h.ocr.mu.Unlock()
	if err := h.runner.Resubmit(ctx, stuck.ID, document.StateOCR); err != nil {
		t.Fatalf("Resubmit failed: %v", err)
	}

	doc := h.onlyDoc(t)
	if doc.State != document.StateIndexed {
		t.Errorf("Expected indexed after resubmit, got %s", doc.State)
	}
}

func TestPipelineRecoverResumesInFlight(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Simulate a crash: document registered and parked in the ocr
	// state, never processed.
	path := h.dropPDF(t, "pendiente.pdf", "%PDF-1.7 contenido")
	err := h.store.CreateDocument(ctx, &document.Document{
		ID: "doc_recover", Fingerprint: "recover_fp", SourcePath: path,
		OriginalFilename: "pendiente.pdf", State: document.StateOCR,
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}

	if err := h.runner.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	doc, err := h.store.GetDocument(ctx, "doc_recover")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if doc.State != document.StateIndexed {
		t.Errorf("Expected indexed after recovery, got %s", doc.State)
	}
}

func TestPipelineDiscardRemovesArtifacts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ocr.failures = 100

	path := h.dropPDF(t, "descartado.pdf", "%PDF-1.7 contenido")
	h.runner.handleAdmission(ctx, watcher.Admission{Path: path})
	doc := h.onlyDoc(t)

	if err := h.runner.Discard(ctx, doc.ID, "ilegible"); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	got, err := h.store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.State != document.StateDiscarded {
		t.Errorf("Expected discarded, got %s", got.State)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.ArtifactDir, doc.ID)); !os.IsNotExist(err) {
		t.Errorf("Artifacts not removed: %v", err)
	}
}
