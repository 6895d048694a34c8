// ABOUTME: Tests for the tree search query engine
// ABOUTME: Builds real trees and checks descent, ranking and fallback

package query

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomaslegal/lexengine/pkg/document"
	"github.com/gomaslegal/lexengine/pkg/index"
	"github.com/gomaslegal/lexengine/pkg/store"
)

const rulingDoc = `# Sentencia 457/2024
Encabezado del expediente.

## Resultando
Primero. Se presentó la demanda de amparo.

## Considerando
### Competencia
Este tribunal colegiado es competente conforme al artículo 107.

### Valoración de pruebas
La autoridad responsable omitió valorar la prueba pericial ofrecida
por el quejoso, lo que constituye una violación procesal.

## Resolutivos
ÚNICO. Se concede el amparo al quejoso.`

func setupEngine(t *testing.T, docID, text string) *Engine {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	err = s.CreateDocument(ctx, &document.Document{
		ID: docID, Fingerprint: docID + "_fp", SourcePath: "/in/x.pdf",
		OriginalFilename: "x.pdf", State: document.StateIndexed,
	})
	if err != nil {
		t.Fatalf("Failed to register document: %v", err)
	}

	trees := index.NewTreeStore(s.DB())
	tree, err := index.NewBuilder().Build(ctx, docID, text)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := trees.Save(ctx, tree); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	source := func(context.Context, string) (string, error) { return text, nil }
	return NewEngine(trees, source)
}

func TestQueryFindsSpecificSection(t *testing.T) {
	e := setupEngine(t, "doc_1", rulingDoc)

	resp, err := e.Query(context.Background(), "doc_1", "valoración de pruebas", Options{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(resp.Hits) == 0 {
		t.Fatal("No hits returned")
	}
	top := resp.Hits[0]
	if top.Title != "Valoración de pruebas" {
		t.Errorf("Expected the pruebas subsection first, got %q", top.Title)
	}
	if !strings.Contains(top.Excerpt, "prueba pericial") {
		t.Errorf("Excerpt missing section body: %q", top.Excerpt)
	}
	if top.Score <= 0 {
		t.Errorf("Zero score on a matching hit: %f", top.Score)
	}
}

func TestQueryRankingOrder(t *testing.T) {
	e := setupEngine(t, "doc_1", rulingDoc)

	resp, err := e.Query(context.Background(), "doc_1", "quejoso", Options{MaxResults: 10})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(resp.Hits) < 2 {
		t.Fatalf("Expected multiple sections mentioning quejoso, got %d", len(resp.Hits))
	}
	for i := 1; i < len(resp.Hits); i++ {
		if resp.Hits[i].Score > resp.Hits[i-1].Score {
			t.Errorf("Hits out of score order at %d", i)
		}
	}
}

func TestQueryBeamLimitsVisits(t *testing.T) {
	// Wide flat document: 20 sibling sections.
	var b strings.Builder
	b.WriteString("# Expediente\n")
	for i := 0; i < 20; i++ {
		b.WriteString("## Sección común\ncontenido común repetido\n")
	}
	e := setupEngine(t, "doc_1", b.String())

	resp, err := e.Query(context.Background(), "doc_1", "común", Options{Beam: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	// Root + the h1 node + its 20 children, each scored exactly once;
	// expanding the best two leaves adds nothing to the count.
	if resp.Visited != 22 {
		t.Errorf("Expected 22 visited nodes, got %d", resp.Visited)
	}
}

func TestQueryNoMatches(t *testing.T) {
	e := setupEngine(t, "doc_1", rulingDoc)
	resp, err := e.Query(context.Background(), "doc_1", "arrendamiento mercantil", Options{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(resp.Hits) != 0 {
		t.Errorf("Expected no hits, got %+v", resp.Hits)
	}
}

func TestQueryEmptyTerms(t *testing.T) {
	e := setupEngine(t, "doc_1", rulingDoc)
	if _, err := e.Query(context.Background(), "doc_1", "de la el", Options{}); err == nil {
		t.Error("Stopword-only query accepted")
	}
}

func TestQueryUnindexedDocument(t *testing.T) {
	e := setupEngine(t, "doc_1", rulingDoc)
	if _, err := e.Query(context.Background(), "doc_missing", "pruebas", Options{}); err == nil {
		t.Error("Query against missing index succeeded")
	}
}

func TestQueryFallbackTree(t *testing.T) {
	e := setupEngine(t, "doc_1", "Oficio sin estructura que menciona al quejoso directamente.")
	resp, err := e.Query(context.Background(), "doc_1", "quejoso", Options{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(resp.Hits) != 1 {
		t.Fatalf("Expected the single fallback leaf, got %d hits", len(resp.Hits))
	}
	if resp.Hits[0].Title != "Contenido" {
		t.Errorf("Unexpected fallback hit: %+v", resp.Hits[0])
	}
}
