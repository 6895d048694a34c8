// ABOUTME: Tests for regex entity extraction
// ABOUTME: Uses realistic Spanish legal document fragments

package classify

import (
	"strings"
	"testing"
)

const rulingFragment = `SEGUNDO TRIBUNAL COLEGIADO EN MATERIA PENAL
Amparo directo 457/2024
QUEJOSO: Juan Pérez García
AUTORIDAD RESPONSABLE: Juez Quinto de Distrito

Visto el expediente número 457/2024, con fundamento en el artículo 107 de la
Constitución Política de los Estados Unidos Mexicanos y la Ley de Amparo vigente,
este tribunal resolvió el 15 de marzo de 2024 lo siguiente:

SE RESUELVE: amparo concedido.`

func TestExtractEntities(t *testing.T) {
	ents := ExtractEntities(rulingFragment)

	if len(ents.Dockets) == 0 || ents.Dockets[0] != "457/2024" {
		t.Errorf("Docket not extracted: %v", ents.Dockets)
	}
	if len(ents.Parties) < 2 {
		t.Errorf("Expected quejoso and autoridad, got %v", ents.Parties)
	}
	found := false
	for _, p := range ents.Parties {
		if strings.HasPrefix(p, "Juan Pérez") {
			found = true
		}
	}
	if !found {
		t.Errorf("Quejoso not extracted: %v", ents.Parties)
	}
	if len(ents.Courts) == 0 || !strings.Contains(strings.ToUpper(ents.Courts[0]), "TRIBUNAL COLEGIADO") {
		t.Errorf("Court not extracted: %v", ents.Courts)
	}
	if len(ents.Dates) == 0 || ents.Dates[0] != "15 de marzo de 2024" {
		t.Errorf("Date not extracted: %v", ents.Dates)
	}
	if len(ents.Statutes) == 0 {
		t.Errorf("Statutes not extracted: %v", ents.Statutes)
	}
	if len(ents.Resolution) == 0 || !strings.EqualFold(ents.Resolution[0], "amparo concedido") {
		t.Errorf("Ruling sense not extracted: %v", ents.Resolution)
	}
}

func TestExtractNumericDates(t *testing.T) {
	ents := ExtractEntities("Notificado el 12/01/2024 y el 03-02-2024.")
	if len(ents.Dates) != 2 {
		t.Fatalf("Expected 2 dates, got %v", ents.Dates)
	}
	if ents.Dates[0] != "12/01/2024" {
		t.Errorf("Unexpected date format: %v", ents.Dates)
	}
}

func TestExtractDeduplicates(t *testing.T) {
	text := "Expediente 88/2023. Se acumula al expediente 88/2023 por identidad de partes."
	ents := ExtractEntities(text)
	if len(ents.Dockets) != 1 {
		t.Errorf("Docket not deduplicated: %v", ents.Dockets)
	}
}

func TestExtractEmptyText(t *testing.T) {
	ents := ExtractEntities("")
	if len(ents.Dockets)+len(ents.Parties)+len(ents.Courts)+len(ents.Dates)+len(ents.Statutes)+len(ents.Resolution) != 0 {
		t.Errorf("Empty text produced entities: %+v", ents)
	}
}
