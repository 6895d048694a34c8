// ABOUTME: Regex entity extraction for Spanish legal text
// ABOUTME: Dockets, parties, courts, dates, statutes and ruling sense

package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gomaslegal/lexengine/pkg/document"
)

// Extraction works on the document head only. Headers and the opening
// pages carry nearly all identifying entities, and bounding the sample
// keeps extraction time flat for very large rulings.
const sampleLimit = 15000

var (
	docketRe = regexp.MustCompile(
		`(?i)(?:expediente|toca|causa|juicio|amparo)\s*(?:número|num\.?|no\.?)?\s*([\w\-/]+/\d{4}(?:/[A-Z0-9\-]+)?)`)

	longDateRe = regexp.MustCompile(
		`(?i)\b(\d{1,2})\s+de\s+(enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|octubre|noviembre|diciembre)\s+de\s+(\d{4})\b`)
	numericDateRe = regexp.MustCompile(`\b(\d{1,2})[/\-](\d{1,2})[/\-](\d{4})\b`)

	partyRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:quejosos?|parte\s+quejosa)[:\s]+([A-ZÁÉÍÓÚÑ][^\n,;.]{2,60})`),
		regexp.MustCompile(`(?i)(?:promoventes?)[:\s]+([A-ZÁÉÍÓÚÑ][^\n,;.]{2,60})`),
		regexp.MustCompile(`(?i)(?:actor|actora|demandante)[:\s]+([A-ZÁÉÍÓÚÑ][^\n,;.]{2,60})`),
		regexp.MustCompile(`(?i)(?:demandad[oa]s?|parte\s+demandada)[:\s]+([A-ZÁÉÍÓÚÑ][^\n,;.]{2,60})`),
		regexp.MustCompile(`(?i)(?:autoridad\s+responsable|tercero\s+perjudicado)[:\s]+([A-ZÁÉÍÓÚÑ][^\n,;.]{2,80})`),
	}

	courtRe = regexp.MustCompile(
		`(?i)((?:primer|segundo|tercer|cuarto|quinto|sexto|séptimo|octavo|noveno|décimo)?\s*` +
			`(?:tribunal\s+colegiado|juzgado\s+de\s+distrito|sala\s+regional|suprema\s+corte|` +
			`tribunal\s+unitario|tribunal\s+electoral|sala\s+superior|consejo\s+de\s+la\s+judicatura)` +
			`[^\n]{0,80})`)

	articleRe = regexp.MustCompile(
		`(?i)\bart[íi]culos?\s+(\d+(?:\s*[,y]\s*\d+)*)\s+(?:de\s+la\s+|del\s+)?([A-ZÁÉÍÓÚÑ][^\n]{0,60})`)
	statuteRe = regexp.MustCompile(
		`(?i)((?:ley|código|reglamento|constitución)\s+[A-ZÁÉÍÓÚÑ][^\n]{3,80}?)\s*[,.\n;]`)

	rulingRe = regexp.MustCompile(
		`(?i)\b(amparo\s+(?:concedido|negado|sobreseído)|queja\s+fundada|queja\s+infundada|` +
			`incompetencia|confirmad[ao]|revocad[ao]|modificad[ao]|condena|absuelto|sobreseimiento)\b`)
)

// ExtractEntities pulls structured legal entities out of normalized
// document text. It never fails: text with nothing recognizable just
// produces empty groups.
func ExtractEntities(text string) document.Entities {
	sample := text
	if len(sample) > sampleLimit {
		sample = sample[:sampleLimit]
		// Don't cut a UTF-8 sequence in half.
		for len(sample) > 0 && sample[len(sample)-1]&0xC0 == 0x80 {
			sample = sample[:len(sample)-1]
		}
	}

	var parties []string
	for _, re := range partyRes {
		parties = append(parties, captures(re, sample)...)
	}

	return document.Entities{
		Dockets:    dedupe(captures(docketRe, sample)),
		Parties:    dedupe(parties),
		Courts:     dedupe(captures(courtRe, sample)),
		Dates:      dedupe(extractDates(sample)),
		Statutes:   dedupe(append(extractArticles(sample), captures(statuteRe, sample)...)),
		Resolution: dedupe(captures(rulingRe, sample)),
	}
}

func captures(re *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if v := strings.TrimSpace(m[1]); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func extractDates(text string) []string {
	var out []string
	for _, m := range longDateRe.FindAllStringSubmatch(text, -1) {
		out = append(out, fmt.Sprintf("%s de %s de %s", m[1], strings.ToLower(m[2]), m[3]))
	}
	for _, m := range numericDateRe.FindAllStringSubmatch(text, -1) {
		out = append(out, fmt.Sprintf("%s/%s/%s", m[1], m[2], m[3]))
	}
	return out
}

func extractArticles(text string) []string {
	var out []string
	for _, m := range articleRe.FindAllStringSubmatch(text, -1) {
		statute := strings.TrimSpace(m[2])
		if len(statute) > 60 {
			statute = statute[:60]
		}
		out = append(out, fmt.Sprintf("Art. %s de %s", strings.TrimSpace(m[1]), statute))
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
