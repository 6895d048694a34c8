// ABOUTME: HTTP client for the Mistral OCR endpoint
// ABOUTME: Uploads PDFs, assembles page-delimited markdown

package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Config carries the endpoint settings, normally sourced from the
// service configuration.
type Config struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// Result is the outcome of one successful OCR run.
type Result struct {
	Markdown string // full document, "## Page N" delimited
	Pages    int
	Model    string
}

// APIError is a non-200 response from the OCR service. Status codes
// decide retryability: server-side failures and throttling are
// transient, everything else means the request itself is bad.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ocr api: status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether a retry could plausibly succeed.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the OCR HTTP API.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds an OCR client. A zero timeout defaults to two
// minutes; large scanned PDFs take a while.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

type apiResponse struct {
	Pages []apiPage `json:"pages"`
	Usage struct {
		PagesProcessed int `json:"pages_processed"`
	} `json:"usage"`
}

type apiPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

// Process uploads the PDF at path and returns the recognized text as
// one markdown document with "## Page N" page delimiters.
func (c *Client) Process(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.WriteField("model", c.cfg.Model); err != nil {
		return nil, err
	}
	if err := w.WriteField("purpose", "ocr"); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode ocr response: %w", err)
	}
	if len(parsed.Pages) == 0 {
		return nil, fmt.Errorf("ocr response for %s carries no pages", filepath.Base(path))
	}

	return assemble(filepath.Base(path), parsed, c.cfg.Model), nil
}

func assemble(filename string, resp apiResponse, model string) *Result {
	pages := make([]apiPage, len(resp.Pages))
	copy(pages, resp.Pages)
	sort.Slice(pages, func(i, j int) bool { return pages[i].Index < pages[j].Index })

	var b strings.Builder
	fmt.Fprintf(&b, "# OCR Result for %s\n\n", filename)
	for _, p := range pages {
		fmt.Fprintf(&b, "## Page %d\n\n%s\n\n", p.Index+1, p.Markdown)
	}
	return &Result{Markdown: b.String(), Pages: len(pages), Model: model}
}
