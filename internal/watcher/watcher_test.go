// ABOUTME: Tests for the intake watcher
// ABOUTME: Stability detection, sweep, extension filter and timeouts

package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gomaslegal/lexengine/internal/config"
	"github.com/gomaslegal/lexengine/internal/logger"
	"github.com/gomaslegal/lexengine/internal/metrics"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		WatchDir:           t.TempDir(),
		AcceptedExtensions: []string{".pdf"},
		StabilityInterval:  20 * time.Millisecond,
		StabilitySamples:   3,
		PendingTimeout:     500 * time.Millisecond,
		QueueBound:         16,
	}
}

func startWatcher(t *testing.T, cfg *config.Config) (*Watcher, context.CancelFunc) {
	t.Helper()
	log := logger.New(logger.Config{Level: "error", Output: io.Discard})
	w := New(cfg, log, metrics.NewWith(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, cancel
}

func waitAdmission(t *testing.T, w *Watcher, timeout time.Duration) Admission {
	t.Helper()
	select {
	case adm, ok := <-w.Admissions():
		if !ok {
			t.Fatal("Admissions channel closed early")
		}
		return adm
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for admission")
	}
	return Admission{}
}

func TestAdmitsStableFile(t *testing.T) {
	cfg := testConfig(t)
	w, _ := startWatcher(t, cfg)

	path := filepath.Join(cfg.WatchDir, "escrito.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.7 contenido"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	adm := waitAdmission(t, w, 2*time.Second)
	if adm.Path != path {
		t.Errorf("Admitted %q, want %q", adm.Path, path)
	}
	if adm.Empty || adm.TimedOut {
		t.Errorf("Stable file flagged: %+v", adm)
	}
}

func TestSweepsPreexistingFiles(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.WatchDir, "previo.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.7 previo"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	w, _ := startWatcher(t, cfg)
	adm := waitAdmission(t, w, 2*time.Second)
	if adm.Path != path {
		t.Errorf("Sweep missed preexisting file, got %q", adm.Path)
	}
}

func TestIgnoresOtherExtensions(t *testing.T) {
	cfg := testConfig(t)
	w, _ := startWatcher(t, cfg)

	if err := os.WriteFile(filepath.Join(cfg.WatchDir, "notas.txt"), []byte("texto"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	select {
	case adm := <-w.Admissions():
		t.Errorf("Non-PDF admitted: %+v", adm)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestGrowingFileWaitsForStability(t *testing.T) {
	cfg := testConfig(t)
	cfg.PendingTimeout = 5 * time.Second
	w, _ := startWatcher(t, cfg)

	path := filepath.Join(cfg.WatchDir, "grande.pdf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	// Keep appending for a while; the file must not be admitted until
	// writes stop.
	stop := time.After(200 * time.Millisecond)
grow:
	for {
		select {
		case <-stop:
			break grow
		default:
			if _, err := f.Write([]byte("chunk ")); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			time.Sleep(15 * time.Millisecond)
			select {
			case adm := <-w.Admissions():
				t.Fatalf("Admitted while still growing: %+v", adm)
			default:
			}
		}
	}
	f.Close()

	adm := waitAdmission(t, w, 3*time.Second)
	if adm.Path != path || adm.TimedOut {
		t.Errorf("Unexpected admission: %+v", adm)
	}
}

func TestEmptyFileAdmittedFlaggedAfterTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.PendingTimeout = 150 * time.Millisecond
	w, _ := startWatcher(t, cfg)

	path := filepath.Join(cfg.WatchDir, "vacio.pdf")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	adm := waitAdmission(t, w, 2*time.Second)
	if !adm.Empty {
		t.Errorf("Empty file not flagged: %+v", adm)
	}
}

func TestOneAdmissionWhileQueued(t *testing.T) {
	cfg := testConfig(t)
	w, _ := startWatcher(t, cfg)

	path := filepath.Join(cfg.WatchDir, "doble.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.7 primero"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	// Let the first admission land on the queue without consuming it.
	deadline := time.Now().Add(2 * time.Second)
	for len(w.Admissions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("First admission never queued")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A rewrite while that admission is still queued must not start a
	// second stabilization for the same path.
	if err := os.WriteFile(path, []byte("%PDF-1.7 segundo"), 0o644); err != nil {
		t.Fatalf("Failed to rewrite file: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if n := len(w.Admissions()); n != 1 {
		t.Fatalf("Expected 1 queued admission, got %d", n)
	}

	adm := waitAdmission(t, w, time.Second)
	if adm.Path != path {
		t.Fatalf("Admitted %q, want %q", adm.Path, path)
	}
	adm.Release()

	// Once released, a fresh drop stabilizes and admits again.
	if err := os.WriteFile(path, []byte("%PDF-1.7 tercero"), 0o644); err != nil {
		t.Fatalf("Failed to rewrite file: %v", err)
	}
	again := waitAdmission(t, w, 2*time.Second)
	if again.Path != path {
		t.Errorf("Re-drop admitted %q, want %q", again.Path, path)
	}
}

func TestVanishedFileNotAdmitted(t *testing.T) {
	cfg := testConfig(t)
	w, _ := startWatcher(t, cfg)

	path := filepath.Join(cfg.WatchDir, "fugaz.pdf")
	if err := os.WriteFile(path, []byte("%PDF"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	// Remove before it can stabilize.
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	select {
	case adm := <-w.Admissions():
		// A fast scheduler may still have sampled it three times;
		// accept either no admission or a normal one, but only if the
		// file existed throughout.
		t.Logf("Race admitted %+v before removal took effect", adm)
	case <-time.After(300 * time.Millisecond):
	}
}
