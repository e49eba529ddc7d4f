package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/thyrook/fenscan/internal/board"
	"github.com/thyrook/fenscan/internal/classify"
	"github.com/thyrook/fenscan/internal/correction"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func newTestStore(t *testing.T, maxSamples int) *ScanStore {
	t.Helper()
	store, err := NewScanStore(filepath.Join(t.TempDir(), "test.db"), maxSamples)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testSample(i int) Sample {
	return Sample{
		ScanID:    fmt.Sprintf("scan-%d", i),
		Square:    board.Square(i % board.NumSquares).String(),
		Predicted: classify.LabelEmpty,
		Score:     0.4,
		Corrected: "Q",
		Timestamp: int64(1000 + i),
	}
}

// TestNewScanStore tests store creation
func TestNewScanStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewScanStore(dbPath, 1000)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.dbPath != dbPath {
		t.Errorf("Expected dbPath %s, got %s", dbPath, store.dbPath)
	}

	count, err := store.CountSamples()
	if err != nil {
		t.Fatalf("Failed to count samples: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected initial count 0, got %d", count)
	}

	if _, err := NewScanStore(filepath.Join(t.TempDir(), "bad.db"), 0); err == nil {
		t.Error("Expected error for zero capacity")
	}
}

// TestScanRoundTrip tests saving and loading a scan record
func TestScanRoundTrip(t *testing.T) {
	store := newTestStore(t, 100)

	rec := ScanRecord{
		ID:     "abc",
		Source: "board.png",
		FEN:    startFEN,
		Method: "lattice",
		Report: classify.Report{
			Threshold:     0.5,
			LowConfidence: 1,
			Cells:         []classify.CellReport{{Square: "e4", Label: "P", Score: 0.3, LowConfidence: true}},
		},
		Warnings: []board.Warning{{Code: board.WarnKingCount, Message: "no white king"}},
	}
	if err := store.SaveScan(rec); err != nil {
		t.Fatalf("Failed to save scan: %v", err)
	}

	got, err := store.GetScan("abc")
	if err != nil {
		t.Fatalf("Failed to get scan: %v", err)
	}
	if got.FEN != rec.FEN || got.Method != rec.Method || got.Source != rec.Source {
		t.Errorf("Expected %+v, got %+v", rec, got)
	}
	if len(got.Report.Cells) != 1 || got.Report.Cells[0].Label != "P" {
		t.Errorf("Report not preserved: %+v", got.Report)
	}
	if len(got.Warnings) != 1 || got.Warnings[0].Code != board.WarnKingCount {
		t.Errorf("Warnings not preserved: %+v", got.Warnings)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}
	if got.FinalFEN() != startFEN {
		t.Errorf("Expected final FEN %s, got %s", startFEN, got.FinalFEN())
	}

	if _, err := store.GetScan("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.SaveScan(ScanRecord{}); err == nil {
		t.Error("Expected error for empty id")
	}
}

// TestListAndDeleteScans tests listing order and deletion
func TestListAndDeleteScans(t *testing.T) {
	store := newTestStore(t, 100)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := ScanRecord{
			ID:        fmt.Sprintf("scan-%d", i),
			FEN:       startFEN,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.SaveScan(rec); err != nil {
			t.Fatalf("Failed to save scan: %v", err)
		}
	}

	recs, err := store.ListScans(3)
	if err != nil {
		t.Fatalf("Failed to list scans: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Expected 3 scans, got %d", len(recs))
	}
	if recs[0].ID != "scan-4" || recs[2].ID != "scan-2" {
		t.Errorf("Expected newest first, got %s..%s", recs[0].ID, recs[2].ID)
	}

	if err := store.DeleteScan("scan-4"); err != nil {
		t.Fatalf("Failed to delete scan: %v", err)
	}
	if err := store.DeleteScan("scan-4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}

	all, err := store.ListScans(0)
	if err != nil {
		t.Fatalf("Failed to list scans: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("Expected 4 scans, got %d", len(all))
	}
}

// TestStoreSampleValidation tests input validation
func TestStoreSampleValidation(t *testing.T) {
	store := newTestStore(t, 100)

	bad := testSample(0)
	bad.Square = "z9"
	if err := store.StoreSample(bad); err == nil {
		t.Error("Expected error for invalid square")
	}

	bad = testSample(0)
	bad.Corrected = "dragon"
	if err := store.StoreSample(bad); err == nil {
		t.Error("Expected error for invalid label")
	}

	count, _ := store.CountSamples()
	if count != 0 {
		t.Errorf("Expected count 0 after rejected samples, got %d", count)
	}
}

// TestCircularBuffer tests that the oldest samples are overwritten
func TestCircularBuffer(t *testing.T) {
	maxSize := 10
	store := newTestStore(t, maxSize)

	for i := 0; i < 25; i++ {
		if err := store.StoreSample(testSample(i)); err != nil {
			t.Fatalf("Failed to store sample %d: %v", i, err)
		}
	}

	count, err := store.CountSamples()
	if err != nil {
		t.Fatalf("Failed to count samples: %v", err)
	}
	if count != 25 {
		t.Errorf("Expected total count 25, got %d", count)
	}

	actual, err := store.GetActualSize()
	if err != nil {
		t.Fatalf("Failed to get actual size: %v", err)
	}
	if actual != maxSize {
		t.Errorf("Expected actual size %d, got %d", maxSize, actual)
	}

	samples, err := store.Samples(0, maxSize)
	if err != nil {
		t.Fatalf("Failed to read samples: %v", err)
	}
	if len(samples) != maxSize {
		t.Fatalf("Expected %d samples, got %d", maxSize, len(samples))
	}
	// oldest surviving sample is #15, newest #24
	if samples[0].ScanID != "scan-15" {
		t.Errorf("Expected oldest scan-15, got %s", samples[0].ScanID)
	}
	if samples[maxSize-1].ScanID != "scan-24" {
		t.Errorf("Expected newest scan-24, got %s", samples[maxSize-1].ScanID)
	}

	stats, err := store.GetStats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if !stats.IsWrapped {
		t.Error("Expected store to be wrapped")
	}
}

// TestSamplesRange tests offsets past the end and partial pages
func TestSamplesRange(t *testing.T) {
	store := newTestStore(t, 100)
	for i := 0; i < 5; i++ {
		if err := store.StoreSample(testSample(i)); err != nil {
			t.Fatalf("Failed to store sample: %v", err)
		}
	}

	samples, err := store.Samples(3, 10)
	if err != nil {
		t.Fatalf("Failed to read samples: %v", err)
	}
	if len(samples) != 2 {
		t.Errorf("Expected 2 samples, got %d", len(samples))
	}

	samples, err = store.Samples(5, 10)
	if err != nil {
		t.Fatalf("Failed to read samples: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("Expected no samples past the end, got %d", len(samples))
	}

	if _, err := store.Samples(-1, 1); err == nil {
		t.Error("Expected error for negative offset")
	}
}

// TestRecordCorrections tests that corrected squares become samples
func TestRecordCorrections(t *testing.T) {
	store := newTestStore(t, 100)

	rec := ScanRecord{
		ID:  "scan",
		FEN: startFEN,
		Report: classify.Report{Cells: []classify.CellReport{
			{Square: "e2", Label: "P", Score: 0.45},
		}},
	}
	if err := store.SaveScan(rec); err != nil {
		t.Fatalf("Failed to save scan: %v", err)
	}

	state, err := board.ParseFEN(startFEN)
	if err != nil {
		t.Fatalf("Failed to parse FEN: %v", err)
	}
	session := correction.NewSession(state, rec.Report, nil)
	for _, line := range []string{"e2=.", "e4=P", "a1=R"} {
		if _, err := session.ApplyLine(line); err != nil {
			t.Fatalf("Failed to apply %q: %v", line, err)
		}
	}
	if _, err := session.Confirm(); err != nil {
		t.Fatalf("Failed to confirm: %v", err)
	}

	stored, err := store.RecordCorrections("scan", session.State(), session.Edits())
	if err != nil {
		t.Fatalf("Failed to record corrections: %v", err)
	}
	// a1=R is a no-op edit, so only e2 and e4 changed
	if stored != 2 {
		t.Errorf("Expected 2 samples, got %d", stored)
	}

	got, err := store.GetScan("scan")
	if err != nil {
		t.Fatalf("Failed to get scan: %v", err)
	}
	want := "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR w KQkq - 0 1"
	if got.CorrectedFEN != want {
		t.Errorf("Expected corrected FEN %s, got %s", want, got.CorrectedFEN)
	}
	if len(got.Edits) != 3 {
		t.Errorf("Expected 3 edits, got %d", len(got.Edits))
	}

	samples, err := store.Samples(0, 10)
	if err != nil {
		t.Fatalf("Failed to read samples: %v", err)
	}
	bySquare := map[string]Sample{}
	for _, s := range samples {
		bySquare[s.Square] = s
	}
	if s := bySquare["e2"]; s.Predicted != "P" || s.Corrected != string(classify.LabelEmpty) || s.Score != 0.45 {
		t.Errorf("Unexpected e2 sample: %+v", s)
	}
	if s := bySquare["e4"]; s.Predicted != classify.LabelEmpty || s.Corrected != "P" {
		t.Errorf("Unexpected e4 sample: %+v", s)
	}

	if _, err := store.RecordCorrections("missing", session.State(), nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// TestCorrectedSamplesCarryCellImages tests that kept cell pixels follow a
// correction into its sample and are removed with the scan
func TestCorrectedSamplesCarryCellImages(t *testing.T) {
	store := newTestStore(t, 100)

	if err := store.SaveScan(ScanRecord{ID: "scan", FEN: startFEN}); err != nil {
		t.Fatalf("Failed to save scan: %v", err)
	}
	images := map[string][]byte{
		"e2": []byte("png-e2"),
		"a8": []byte("png-a8"),
	}
	if err := store.SaveCellImages("scan", images); err != nil {
		t.Fatalf("Failed to save cell images: %v", err)
	}
	if err := store.SaveCellImages("scan", map[string][]byte{"z9": nil}); err == nil {
		t.Error("Expected error for invalid square")
	}

	img, err := store.CellImage("scan", "a8")
	if err != nil {
		t.Fatalf("Failed to read cell image: %v", err)
	}
	if !bytes.Equal(img, []byte("png-a8")) {
		t.Errorf("Expected png-a8, got %q", img)
	}

	state, err := board.ParseFEN(startFEN)
	if err != nil {
		t.Fatalf("Failed to parse FEN: %v", err)
	}
	session := correction.NewSession(state, classify.Report{}, nil)
	for _, line := range []string{"e2=.", "e4=P"} {
		if _, err := session.ApplyLine(line); err != nil {
			t.Fatalf("Failed to apply %q: %v", line, err)
		}
	}
	if _, err := session.Confirm(); err != nil {
		t.Fatalf("Failed to confirm: %v", err)
	}

	if _, err := store.RecordCorrections("scan", session.State(), session.Edits()); err != nil {
		t.Fatalf("Failed to record corrections: %v", err)
	}

	samples, err := store.Samples(0, 10)
	if err != nil {
		t.Fatalf("Failed to read samples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(samples))
	}
	for _, s := range samples {
		switch s.Square {
		case "e2":
			if !bytes.Equal(s.Image, []byte("png-e2")) {
				t.Errorf("Expected e2 sample to carry its image, got %q", s.Image)
			}
		case "e4":
			if s.Image != nil {
				t.Errorf("Expected no image for e4, got %q", s.Image)
			}
		}
	}

	if err := store.DeleteScan("scan"); err != nil {
		t.Fatalf("Failed to delete scan: %v", err)
	}
	if _, err := store.CellImage("scan", "a8"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

// TestClearSamples tests clearing samples while keeping scans
func TestClearSamples(t *testing.T) {
	store := newTestStore(t, 100)

	if err := store.SaveScan(ScanRecord{ID: "keep", FEN: startFEN}); err != nil {
		t.Fatalf("Failed to save scan: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := store.StoreSample(testSample(i)); err != nil {
			t.Fatalf("Failed to store sample: %v", err)
		}
	}

	if err := store.ClearSamples(); err != nil {
		t.Fatalf("Failed to clear: %v", err)
	}

	count, _ := store.CountSamples()
	if count != 0 {
		t.Errorf("Expected count 0 after clear, got %d", count)
	}
	if _, err := store.GetScan("keep"); err != nil {
		t.Errorf("Expected scan to survive clear, got %v", err)
	}
}

// TestPersistence tests that data survives reopening
func TestPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewScanStore(dbPath, 100)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	for i := 0; i < 7; i++ {
		if err := store.StoreSample(testSample(i)); err != nil {
			t.Fatalf("Failed to store sample: %v", err)
		}
	}
	if err := store.SaveScan(ScanRecord{ID: "persisted", FEN: startFEN}); err != nil {
		t.Fatalf("Failed to save scan: %v", err)
	}
	store.Close()

	if _, err := store.GetScan("persisted"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Expected ErrStoreClosed, got %v", err)
	}

	store2, err := NewScanStore(dbPath, 100)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store2.Close()

	count, err := store2.CountSamples()
	if err != nil {
		t.Fatalf("Failed to count samples: %v", err)
	}
	if count != 7 {
		t.Errorf("Expected 7 samples after reopen, got %d", count)
	}

	// new samples continue after the persisted count
	if err := store2.StoreSample(testSample(7)); err != nil {
		t.Fatalf("Failed to store sample: %v", err)
	}
	samples, _ := store2.Samples(0, 10)
	if len(samples) != 8 || samples[7].ScanID != "scan-7" {
		t.Errorf("Expected 8 samples ending with scan-7, got %d", len(samples))
	}

	if _, err := store2.GetScan("persisted"); err != nil {
		t.Errorf("Expected scan after reopen, got %v", err)
	}
}

// TestExportSamples tests JSON export
func TestExportSamples(t *testing.T) {
	store := newTestStore(t, 100)

	var buf bytes.Buffer
	n, err := store.ExportSamples(&buf)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	if n != 0 || !bytes.HasPrefix(bytes.TrimSpace(buf.Bytes()), []byte("[]")) {
		t.Errorf("Expected empty array, got %q", buf.String())
	}

	for i := 0; i < 3; i++ {
		if err := store.StoreSample(testSample(i)); err != nil {
			t.Fatalf("Failed to store sample: %v", err)
		}
	}

	buf.Reset()
	n, err = store.ExportSamples(&buf)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	var decoded []Sample
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Export is not valid JSON: %v", err)
	}
	if n != 3 || len(decoded) != 3 {
		t.Errorf("Expected 3 exported samples, got %d/%d", n, len(decoded))
	}
}
