package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/thyrook/fenscan/internal/board"
	"github.com/thyrook/fenscan/internal/classify"
	"github.com/thyrook/fenscan/internal/correction"
)

const (
	// ScanBucket holds scan records keyed by scan id
	ScanBucket = "scans"

	// SampleBucket holds corrected cell samples as a circular buffer
	SampleBucket = "samples"

	// CellBucket holds encoded cell images keyed by "<scan id>/<square>"
	CellBucket = "cells"

	// MetaBucket for storing metadata
	MetaBucket = "meta"

	// CountKey for tracking total samples
	CountKey = "count"
)

var (
	ErrNotFound    = errors.New("scan not found")
	ErrStoreClosed = errors.New("store is closed")
)

// ScanRecord is a persisted scan with its report and any corrections
type ScanRecord struct {
	ID           string            `json:"id"`
	Source       string            `json:"source,omitempty"`
	FEN          string            `json:"fen"`
	CorrectedFEN string            `json:"corrected_fen,omitempty"`
	Method       string            `json:"method"`
	Report       classify.Report   `json:"report"`
	Warnings     []board.Warning   `json:"warnings,omitempty"`
	Edits        []correction.Edit `json:"edits,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// FinalFEN returns the corrected FEN if there is one
func (r ScanRecord) FinalFEN() string {
	if r.CorrectedFEN != "" {
		return r.CorrectedFEN
	}
	return r.FEN
}

// Sample is a cell whose label was corrected by a human. Samples feed
// classifier retraining.
type Sample struct {
	ScanID    string         `json:"scan_id"`
	Square    string         `json:"square"`
	Predicted classify.Label `json:"predicted"`
	Score     float64        `json:"score"`
	Corrected string         `json:"corrected"`
	// PNG of the cell as the classifier saw it, when the scan kept its cells
	Image     []byte `json:"image,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ScanStore persists scans and corrected samples in BoltDB
type ScanStore struct {
	db      *bbolt.DB
	dbPath  string
	maxSize int

	mu       sync.Mutex
	count    uint64
	isClosed bool
}

// NewScanStore opens or creates a store. At most maxSamples corrected
// samples are kept; older ones are overwritten.
func NewScanStore(dbPath string, maxSamples int) (*ScanStore, error) {
	if maxSamples <= 0 {
		return nil, fmt.Errorf("invalid max samples: %d", maxSamples)
	}

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{ScanBucket, SampleBucket, CellBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	store := &ScanStore{
		db:      db,
		dbPath:  dbPath,
		maxSize: maxSamples,
	}

	count, err := store.CountSamples()
	if err != nil {
		db.Close()
		return nil, err
	}
	store.count = count

	return store, nil
}

func (s *ScanStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return ErrStoreClosed
	}
	return nil
}

// SaveScan inserts or replaces a scan record
func (s *ScanStore) SaveScan(rec ScanRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if rec.ID == "" {
		return errors.New("scan id is required")
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal scan: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ScanBucket)).Put([]byte(rec.ID), data)
	})
}

// GetScan loads a scan record
func (s *ScanStore) GetScan(id string) (ScanRecord, error) {
	if err := s.checkOpen(); err != nil {
		return ScanRecord{}, err
	}

	var rec ScanRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(ScanBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// ListScans returns up to limit scans, newest first. limit <= 0 returns all.
func (s *ScanStore) ListScans(limit int) ([]ScanRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var recs []ScanRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ScanBucket)).ForEach(func(_, v []byte) error {
			var rec ScanRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip corrupted records
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// DeleteScan removes a scan record and its cell images. Its samples are kept.
func (s *ScanStore) DeleteScan(id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(ScanBucket))
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}

		cells := tx.Bucket([]byte(CellBucket))
		prefix := []byte(id + "/")
		var keys [][]byte
		c := cells.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := cells.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func cellKey(id, square string) []byte {
	return []byte(id + "/" + square)
}

// SaveCellImages stores encoded cell images for a scan, keyed by square name
func (s *ScanStore) SaveCellImages(id string, images map[string][]byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if id == "" {
		return errors.New("scan id is required")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(CellBucket))
		for sq, data := range images {
			if _, err := board.ParseSquare(sq); err != nil {
				return fmt.Errorf("invalid cell image: %w", err)
			}
			if err := b.Put(cellKey(id, sq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// CellImage returns the stored image of one cell
func (s *ScanStore) CellImage(id, square string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var img []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(CellBucket)).Get(cellKey(id, square))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, id, square)
		}
		img = append([]byte(nil), data...)
		return nil
	})
	return img, err
}

// RecordCorrections stores the final board of a correction session on its
// scan and adds one sample per square whose final piece differs from the
// classifier's prediction
func (s *ScanStore) RecordCorrections(id string, final board.State, edits []correction.Edit) (int, error) {
	rec, err := s.GetScan(id)
	if err != nil {
		return 0, err
	}

	predicted, err := board.ParseFEN(rec.FEN)
	if err != nil {
		return 0, fmt.Errorf("stored scan has invalid FEN: %w", err)
	}

	rec.CorrectedFEN = final.FEN()
	rec.Edits = edits
	if err := s.SaveScan(rec); err != nil {
		return 0, err
	}

	scores := make(map[string]classify.CellReport, len(rec.Report.Cells))
	for _, c := range rec.Report.Cells {
		scores[c.Square] = c
	}

	stored := 0
	for _, sq := range board.Diff(predicted, final) {
		cell := scores[sq.String()]
		label := cell.Label
		if label == "" {
			label = classify.PieceLabel(predicted.Get(sq))
		}
		sample := Sample{
			ScanID:    id,
			Square:    sq.String(),
			Predicted: label,
			Score:     cell.Score,
			Corrected: string(classify.PieceLabel(final.Get(sq))),
		}
		if img, err := s.CellImage(id, sq.String()); err == nil {
			sample.Image = img
		}
		if err := s.StoreSample(sample); err != nil {
			return stored, err
		}
		stored++
	}

	return stored, nil
}

// StoreSample appends a corrected sample, overwriting the oldest once the
// buffer is full
func (s *ScanStore) StoreSample(sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return ErrStoreClosed
	}
	if _, err := board.ParseSquare(sample.Square); err != nil {
		return fmt.Errorf("invalid sample: %w", err)
	}
	if !classify.Label(sample.Corrected).Valid() {
		return fmt.Errorf("invalid sample label: %q", sample.Corrected)
	}
	if sample.Timestamp == 0 {
		sample.Timestamp = time.Now().Unix()
	}

	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(SampleBucket))

		// circular buffer keyed by count modulo capacity
		key := s.count % uint64(s.maxSize)
		if err := b.Put(u64Key(key), data); err != nil {
			return err
		}

		next := s.count + 1
		if err := tx.Bucket([]byte(MetaBucket)).Put([]byte(CountKey), u64Key(next)); err != nil {
			return err
		}
		s.count = next
		return nil
	})
}

// Samples returns up to size samples starting at offset, oldest first
func (s *ScanStore) Samples(offset, size int) ([]Sample, error) {
	actual, err := s.GetActualSize()
	if err != nil {
		return nil, err
	}
	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("invalid range: offset %d size %d", offset, size)
	}
	if offset >= actual {
		return nil, nil
	}
	if offset+size > actual {
		size = actual - offset
	}

	s.mu.Lock()
	count := s.count
	s.mu.Unlock()

	// once wrapped, the oldest sample sits at count % maxSize
	first := uint64(0)
	if count > uint64(s.maxSize) {
		first = count % uint64(s.maxSize)
	}

	samples := make([]Sample, 0, size)
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(SampleBucket))
		for i := 0; i < size; i++ {
			idx := (first + uint64(offset+i)) % uint64(s.maxSize)
			data := b.Get(u64Key(idx))
			if data == nil {
				continue
			}

			var sample Sample
			if err := json.Unmarshal(data, &sample); err != nil {
				continue
			}
			samples = append(samples, sample)
		}
		return nil
	})

	return samples, err
}

// CountSamples returns the total number of samples ever stored
func (s *ScanStore) CountSamples() (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var count uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		countBytes := tx.Bucket([]byte(MetaBucket)).Get([]byte(CountKey))
		if countBytes != nil {
			count = binary.BigEndian.Uint64(countBytes)
		}
		return nil
	})

	return count, err
}

// GetActualSize returns the number of samples currently held
func (s *ScanStore) GetActualSize() (int, error) {
	count, err := s.CountSamples()
	if err != nil {
		return 0, err
	}

	if count > uint64(s.maxSize) {
		return s.maxSize, nil
	}

	return int(count), nil
}

// ClearSamples removes all samples. Scans are kept.
func (s *ScanStore) ClearSamples() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return ErrStoreClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(SampleBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucket([]byte(SampleBucket)); err != nil {
			return err
		}

		if err := tx.Bucket([]byte(MetaBucket)).Put([]byte(CountKey), u64Key(0)); err != nil {
			return err
		}
		s.count = 0
		return nil
	})
}

// Close closes the database connection
func (s *ScanStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return nil
	}

	s.isClosed = true
	return s.db.Close()
}

// Stats returns statistics about the store
type Stats struct {
	Scans         int
	TotalSamples  uint64
	ActualSamples int
	MaxSamples    int
	DBPath        string
	IsWrapped     bool
}

// GetStats returns current statistics
func (s *ScanStore) GetStats() (Stats, error) {
	count, err := s.CountSamples()
	if err != nil {
		return Stats{}, err
	}

	actualSize, err := s.GetActualSize()
	if err != nil {
		return Stats{}, err
	}

	scans := 0
	err = s.db.View(func(tx *bbolt.Tx) error {
		scans = tx.Bucket([]byte(ScanBucket)).Stats().KeyN
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		Scans:         scans,
		TotalSamples:  count,
		ActualSamples: actualSize,
		MaxSamples:    s.maxSize,
		DBPath:        s.dbPath,
		IsWrapped:     count > uint64(s.maxSize),
	}, nil
}

// ExportSamples writes every held sample as a JSON array
func (s *ScanStore) ExportSamples(w io.Writer) (int, error) {
	actualSize, err := s.GetActualSize()
	if err != nil {
		return 0, err
	}

	samples, err := s.Samples(0, actualSize)
	if err != nil {
		return 0, err
	}
	if samples == nil {
		samples = []Sample{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(samples); err != nil {
		return 0, fmt.Errorf("failed to encode samples: %w", err)
	}
	return len(samples), nil
}

func u64Key(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
