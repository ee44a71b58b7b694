// Package identity keeps the in-memory reverse index from a decrypted national
// identifier to the patient records that carry it.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"golang.org/x/sync/errgroup"
)

// EncryptedIdentifier is one stored identifier row as read from the database.
type EncryptedIdentifier struct {
	ID                  int64
	PatientKey          string
	IdentifierType      string
	EncryptedNationalID string
	DateAdded           time.Time
}

// IdentifierRecord is the cached, plaintext-free view of an identifier row.
type IdentifierRecord struct {
	ID             int64
	PatientKey     string
	IdentifierType string
	DateAdded      time.Time
}

type IdentifierSource interface {
	ListIdentifiers(ctx context.Context) ([]EncryptedIdentifier, error)
}

type Decrypter interface {
	Decrypt(token string) (string, error)
}

type Cache struct {
	codec   Decrypter
	workers int

	mu      sync.RWMutex
	entries map[string][]IdentifierRecord
	skipped int
	// reloads counts builds in flight; Add logs to pending while it is
	// non-zero so the swap does not drop the record.
	reloads int
	pending []pendingAdd
}

type pendingAdd struct {
	nationalID string
	record     IdentifierRecord
}

func NewCache(codec Decrypter, workers int) *Cache {
	if workers <= 0 {
		workers = 1
	}
	return &Cache{
		codec:   codec,
		workers: workers,
		entries: map[string][]IdentifierRecord{},
	}
}

func (c *Cache) Load(ctx context.Context, source IdentifierSource) error {
	return c.Reload(ctx, source)
}

// Reload builds a new index off-lock and swaps it in. Records added while the
// build runs are carried over. On error the previous index stays in place.
func (c *Cache) Reload(ctx context.Context, source IdentifierSource) error {
	start := time.Now()
	c.mu.Lock()
	c.reloads++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reloads--
		if c.reloads == 0 {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	rows, err := source.ListIdentifiers(ctx)
	if err != nil {
		return fmt.Errorf("list identifiers: %w", err)
	}

	plain := make([]string, len(rows))
	failed := make([]bool, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := range rows {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			value, err := c.codec.Decrypt(rows[i].EncryptedNationalID)
			if err != nil {
				failed[i] = true
				logger.Log.WithError(err).WithFields(logrus.Fields{
					"identifier_row": rows[i].ID,
					"patient_key":    rows[i].PatientKey,
				}).Error("Skipping identifier that could not be decrypted")
				return nil
			}
			plain[i] = value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("decrypt identifiers: %w", err)
	}

	entries := make(map[string][]IdentifierRecord, len(rows))
	skipped := 0
	for i, row := range rows {
		if failed[i] {
			skipped++
			continue
		}
		entries[plain[i]] = append(entries[plain[i]], IdentifierRecord{
			ID:             row.ID,
			PatientKey:     row.PatientKey,
			IdentifierType: row.IdentifierType,
			DateAdded:      row.DateAdded,
		})
	}

	c.mu.Lock()
	carried := len(c.pending)
	for _, p := range c.pending {
		entries[p.nationalID] = appendRecord(entries[p.nationalID], p.record)
	}
	c.entries = entries
	c.skipped = skipped
	c.mu.Unlock()

	logger.Log.WithFields(logrus.Fields{
		"identifiers": len(entries),
		"rows":        len(rows),
		"skipped":     skipped,
		"carried":     carried,
		"elapsed_ms":  time.Since(start).Milliseconds(),
	}).Info("Patient identity cache loaded")
	return nil
}

func (c *Cache) FindByIdentifier(nationalID string) []IdentifierRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records := c.entries[nationalID]
	out := make([]IdentifierRecord, len(records))
	copy(out, records)
	return out
}

// FindPatientKeyByIdentifier returns false when the identifier is unknown or
// when its records point at more than one patient.
func (c *Cache) FindPatientKeyByIdentifier(nationalID string) (string, bool) {
	records := c.FindByIdentifier(nationalID)
	if len(records) == 0 {
		return "", false
	}
	key := records[0].PatientKey
	for _, r := range records[1:] {
		if r.PatientKey != key {
			ids := make([]int64, len(records))
			for i, rec := range records {
				ids[i] = rec.ID
			}
			logger.Log.WithField("identifier_rows", ids).
				Error("Identifier resolves to more than one patient key; treating as not found")
			return "", false
		}
	}
	return key, true
}

// Add indexes a record created after the last reload.
func (c *Cache) Add(nationalID string, record IdentifierRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[nationalID] = appendRecord(c.entries[nationalID], record)
	if c.reloads > 0 {
		c.pending = append(c.pending, pendingAdd{nationalID: nationalID, record: record})
	}
}

// appendRecord skips a record whose patient is already indexed under the
// identifier.
func appendRecord(records []IdentifierRecord, record IdentifierRecord) []IdentifierRecord {
	for _, r := range records {
		if r.PatientKey == record.PatientKey {
			return records
		}
	}
	return append(records, record)
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) SkippedRows() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skipped
}
