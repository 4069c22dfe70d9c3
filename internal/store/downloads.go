package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chanfetch/chanfetch/pkg/fetchlib"
)

// RecordDownload upserts the persisted outcome of one transfer.
func (s *Store) RecordDownload(rec fetchlib.DownloadRecord) error {
	var percent int
	if rec.Status == fetchlib.StatusDownloaded {
		percent = 100
	}
	return withRetry(func() error {
		_, err := s.db.Exec(`INSERT INTO downloads
			(resource_key, source_message_id, destination, status, percent, speed, error, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT (resource_key, source_message_id) DO UPDATE SET
			  destination = excluded.destination,
			  status = excluded.status,
			  percent = excluded.percent,
			  speed = excluded.speed,
			  error = excluded.error,
			  updated_at = excluded.updated_at`,
			rec.ResourceKey, rec.SourceMessageID, rec.Destination,
			string(rec.Status), percent, rec.Error, encodeTime(time.Now()))
		if err != nil {
			return fmt.Errorf("record download: %w", err)
		}
		return nil
	})
}

// RecordProgress upserts the throttled progress snapshot of an in-flight
// transfer. The terminal outcome later overwrites the row via
// RecordDownload.
func (s *Store) RecordProgress(resourceKey string, sourceMessageID int64, destination string, percent int, speed int64) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`INSERT INTO downloads
			(resource_key, source_message_id, destination, status, percent, speed, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (resource_key, source_message_id) DO UPDATE SET
			  destination = excluded.destination,
			  status = excluded.status,
			  percent = excluded.percent,
			  speed = excluded.speed,
			  updated_at = excluded.updated_at`,
			resourceKey, sourceMessageID, destination,
			string(fetchlib.StatusDownloading), percent, speed, encodeTime(time.Now()))
		if err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
		return nil
	})
}

// GetDownload returns the persisted record of one transfer, or nil when the
// item was never submitted.
func (s *Store) GetDownload(resourceKey string, sourceMessageID int64) (*fetchlib.DownloadRecord, error) {
	var (
		rec    fetchlib.DownloadRecord
		status string
	)
	err := s.db.QueryRow(`SELECT resource_key, source_message_id, destination, status, error
		FROM downloads WHERE resource_key = ? AND source_message_id = ?`,
		resourceKey, sourceMessageID).
		Scan(&rec.ResourceKey, &rec.SourceMessageID, &rec.Destination, &status, &rec.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get download: %w", err)
	}
	rec.Status = fetchlib.DownloadStatus(status)
	return &rec, nil
}
