package store

import (
	"database/sql"
	"fmt"

	"github.com/chanfetch/chanfetch/pkg/fetchlib"
)

// UpsertMessages inserts the messages not already present for a resource
// and returns the number actually inserted. Keyed by
// (resource_key, source_message_id), so re-ingesting an identical batch is
// a no-op.
func (s *Store) UpsertMessages(resourceKey string, msgs []*fetchlib.Message) (int, error) {
	var inserted int
	err := withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin upsert: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO messages
			(resource_key, source_message_id, text, sender_name,
			 media_type, media_size, media_filename, media_ref,
			 sent_at, forwarded, views)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()

		inserted = 0
		for _, m := range msgs {
			var mediaType, mediaFilename, mediaRef string
			var mediaSize int64
			if m.Media != nil {
				mediaType = string(m.Media.Type)
				mediaSize = m.Media.Size
				mediaFilename = m.Media.Filename
				mediaRef = m.Media.Ref
			}
			res, err := stmt.Exec(
				resourceKey, m.SourceMessageID, m.Text, m.SenderName,
				mediaType, mediaSize, mediaFilename, mediaRef,
				encodeTime(m.SentAt), boolToInt(m.Forwarded), nullableInt64(m.Views),
			)
			if err != nil {
				return fmt.Errorf("upsert message %d: %w", m.SourceMessageID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		return tx.Commit()
	})
	return inserted, err
}

// Messages returns stored messages of one resource matching the query,
// ordered by source message id.
func (s *Store) Messages(resourceKey string, q fetchlib.MessageQuery) ([]*fetchlib.Message, error) {
	query := `SELECT id, resource_key, source_message_id, text, sender_name,
		media_type, media_size, media_filename, media_ref, sent_at, forwarded, views
		FROM messages WHERE resource_key = ?`
	args := []any{resourceKey}
	if q.HasMedia {
		query += ` AND media_type != ''`
	}
	if q.Range != nil {
		if q.Range.From != nil {
			query += ` AND sent_at >= ?`
			args = append(args, encodeTime(*q.Range.From))
		}
		if q.Range.To != nil {
			query += ` AND sent_at <= ?`
			args = append(args, encodeTime(*q.Range.To))
		}
	}
	query += ` ORDER BY source_message_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*fetchlib.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the number of stored messages for a resource.
func (s *Store) MessageCount(resourceKey string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE resource_key = ?`, resourceKey).Scan(&n)
	return n, err
}

func scanMessage(row rowScanner) (*fetchlib.Message, error) {
	var (
		m             fetchlib.Message
		mediaType     string
		mediaSize     int64
		mediaFilename string
		mediaRef      string
		sentAt        string
		forwarded     int
		views         sql.NullInt64
	)
	err := row.Scan(
		&m.ID, &m.ResourceKey, &m.SourceMessageID, &m.Text, &m.SenderName,
		&mediaType, &mediaSize, &mediaFilename, &mediaRef,
		&sentAt, &forwarded, &views,
	)
	if err != nil {
		return nil, err
	}
	if mediaType != "" {
		m.Media = &fetchlib.Media{
			Type:     fetchlib.MediaType(mediaType),
			Size:     mediaSize,
			Filename: mediaFilename,
			Ref:      mediaRef,
		}
	}
	if m.SentAt, err = decodeTime(sentAt); err != nil {
		return nil, fmt.Errorf("message %d: sent_at: %w", m.SourceMessageID, err)
	}
	m.Forwarded = forwarded != 0
	m.Views = int64Ptr(views)
	return &m, nil
}
