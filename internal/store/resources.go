package store

import (
	"fmt"
	"time"
)

// Resource is a subscribed external message source polled by the syncer.
type Resource struct {
	Key          string
	Title        string
	PollInterval time.Duration
	Subscribed   bool
}

// SaveResource inserts or updates a resource subscription.
func (s *Store) SaveResource(r Resource) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`INSERT INTO resources (key, title, poll_interval_sec, subscribed)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
			  title = excluded.title,
			  poll_interval_sec = excluded.poll_interval_sec,
			  subscribed = excluded.subscribed`,
			r.Key, r.Title, int64(r.PollInterval/time.Second), boolToInt(r.Subscribed))
		if err != nil {
			return fmt.Errorf("save resource: %w", err)
		}
		return nil
	})
}

// SubscribedResources returns the resources the sync poller should follow.
func (s *Store) SubscribedResources() ([]Resource, error) {
	rows, err := s.db.Query(`SELECT key, title, poll_interval_sec, subscribed
		FROM resources WHERE subscribed = 1 ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("subscribed resources: %w", err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		var (
			r           Resource
			intervalSec int64
			subscribed  int
		)
		if err := rows.Scan(&r.Key, &r.Title, &intervalSec, &subscribed); err != nil {
			return nil, err
		}
		r.PollInterval = time.Duration(intervalSec) * time.Second
		r.Subscribed = subscribed != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
