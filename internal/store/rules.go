package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chanfetch/chanfetch/pkg/fetchlib"
)

const ruleColumns = `id, name, priority, is_active, keywords, exclude_keywords,
  media_types, sender_filter, min_views, max_views, min_size, max_size,
  date_from, date_to, include_forwarded`

// CreateRule inserts a new rule, assigning an id when it has none.
func (s *Store) CreateRule(r *fetchlib.Rule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	keywords, err := json.Marshal(orEmpty(r.Keywords))
	if err != nil {
		return err
	}
	excluded, err := json.Marshal(orEmpty(r.ExcludeKeywords))
	if err != nil {
		return err
	}
	mediaTypes, err := json.Marshal(r.MediaTypes)
	if err != nil {
		return err
	}
	dr := dateRangeArgs(r.DateRange)
	return withRetry(func() error {
		_, err := s.db.Exec(`INSERT INTO rules (`+ruleColumns+`) VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Name, r.Priority, boolToInt(r.IsActive),
			string(keywords), string(excluded), string(mediaTypes),
			r.SenderFilter,
			nullableInt64(r.MinViews), nullableInt64(r.MaxViews),
			nullableInt64(r.MinSize), nullableInt64(r.MaxSize),
			dr[0], dr[1], boolToInt(r.IncludeForwarded),
		)
		if err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
		return nil
	})
}

// GetRule loads one rule by id.
func (s *Store) GetRule(id string) (*fetchlib.Rule, error) {
	row := s.db.QueryRow(`SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return r, err
}

// LinkRule attaches a rule to a task. The link-level priority governs
// provenance tie-breaks only, never inclusion.
func (s *Store) LinkRule(taskID, ruleID string, active bool, priority int) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`INSERT INTO task_rules (task_id, rule_id, is_active, priority)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (task_id, rule_id) DO UPDATE SET is_active = excluded.is_active, priority = excluded.priority`,
			taskID, ruleID, boolToInt(active), priority)
		if err != nil {
			return fmt.Errorf("link rule: %w", err)
		}
		return nil
	})
}

// ActiveRules returns the active rules linked (actively) to a task, ordered
// by rule priority descending.
func (s *Store) ActiveRules(taskID string) ([]*fetchlib.Rule, error) {
	rows, err := s.db.Query(`SELECT r.id, r.name, r.priority, r.is_active,
		r.keywords, r.exclude_keywords, r.media_types, r.sender_filter,
		r.min_views, r.max_views, r.min_size, r.max_size,
		r.date_from, r.date_to, r.include_forwarded
		FROM rules r
		JOIN task_rules tr ON tr.rule_id = r.id
		WHERE tr.task_id = ? AND tr.is_active = 1 AND r.is_active = 1
		ORDER BY r.priority DESC, r.id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("active rules: %w", err)
	}
	defer rows.Close()

	var rules []*fetchlib.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanRule(row rowScanner) (*fetchlib.Rule, error) {
	var (
		r                              fetchlib.Rule
		isActive, includeForwarded     int
		keywords, excluded, mediaTypes string
		minViews, maxViews             sql.NullInt64
		minSize, maxSize               sql.NullInt64
		dateFrom, dateTo               sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.Priority, &isActive,
		&keywords, &excluded, &mediaTypes, &r.SenderFilter,
		&minViews, &maxViews, &minSize, &maxSize,
		&dateFrom, &dateTo, &includeForwarded,
	)
	if err != nil {
		return nil, err
	}
	r.IsActive = isActive != 0
	r.IncludeForwarded = includeForwarded != 0
	if err := json.Unmarshal([]byte(keywords), &r.Keywords); err != nil {
		return nil, fmt.Errorf("rule %s: keywords: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(excluded), &r.ExcludeKeywords); err != nil {
		return nil, fmt.Errorf("rule %s: exclude keywords: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(mediaTypes), &r.MediaTypes); err != nil {
		return nil, fmt.Errorf("rule %s: media types: %w", r.ID, err)
	}
	r.MinViews = int64Ptr(minViews)
	r.MaxViews = int64Ptr(maxViews)
	r.MinSize = int64Ptr(minSize)
	r.MaxSize = int64Ptr(maxSize)
	if r.DateRange, err = decodeDateRange(dateFrom, dateTo); err != nil {
		return nil, fmt.Errorf("rule %s: date range: %w", r.ID, err)
	}
	return &r, nil
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
