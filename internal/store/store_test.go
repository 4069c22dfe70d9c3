package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chanfetch/chanfetch/pkg/fetchlib"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func storedMsg(id int64, text string, withMedia bool) *fetchlib.Message {
	m := &fetchlib.Message{
		SourceMessageID: id,
		Text:            text,
		SenderName:      "editor",
		SentAt:          time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Hour),
	}
	if withMedia {
		m.Media = &fetchlib.Media{
			Type:     fetchlib.MediaVideo,
			Size:     1024,
			Filename: "clip.mp4",
			Ref:      "ref",
		}
	}
	return m
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	task := &fetchlib.Task{
		Name:        "daily sweep",
		ResourceKey: "news",
		IsActive:    true,
		MaxRuns:     5,
		Recurrence:  fetchlib.Recurrence{Kind: fetchlib.RecurrenceDaily, Hour: 9, Minute: 30},
		DateRange:   &fetchlib.DateRange{From: &from},
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == "" {
		t.Fatal("CreateTask must assign an id")
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Name != task.Name || got.Status != fetchlib.TaskPending || got.MaxRuns != 5 {
		t.Errorf("got %+v", got)
	}
	if got.Recurrence.Kind != fetchlib.RecurrenceDaily || got.Recurrence.Hour != 9 || got.Recurrence.Minute != 30 {
		t.Errorf("recurrence = %+v", got.Recurrence)
	}
	if got.DateRange == nil || !got.DateRange.From.Equal(from) || got.DateRange.To != nil {
		t.Errorf("date range = %+v", got.DateRange)
	}

	next := time.Date(2026, 3, 11, 9, 30, 0, 0, time.UTC)
	got.Status = fetchlib.TaskCompleted
	got.RunCount = 1
	got.NextRunAt = &next
	got.Progress = fetchlib.TaskProgress{Percent: 100, TotalItems: 3, DownloadedItems: 3}
	if err := s.SaveTask(got); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	again, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if again.Status != fetchlib.TaskCompleted || again.RunCount != 1 || again.Progress.Percent != 100 {
		t.Errorf("after save: %+v", again)
	}
	if again.NextRunAt == nil || !again.NextRunAt.Equal(next) {
		t.Errorf("next run = %v, want %v", again.NextRunAt, next)
	}
}

func TestSaveTaskUnknownID(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveTask(&fetchlib.Task{ID: "missing", Status: fetchlib.TaskPending})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
	if _, err := s.GetTask("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTask err = %v, want ErrTaskNotFound", err)
	}
}

func TestListDueTasks(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	mk := func(name string, mutate func(*fetchlib.Task)) {
		t.Helper()
		task := &fetchlib.Task{Name: name, ResourceKey: "news", IsActive: true}
		mutate(task)
		if err := s.CreateTask(task); err != nil {
			t.Fatalf("CreateTask %s: %v", name, err)
		}
	}
	mk("due-past", func(task *fetchlib.Task) { task.NextRunAt = &past })
	mk("due-unset", func(task *fetchlib.Task) {})
	mk("not-yet", func(task *fetchlib.Task) { task.NextRunAt = &future })
	mk("inactive", func(task *fetchlib.Task) { task.IsActive = false; task.NextRunAt = &past })
	mk("running", func(task *fetchlib.Task) { task.Status = fetchlib.TaskRunning; task.NextRunAt = &past })

	due, err := s.ListDueTasks(now)
	if err != nil {
		t.Fatalf("ListDueTasks: %v", err)
	}
	names := make(map[string]bool, len(due))
	for _, task := range due {
		names[task.Name] = true
	}
	if len(due) != 2 || !names["due-past"] || !names["due-unset"] {
		t.Errorf("due = %v", names)
	}
}

func TestActiveRulesOrderedByPriority(t *testing.T) {
	s := newTestStore(t)
	task := &fetchlib.Task{Name: "t", ResourceKey: "news", IsActive: true}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	min := int64(100)
	mk := func(name string, priority int, active bool) string {
		t.Helper()
		r := &fetchlib.Rule{
			Name:             name,
			Priority:         priority,
			IsActive:         active,
			Keywords:         []string{"breaking"},
			MediaTypes:       []fetchlib.MediaType{fetchlib.MediaVideo},
			MinViews:         &min,
			IncludeForwarded: true,
		}
		if err := s.CreateRule(r); err != nil {
			t.Fatalf("CreateRule %s: %v", name, err)
		}
		if err := s.LinkRule(task.ID, r.ID, true, priority); err != nil {
			t.Fatalf("LinkRule %s: %v", name, err)
		}
		return r.ID
	}
	mk("low", 1, true)
	mk("high", 9, true)
	mk("dormant", 50, false)

	rules, err := s.ActiveRules(task.ID)
	if err != nil {
		t.Fatalf("ActiveRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[0].Name != "high" || rules[1].Name != "low" {
		t.Errorf("order = [%s %s], want [high low]", rules[0].Name, rules[1].Name)
	}
	r := rules[0]
	if len(r.Keywords) != 1 || r.Keywords[0] != "breaking" {
		t.Errorf("keywords = %v", r.Keywords)
	}
	if len(r.MediaTypes) != 1 || r.MediaTypes[0] != fetchlib.MediaVideo {
		t.Errorf("media types = %v", r.MediaTypes)
	}
	if r.MinViews == nil || *r.MinViews != 100 || r.MaxViews != nil {
		t.Errorf("view bounds = %v/%v", r.MinViews, r.MaxViews)
	}
}

func TestUpsertMessagesIdempotent(t *testing.T) {
	s := newTestStore(t)
	batch := []*fetchlib.Message{
		storedMsg(1, "first", true),
		storedMsg(2, "second", false),
	}

	inserted, err := s.UpsertMessages("news", batch)
	if err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}

	// Re-ingesting the same batch plus one new message inserts only the
	// new one.
	batch = append(batch, storedMsg(3, "third", true))
	inserted, err = s.UpsertMessages("news", batch)
	if err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted = %d on re-ingest, want 1", inserted)
	}
	if n, _ := s.MessageCount("news"); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestMessagesQueryFilters(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpsertMessages("news", []*fetchlib.Message{
		storedMsg(1, "with media", true),
		storedMsg(2, "text only", false),
		storedMsg(3, "late media", true),
	}); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}

	got, err := s.Messages("news", fetchlib.MessageQuery{HasMedia: true})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != 2 || got[0].SourceMessageID != 1 || got[1].SourceMessageID != 3 {
		t.Fatalf("media filter: got %d messages", len(got))
	}
	if got[0].Media == nil || got[0].Media.Type != fetchlib.MediaVideo {
		t.Errorf("media = %+v", got[0].Media)
	}

	// Range keeps only the last message (sent base+3h).
	from := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	got, err = s.Messages("news", fetchlib.MessageQuery{HasMedia: true, Range: &fetchlib.DateRange{From: &from}})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(got) != 1 || got[0].SourceMessageID != 3 {
		t.Errorf("range filter: got %+v", got)
	}

	// Unknown resource yields an empty result, not an error.
	got, err = s.Messages("other", fetchlib.MessageQuery{})
	if err != nil || len(got) != 0 {
		t.Errorf("unknown resource: %v, %v", got, err)
	}
}

func TestDownloadRecords(t *testing.T) {
	s := newTestStore(t)

	if rec, err := s.GetDownload("news", 1); err != nil || rec != nil {
		t.Fatalf("empty lookup: %v, %v", rec, err)
	}

	if err := s.RecordProgress("news", 1, "media/news/1.mp4", 40, 2048); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}
	rec, err := s.GetDownload("news", 1)
	if err != nil {
		t.Fatalf("GetDownload: %v", err)
	}
	if rec.Status != fetchlib.StatusDownloading {
		t.Errorf("status = %s, want downloading", rec.Status)
	}

	if err := s.RecordDownload(fetchlib.DownloadRecord{
		ResourceKey:     "news",
		SourceMessageID: 1,
		Destination:     "media/news/1.mp4",
		Status:          fetchlib.StatusDownloaded,
	}); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}
	rec, err = s.GetDownload("news", 1)
	if err != nil {
		t.Fatalf("GetDownload: %v", err)
	}
	if rec.Status != fetchlib.StatusDownloaded || rec.Destination != "media/news/1.mp4" {
		t.Errorf("record = %+v", rec)
	}

	// Failures overwrite with the error message.
	if err := s.RecordDownload(fetchlib.DownloadRecord{
		ResourceKey:     "news",
		SourceMessageID: 1,
		Destination:     "media/news/1.mp4",
		Status:          fetchlib.StatusFailed,
		Error:           "source exploded",
	}); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}
	rec, _ = s.GetDownload("news", 1)
	if rec.Status != fetchlib.StatusFailed || rec.Error != "source exploded" {
		t.Errorf("record = %+v", rec)
	}
}

func TestWithRetry(t *testing.T) {
	// Non-busy errors return immediately, without retrying.
	boom := errors.New("UNIQUE constraint failed")
	var calls int
	if err := withRetry(func() error { calls++; return boom }); !errors.Is(err, boom) {
		t.Errorf("err = %v, want the original error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d for a non-busy error, want 1", calls)
	}

	// Transient contention is retried until fn succeeds.
	calls = 0
	err := withRetry(func() error {
		calls++
		if calls == 1 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("err = %v after %d calls, want success on the second", err, calls)
	}
}

func TestIsBusy(t *testing.T) {
	busy := []string{"database is locked", "sqlite error: SQLITE_BUSY", "table is locked"}
	for _, msg := range busy {
		if !isBusy(errors.New(msg)) {
			t.Errorf("%q must classify as busy", msg)
		}
	}
	if isBusy(nil) || isBusy(errors.New("no such table")) {
		t.Error("non-contention errors must not classify as busy")
	}
}

func TestSubscribedResources(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveResource(Resource{Key: "news", Title: "News", PollInterval: time.Minute, Subscribed: true}); err != nil {
		t.Fatalf("SaveResource: %v", err)
	}
	if err := s.SaveResource(Resource{Key: "muted", Subscribed: false}); err != nil {
		t.Fatalf("SaveResource: %v", err)
	}

	subs, err := s.SubscribedResources()
	if err != nil {
		t.Fatalf("SubscribedResources: %v", err)
	}
	if len(subs) != 1 || subs[0].Key != "news" || subs[0].PollInterval != time.Minute {
		t.Errorf("subs = %+v", subs)
	}
}
