package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func ptr(f float64) *float64 { return &f }

func sampleRecord() Record {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return Record{
		ID:        NewRecordID(),
		SessionID: "sess_1",
		StartedAt: start,
		EndedAt:   start.Add(time.Minute),
		Entries: []Entry{
			{Role: RoleUser, Text: "what's my balance", Timestamp: start, Final: true},
			{Role: RoleAssistant, Text: "It is 100 pounds.", Timestamp: start.Add(2 * time.Second), Final: true, Sentiment: ptr(0.5)},
		},
		Usage: Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, CostUSD: 0.01},
	}
}

func TestAverageSentiment(t *testing.T) {
	if got := AverageSentiment(nil); got != nil {
		t.Fatalf("AverageSentiment(nil)=%v, want nil", *got)
	}
	got := AverageSentiment([]Entry{{Sentiment: ptr(0.2)}, {}, {Sentiment: ptr(0.6)}})
	if got == nil || *got < 0.399 || *got > 0.401 {
		t.Fatalf("AverageSentiment=%v, want 0.4", got)
	}
}

func TestFileStore_WritesSessionFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	rec := sampleRecord()
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "sess_1.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Record
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "sess_1" || len(got.Entries) != 2 {
		t.Fatalf("record=%+v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "tests")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("tests dir should not exist for a non-test session, err=%v", err)
	}
}

func TestFileStore_TestSessionsGetLabelledCopy(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	rec := sampleRecord()
	rec.Test = &TestLabel{Name: "balance check", Outcome: "pass"}
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	want := filepath.Join(dir, "tests", "balance-check_pass_sess_1.json")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected %s: %v", want, err)
	}
}

func TestFileStore_RejectsMissingSessionID(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	rec := sampleRecord()
	rec.SessionID = "../"
	if err := store.Save(context.Background(), rec); err == nil {
		t.Fatalf("expected error for unusable session id")
	}
}

type recordingStore struct {
	saved []Record
	err   error
}

func (r *recordingStore) Save(_ context.Context, rec Record) error {
	r.saved = append(r.saved, rec)
	return r.err
}

func TestMulti_SavesEverywhereAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingStore{}
	b := &recordingStore{err: boom}
	err := Multi{a, nil, b}.Save(context.Background(), sampleRecord())
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
	if len(a.saved) != 1 || len(b.saved) != 1 {
		t.Fatalf("saved a=%d b=%d, want 1 each", len(a.saved), len(b.saved))
	}
}

type fakeExecer struct {
	sql  string
	args []any
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestPostgresStore_Save(t *testing.T) {
	db := &fakeExecer{}
	store := &PostgresStore{db: db}
	rec := sampleRecord()
	rec.Feedback = &Feedback{Rating: 4}
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.Contains(db.sql, "ON CONFLICT (id) DO NOTHING") {
		t.Fatalf("sql=%q", db.sql)
	}
	if len(db.args) != 14 {
		t.Fatalf("args=%d, want 14", len(db.args))
	}
	if db.args[1] != "sess_1" {
		t.Fatalf("session arg=%v", db.args[1])
	}
	if r, ok := db.args[10].(*int); !ok || r == nil || *r != 4 {
		t.Fatalf("rating arg=%v", db.args[10])
	}
	doc, ok := db.args[13].(string)
	if !ok || !strings.Contains(doc, `"sessionId":"sess_1"`) {
		t.Fatalf("record arg=%v", db.args[13])
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("no migrations embedded")
	}
	data, err := fs.ReadFile(migrations, "migrations/"+entries[0].Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "-- +goose Up") {
		t.Fatalf("first migration has no goose Up marker")
	}
}
