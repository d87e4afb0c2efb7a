package ledger

import (
	"testing"
	"time"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestHash_NormalizesText(t *testing.T) {
	a := Hash([]byte("\xEF\xBB\xBFมาตรา ๑  \r\nข้อความ\r\n\r\n"))
	b := Hash([]byte("มาตรา ๑\nข้อความ"))
	if a != b {
		t.Errorf("hashes differ for equivalent text: %s vs %s", a, b)
	}
	if Hash([]byte("มาตรา ๑")) == Hash([]byte("มาตรา ๒")) {
		t.Error("different content must hash differently")
	}
}

func TestHash_NFC(t *testing.T) {
	// e + combining acute vs precomposed é
	if Hash([]byte("cafe\u0301")) != Hash([]byte("caf\u00e9")) {
		t.Error("NFC-equivalent text should hash identically")
	}
}

func TestCheck_Lifecycle(t *testing.T) {
	l := openTestLedger(t)

	st, err := l.Check("h1")
	if err != nil || st != StatusNew {
		t.Fatalf("Check(new) = %v, %v", st, err)
	}

	if err := l.Record(Record{Hash: "h1", SourceID: "a.pdf", Outcome: OutcomeFailed, Error: "timeout"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if st, _ := l.Check("h1"); st != StatusFailed {
		t.Errorf("after failure Check = %v, want failed", st)
	}

	if err := l.Record(Record{Hash: "h1", SourceID: "a.pdf", Outcome: OutcomeDone}); err != nil {
		t.Fatalf("Record done: %v", err)
	}
	if st, _ := l.Check("h1"); st != StatusDone {
		t.Errorf("after success Check = %v, want done", st)
	}
}

func TestRecord_DoneNeverDowngraded(t *testing.T) {
	l := openTestLedger(t)

	l.Record(Record{Hash: "h1", SourceID: "a.pdf", Outcome: OutcomeDone})
	l.Record(Record{Hash: "h1", SourceID: "b.pdf", Outcome: OutcomeFailed, Error: "late failure"})

	if st, _ := l.Check("h1"); st != StatusDone {
		t.Errorf("Check = %v, done must survive a later failure", st)
	}

	n := 0
	l.Journal(func(Record) error { n++; return nil })
	if n != 2 {
		t.Errorf("journal entries = %d, want 2 (append-only)", n)
	}
}

func TestRetryList(t *testing.T) {
	l := openTestLedger(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	l.Record(Record{Hash: "h2", SourceID: "b.pdf", Outcome: OutcomeFailed, Timestamp: base.Add(time.Minute)})
	l.Record(Record{Hash: "h1", SourceID: "a.pdf", Outcome: OutcomeFailed, Timestamp: base})
	l.Record(Record{Hash: SourceKey("c.pdf"), SourceID: "c.pdf", Outcome: OutcomeFailed, Timestamp: base.Add(2 * time.Minute)})
	l.Record(Record{Hash: "h3", SourceID: "d.pdf", Outcome: OutcomeDone, Timestamp: base})

	// c.pdf is fetched successfully later; its fetch failure is resolved.
	l.Record(Record{Hash: "h4", SourceID: "c.pdf", Outcome: OutcomeDone, Timestamp: base.Add(3 * time.Minute)})

	list, err := l.RetryList()
	if err != nil {
		t.Fatalf("RetryList: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("retry list = %+v, want 2 entries", list)
	}
	if list[0].SourceID != "a.pdf" || list[1].SourceID != "b.pdf" {
		t.Errorf("retry order = %s, %s", list[0].SourceID, list[1].SourceID)
	}

	if st, _ := l.Check(SourceKey("c.pdf")); st != StatusNew {
		t.Errorf("source key after success = %v, want new", st)
	}

	stats, err := l.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Done != 2 || stats.Failed != 2 || stats.Retry != 2 || stats.Journal != 5 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestLedger_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Path: dir, SyncWrites: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Record(Record{Hash: "h1", Outcome: OutcomeDone}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	l.Close()

	l2, err := Open(Config{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	if st, _ := l2.Check("h1"); st != StatusDone {
		t.Errorf("Check after reopen = %v, want done", st)
	}
}
