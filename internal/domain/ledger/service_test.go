package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type mockRepo struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string
	err     error
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[string]*Record)}
}

func (m *mockRepo) Exists(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.records[eventID]
	return ok, nil
}

func (m *mockRepo) Insert(_ context.Context, r *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.records[r.EventID]; ok {
		return false, nil
	}
	r.ProcessedAt = time.Now()
	m.records[r.EventID] = r
	m.order = append(m.order, r.EventID)
	return true, nil
}

func (m *mockRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.records[m.order[i]]
		if f.ClinicID != nil && (r.ClinicID == nil || *r.ClinicID != *f.ClinicID) {
			continue
		}
		if f.EventType != "" && r.EventType != f.EventType {
			continue
		}
		if f.Action != "" && r.Action != f.Action {
			continue
		}
		out = append(out, r)
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func TestLedger_MarkThenHas(t *testing.T) {
	l := New(newMockRepo())
	ctx := context.Background()
	clinicID := uuid.New()

	has, err := l.HasProcessed(ctx, "evt_1")
	if err != nil || has {
		t.Fatalf("expected unprocessed, got %v %v", has, err)
	}

	inserted, err := l.MarkProcessed(ctx, "evt_1", Outcome{
		EventType: "customer.subscription.created", ClinicID: &clinicID, Action: "activated", ObjectID: "sub_1",
	})
	if err != nil || !inserted {
		t.Fatalf("expected insert, got %v %v", inserted, err)
	}

	has, _ = l.HasProcessed(ctx, "evt_1")
	if !has {
		t.Error("expected evt_1 to be processed")
	}
}

func TestLedger_MarkTwiceIsNoOp(t *testing.T) {
	repo := newMockRepo()
	l := New(repo)
	ctx := context.Background()

	if _, err := l.MarkProcessed(ctx, "evt_1", Outcome{Action: "activated"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inserted, err := l.MarkProcessed(ctx, "evt_1", Outcome{Action: "suspended"})
	if err != nil {
		t.Fatalf("expected no error on duplicate, got %v", err)
	}
	if inserted {
		t.Error("expected duplicate not to insert")
	}
	if repo.records["evt_1"].Action != "activated" {
		t.Errorf("expected first outcome to be kept, got %s", repo.records["evt_1"].Action)
	}
}

func TestLedger_ConcurrentMarkInsertsOnce(t *testing.T) {
	l := New(newMockRepo())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserts := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.MarkProcessed(ctx, "evt_race", Outcome{Action: "activated"})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if ok {
				mu.Lock()
				inserts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if inserts != 1 {
		t.Errorf("expected exactly one insert, got %d", inserts)
	}
}

func TestLedger_Errors(t *testing.T) {
	repo := newMockRepo()
	l := New(repo)
	ctx := context.Background()

	if _, err := l.MarkProcessed(ctx, "", Outcome{}); err == nil {
		t.Error("expected error for empty event id")
	}

	repo.err = errors.New("connection reset")
	if _, err := l.HasProcessed(ctx, "evt_1"); !errors.Is(err, repo.err) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
	if _, err := l.MarkProcessed(ctx, "evt_1", Outcome{}); !errors.Is(err, repo.err) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}

func TestLedger_ObjectIDOptional(t *testing.T) {
	repo := newMockRepo()
	l := New(repo)
	_, _ = l.MarkProcessed(context.Background(), "evt_1", Outcome{Action: "ignored"})
	if repo.records["evt_1"].ObjectID != nil {
		t.Error("expected nil object id")
	}
}
