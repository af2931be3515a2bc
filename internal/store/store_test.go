package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetOutputProject(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p, err := s.CreateOutputProject(ctx, "op_A", "/ws/A")
	if err != nil {
		t.Fatalf("CreateOutputProject: %v", err)
	}
	if p.Status != StatusCreated {
		t.Fatalf("new project status = %q, want %q", p.Status, StatusCreated)
	}

	got, err := s.GetOutputProject(ctx, "op_A")
	if err != nil {
		t.Fatalf("GetOutputProject: %v", err)
	}
	if got.WorkspacePath != "/ws/A" || got.AgentSessionID.Valid {
		t.Fatalf("unexpected project: %+v", got)
	}
}

func TestSetAgentSessionIDIfNullWinsOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.CreateOutputProject(ctx, "op_B", "/ws/B"); err != nil {
		t.Fatalf("CreateOutputProject: %v", err)
	}

	ok, err := s.SetAgentSessionIDIfNull(ctx, "op_B", "ag_42")
	if err != nil {
		t.Fatalf("SetAgentSessionIDIfNull: %v", err)
	}
	if !ok {
		t.Fatal("first set should win")
	}

	ok, err = s.SetAgentSessionIDIfNull(ctx, "op_B", "ag_99")
	if err != nil {
		t.Fatalf("SetAgentSessionIDIfNull: %v", err)
	}
	if ok {
		t.Fatal("second set should not win once already set")
	}

	got, err := s.GetOutputProject(ctx, "op_B")
	if err != nil {
		t.Fatalf("GetOutputProject: %v", err)
	}
	if got.AgentSessionID.String != "ag_42" {
		t.Fatalf("agent_session_id = %q, want ag_42", got.AgentSessionID.String)
	}
}

func TestSetAgentSessionIDIfNullConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.CreateOutputProject(ctx, "op_C", "/ws/C"); err != nil {
		t.Fatalf("CreateOutputProject: %v", err)
	}

	const n = 10
	wins := make([]bool, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ok, err := s.SetAgentSessionIDIfNull(ctx, "op_C", "ag_concurrent")
			if err != nil {
				t.Errorf("SetAgentSessionIDIfNull: %v", err)
				return
			}
			wins[i] = ok
		}(i)
	}
	wg.Wait()

	winCount := 0
	for _, w := range wins {
		if w {
			winCount++
		}
	}
	if winCount != 1 {
		t.Fatalf("expected exactly one winner, got %d", winCount)
	}
}

func TestGetOutputProjectNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetOutputProject(context.Background(), "missing"); err == nil {
		t.Fatal("want error for missing project")
	}
}

func TestCreateAndDeliverMilestone(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.CreateOutputProject(ctx, "op_D", "/ws/D"); err != nil {
		t.Fatalf("CreateOutputProject: %v", err)
	}

	m, err := s.CreateMilestone(ctx, "m_1", "op_D", "/ws/D/.planning/m_1/CONTEXT.md")
	if err != nil {
		t.Fatalf("CreateMilestone: %v", err)
	}
	if m.DeliveredAt.Valid {
		t.Fatal("new milestone should not be delivered yet")
	}

	if err := s.MarkMilestoneDelivered(ctx, "m_1"); err != nil {
		t.Fatalf("MarkMilestoneDelivered: %v", err)
	}

	got, err := s.GetMilestone(ctx, "m_1")
	if err != nil {
		t.Fatalf("GetMilestone: %v", err)
	}
	if !got.DeliveredAt.Valid {
		t.Fatal("milestone should be marked delivered")
	}
}
