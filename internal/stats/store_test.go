package stats

import (
	"testing"

	"stalewatch/internal/model"
)

func TestUpdateAndGet(t *testing.T) {
	s := NewStore(10)
	s.Update("org-1", model.OrgStats{OrgID: "org-1", TotalSources: 3})
	s.Update("org-1", model.OrgStats{OrgID: "org-1", TotalSources: 5})

	st, updated, ok := s.Get("org-1")
	if !ok || st.TotalSources != 5 {
		t.Fatalf("got %+v ok=%v, want the latest stats", st, ok)
	}
	if updated.IsZero() {
		t.Fatalf("update timestamp missing")
	}
	if _, _, ok := s.Get("org-2"); ok {
		t.Fatalf("unknown org must not be found")
	}
}

func TestEmptyOrgIgnored(t *testing.T) {
	s := NewStore(10)
	s.Update("", model.OrgStats{TotalSources: 1})
	if len(s.GetAll()) != 0 {
		t.Fatalf("empty org id must be ignored")
	}
}

func TestEvictOldest(t *testing.T) {
	s := NewStore(2)
	s.Update("org-a", model.OrgStats{OrgID: "org-a"})
	s.Update("org-b", model.OrgStats{OrgID: "org-b"})
	s.Update("org-c", model.OrgStats{OrgID: "org-c"})

	all := s.GetAll()
	if len(all) != 2 {
		t.Fatalf("got %d orgs, want the limit of 2", len(all))
	}
	if _, ok := all["org-a"]; ok {
		t.Fatalf("the oldest org must be evicted")
	}
	if _, ok := all["org-c"]; !ok {
		t.Fatalf("the newest org must survive")
	}
}

func TestClear(t *testing.T) {
	s := NewStore(10)
	s.Update("org-1", model.OrgStats{OrgID: "org-1"})
	s.Clear()
	if len(s.GetAll()) != 0 {
		t.Fatalf("clear must drop all stats")
	}
}
