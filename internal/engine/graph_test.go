package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/resumeflow/internal/domain"
)

func TestBuildGraph_Chain(t *testing.T) {
	spec := &domain.PipelineSpec{
		Stages: []domain.StageDef{
			{ID: "A", Operation: "llm"},
			{ID: "B", Operation: "llm"},
			{ID: "C", Operation: "llm", DependsOn: []string{"A"}},
		},
	}

	g, err := BuildGraph(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if g.Size() != 3 || g.Len() != 3 {
		t.Errorf("expected 3 nodes, got %d/%d", g.Size(), g.Len())
	}

	// Неявная зависимость от предыдущей стадии плюс явная
	c := g.GetNode("C")
	if len(c.DependsOn) != 2 {
		t.Errorf("C should depend on B and A, got %d deps", len(c.DependsOn))
	}

	for i, id := range []string{"A", "B", "C"} {
		if g.Order[i].ID != id {
			t.Errorf("order[%d]: expected %s, got %s", i, id, g.Order[i].ID)
		}
	}
}

func TestBuildGraph_Parallel(t *testing.T) {
	spec := &domain.PipelineSpec{
		Stages: []domain.StageDef{
			{ID: "gen", Operation: "llm"},
			{ID: "refine", Type: "parallel", Branches: []domain.StageDef{
				{ID: "ats", Operation: "llm"},
				{ID: "letter", Operation: "llm"},
				{ID: "review", Operation: "llm"},
			}},
			{ID: "save", Operation: "merge_results"},
		},
	}

	g, err := BuildGraph(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// gen, refine, 3 ветви, join, save
	if g.Size() != 7 {
		t.Errorf("expected 7 nodes, got %d", g.Size())
	}

	join := g.GetNode(JoinNodeID("refine"))
	if join == nil || !join.IsJoin || join.InDegree != 3 {
		t.Fatalf("unexpected join node: %+v", join)
	}

	save := g.GetNode("save")
	if len(save.DependsOn) != 1 || save.DependsOn[0] != join {
		t.Error("save should depend on refine.join")
	}

	branches := g.Branches("refine")
	if len(branches) != 3 || branches[0].ID != "refine.ats" || branches[2].ID != "refine.review" {
		t.Errorf("unexpected branch order: %v", branches)
	}
	if g.Branches("gen") != nil {
		t.Error("task stage should have no branches")
	}

	up := g.Upstream("save")
	if len(up) != 2 || up[0] != "gen" || up[1] != "refine" {
		t.Errorf("unexpected upstream: %v", up)
	}
}

func TestBuildGraph_ForwardDependency(t *testing.T) {
	spec := &domain.PipelineSpec{
		Stages: []domain.StageDef{
			{ID: "A", Operation: "llm", DependsOn: []string{"B"}},
			{ID: "B", Operation: "llm"},
		},
	}

	if _, err := BuildGraph(spec); !errors.Is(err, ErrForwardDependency) {
		t.Errorf("expected ErrForwardDependency, got %v", err)
	}
}
