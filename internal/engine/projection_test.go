package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/resumeflow/internal/domain"
)

func TestProjector_Project(t *testing.T) {
	var rc domain.RunContext
	_ = rc.Append("parse_job", map[string]any{
		"title":    "dev",
		"keywords": []string{"go", "k8s"},
	})
	_ = rc.Append("refine", map[string]any{
		"branches":     []any{map[string]any{"atsScore": 90}},
		"ats_optimize": map[string]any{"atsScore": 90},
	})
	doc := rc.Document(map[string]any{"jobDescription": "Build things"})

	p, err := NewProjector(map[string]string{
		"jd":       ".input.jobDescription",
		"title":    ".parse_job.title",
		"keywords": ".parse_job.keywords",
		"score":    ".refine.ats_optimize.atsScore",
		"missing":  ".analyze_fit.fitScore",
		"first":    ".refine.branches[0]",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input, err := p.Project(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if input["jd"] != "Build things" {
		t.Errorf("unexpected jd: %v", input["jd"])
	}
	if input["title"] != "dev" {
		t.Errorf("unexpected title: %v", input["title"])
	}
	if kw, ok := input["keywords"].([]any); !ok || len(kw) != 2 || kw[0] != "go" {
		t.Errorf("unexpected keywords: %#v", input["keywords"])
	}
	if input["score"] != float64(90) {
		t.Errorf("unexpected score: %#v", input["score"])
	}
	if v, ok := input["missing"]; !ok || v != nil {
		t.Errorf("missing path should project to null, got %v", v)
	}
	if first, ok := input["first"].(map[string]any); !ok || first["atsScore"] != float64(90) {
		t.Errorf("unexpected first branch: %#v", input["first"])
	}
}

func TestProjector_NoInputsPassesDocument(t *testing.T) {
	p, _ := NewProjector(nil)

	input, err := p.Project(map[string]any{"input": map[string]any{"a": "b"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := input["input"]; !ok {
		t.Errorf("expected whole document, got %v", input)
	}
}

func TestProjector_RuntimeError(t *testing.T) {
	p, err := NewProjector(map[string]string{"x": ".input.name.first"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = p.Project(map[string]any{"input": map[string]any{"name": "plain string"}})
	if !errors.Is(err, ErrProjection) {
		t.Errorf("expected ErrProjection, got %v", err)
	}
}

func TestCondition_Eval(t *testing.T) {
	tests := []struct {
		name   string
		source string
		doc    map[string]any
		want   bool
	}{
		{"empty", "", nil, true},
		{"email present", `(input.userEmail ?? "") != ""`, map[string]any{"input": map[string]any{"userEmail": "a@b.c"}}, true},
		{"email missing", `(input.userEmail ?? "") != ""`, map[string]any{"input": map[string]any{}}, false},
		{"score threshold", `analyze_fit.fitScore >= 50`, map[string]any{"analyze_fit": map[string]any{"fitScore": 72.0}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCondition(tt.source)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			got, err := c.Eval(tt.doc)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCompile_InvalidConfigTemplate(t *testing.T) {
	spec, err := ParseSpec([]byte(`
name: broken
version: 1
stages:
  - id: ask
    operation: llm
    config:
      prompt: "{{ .job"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	_, err = Compile(spec, knownOps)
	if !errors.Is(err, ErrTemplateParse) {
		t.Fatalf("expected ErrTemplateParse, got %v", err)
	}
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Stage != "ask" || vErr.Field != "config" {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestCompile_DefaultPipeline(t *testing.T) {
	spec, err := DefaultSpec()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, err := Compile(spec, knownOps)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if p.Len() != 7 {
		t.Errorf("expected 7 stages, got %d", p.Len())
	}
	refine := p.Stage(4)
	if !refine.IsParallel() || len(refine.Branches) != 3 {
		t.Fatalf("unexpected refine stage: %+v", refine.Def)
	}
	if refine.Branches[1].Parent != "refine" {
		t.Errorf("branch parent not set: %q", refine.Branches[1].Parent)
	}
	if p.Lookup("cover_letter") != refine.Branches[1] {
		t.Error("lookup by branch id failed")
	}
	if p.Stage(7) != nil || p.Stage(-1) != nil {
		t.Error("out-of-range stage should be nil")
	}

	save := p.Lookup("save_results")
	if save.Retry.IntervalMs != 2000 {
		t.Errorf("save_results should override retry interval, got %d", save.Retry.IntervalMs)
	}
	if p.Lookup("parse_job").Retry != spec.Defaults.Retry {
		t.Error("stages without retry should share the default policy")
	}
}
