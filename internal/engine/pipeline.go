package engine

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/shaiso/resumeflow/internal/domain"
)

//go:embed default_pipeline.yaml
var defaultPipelineYAML []byte

// DefaultSpec возвращает встроенное определение pipeline резюме.
func DefaultSpec() (*domain.PipelineSpec, error) {
	return ParseSpec(defaultPipelineYAML)
}

// Pipeline — провалидированный и скомпилированный pipeline.
//
// Неизменяем после Compile и разделяется всеми run.
type Pipeline struct {
	Spec  *domain.PipelineSpec
	Graph *Graph

	stages []*Stage
	byID   map[string]*Stage
}

// Stage — скомпилированная стадия (или ветвь).
type Stage struct {
	Def       *domain.StageDef
	Index     int
	Parent    string
	Timeout   time.Duration
	Retry     *domain.RetryPolicy
	Projector *Projector
	Condition *Condition
	Branches  []*Stage
}

// ID возвращает ID стадии.
func (s *Stage) ID() string {
	return s.Def.ID
}

// IsParallel возвращает true для fan-out стадии.
func (s *Stage) IsParallel() bool {
	return s.Def.IsParallel()
}

// Input строит вход стадии из документа контекста.
func (s *Stage) Input(doc map[string]any) (map[string]any, error) {
	return s.Projector.Project(doc)
}

// ShouldRun вычисляет условие when.
func (s *Stage) ShouldRun(doc map[string]any) (bool, error) {
	return s.Condition.Eval(doc)
}

// Compile валидирует spec и компилирует проекции и условия.
func Compile(spec *domain.PipelineSpec, known func(operation string) bool) (*Pipeline, error) {
	Normalize(spec)

	if err := Validate(spec, known); err != nil {
		return nil, err
	}

	graph, err := BuildGraph(spec)
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}

	p := &Pipeline{
		Spec:   spec,
		Graph:  graph,
		stages: make([]*Stage, 0, len(spec.Stages)),
		byID:   make(map[string]*Stage),
	}

	for i := range spec.Stages {
		stage, err := p.compileStage(&spec.Stages[i], i, "")
		if err != nil {
			return nil, err
		}
		for j := range spec.Stages[i].Branches {
			branch, err := p.compileStage(&spec.Stages[i].Branches[j], i, stage.ID())
			if err != nil {
				return nil, err
			}
			stage.Branches = append(stage.Branches, branch)
		}
		p.stages = append(p.stages, stage)
	}

	return p, nil
}

func (p *Pipeline) compileStage(def *domain.StageDef, index int, parent string) (*Stage, error) {
	projector, err := NewProjector(def.Inputs)
	if err != nil {
		return nil, NewValidationError(def.ID, "inputs", err.Error(), ErrInvalidExpression)
	}
	condition, err := NewCondition(def.When)
	if err != nil {
		return nil, NewValidationError(def.ID, "when", err.Error(), ErrInvalidExpression)
	}
	if err := validateTemplates(def.Config); err != nil {
		return nil, NewValidationError(def.ID, "config", err.Error(), ErrTemplateParse)
	}

	stage := &Stage{
		Def:       def,
		Index:     index,
		Parent:    parent,
		Timeout:   p.Spec.StageTimeout(def),
		Retry:     p.Spec.RetryFor(def),
		Projector: projector,
		Condition: condition,
	}
	p.byID[def.ID] = stage
	return stage, nil
}

// Len возвращает количество стадий верхнего уровня.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Stage возвращает стадию по индексу (nil за пределами).
func (p *Pipeline) Stage(index int) *Stage {
	if index < 0 || index >= len(p.stages) {
		return nil
	}
	return p.stages[index]
}

// Lookup возвращает стадию или ветвь по ID.
func (p *Pipeline) Lookup(id string) *Stage {
	return p.byID[id]
}

// RunTimeout возвращает общий лимит времени run.
func (p *Pipeline) RunTimeout() time.Duration {
	return p.Spec.RunTimeout()
}

// Name возвращает имя pipeline.
func (p *Pipeline) Name() string {
	return p.Spec.Name
}

// Version возвращает версию pipeline.
func (p *Pipeline) Version() int {
	return p.Spec.Version
}
