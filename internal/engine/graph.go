package engine

import (
	"fmt"

	"github.com/shaiso/resumeflow/internal/domain"
)

// Node — узел графа стадий.
type Node struct {
	// Stage — определение стадии (nil для join-узла).
	Stage *domain.StageDef

	// ID — идентификатор узла. Для ветвей: "{parallel}.{branch}".
	ID string

	// Index — индекс стадии верхнего уровня в порядке объявления.
	Index int

	// InDegree — количество входящих рёбер.
	InDegree int

	// DependsOn — узлы, от которых зависит этот узел.
	DependsOn []*Node

	// Dependents — узлы, которые зависят от этого узла.
	Dependents []*Node

	// IsJoin — виртуальный узел fan-in для parallel стадии.
	IsJoin bool

	// ParallelID — ID родительской parallel стадии (для ветвей и join).
	ParallelID string
}

// Graph — направленный ациклический граф стадий pipeline.
//
// Стадии верхнего уровня выполняются строго в порядке объявления.
// Parallel стадия раскрывается в узлы ветвей и join-узел:
//
//	refine → refine.ats_optimize    ↘
//	       → refine.cover_letter     → refine.join → save_results
//	       → refine.critical_review ↗
type Graph struct {
	// Nodes — все узлы графа.
	Nodes map[string]*Node

	// Stages — узлы стадий верхнего уровня в порядке объявления.
	Stages []*Node

	// Order — топологический порядок всех узлов.
	Order []*Node
}

// BuildGraph строит граф из PipelineSpec.
//
// Помимо явных depends_on каждая стадия неявно зависит от предыдущей
// (точнее, от её join-узла): это и задаёт последовательную цепочку.
func BuildGraph(spec *domain.PipelineSpec) (*Graph, error) {
	g := &Graph{
		Nodes:  make(map[string]*Node),
		Stages: make([]*Node, 0, len(spec.Stages)),
	}

	// Первый проход: создаём узлы
	for i := range spec.Stages {
		stage := &spec.Stages[i]
		if _, exists := g.Nodes[stage.ID]; exists {
			return nil, NewValidationError(stage.ID, "id",
				fmt.Sprintf("duplicate stage ID: %s", stage.ID), ErrDuplicateStageID)
		}
		node := g.addNode(stage, stage.ID, i)
		g.Stages = append(g.Stages, node)

		if stage.IsParallel() {
			g.addParallelNodes(stage, i)
		}
	}

	// Второй проход: связываем
	for i := range spec.Stages {
		if err := g.linkStage(spec, i); err != nil {
			return nil, err
		}
	}

	order, err := g.topologicalSort()
	if err != nil {
		return nil, err
	}
	g.Order = order

	return g, nil
}

func (g *Graph) addNode(stage *domain.StageDef, id string, index int) *Node {
	node := &Node{
		Stage:      stage,
		ID:         id,
		Index:      index,
		DependsOn:  make([]*Node, 0),
		Dependents: make([]*Node, 0),
	}
	g.Nodes[id] = node
	return node
}

// addParallelNodes добавляет узлы ветвей и join-узел.
func (g *Graph) addParallelNodes(stage *domain.StageDef, index int) {
	for i := range stage.Branches {
		branch := &stage.Branches[i]
		node := g.addNode(branch, BranchNodeID(stage.ID, branch.ID), index)
		node.ParallelID = stage.ID
	}

	join := g.addNode(nil, JoinNodeID(stage.ID), index)
	join.IsJoin = true
	join.ParallelID = stage.ID
}

// linkStage связывает стадию с предыдущей, с явными зависимостями и ветвями.
func (g *Graph) linkStage(spec *domain.PipelineSpec, index int) error {
	stage := &spec.Stages[index]
	node := g.Nodes[stage.ID]

	if index > 0 {
		g.addEdge(g.exitNode(&spec.Stages[index-1]), node)
	}

	for _, depID := range stage.DependsOn {
		if depID == stage.ID {
			return NewValidationError(stage.ID, "depends_on",
				"stage depends on itself", ErrSelfDependency)
		}
		dep, exists := g.Nodes[depID]
		if !exists || dep.ParallelID != "" {
			return NewValidationError(stage.ID, "depends_on",
				fmt.Sprintf("depends on unknown stage: %s", depID), ErrMissingDependency)
		}
		if dep.Index > index {
			return NewValidationError(stage.ID, "depends_on",
				fmt.Sprintf("depends on later stage: %s", depID), ErrForwardDependency)
		}
		g.addEdge(g.exitNode(dep.Stage), node)
	}

	if stage.IsParallel() {
		join := g.Nodes[JoinNodeID(stage.ID)]
		for i := range stage.Branches {
			branch := g.Nodes[BranchNodeID(stage.ID, stage.Branches[i].ID)]
			g.addEdge(node, branch)
			g.addEdge(branch, join)
		}
	}

	return nil
}

// exitNode возвращает узел, после которого стадия считается завершённой.
func (g *Graph) exitNode(stage *domain.StageDef) *Node {
	if stage.IsParallel() {
		return g.Nodes[JoinNodeID(stage.ID)]
	}
	return g.Nodes[stage.ID]
}

// addEdge добавляет ребро, пропуская дубликаты.
func (g *Graph) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.ID == from.ID {
			return
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// topologicalSort — алгоритм Кана. Очередь заполняется в порядке
// объявления, поэтому результат детерминирован.
func (g *Graph) topologicalSort() ([]*Node, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	for id, node := range g.Nodes {
		inDegree[id] = node.InDegree
	}

	queue := make([]*Node, 0)
	for _, node := range g.Stages {
		if node.InDegree == 0 {
			queue = append(queue, node)
		}
	}

	order := make([]*Node, 0, len(g.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, dependent := range node.Dependents {
			inDegree[dependent.ID]--
			if inDegree[dependent.ID] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(g.Nodes) {
		return nil, ErrCyclicDependency
	}
	return order, nil
}

// GetNode возвращает узел по ID.
func (g *Graph) GetNode(id string) *Node {
	return g.Nodes[id]
}

// Size возвращает количество узлов.
func (g *Graph) Size() int {
	return len(g.Nodes)
}

// Len возвращает количество стадий верхнего уровня.
func (g *Graph) Len() int {
	return len(g.Stages)
}

// Branches возвращает узлы ветвей parallel стадии в порядке объявления.
func (g *Graph) Branches(stageID string) []*Node {
	node := g.Nodes[stageID]
	if node == nil || node.Stage == nil || !node.Stage.IsParallel() {
		return nil
	}
	branches := make([]*Node, 0, len(node.Stage.Branches))
	for i := range node.Stage.Branches {
		branches = append(branches, g.Nodes[BranchNodeID(stageID, node.Stage.Branches[i].ID)])
	}
	return branches
}

// Upstream возвращает ID стадий верхнего уровня, от которых транзитивно
// зависит стадия (без неё самой), в порядке объявления.
func (g *Graph) Upstream(stageID string) []string {
	start := g.Nodes[stageID]
	if start == nil {
		return nil
	}

	seen := make(map[int]bool)
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, dep := range n.DependsOn {
			if dep.Index != start.Index && !seen[dep.Index] {
				seen[dep.Index] = true
			}
			walk(dep)
		}
	}
	walk(start)

	ids := make([]string, 0, len(seen))
	for _, node := range g.Stages {
		if seen[node.Index] {
			ids = append(ids, node.ID)
		}
	}
	return ids
}

// BranchNodeID возвращает ID узла ветви.
func BranchNodeID(parallelID, branchID string) string {
	return parallelID + "." + branchID
}

// JoinNodeID возвращает ID join-узла parallel стадии.
func JoinNodeID(parallelID string) string {
	return parallelID + ".join"
}
