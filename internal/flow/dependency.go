package flow

import (
	"fmt"
	"sort"
	"strings"
)

// Visibility is whether a question is shown and its answer included.
type Visibility int

const (
	Visible Visibility = iota
	Gone
)

func (v Visibility) String() string {
	if v == Gone {
		return "GONE"
	}
	return "VISIBLE"
}

// VisibilityChange is emitted once each time a question flips visibility.
// Iteration is NoIteration unless the question depends on a parent in its
// own repeatable group, in which case each iteration is tracked separately.
type VisibilityChange struct {
	QuestionID string
	Iteration  int
	Visibility Visibility
}

// DependencyEvaluator tracks which questions are visible given the current
// answers and propagates changes to dependent questions.
//
// A question inside a repeatable group whose parent sits in the same group
// is evaluated per iteration against the parent's answer in that iteration.
// Every other question has a single visibility.
type DependencyEvaluator struct {
	form       *Form
	store      *ResponseStore
	logger     Logger
	dependents map[string][]string
	rank       map[string]int
	scoped     map[string]bool
	iterations map[*QuestionGroup]map[int]bool
	visible    map[ResponseKey]bool
	observers  []func(VisibilityChange)

	evaluations int
}

// NewDependencyEvaluator validates the form's dependency graph, computes the
// initial visibility of every question from the store's contents and
// subscribes to the store.
func NewDependencyEvaluator(form *Form, store *ResponseStore, logger Logger) (*DependencyEvaluator, error) {
	if err := ValidateDependencies(form); err != nil {
		return nil, err
	}
	e := &DependencyEvaluator{
		form:       form,
		store:      store,
		logger:     logger,
		dependents: make(map[string][]string),
		rank:       make(map[string]int),
		scoped:     make(map[string]bool),
		iterations: make(map[*QuestionGroup]map[int]bool),
		visible:    make(map[ResponseKey]bool),
	}
	for _, q := range form.Questions() {
		for _, d := range q.Dependencies {
			e.dependents[d.ParentQuestionID] = append(e.dependents[d.ParentQuestionID], q.ID)
			if e.sameGroup(q, d.ParentQuestionID) {
				e.scoped[q.ID] = true
			}
		}
	}
	for _, r := range store.All() {
		if q := form.Question(r.QuestionID); q != nil && q.Repeatable() && r.Iteration >= 0 {
			e.track(q.Group(), r.Iteration)
		}
	}
	order := e.topologicalOrder()
	for i, id := range order {
		e.rank[id] = i
	}
	for _, id := range order {
		for _, key := range e.keysFor(id) {
			if err := e.initialize(key); err != nil {
				return nil, err
			}
		}
	}
	store.Subscribe(e)
	return e, nil
}

// Subscribe registers fn to receive visibility changes.
func (e *DependencyEvaluator) Subscribe(fn func(VisibilityChange)) {
	e.observers = append(e.observers, fn)
}

// IsSatisfied reports whether every dependency of questionID is met outside
// any iteration. A question without dependencies is always satisfied.
func (e *DependencyEvaluator) IsSatisfied(questionID string) bool {
	return e.IsSatisfiedAt(questionID, NoIteration)
}

// IsSatisfiedAt reports whether every dependency of questionID is met in the
// given iteration. Parents in the question's own repeatable group are read at
// that iteration; other parents are read globally.
func (e *DependencyEvaluator) IsSatisfiedAt(questionID string, iteration int) bool {
	q := e.form.Question(questionID)
	if q == nil {
		return true
	}
	for _, d := range q.Dependencies {
		parentIteration := NoIteration
		if iteration != NoIteration && e.sameGroup(q, d.ParentQuestionID) {
			parentIteration = iteration
		}
		if !e.dependencyMet(d, parentIteration) {
			return false
		}
	}
	return true
}

func (e *DependencyEvaluator) dependencyMet(d Dependency, iteration int) bool {
	var r *Response
	if iteration == NoIteration {
		r = e.store.Get(d.ParentQuestionID)
	} else {
		r = e.store.GetIteration(d.ParentQuestionID, iteration)
	}
	if !r.HasValue() || !r.Include {
		return false
	}
	want := strings.TrimSpace(d.MatchValue)
	for _, token := range strings.Split(r.Value, "|") {
		if strings.TrimSpace(token) == want {
			return true
		}
	}
	return false
}

// Visibility returns the current visibility of questionID. A question
// evaluated per iteration is Visible when it is shown in any live iteration.
func (e *DependencyEvaluator) Visibility(questionID string) Visibility {
	if !e.scoped[questionID] {
		return e.VisibilityAt(questionID, NoIteration)
	}
	for _, key := range e.keysFor(questionID) {
		if e.visible[key] {
			return Visible
		}
	}
	return Gone
}

// VisibilityAt returns the visibility of questionID in one iteration.
func (e *DependencyEvaluator) VisibilityAt(questionID string, iteration int) Visibility {
	key := e.keyAt(questionID, iteration)
	v, ok := e.visible[key]
	if !ok {
		v = e.IsSatisfiedAt(questionID, key.Iteration)
	}
	if !v {
		return Gone
	}
	return Visible
}

// TrackIteration starts evaluating the questions of group g in a new
// iteration. No change events are emitted for its initial state.
func (e *DependencyEvaluator) TrackIteration(g *QuestionGroup, iteration int) error {
	if !e.track(g, iteration) {
		return nil
	}
	for _, q := range g.Questions {
		if !e.scoped[q.ID] {
			continue
		}
		if err := e.initialize(ResponseKey{QuestionID: q.ID, Iteration: iteration}); err != nil {
			return err
		}
	}
	return nil
}

// ForgetIteration drops the state of a removed iteration of group g.
func (e *DependencyEvaluator) ForgetIteration(g *QuestionGroup, iteration int) {
	delete(e.iterations[g], iteration)
	for _, q := range g.Questions {
		key := ResponseKey{QuestionID: q.ID, Iteration: iteration}
		delete(e.visible, key)
		e.store.clearExcluded(key)
	}
}

// OnAnswerChanged re-evaluates every question that transitively depends on
// the changed question. Each one is evaluated once per tracked key, parents
// before children, so a chain of N questions costs N evaluations per key.
func (e *DependencyEvaluator) OnAnswerChanged(changed ResponseKey) {
	if q := e.form.Question(changed.QuestionID); q != nil && q.Repeatable() && changed.Iteration >= 0 &&
		e.store.GetIteration(changed.QuestionID, changed.Iteration) != nil {
		if err := e.TrackIteration(q.Group(), changed.Iteration); err != nil {
			e.logger.Error("tracking iteration", "question", changed.QuestionID, "iteration", changed.Iteration, "error", err)
		}
	}

	affected := e.descendants(changed.QuestionID)
	sort.Slice(affected, func(i, j int) bool { return e.rank[affected[i]] < e.rank[affected[j]] })

	for _, id := range affected {
		for _, key := range e.keysFor(id) {
			e.evaluations++
			sat := e.IsSatisfiedAt(id, key.Iteration)
			if sat == e.visible[key] {
				continue
			}
			e.visible[key] = sat
			if err := e.applyInclude(key, sat); err != nil {
				e.logger.Error("updating include flag", "question", key.String(), "error", err)
			}
			change := VisibilityChange{QuestionID: id, Iteration: key.Iteration, Visibility: Visible}
			if !sat {
				change.Visibility = Gone
			}
			for _, fn := range e.observers {
				fn(change)
			}
		}
	}
}

// Evaluations returns how many dependent evaluations have run since creation.
func (e *DependencyEvaluator) Evaluations() int {
	return e.evaluations
}

func (e *DependencyEvaluator) initialize(key ResponseKey) error {
	sat := e.IsSatisfiedAt(key.QuestionID, key.Iteration)
	e.visible[key] = sat
	if err := e.applyInclude(key, sat); err != nil {
		return fmt.Errorf("evaluating %s: %w", key, err)
	}
	return nil
}

func (e *DependencyEvaluator) applyInclude(key ResponseKey, include bool) error {
	if key.Iteration == NoIteration {
		return e.store.setInclude(key.QuestionID, include)
	}
	return e.store.setIncludeAt(key, include)
}

// track records a live iteration and reports whether it was new.
func (e *DependencyEvaluator) track(g *QuestionGroup, iteration int) bool {
	set, ok := e.iterations[g]
	if !ok {
		set = make(map[int]bool)
		e.iterations[g] = set
	}
	if set[iteration] {
		return false
	}
	set[iteration] = true
	return true
}

// keysFor lists the keys questionID is evaluated under, in iteration order.
func (e *DependencyEvaluator) keysFor(questionID string) []ResponseKey {
	if !e.scoped[questionID] {
		return []ResponseKey{{QuestionID: questionID, Iteration: NoIteration}}
	}
	set := e.iterations[e.form.Question(questionID).Group()]
	keys := make([]ResponseKey, 0, len(set))
	for it := range set {
		keys = append(keys, ResponseKey{QuestionID: questionID, Iteration: it})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Iteration < keys[j].Iteration })
	return keys
}

func (e *DependencyEvaluator) keyAt(questionID string, iteration int) ResponseKey {
	if !e.scoped[questionID] {
		iteration = NoIteration
	}
	return ResponseKey{QuestionID: questionID, Iteration: iteration}
}

func (e *DependencyEvaluator) sameGroup(q *Question, parentID string) bool {
	p := e.form.Question(parentID)
	return p != nil && q.Repeatable() && p.Group() == q.Group()
}

// descendants collects the questions reachable from root through dependents.
// The visited set also guards against re-entering a question on the current path.
func (e *DependencyEvaluator) descendants(root string) []string {
	visited := map[string]bool{root: true}
	var out []string
	stack := append([]string(nil), e.dependents[root]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		out = append(out, id)
		stack = append(stack, e.dependents[id]...)
	}
	return out
}

// topologicalOrder lists questions with every parent before its dependents.
func (e *DependencyEvaluator) topologicalOrder() []string {
	done := make(map[string]bool)
	var order []string
	var visit func(id string)
	visit = func(id string) {
		if done[id] {
			return
		}
		done[id] = true
		if q := e.form.Question(id); q != nil {
			for _, d := range q.Dependencies {
				if e.form.Question(d.ParentQuestionID) != nil {
					visit(d.ParentQuestionID)
				}
			}
		}
		order = append(order, id)
	}
	for _, q := range e.form.Questions() {
		visit(q.ID)
	}
	return order
}
