package flow

import (
	"fmt"
	"time"
)

// FormStore persists what a FormEngine changes.
type FormStore interface {
	ResponsePersister
	SubmitInstance(instanceID int64, submittedAt time.Time, duration time.Duration) error
	UpdateDataPointDisplay(dataPointID, name string, loc *GeoLocation) error
}

// FormEngine drives capture for one FormInstance: it owns the ResponseStore,
// the DependencyEvaluator and the iteration sets of the repeatable groups.
// Calls run synchronously on the caller's goroutine.
type FormEngine struct {
	form          *Form
	instance      *FormInstance
	store         *ResponseStore
	evaluator     *DependencyEvaluator
	iterations    map[*QuestionGroup]*IterationSet
	problems      map[ResponseKey]QuestionError
	confirmations map[ResponseKey]string
	db            FormStore
	clock         Clock
	logger        Logger
	openedAt      time.Time
}

// NewFormEngine loads existing responses for instance and evaluates the
// initial visibility of every question.
func NewFormEngine(form *Form, instance *FormInstance, existing []*Response, db FormStore, clock Clock, logger Logger) (*FormEngine, error) {
	var persister ResponsePersister
	if db != nil {
		persister = db
	}
	store := NewResponseStore(instance.ID, persister)
	store.Load(existing)

	evaluator, err := NewDependencyEvaluator(form, store, logger)
	if err != nil {
		return nil, fmt.Errorf("loading form %s: %w", form.ID, err)
	}

	e := &FormEngine{
		form:          form,
		instance:      instance,
		store:         store,
		evaluator:     evaluator,
		iterations:    make(map[*QuestionGroup]*IterationSet),
		problems:      make(map[ResponseKey]QuestionError),
		confirmations: make(map[ResponseKey]string),
		db:            db,
		clock:         clock,
		logger:        logger,
		openedAt:      clock.Now(),
	}
	for _, g := range form.Groups {
		if !g.Repeatable {
			continue
		}
		ids := make([]string, 0, len(g.Questions))
		for _, q := range g.Questions {
			ids = append(ids, q.ID)
		}
		e.iterations[g] = LoadIterations(existing, ids)
		for _, id := range e.iterations[g].IDs() {
			if err := evaluator.TrackIteration(g, id); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

// Form returns the form being answered.
func (e *FormEngine) Form() *Form { return e.form }

// Instance returns the instance being answered.
func (e *FormEngine) Instance() *FormInstance { return e.instance }

// Evaluator returns the dependency evaluator, for subscribing to visibility changes.
func (e *FormEngine) Evaluator() *DependencyEvaluator { return e.evaluator }

// Responses returns every captured response.
func (e *FormEngine) Responses() []*Response { return e.store.All() }

// Response returns the response for (questionID, iteration), or nil.
func (e *FormEngine) Response(questionID string, iteration int) *Response {
	return e.store.GetIteration(questionID, iteration)
}

// Visibility returns whether questionID is currently shown.
func (e *FormEngine) Visibility(questionID string) Visibility {
	return e.evaluator.Visibility(questionID)
}

// VisibilityAt returns whether questionID is shown in one iteration.
func (e *FormEngine) VisibilityAt(questionID string, iteration int) Visibility {
	return e.evaluator.VisibilityAt(questionID, iteration)
}

// Capture records an answer. A validation problem does not prevent the
// capture; it is returned alongside the stored response and kept until the
// answer changes.
func (e *FormEngine) Capture(questionID string, iteration int, value string) (*Response, *QuestionError, error) {
	if !e.editable() {
		return nil, nil, fmt.Errorf("instance %d is %s and cannot be edited", e.instance.ID, e.instance.Status)
	}
	q := e.form.Question(questionID)
	if q == nil {
		return nil, nil, fmt.Errorf("unknown question %q", questionID)
	}
	iteration, err := e.iterationFor(q, iteration)
	if err != nil {
		return nil, nil, err
	}

	r, err := e.store.Capture(q.ID, iteration, value, q.Kind)
	if err != nil {
		return nil, nil, err
	}
	e.instance.ModifiedAt = e.clock.Now()

	problem := e.recheck(q, iteration)
	if q.LocaleName || q.LocaleLocation {
		e.refreshDataPoint()
	}
	return r, problem, nil
}

// Confirm records the second entry of a double-entry question.
func (e *FormEngine) Confirm(questionID string, iteration int, confirmation string) (*QuestionError, error) {
	q := e.form.Question(questionID)
	if q == nil {
		return nil, fmt.Errorf("unknown question %q", questionID)
	}
	iteration, err := e.iterationFor(q, iteration)
	if err != nil {
		return nil, err
	}
	e.confirmations[ResponseKey{QuestionID: q.ID, Iteration: iteration}] = confirmation
	return e.recheck(q, iteration), nil
}

func (e *FormEngine) recheck(q *Question, iteration int) *QuestionError {
	key := ResponseKey{QuestionID: q.ID, Iteration: iteration}
	value := ""
	if r := e.store.GetIteration(q.ID, iteration); r != nil {
		value = r.Value
	}
	problem := CheckValue(q, iteration, value, e.confirmations[key])
	if problem == nil {
		delete(e.problems, key)
		return nil
	}
	e.problems[key] = *problem
	return problem
}

func (e *FormEngine) iterationFor(q *Question, iteration int) (int, error) {
	if !q.Repeatable() {
		return NoIteration, nil
	}
	set := e.iterations[q.Group()]
	if !set.Contains(iteration) {
		return 0, fmt.Errorf("question %s has no iteration %d", q.ID, iteration)
	}
	return iteration, nil
}

// AddIteration starts a new iteration of a repeatable group.
func (e *FormEngine) AddIteration(g *QuestionGroup) (int, error) {
	set, ok := e.iterations[g]
	if !ok {
		return 0, fmt.Errorf("group %q is not repeatable", g.Heading)
	}
	id := set.Next()
	if err := e.evaluator.TrackIteration(g, id); err != nil {
		return 0, err
	}
	return id, nil
}

// RemoveIteration deletes one iteration of a repeatable group together with
// its responses. The id is not reused.
func (e *FormEngine) RemoveIteration(g *QuestionGroup, id int) error {
	set, ok := e.iterations[g]
	if !ok {
		return fmt.Errorf("group %q is not repeatable", g.Heading)
	}
	if !set.Remove(id) {
		return fmt.Errorf("group %q has no iteration %d", g.Heading, id)
	}
	e.evaluator.ForgetIteration(g, id)
	ids := make([]string, 0, len(g.Questions))
	for _, q := range g.Questions {
		ids = append(ids, q.ID)
		key := ResponseKey{QuestionID: q.ID, Iteration: id}
		delete(e.problems, key)
		delete(e.confirmations, key)
	}
	return e.store.DeleteIteration(id, ids...)
}

// Iterations returns the live iteration ids of a repeatable group.
func (e *FormEngine) Iterations(g *QuestionGroup) []int {
	if set, ok := e.iterations[g]; ok {
		return set.IDs()
	}
	return nil
}

// CheckInvalidQuestions lists every visible question that is mandatory and
// unanswered or whose answer failed validation, in form order.
func (e *FormEngine) CheckInvalidQuestions() []QuestionError {
	var out []QuestionError
	for _, q := range e.form.Questions() {
		iterations := []int{NoIteration}
		if q.Repeatable() {
			iterations = e.iterations[q.Group()].IDs()
		}
		for _, it := range iterations {
			if e.evaluator.VisibilityAt(q.ID, it) == Gone {
				continue
			}
			key := ResponseKey{QuestionID: q.ID, Iteration: it}
			if q.Mandatory && !e.store.GetIteration(q.ID, it).HasValue() {
				out = append(out, QuestionError{QuestionID: q.ID, Iteration: it, Kind: ProblemMandatory, Message: "answer required"})
				continue
			}
			if p, ok := e.problems[key]; ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// Submit marks the instance SUBMITTED. If any question is invalid the
// problems are returned and the instance is left unchanged.
func (e *FormEngine) Submit() ([]QuestionError, error) {
	if !e.editable() {
		return nil, fmt.Errorf("instance %d is already %s", e.instance.ID, e.instance.Status)
	}
	if problems := e.CheckInvalidQuestions(); len(problems) > 0 {
		return problems, nil
	}
	now := e.clock.Now()
	duration := e.instance.Duration + now.Sub(e.openedAt)
	if e.db != nil {
		if err := e.db.SubmitInstance(e.instance.ID, now, duration); err != nil {
			return nil, fmt.Errorf("submitting instance %d: %w", e.instance.ID, err)
		}
	}
	e.instance.Status = StatusSubmitted
	e.instance.SubmittedAt = now
	e.instance.Duration = duration
	e.logger.Info("instance submitted", "instance", e.instance.ID, "form", e.form.ID)
	return nil, nil
}

func (e *FormEngine) editable() bool {
	return e.instance.Status == StatusSaved || e.instance.Status == ""
}

func (e *FormEngine) refreshDataPoint() {
	if e.db == nil || e.instance.DataPointID == "" {
		return
	}
	name := DisplayName(e.form, e.store)
	loc := DisplayLocation(e.form, e.store)
	if err := e.db.UpdateDataPointDisplay(e.instance.DataPointID, name, loc); err != nil {
		e.logger.Warn("updating datapoint display", "datapoint", e.instance.DataPointID, "error", err)
	}
}
