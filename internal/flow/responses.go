package flow

import (
	"fmt"
	"sort"
	"strings"
)

// ResponsePersister flushes responses to durable storage.
type ResponsePersister interface {
	// SaveResponse inserts r when r.ID is 0, otherwise updates the row, and
	// returns the persisted id.
	SaveResponse(r *Response) (int64, error)
	DeleteResponse(id int64) error
}

// AnswerListener is notified with the changed key after every mutation.
// The iteration is NoIteration when every iteration of the question changed.
type AnswerListener interface {
	OnAnswerChanged(key ResponseKey)
}

// ResponseStore holds the responses of one FormInstance in memory and keeps
// the persisted copy in step. It is used from a single goroutine.
type ResponseStore struct {
	instanceID int64
	persister  ResponsePersister
	responses  map[ResponseKey]*Response
	excluded   map[ResponseKey]bool
	listeners  []AnswerListener
}

// NewResponseStore creates an empty store for instanceID. persister may be nil
// for a purely in-memory store.
func NewResponseStore(instanceID int64, persister ResponsePersister) *ResponseStore {
	return &ResponseStore{
		instanceID: instanceID,
		persister:  persister,
		responses:  make(map[ResponseKey]*Response),
		excluded:   make(map[ResponseKey]bool),
	}
}

// Subscribe registers l to be notified of every mutation.
func (s *ResponseStore) Subscribe(l AnswerListener) {
	s.listeners = append(s.listeners, l)
}

// Load replaces the in-memory state with previously persisted responses.
// Listeners are not notified.
func (s *ResponseStore) Load(responses []*Response) {
	s.responses = make(map[ResponseKey]*Response, len(responses))
	for _, r := range responses {
		c := *r
		s.responses[c.Key()] = &c
	}
}

// Capture records value for (questionID, iteration), replacing any prior
// response and keeping its persisted id. An empty value deletes the response.
func (s *ResponseStore) Capture(questionID string, iteration int, value string, kind ResponseKind) (*Response, error) {
	key := ResponseKey{QuestionID: questionID, Iteration: iteration}
	prior := s.responses[key]

	if strings.TrimSpace(value) == "" {
		if err := s.remove(key); err != nil {
			return nil, err
		}
		s.notify(key)
		return &Response{InstanceID: s.instanceID, QuestionID: questionID, Iteration: iteration, Kind: kind}, nil
	}

	r := &Response{
		InstanceID: s.instanceID,
		QuestionID: questionID,
		Iteration:  iteration,
		Value:      value,
		Kind:       kind,
		Include:    !s.excluded[ResponseKey{QuestionID: questionID, Iteration: NoIteration}] && !s.excluded[key],
	}
	if prior != nil {
		r.ID = prior.ID
		r.Include = prior.Include
	}
	if err := s.persist(r); err != nil {
		return nil, err
	}
	s.responses[key] = r
	s.notify(key)

	c := *r
	return &c, nil
}

// Get returns the response for a non-repeated question, or the lowest
// iteration of a repeated one. It returns nil when there is none.
func (s *ResponseStore) Get(questionID string) *Response {
	if r, ok := s.responses[ResponseKey{QuestionID: questionID, Iteration: NoIteration}]; ok {
		c := *r
		return &c
	}
	var found *Response
	for k, r := range s.responses {
		if k.QuestionID == questionID && (found == nil || k.Iteration < found.Iteration) {
			found = r
		}
	}
	if found == nil {
		return nil
	}
	c := *found
	return &c
}

// GetIteration returns the response for exactly (questionID, iteration), or nil.
func (s *ResponseStore) GetIteration(questionID string, iteration int) *Response {
	r, ok := s.responses[ResponseKey{QuestionID: questionID, Iteration: iteration}]
	if !ok {
		return nil
	}
	c := *r
	return &c
}

// Delete removes every iteration of questionID.
func (s *ResponseStore) Delete(questionID string) error {
	for _, k := range s.keysFor(questionID) {
		if err := s.remove(k); err != nil {
			return err
		}
	}
	s.notify(ResponseKey{QuestionID: questionID, Iteration: NoIteration})
	return nil
}

// DeleteIteration removes the responses of questionIDs for one iteration.
func (s *ResponseStore) DeleteIteration(iteration int, questionIDs ...string) error {
	for _, id := range questionIDs {
		key := ResponseKey{QuestionID: id, Iteration: iteration}
		if _, ok := s.responses[key]; !ok {
			continue
		}
		if err := s.remove(key); err != nil {
			return err
		}
		s.notify(key)
	}
	return nil
}

// All returns a copy of every response ordered by question id then iteration.
func (s *ResponseStore) All() []*Response {
	out := make([]*Response, 0, len(s.responses))
	for _, r := range s.responses {
		c := *r
		out = append(out, &c)
	}
	SortResponses(out)
	return out
}

// setInclude updates the include flag of every iteration of questionID and
// of answers captured to it later.
func (s *ResponseStore) setInclude(questionID string, include bool) error {
	s.excluded[ResponseKey{QuestionID: questionID, Iteration: NoIteration}] = !include
	for _, k := range s.keysFor(questionID) {
		r := s.responses[k]
		if r.Include == include {
			continue
		}
		r.Include = include
		if err := s.persist(r); err != nil {
			return err
		}
	}
	return nil
}

// setIncludeAt updates the include flag of a single (question, iteration).
func (s *ResponseStore) setIncludeAt(key ResponseKey, include bool) error {
	s.excluded[key] = !include
	r, ok := s.responses[key]
	if !ok || r.Include == include {
		return nil
	}
	r.Include = include
	return s.persist(r)
}

func (s *ResponseStore) clearExcluded(key ResponseKey) {
	delete(s.excluded, key)
}

func (s *ResponseStore) keysFor(questionID string) []ResponseKey {
	var keys []ResponseKey
	for k := range s.responses {
		if k.QuestionID == questionID {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *ResponseStore) remove(key ResponseKey) error {
	prior, ok := s.responses[key]
	if !ok {
		return nil
	}
	if prior.ID != 0 && s.persister != nil {
		if err := s.persister.DeleteResponse(prior.ID); err != nil {
			return fmt.Errorf("deleting response %s: %w", key, err)
		}
	}
	delete(s.responses, key)
	return nil
}

func (s *ResponseStore) persist(r *Response) error {
	if s.persister == nil {
		return nil
	}
	id, err := s.persister.SaveResponse(r)
	if err != nil {
		return fmt.Errorf("saving response %s: %w", r.Key(), err)
	}
	r.ID = id
	return nil
}

func (s *ResponseStore) notify(key ResponseKey) {
	for _, l := range s.listeners {
		l.OnAnswerChanged(key)
	}
}

// SortResponses orders responses by question id then iteration.
func SortResponses(rs []*Response) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].QuestionID != rs[j].QuestionID {
			return rs[i].QuestionID < rs[j].QuestionID
		}
		return rs[i].Iteration < rs[j].Iteration
	})
}
