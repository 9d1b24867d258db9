package flow

import "sort"

// IterationSet tracks the iteration ids of one repeatable group. Ids come
// from a high-water mark so a removed id is never handed out again.
type IterationSet struct {
	ids  []int
	next int
}

// LoadIterations collects the distinct iterations present among responses to
// the given repeatable questions.
func LoadIterations(responses []*Response, questionIDs []string) *IterationSet {
	member := make(map[string]bool, len(questionIDs))
	for _, id := range questionIDs {
		member[id] = true
	}
	seen := make(map[int]bool)
	s := &IterationSet{}
	for _, r := range responses {
		if !member[r.QuestionID] || r.Iteration < 0 || seen[r.Iteration] {
			continue
		}
		seen[r.Iteration] = true
		s.ids = append(s.ids, r.Iteration)
		if r.Iteration >= s.next {
			s.next = r.Iteration + 1
		}
	}
	sort.Ints(s.ids)
	return s
}

// Next allocates and inserts a new iteration id.
func (s *IterationSet) Next() int {
	id := s.next
	s.next++
	s.ids = append(s.ids, id)
	return id
}

// Remove deletes id from the set. It reports whether id was present.
func (s *IterationSet) Remove(id int) bool {
	i := sort.SearchInts(s.ids, id)
	if i == len(s.ids) || s.ids[i] != id {
		return false
	}
	s.ids = append(s.ids[:i], s.ids[i+1:]...)
	return true
}

// Contains reports whether id is a live iteration.
func (s *IterationSet) Contains(id int) bool {
	i := sort.SearchInts(s.ids, id)
	return i < len(s.ids) && s.ids[i] == id
}

// Size returns the number of live iterations.
func (s *IterationSet) Size() int {
	return len(s.ids)
}

// IDs returns the live iteration ids in ascending order.
func (s *IterationSet) IDs() []int {
	return append([]int(nil), s.ids...)
}
