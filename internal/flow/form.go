package flow

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Form is a parsed survey definition.
type Form struct {
	ID            string
	Name          string
	Version       float64
	SurveyGroupID int64
	Groups        []*QuestionGroup

	questions map[string]*Question
	order     []*Question
}

// QuestionGroup is a heading with its questions. A repeatable group can be
// answered several times within one FormInstance.
type QuestionGroup struct {
	Heading    string
	Repeatable bool
	Questions  []*Question
}

// Question is one question of a form.
type Question struct {
	ID             string
	Text           string
	Kind           ResponseKind
	Mandatory      bool
	DoubleEntry    bool
	LocaleName     bool
	LocaleLocation bool
	Dependencies   []Dependency
	Validation     *ValidationRule
	Options        []string

	group *QuestionGroup
}

// Group returns the group the question belongs to.
func (q *Question) Group() *QuestionGroup { return q.group }

// Repeatable reports whether the question is part of a repeatable group.
func (q *Question) Repeatable() bool { return q.group != nil && q.group.Repeatable }

// Dependency makes a question's visibility conditional on another question's answer.
type Dependency struct {
	ParentQuestionID string
	MatchValue       string
}

// ValidationRule constrains captured values. Only the "numeric" type checks ranges.
type ValidationRule struct {
	Type         string
	Min          *float64
	Max          *float64
	AllowDecimal bool
	AllowSign    bool
	MaxLength    int
}

// Question returns the question with the given id, or nil.
func (f *Form) Question(id string) *Question {
	return f.questions[id]
}

// Questions returns every question in form order.
func (f *Form) Questions() []*Question {
	return f.order
}

// index builds the lookup tables. Called after the groups are populated.
func (f *Form) index() error {
	f.questions = make(map[string]*Question)
	f.order = nil
	for _, g := range f.Groups {
		for _, q := range g.Questions {
			if q.ID == "" {
				return fmt.Errorf("question without id in group %q", g.Heading)
			}
			if _, dup := f.questions[q.ID]; dup {
				return fmt.Errorf("duplicate question id %q", q.ID)
			}
			q.group = g
			f.questions[q.ID] = q
			f.order = append(f.order, q)
		}
	}
	return nil
}

// NewForm assembles a form from groups, for callers that do not start from XML.
func NewForm(id string, version float64, groups ...*QuestionGroup) (*Form, error) {
	f := &Form{ID: id, Version: version, Groups: groups}
	if err := f.index(); err != nil {
		return nil, err
	}
	if err := ValidateDependencies(f); err != nil {
		return nil, err
	}
	return f, nil
}

type xmlSurvey struct {
	XMLName       xml.Name           `xml:"survey"`
	ID            string             `xml:"id,attr"`
	Name          string             `xml:"name,attr"`
	Version       string             `xml:"version,attr"`
	SurveyGroupID string             `xml:"surveyGroupId,attr"`
	Groups        []xmlQuestionGroup `xml:"questionGroup"`
}

type xmlQuestionGroup struct {
	Heading    string        `xml:"heading"`
	Repeatable bool          `xml:"repeatable,attr"`
	Questions  []xmlQuestion `xml:"question"`
}

type xmlQuestion struct {
	ID             string          `xml:"id,attr"`
	Type           string          `xml:"type,attr"`
	Mandatory      bool            `xml:"mandatory,attr"`
	DoubleEntry    bool            `xml:"requireDoubleEntry,attr"`
	LocaleName     bool            `xml:"localeNameFlag,attr"`
	LocaleLocation bool            `xml:"localeLocationFlag,attr"`
	Text           string          `xml:"text"`
	Dependencies   []xmlDependency `xml:"dependency"`
	Validation     *xmlValidation  `xml:"validationRule"`
	Options        []xmlOption     `xml:"options>option"`
}

type xmlDependency struct {
	Question string `xml:"question,attr"`
	Answer   string `xml:"answer-value,attr"`
}

type xmlValidation struct {
	Type         string `xml:"validationType,attr"`
	MinVal       string `xml:"minVal,attr"`
	MaxVal       string `xml:"maxVal,attr"`
	AllowDecimal bool   `xml:"allowDecimal,attr"`
	Signed       bool   `xml:"signed,attr"`
	MaxLength    int    `xml:"maxLength,attr"`
}

type xmlOption struct {
	Value string `xml:"value,attr"`
	Text  string `xml:"text"`
	Body  string `xml:",chardata"`
}

// ParseForm parses an XML survey definition and validates that its
// dependencies are acyclic.
func ParseForm(data []byte) (*Form, error) {
	var raw xmlSurvey
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing form definition: %w", err)
	}

	f := &Form{ID: raw.ID, Name: raw.Name}
	if raw.Version != "" {
		v, err := strconv.ParseFloat(raw.Version, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing form version %q: %w", raw.Version, err)
		}
		f.Version = v
	}
	if raw.SurveyGroupID != "" {
		id, err := strconv.ParseInt(raw.SurveyGroupID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing survey group id %q: %w", raw.SurveyGroupID, err)
		}
		f.SurveyGroupID = id
	}

	for _, rg := range raw.Groups {
		g := &QuestionGroup{Heading: strings.TrimSpace(rg.Heading), Repeatable: rg.Repeatable}
		for _, rq := range rg.Questions {
			q, err := rq.toQuestion()
			if err != nil {
				return nil, err
			}
			g.Questions = append(g.Questions, q)
		}
		f.Groups = append(f.Groups, g)
	}

	if err := f.index(); err != nil {
		return nil, err
	}
	if err := ValidateDependencies(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (rq xmlQuestion) toQuestion() (*Question, error) {
	kind, err := ParseResponseKind(rq.Type)
	if err != nil {
		return nil, fmt.Errorf("question %s: %w", rq.ID, err)
	}
	q := &Question{
		ID:             rq.ID,
		Text:           strings.TrimSpace(rq.Text),
		Kind:           kind,
		Mandatory:      rq.Mandatory,
		DoubleEntry:    rq.DoubleEntry,
		LocaleName:     rq.LocaleName,
		LocaleLocation: rq.LocaleLocation,
	}
	for _, d := range rq.Dependencies {
		q.Dependencies = append(q.Dependencies, Dependency{
			ParentQuestionID: d.Question,
			MatchValue:       strings.TrimSpace(d.Answer),
		})
	}
	for _, o := range rq.Options {
		v := o.Value
		if v == "" {
			v = strings.TrimSpace(o.Text)
		}
		if v == "" {
			v = strings.TrimSpace(o.Body)
		}
		q.Options = append(q.Options, v)
	}
	if rq.Validation != nil {
		rule := &ValidationRule{
			Type:         strings.ToLower(rq.Validation.Type),
			AllowDecimal: rq.Validation.AllowDecimal,
			AllowSign:    rq.Validation.Signed,
			MaxLength:    rq.Validation.MaxLength,
		}
		if rule.Min, err = parseBound(rq.Validation.MinVal); err != nil {
			return nil, fmt.Errorf("question %s minVal: %w", rq.ID, err)
		}
		if rule.Max, err = parseBound(rq.Validation.MaxVal); err != nil {
			return nil, fmt.Errorf("question %s maxVal: %w", rq.ID, err)
		}
		q.Validation = rule
	}
	return q, nil
}

func parseBound(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ValidateDependencies fails with ErrDependencyCycle if any question
// transitively depends on itself.
func ValidateDependencies(f *Form) error {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(f.order))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		colour[id] = grey
		path = append(path, id)
		q := f.questions[id]
		if q != nil {
			for _, d := range q.Dependencies {
				switch colour[d.ParentQuestionID] {
				case grey:
					return fmt.Errorf("%w: %s", ErrDependencyCycle, cyclePath(path, d.ParentQuestionID))
				case white:
					if f.questions[d.ParentQuestionID] == nil {
						continue
					}
					if err := visit(d.ParentQuestionID); err != nil {
						return err
					}
				}
			}
		}
		path = path[:len(path)-1]
		colour[id] = black
		return nil
	}

	for _, q := range f.order {
		if colour[q.ID] == white {
			if err := visit(q.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func cyclePath(path []string, start string) string {
	for i, id := range path {
		if id == start {
			return strings.Join(append(append([]string{}, path[i:]...), start), " -> ")
		}
	}
	return start
}
