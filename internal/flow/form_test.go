package flow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsync/internal/flow"
)

const householdForm = `<survey id="hh-1" name="Household" version="2.5" surveyGroupId="7">
  <questionGroup>
    <heading>Location</heading>
    <question id="name" type="free" mandatory="true" localeNameFlag="true"><text>Head of household</text></question>
    <question id="village" type="free" localeNameFlag="true"><text>Village</text></question>
    <question id="gps" type="geo" localeLocationFlag="true"><text>Position</text></question>
    <question id="source" type="option">
      <text>Water source</text>
      <options>
        <option value="well"><text>Well</text></option>
        <option><text>River</text></option>
      </options>
    </question>
    <question id="depth" type="numeric" requireDoubleEntry="true">
      <dependency question="source" answer-value="well"/>
      <validationRule validationType="numeric" minVal="1" maxVal="200" allowDecimal="true"/>
      <text>Depth</text>
    </question>
  </questionGroup>
  <questionGroup repeatable="true">
    <heading>Members</heading>
    <question id="member" type="free" mandatory="true"><text>Name</text></question>
    <question id="photo" type="photo"><text>Photo</text></question>
  </questionGroup>
</survey>`

func TestParseForm(t *testing.T) {
	form := mustParseForm(t, householdForm)

	assert.Equal(t, "hh-1", form.ID)
	assert.Equal(t, "Household", form.Name)
	assert.Equal(t, 2.5, form.Version)
	assert.Equal(t, int64(7), form.SurveyGroupID)
	require.Len(t, form.Groups, 2)
	assert.Len(t, form.Questions(), 7)

	source := form.Question("source")
	require.NotNil(t, source)
	assert.Equal(t, flow.KindOption, source.Kind)
	assert.Equal(t, []string{"well", "River"}, source.Options)

	depth := form.Question("depth")
	require.NotNil(t, depth)
	assert.Equal(t, flow.KindNumber, depth.Kind)
	assert.True(t, depth.DoubleEntry)
	assert.Equal(t, []flow.Dependency{{ParentQuestionID: "source", MatchValue: "well"}}, depth.Dependencies)
	require.NotNil(t, depth.Validation)
	assert.Equal(t, 200.0, *depth.Validation.Max)

	assert.Equal(t, flow.KindImage, form.Question("photo").Kind)
	assert.True(t, form.Question("member").Repeatable())
	assert.False(t, form.Question("name").Repeatable())
	assert.Same(t, form.Groups[1], form.Question("member").Group())
}

func TestParseForm_Errors(t *testing.T) {
	tests := []struct {
		name string
		def  string
	}{
		{name: "not xml", def: "{}"},
		{name: "bad version", def: `<survey id="f" version="x"/>`},
		{name: "unknown type", def: `<survey id="f"><questionGroup><question id="a" type="hologram"/></questionGroup></survey>`},
		{name: "duplicate id", def: `<survey id="f"><questionGroup><question id="a"/><question id="a"/></questionGroup></survey>`},
		{name: "missing id", def: `<survey id="f"><questionGroup><question type="free"/></questionGroup></survey>`},
		{name: "bad bound", def: `<survey id="f"><questionGroup><question id="a"><validationRule validationType="numeric" minVal="low"/></question></questionGroup></survey>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := flow.ParseForm([]byte(tt.def))
			assert.Error(t, err)
		})
	}
}

func TestParseResponseKind(t *testing.T) {
	for in, want := range map[string]flow.ResponseKind{
		"free": flow.KindText, "": flow.KindText, "PHOTO": flow.KindImage,
		"numeric": flow.KindNumber, "cascade": flow.KindCascade, "video": flow.KindVideo,
	} {
		got, err := flow.ParseResponseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := flow.ParseResponseKind("hologram")
	assert.Error(t, err)
}
