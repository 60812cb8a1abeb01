package cv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvfolio/internal/database"
)

func sampleDocument() Document {
	end := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
	return Document{
		Title: "Backend CV",
		Theme: "modern",
		Content: Content{
			Personal:  PersonalInfo{FullName: "Ada N.", Headline: "Go engineer", Email: "ada@example.com"},
			Summary:   "Builds payment systems.",
			Education: []Education{{School: "Université de Douala", Degree: "MSc", Field: "CS", StartYear: 2015, EndYear: 2017}},
			Skills:    []Skill{{Name: "Go", Level: 5}},
			Links:     []Link{{Label: "GitHub", URL: "https://github.com/ada"}},
		},
		Experiences: []Experience{
			{Title: "Engineer", Company: "Acme", StartDate: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), EndDate: &end, Description: "Line one\n\nLine two"},
			{Title: "Lead", Company: "Beta", StartDate: end, Current: true},
		},
	}
}

func TestRenderHTMLIncludesSections(t *testing.T) {
	html, err := RenderHTML(sampleDocument())
	require.NoError(t, err)

	assert.Contains(t, html, "<title>Backend CV</title>")
	assert.Contains(t, html, "Ada N.")
	assert.Contains(t, html, "Jan 2019 - Jun 2022")
	assert.Contains(t, html, "Jun 2022 - Present")
	assert.Contains(t, html, "2015 - 2017")
	assert.Contains(t, html, `href="https://github.com/ada"`)
	assert.Contains(t, html, "<p>Line two</p>")
	assert.Contains(t, html, "#1f6feb")
}

func TestRenderHTMLEscapesUserInput(t *testing.T) {
	doc := sampleDocument()
	doc.Content.Personal.FullName = `<script>alert(1)</script>`
	doc.Content.Links = []Link{{Label: "x", URL: "javascript:alert(1)"}}

	html, err := RenderHTML(doc)
	require.NoError(t, err)

	assert.NotContains(t, html, "<script>alert(1)</script>")
	assert.Contains(t, html, "&lt;script&gt;")
	assert.NotContains(t, html, `href="javascript:`)
}

func TestRenderHTMLUnknownThemeFallsBack(t *testing.T) {
	doc := sampleDocument()
	doc.Theme = "does-not-exist"
	doc.AccentColor = "red;}</style>"

	html, err := RenderHTML(doc)
	require.NoError(t, err)
	assert.Contains(t, html, "Georgia")
	assert.NotContains(t, html, "red;}")
}

func TestThemes(t *testing.T) {
	assert.Equal(t, []string{"classic", "minimal", "modern"}, Themes())
	assert.True(t, IsTheme("classic"))
	assert.False(t, IsTheme("base"))
}

func TestContentValidate(t *testing.T) {
	assert.NoError(t, DefaultContent().Validate())

	bad := Content{Skills: []Skill{{Name: "Go", Level: 9}}}
	assert.Error(t, bad.Validate())

	bad = Content{Education: []Education{{School: "X", StartYear: 2020, EndYear: 2010}}}
	assert.Error(t, bad.Validate())

	bad = Content{Links: []Link{{URL: "ftp://x"}}}
	assert.Error(t, bad.Validate())
}

func TestParseContentRoundTrip(t *testing.T) {
	empty, err := ParseContent(nil)
	require.NoError(t, err)
	assert.Equal(t, Content{}, empty)

	raw, err := DefaultContent().JSON()
	require.NoError(t, err)
	got, err := ParseContent(raw)
	require.NoError(t, err)
	assert.Equal(t, DefaultContent(), got)

	_, err = ParseContent([]byte("{"))
	assert.Error(t, err)
}

func TestFromModelOrdersExperiences(t *testing.T) {
	raw, err := DefaultContent().JSON()
	require.NoError(t, err)

	model := database.CV{
		Title:   "",
		Theme:   "minimal",
		Content: raw,
		Experiences: []database.Experience{
			{Title: "second", Position: 1},
			{Title: "first", Position: 0},
		},
	}
	doc, err := FromModel(model)
	require.NoError(t, err)

	assert.Equal(t, "Your Name", doc.Title)
	assert.Equal(t, "minimal", doc.Theme)
	require.Len(t, doc.Experiences, 2)
	assert.Equal(t, "first", doc.Experiences[0].Title)
}
