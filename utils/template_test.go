package utils

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSubstitutesVariables(t *testing.T) {
	r := NewTemplateRenderer(rand.NewSource(1))

	rendered, err := r.Render(
		"Hi {{ first_name }}",
		"<p>{{ company }} looks interesting</p>",
		"{{ company }} looks interesting",
		map[string]any{"first_name": "Ada", "company": "Acme"},
		false,
	)
	require.NoError(t, err)

	assert.Equal(t, "Hi Ada", rendered.Subject)
	assert.Equal(t, "<p>Acme looks interesting</p>", rendered.HTMLBody)
	assert.Equal(t, "Acme looks interesting", rendered.TextBody)
}

func TestRenderDefaultFilter(t *testing.T) {
	r := NewTemplateRenderer(rand.NewSource(1))

	rendered, err := r.Render(`Hi {{ first_name | default: "there" }}`, "", "", map[string]any{}, false)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", rendered.Subject)
}

func TestRenderExpandsSpintax(t *testing.T) {
	r := NewTemplateRenderer(rand.NewSource(7))

	rendered, err := r.Render("{Hey|Hi|Hello} {{ first_name }}", "", "", map[string]any{"first_name": "Ada"}, true)
	require.NoError(t, err)
	assert.Contains(t, []string{"Hey Ada", "Hi Ada", "Hello Ada"}, rendered.Subject)
	assert.NotContains(t, rendered.Subject, "|")
}

func TestRenderSpintaxDeterministicWithSeed(t *testing.T) {
	a := NewTemplateRenderer(rand.NewSource(42))
	b := NewTemplateRenderer(rand.NewSource(42))

	ra, err := a.Render("{red|green|blue} {big|small}", "", "", nil, true)
	require.NoError(t, err)
	rb, err := b.Render("{red|green|blue} {big|small}", "", "", nil, true)
	require.NoError(t, err)

	assert.Equal(t, ra.Subject, rb.Subject)
}

func TestRenderSkipsSpintaxWhenDisabled(t *testing.T) {
	r := NewTemplateRenderer(rand.NewSource(1))

	rendered, err := r.Render("{Hey|Hi} friend", "", "", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "{Hey|Hi} friend", rendered.Subject)
}

func TestRenderBadTemplate(t *testing.T) {
	r := NewTemplateRenderer(rand.NewSource(1))

	_, err := r.Render("{{ broken", "", "", nil, false)
	assert.Error(t, err)
}

func TestExtractVariables(t *testing.T) {
	r := NewTemplateRenderer(rand.NewSource(1))

	vars := r.ExtractVariables("Hi {{ first_name }}, does {{ company }} still need {{ first_name }}?")
	assert.Equal(t, []string{"first_name", "company"}, vars)
}
