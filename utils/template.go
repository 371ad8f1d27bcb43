package utils

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"coldmail/engine"
)

var (
	variablePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)`)
	spintaxPattern  = regexp.MustCompile(`\{([^{}|]+(?:\|[^{}|]*)+)\}`)
)

// TemplateRenderer renders Liquid templates with optional spintax
// expansion. It implements engine.Renderer. Parsed templates are cached by
// source text.
type TemplateRenderer struct {
	engine *liquid.Engine
	cache  sync.Map // source -> *liquid.Template

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewTemplateRenderer builds a renderer; a nil source gets time seeding.
// Tests pass a fixed seed so spintax picks are reproducible.
func NewTemplateRenderer(src rand.Source) *TemplateRenderer {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	r := &TemplateRenderer{
		engine: liquid.NewEngine(),
		rnd:    rand.New(src),
	}
	r.registerFilters()
	return r
}

func (r *TemplateRenderer) registerFilters() {
	// {{ first_name | default: "there" }}
	r.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	// {{ company | capitalize }}
	r.engine.RegisterFilter("capitalize", func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	})
}

// Render expands spintax (when enabled) and then renders subject and both
// bodies against the variable context
func (r *TemplateRenderer) Render(subject, htmlBody, textBody string, vars map[string]any, processSpintax bool) (*engine.RenderedEmail, error) {
	if processSpintax {
		subject = r.expandSpintax(subject)
		htmlBody = r.expandSpintax(htmlBody)
		textBody = r.expandSpintax(textBody)
	}

	renderedSubject, err := r.render(subject, vars)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	renderedHTML, err := r.render(htmlBody, vars)
	if err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}
	renderedText, err := r.render(textBody, vars)
	if err != nil {
		return nil, fmt.Errorf("render text body: %w", err)
	}

	return &engine.RenderedEmail{
		Subject:  renderedSubject,
		HTMLBody: renderedHTML,
		TextBody: renderedText,
	}, nil
}

func (r *TemplateRenderer) render(source string, vars map[string]any) (string, error) {
	if source == "" {
		return "", nil
	}

	if cached, ok := r.cache.Load(source); ok {
		return cached.(*liquid.Template).RenderString(vars)
	}

	tmpl, err := r.engine.ParseString(source)
	if err != nil {
		return "", err
	}
	r.cache.Store(source, tmpl)
	return tmpl.RenderString(vars)
}

// expandSpintax replaces every {a|b|c} group with one random option.
// Groups do not nest; inner-most groups win because the regex matches the
// shortest non-nested span.
func (r *TemplateRenderer) expandSpintax(s string) string {
	for i := 0; i < 10 && spintaxPattern.MatchString(s); i++ {
		s = spintaxPattern.ReplaceAllStringFunc(s, func(match string) string {
			options := strings.Split(match[1:len(match)-1], "|")
			r.mu.Lock()
			pick := options[r.rnd.Intn(len(options))]
			r.mu.Unlock()
			return pick
		})
	}
	return s
}

// ExtractVariables lists the distinct variable names referenced in a
// template, in first-seen order
func (r *TemplateRenderer) ExtractVariables(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, match := range variablePattern.FindAllStringSubmatch(text, -1) {
		name := match[1]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
