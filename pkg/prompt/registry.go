// Package prompt holds the keyed prompt templates used across the system.
// Built-in templates cover every key the engine needs; operators can
// override any of them from prompts.yaml at startup.
package prompt

import (
	"regexp"
	"strings"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/models"
)

// Template keys.
const (
	KeyClassifier       = "classifier"
	KeyClassifierStrict = "classifier_strict"
	KeyRouter           = "router"
	KeyPlanner          = "planner"
	KeySynthesis        = "synthesis"
	KeyJudge            = "judge"
	KeyChat             = "chat"
	KeyCompute          = "compute"
	KeyRetrievalAnswer  = "retrieval_answer"
	KeyTranslate        = "translate"
	KeySummarize        = "summarize"
)

// placeholderRE matches {name} substitution slots in template text.
var placeholderRE = regexp.MustCompile(`\{([a-z_]+)\}`)

// Registry serves prompt templates by key. Immutable after construction.
type Registry struct {
	templates map[string]models.PromptTemplate
}

// NewRegistry builds a registry from the built-in templates plus overrides.
// An override with a known key replaces the built-in; unknown keys are added
// as-is for operator-defined prompts.
func NewRegistry(overrides []models.PromptTemplate) *Registry {
	templates := make(map[string]models.PromptTemplate, len(builtins)+len(overrides))
	for _, tpl := range builtins {
		templates[tpl.Key] = tpl
	}
	for _, tpl := range overrides {
		templates[tpl.Key] = tpl
	}
	return &Registry{templates: templates}
}

// Get returns the template for a key.
func (r *Registry) Get(key string) (models.PromptTemplate, error) {
	tpl, ok := r.templates[key]
	if !ok {
		return models.PromptTemplate{}, errkind.Newf(errkind.KindNotFound, "prompt template %q not found", key)
	}
	return tpl, nil
}

// Render substitutes vars into a template's system and user texts. Every
// placeholder must be bound; a missing variable is a bad_input error, never
// silently rendered empty.
func (r *Registry) Render(key string, vars map[string]string) (models.PromptTemplate, error) {
	tpl, err := r.Get(key)
	if err != nil {
		return models.PromptTemplate{}, err
	}

	var missing []string
	substitute := func(text string) string {
		return placeholderRE.ReplaceAllStringFunc(text, func(m string) string {
			name := m[1 : len(m)-1]
			value, ok := vars[name]
			if !ok {
				missing = append(missing, name)
				return m
			}
			return value
		})
	}

	tpl.System = substitute(tpl.System)
	tpl.User = substitute(tpl.User)
	if len(missing) > 0 {
		return models.PromptTemplate{}, errkind.Newf(errkind.KindBadInput,
			"prompt %q: unbound placeholders: %s", key, strings.Join(missing, ", "))
	}
	return tpl, nil
}

// Keys returns all registered template keys.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.templates))
	for key := range r.templates {
		keys = append(keys, key)
	}
	return keys
}
