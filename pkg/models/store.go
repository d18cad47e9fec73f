package models

import (
	"regexp"

	"github.com/helmsman-project/helmsman/pkg/errkind"
)

// storeNameRE is the validated-name pattern for knowledge stores. Names are
// used in backend and filesystem operations, so anything outside this set is
// rejected before it reaches either.
var storeNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateStoreName rejects store names that fail the validated-name pattern.
func ValidateStoreName(name string) error {
	if !storeNameRE.MatchString(name) {
		return errkind.Newf(errkind.KindBadInput, "invalid store name %q", name)
	}
	return nil
}

// StoreDescriptor describes a knowledge store available to the retrieval
// layer. Created and destroyed through admin operations only.
type StoreDescriptor struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	DocumentCount int    `json:"document_count"`
}

// Document is a unit of ingestion into a knowledge store.
type Document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PromptTemplate is a keyed prompt with rendering parameters. Loaded at
// startup and immutable at runtime.
type PromptTemplate struct {
	Key         string  `json:"key" yaml:"key"`
	System      string  `json:"system" yaml:"system"`
	User        string  `json:"user" yaml:"user"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}
