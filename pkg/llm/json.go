package llm

import (
	"encoding/json"
	"strings"

	"github.com/helmsman-project/helmsman/pkg/errkind"
)

// UnmarshalLoose decodes the first JSON value in a completion. Models wrap
// structured output in code fences or prose often enough that a strict
// json.Unmarshal on the raw text is the wrong tool.
func UnmarshalLoose(text string, v any) error {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return errkind.New(errkind.KindLLM, "completion contains no JSON value")
	}
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if err := dec.Decode(v); err != nil {
		return errkind.Wrap(errkind.KindLLM, err, "malformed JSON in completion")
	}
	return nil
}
