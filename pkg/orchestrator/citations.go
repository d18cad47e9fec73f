package orchestrator

import (
	"regexp"

	"github.com/helmsman-project/helmsman/pkg/models"
)

// citationRE matches [store/document] markers in an answer.
var citationRE = regexp.MustCompile(`\[([A-Za-z0-9_-]{1,64})/([^\]\s]+)\]`)

// citedSources resolves citation markers in an answer against the retrieved
// sources. A marker with no retrieved counterpart still yields an entry, so
// validation can flag it as fabricated.
func citedSources(answer string, retrieved []models.Source) []models.Source {
	index := make(map[string]models.Source, len(retrieved))
	for _, src := range retrieved {
		index[src.Store+"/"+src.DocumentID] = src
	}

	var cited []models.Source
	seen := map[string]bool{}
	for _, match := range citationRE.FindAllStringSubmatch(answer, -1) {
		key := match[1] + "/" + match[2]
		if seen[key] {
			continue
		}
		seen[key] = true
		if src, ok := index[key]; ok {
			cited = append(cited, src)
		} else {
			cited = append(cited, models.Source{Store: match[1], DocumentID: match[2]})
		}
	}
	return cited
}
