// Package citation rewrites the inline markers the model emits into
// stable, numbered references the client can render. Source markers
// look like [[cite:<sourceId>_page_<N>_chunk_<M>]] and image markers
// like [[image:<filename>]]; anything that does not parse is left in
// the text untouched.
package citation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Citation is one resolved source reference. Number is assigned in
// first-appearance order starting at 1; repeated markers for the same
// locator share a number.
type Citation struct {
	Number   int    `json:"number"`
	SourceID string `json:"source_id"`
	Page     int    `json:"page"`
	Chunk    int    `json:"chunk"`
}

// AssetResolver maps an image filename to a servable URL. The second
// return reports whether the asset exists.
type AssetResolver interface {
	URL(filename string) (string, bool)
}

var (
	markerRe = regexp.MustCompile(`\[\[(cite|image):([^\[\]]*)\]\]`)
	// Source IDs are file basenames, so hyphens are as common as
	// underscores. Keep this class in sync with what the source store
	// accepts as an ID.
	locatorRe = regexp.MustCompile(`^([\w-]+)_page_(\d+)_chunk_(\d+)$`)
)

// Resolver rewrites citation and image markers in assistant text.
type Resolver struct {
	assets AssetResolver
}

// NewResolver creates a resolver. assets may be nil, in which case
// image markers are left verbatim.
func NewResolver(assets AssetResolver) *Resolver {
	return &Resolver{assets: assets}
}

// Resolve rewrites all well-formed markers in text and returns the
// annotated text plus the citations in numbering order. Cite markers
// become [[ref:N|sourceId|page|chunk]]; image markers become
// [[artifact:URL]]. Malformed markers, unknown assets, and stray
// bracket noise pass through unchanged.
func (r *Resolver) Resolve(text string) (string, []Citation) {
	var citations []Citation
	numbers := make(map[string]int) // locator -> assigned number

	out := markerRe.ReplaceAllStringFunc(text, func(marker string) string {
		sub := markerRe.FindStringSubmatch(marker)
		kind, payload := sub[1], sub[2]

		switch kind {
		case "cite":
			loc := locatorRe.FindStringSubmatch(payload)
			if loc == nil {
				return marker
			}
			n, seen := numbers[payload]
			if !seen {
				page, _ := strconv.Atoi(loc[2])
				chunk, _ := strconv.Atoi(loc[3])
				n = len(citations) + 1
				numbers[payload] = n
				citations = append(citations, Citation{
					Number:   n,
					SourceID: loc[1],
					Page:     page,
					Chunk:    chunk,
				})
			}
			c := citations[n-1]
			return fmt.Sprintf("[[ref:%d|%s|%d|%d]]", c.Number, c.SourceID, c.Page, c.Chunk)

		case "image":
			if r.assets == nil || strings.TrimSpace(payload) == "" {
				return marker
			}
			url, ok := r.assets.URL(payload)
			if !ok {
				return marker
			}
			return "[[artifact:" + url + "]]"
		}
		return marker
	})

	return out, citations
}
