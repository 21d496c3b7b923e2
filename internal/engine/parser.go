package engine

import (
	"fmt"
	"strings"

	"github.com/scrypster/persona/pkg/types"
)

// Fact is one piece of information the model learned about the user.
type Fact struct {
	Text string
	Tags []string
}

// Extraction is the parsed result of an extraction call.
type Extraction struct {
	// Condensed is the model's one-line summary of the query. It may be
	// empty when the summary line carried only tags.
	Condensed string `json:"condensed_query"`

	// Tags describe the query as a whole.
	Tags []string `json:"tags"`

	// Facts are the fact lines, in output order.
	Facts []Fact `json:"-"`

	// Entries are the memory entries committed for Facts.
	Entries []types.MemoryEntry `json:"-"`
}

// ParseExtraction parses model output of the form
//
//	fact<TAB>tag,tag
//	...
//	summary<TAB>tag,tag
//
// The last line is the summary; blank lines before it are skipped. A summary
// line without a tab is read as a bare tag list. Every fact line needs a tab
// and non-empty text, otherwise the whole output is rejected.
func ParseExtraction(output string) (*Extraction, error) {
	output = strings.TrimSpace(strings.ReplaceAll(output, "\r\n", "\n"))
	if output == "" {
		return nil, ErrEmptyExtraction
	}

	lines := strings.Split(output, "\n")
	ext := &Extraction{}

	summary := lines[len(lines)-1]
	if text, tags, ok := splitLine(summary); ok {
		ext.Condensed = text
		ext.Tags = splitTags(tags)
	} else {
		ext.Tags = splitTags(summary)
	}

	for i, line := range lines[:len(lines)-1] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		text, tags, ok := splitLine(line)
		if !ok {
			return nil, fmt.Errorf("%w: line %d has no tab separator: %q", ErrMalformedExtraction, i+1, line)
		}
		if text == "" {
			return nil, fmt.Errorf("%w: line %d has no fact text", ErrMalformedExtraction, i+1)
		}
		ext.Facts = append(ext.Facts, Fact{Text: text, Tags: splitTags(tags)})
	}
	return ext, nil
}

// splitLine splits on the first tab. Models sometimes write the two
// characters `\t` instead of a tab; that is accepted when no real tab exists.
func splitLine(line string) (text, tags string, ok bool) {
	text, tags, ok = strings.Cut(line, "\t")
	if !ok {
		text, tags, ok = strings.Cut(line, `\t`)
	}
	return strings.TrimSpace(text), tags, ok
}

func splitTags(s string) []string {
	return types.NormalizeTags(strings.Split(s, ","))
}
