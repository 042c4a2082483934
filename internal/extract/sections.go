package extract

import (
	"regexp"
	"strings"
)

// headingPattern matches common research-paper section headings at the start
// of a line, optionally numbered ("2. Methods", "III. Results").
var headingPattern = regexp.MustCompile(`(?im)^\s*(?:[0-9]+\.?|[IVX]+\.)?\s*(abstract|introduction|background|related work|methods?|methodology|materials and methods|experiments?|results?|discussion|conclusions?|acknowledg(?:e)?ments?|references|bibliography)\s*:?\s*$`)

const maxSectionChars = 20000

// DetectSections applies best-effort heading heuristics to extracted text and
// returns section name -> body. No match yields an empty map, never an error;
// detection failures must not affect extraction results.
func DetectSections(text string) map[string]string {
	sections := map[string]string{}
	if strings.TrimSpace(text) == "" {
		return sections
	}

	matches := headingPattern.FindAllStringSubmatchIndex(text, -1)
	for i, m := range matches {
		name := strings.ToLower(strings.TrimSpace(text[m[2]:m[3]]))
		bodyStart := m[1]
		bodyEnd := len(text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		body := strings.TrimSpace(text[bodyStart:bodyEnd])
		if body == "" {
			continue
		}
		if len(body) > maxSectionChars {
			body = body[:maxSectionChars]
		}
		// first occurrence wins when a heading repeats (e.g. in a TOC)
		if _, ok := sections[name]; !ok {
			sections[name] = body
		}
	}
	return sections
}

// DetectAbstract returns the abstract section body when one is found.
func DetectAbstract(text string) string {
	return DetectSections(text)["abstract"]
}
