package apt

import (
	"bufio"
	"io"
	"strings"
)

// retainedKeys lists the control-file keys the Index Parser keeps; every
// other key is skipped but does not terminate the paragraph it appears in.
var retainedKeys = map[string]bool{
	"Filename":  true,
	"MD5sum":    true,
	"SHA1":      true,
	"SHA256":    true,
	"Size":      true,
	"Files":     true,
	"Directory": true,
}

// Paragraph is one blank-line-delimited record from a control-paragraph
// formatted file, reduced to the keys the Index Parser cares about.
type Paragraph map[string]string

// ParseParagraphs reads r as a sequence of blank-line-separated
// control-paragraphs (Packages/Sources format). Keys not in retainedKeys are
// skipped without ending the paragraph. Continuation lines (indented by
// whitespace) append to the most recently retained key on a new line, after
// stripping trailing whitespace; the leading indentation is kept.
func ParseParagraphs(r io.Reader) ([]Paragraph, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var paragraphs []Paragraph
	var current Paragraph
	var lastKey string

	flush := func() {
		if len(current) > 0 {
			paragraphs = append(paragraphs, current)
		}
		current = nil
		lastKey = ""
	}

	for scanner.Scan() {
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}

		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" && current != nil {
			current[lastKey] += "\n" + strings.TrimRight(line, " \t")
			continue
		}

		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			// malformed line outside a continuation: ignore it rather than
			// aborting the whole paragraph.
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		if !retainedKeys[key] {
			lastKey = ""
			continue
		}

		if current == nil {
			current = make(Paragraph)
		}
		current[key] = value
		lastKey = key
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()

	return paragraphs, nil
}
