package intake

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
)

const maxTitleLen = 300

// Metadata is administrative information read from the PDF itself. It never
// feeds extraction.
type Metadata struct {
	Title     string
	PageCount int
}

// Inspect reads the page count and a first-line title heuristic. The PDF
// parser panics on some malformed files, so panics become errors.
func Inspect(data []byte) (meta Metadata, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("inspect pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Metadata{}, eris.Wrap(err, "open pdf")
	}
	meta.PageCount = r.NumPage()

	text, err := r.GetPlainText()
	if err != nil {
		return meta, nil
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, io.LimitReader(text, 64<<10)); err != nil {
		return meta, nil
	}
	meta.Title = heuristicTitle(buf.String())
	return meta, nil
}

func heuristicTitle(text string) string {
	s := bufio.NewScanner(strings.NewReader(text))
	for s.Scan() {
		line := sanitizeText(s.Text())
		if line == "" {
			continue
		}
		if len(line) > maxTitleLen {
			line = line[:maxTitleLen]
		}
		return line
	}
	return ""
}

// sanitizeText drops NUL and other control characters Postgres text
// columns reject.
func sanitizeText(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\x00", "")
	r := make([]rune, 0, len(s))
	for _, ch := range s {
		if ch == '\n' || ch == '\r' || ch == '\t' {
			r = append(r, ch)
			continue
		}
		if ch < 0x20 {
			continue
		}
		r = append(r, ch)
	}
	return strings.TrimSpace(string(r))
}
