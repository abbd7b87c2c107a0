package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const docxBodyPart = "word/document.xml"

// extractDOCX walks word/document.xml. Paragraph text is emitted line by
// line and each table row becomes its cell texts joined by " | ".
func extractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open docx archive: %v", ErrExtractionFailed, err)
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == docxBodyPart {
			body = f
			break
		}
	}
	if body == nil {
		return "", fmt.Errorf("%w: docx has no %s", ErrExtractionFailed, docxBodyPart)
	}

	rc, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrExtractionFailed, docxBodyPart, err)
	}
	defer rc.Close()

	text, err := walkDocumentXML(rc)
	if err != nil {
		return "", fmt.Errorf("%w: parse %s: %v", ErrExtractionFailed, docxBodyPart, err)
	}
	return text, nil
}

// docxTable holds the row being assembled for one open w:tbl. Tables nest
// inside cells, so the walker keeps one per depth.
type docxTable struct {
	row  []string
	cell strings.Builder
}

func (t *docxTable) addToCell(text string) {
	if t.cell.Len() > 0 {
		t.cell.WriteString(" ")
	}
	t.cell.WriteString(text)
}

func walkDocumentXML(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)

	var (
		out    []string
		para   strings.Builder
		inText bool
		tables []*docxTable
	)
	top := func() *docxTable {
		if len(tables) == 0 {
			return nil
		}
		return tables[len(tables)-1]
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tables = append(tables, &docxTable{})
			case "tr":
				if tb := top(); tb != nil {
					tb.row = tb.row[:0]
				}
			case "tc":
				if tb := top(); tb != nil {
					tb.cell.Reset()
				}
			case "t":
				inText = true
			case "tab":
				para.WriteString("\t")
			case "br", "cr":
				para.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				line := strings.TrimSpace(para.String())
				para.Reset()
				if line == "" {
					continue
				}
				if tb := top(); tb != nil {
					tb.addToCell(line)
				} else {
					out = append(out, line)
				}
			case "tc":
				if tb := top(); tb != nil {
					tb.row = append(tb.row, strings.TrimSpace(tb.cell.String()))
					tb.cell.Reset()
				}
			case "tr":
				tb := top()
				if tb == nil {
					continue
				}
				joined := joinCells(tb.row)
				tb.row = tb.row[:0]
				if joined == "" {
					continue
				}
				// a nested row belongs to the enclosing cell
				if len(tables) > 1 {
					tables[len(tables)-2].addToCell(joined)
				} else {
					out = append(out, joined)
				}
			case "tbl":
				if len(tables) > 0 {
					tables = tables[:len(tables)-1]
				}
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	return strings.Join(out, "\n"), nil
}

func joinCells(cells []string) string {
	nonEmpty := make([]string, 0, len(cells))
	for _, c := range cells {
		if c != "" {
			nonEmpty = append(nonEmpty, c)
		}
	}
	return strings.Join(nonEmpty, " | ")
}
