package document

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// readPDF concatenates the plain text of every page in page order.
func readPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		buf.WriteString(text)
	}
	return buf.String(), nil
}

var errNoDocumentPart = errors.New("word/document.xml not found")

// readDOCX returns the paragraph texts of the main document part joined with newlines.
func readDOCX(path string) (string, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer archive.Close()

	for _, file := range archive.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()

		paragraphs, err := docxParagraphs(rc)
		if err != nil {
			return "", err
		}
		return strings.Join(paragraphs, "\n"), nil
	}
	return "", errNoDocumentPart
}

const (
	wordNS   = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	markupNS = "http://schemas.openxmlformats.org/markup-compatibility/2006"
)

// docxParagraphs returns the text of the outermost WordprocessingML
// paragraphs. Text box content and markup-compatibility fallbacks are
// skipped so that nested paragraphs are neither split out nor duplicated.
func docxParagraphs(r io.Reader) ([]string, error) {
	decoder := xml.NewDecoder(r)

	var (
		paragraphs []string
		current    strings.Builder
		paraDepth  int
		skipDepth  int
		inText     bool
	)
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if skipDepth > 0 || skippedElement(t.Name) {
				skipDepth++
				continue
			}
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "p":
				if paraDepth == 0 {
					current.Reset()
				}
				paraDepth++
			case "t":
				inText = true
			case "tab":
				if paraDepth > 0 {
					current.WriteByte('\t')
				}
			case "br", "cr":
				if paraDepth > 0 {
					current.WriteByte('\n')
				}
			}
		case xml.EndElement:
			if skipDepth > 0 {
				skipDepth--
				continue
			}
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "p":
				if paraDepth == 0 {
					continue
				}
				paraDepth--
				if paraDepth == 0 {
					paragraphs = append(paragraphs, current.String())
				}
			case "t":
				inText = false
			}
		case xml.CharData:
			if skipDepth == 0 && paraDepth > 0 && inText {
				current.Write(t)
			}
		}
	}
	return paragraphs, nil
}

func skippedElement(name xml.Name) bool {
	switch {
	case name.Space == wordNS && name.Local == "txbxContent":
		return true
	case name.Space == markupNS && name.Local == "Fallback":
		return true
	}
	return false
}

// readText decodes the file as UTF-8, replacing invalid sequences.
func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data), nil
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}
