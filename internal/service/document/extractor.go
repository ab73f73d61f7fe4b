package document

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/taxdesk/backend/internal/logging"
	"github.com/zhouzirui/taxdesk/backend/internal/model/document"
)

// ErrUnsupportedFormat marks files whose extension has no reader.
var ErrUnsupportedFormat = errors.New("unsupported document format")

type readerFunc func(path string) (string, error)

var readers = map[string]readerFunc{
	".pdf":  readPDF,
	".docx": readDOCX,
	".txt":  readText,
}

// Supported reports whether uploads with this extension produce text.
func Supported(ext string) bool {
	_, ok := readers[strings.ToLower(ext)]
	return ok
}

// Extractor turns uploaded documents into one text blob.
type Extractor struct {
	logger   *zap.Logger
	parallel int
}

// NewExtractor creates an extractor reading at most parallel documents of a batch at once.
func NewExtractor(logger *zap.Logger, parallel int) *Extractor {
	if parallel < 1 {
		parallel = 1
	}
	return &Extractor{
		logger:   logging.OrNop(logger).Named("document"),
		parallel: parallel,
	}
}

// Extract returns the concatenated text of docs, each preceded by a
// "FILE: <name>" header, in input order. A document that fails to read is
// replaced by a placeholder line; unsupported formats contribute only their header.
func (e *Extractor) Extract(ctx context.Context, docs []document.Upload) string {
	if len(docs) == 0 {
		return ""
	}

	sections := make([]string, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)

	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			sections[i] = header(doc) + e.body(gctx, doc)
			return nil
		})
	}
	_ = g.Wait()

	return strings.Join(sections, "")
}

func (e *Extractor) body(ctx context.Context, doc document.Upload) string {
	if err := ctx.Err(); err != nil {
		return placeholder(doc, err)
	}

	text, err := ReadFile(doc)
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		e.logger.Debug("skipping unsupported document", zap.String("name", doc.Name), zap.String("ext", doc.Ext()))
		return ""
	case err != nil:
		e.logger.Warn("document extraction failed", zap.String("name", doc.Name), zap.Error(err))
		return placeholder(doc, err)
	}
	return text
}

// ReadFile extracts the text of a single upload based on its extension.
func ReadFile(doc document.Upload) (text string, err error) {
	ext := doc.Ext()
	read, ok := readers[ext]
	if !ok {
		extractionsTotal.WithLabelValues("other", "skipped").Inc()
		return "", ErrUnsupportedFormat
	}
	format := strings.TrimPrefix(ext, ".")

	// Format parsers panic on some corrupt inputs.
	defer func() {
		if r := recover(); r != nil {
			err = &ExtractionError{Name: doc.Name, Format: format, Err: fmt.Errorf("corrupt file: %v", r)}
			text = ""
		}
		if err != nil {
			extractionsTotal.WithLabelValues(format, "error").Inc()
		} else {
			extractionsTotal.WithLabelValues(format, "ok").Inc()
		}
	}()

	text, err = read(doc.Path)
	if err != nil {
		return "", &ExtractionError{Name: doc.Name, Format: format, Err: err}
	}
	return text, nil
}

func header(doc document.Upload) string {
	return "\n\nFILE: " + doc.Name + "\n"
}

func placeholder(doc document.Upload, err error) string {
	var extractErr *ExtractionError
	if errors.As(err, &extractErr) {
		err = extractErr.Err
	}
	return fmt.Sprintf("[Could not extract text from %s: %v]", doc.Name, err)
}
