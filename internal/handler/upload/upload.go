// Package upload stores the attachments of one incoming message in a
// private temp directory for the duration of its handling.
package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/zhouzirui/taxdesk/backend/internal/model/document"
	"github.com/zhouzirui/taxdesk/backend/internal/service/conversation"
)

// FilesField is the multipart field carrying attachments.
const FilesField = "files"

var ErrEmptyMessage = errors.New("message content or attachments required")

// EncodedFile is an attachment sent inline, e.g. over WebSocket.
type EncodedFile struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// Batch holds the temp files backing one message.
type Batch struct {
	dir  string
	Docs []document.Upload
}

// Cleanup removes the batch directory.
func (b *Batch) Cleanup() {
	if b != nil && b.dir != "" {
		_ = os.RemoveAll(b.dir)
	}
}

func newBatch() (*Batch, error) {
	dir, err := os.MkdirTemp("", "taxdesk-upload-")
	if err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Batch{dir: dir}, nil
}

func (b *Batch) add(name string, src io.Reader) error {
	display := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if display == "." || display == "/" || display == "" {
		display = "attachment"
	}
	path := filepath.Join(b.dir, fmt.Sprintf("%02d-%s", len(b.Docs), display))

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("store %s: %w", display, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("store %s: %w", display, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("store %s: %w", display, err)
	}
	b.Docs = append(b.Docs, document.Upload{Name: display, Path: path})
	return nil
}

// FromEncoded writes inline attachments to a new batch.
func FromEncoded(files []EncodedFile) (*Batch, error) {
	batch, err := newBatch()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := batch.add(f.Name, strings.NewReader(string(f.Content))); err != nil {
			batch.Cleanup()
			return nil, err
		}
	}
	return batch, nil
}

// ReadRequest decodes a message from a JSON body ({"content": "..."}) or a
// multipart form with a content field and file parts. The caller must run
// Cleanup on the returned batch.
func ReadRequest(w http.ResponseWriter, r *http.Request, maxBytes int64) (conversation.Inbound, *Batch, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return readMultipart(r, maxBytes)
	}

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return conversation.Inbound{}, nil, fmt.Errorf("invalid request body: %w", err)
	}
	if strings.TrimSpace(payload.Content) == "" {
		return conversation.Inbound{}, nil, ErrEmptyMessage
	}
	return conversation.Inbound{Content: payload.Content}, &Batch{}, nil
}

func readMultipart(r *http.Request, maxBytes int64) (conversation.Inbound, *Batch, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return conversation.Inbound{}, nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	content := r.FormValue("content")
	headers := r.MultipartForm.File[FilesField]
	if strings.TrimSpace(content) == "" && len(headers) == 0 {
		return conversation.Inbound{}, nil, ErrEmptyMessage
	}

	batch, err := newBatch()
	if err != nil {
		return conversation.Inbound{}, nil, err
	}
	for _, header := range headers {
		if err := copyPart(batch, header); err != nil {
			batch.Cleanup()
			return conversation.Inbound{}, nil, err
		}
	}
	return conversation.Inbound{Content: content, Attachments: batch.Docs}, batch, nil
}

func copyPart(batch *Batch, header *multipart.FileHeader) error {
	src, err := header.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", header.Filename, err)
	}
	defer src.Close()
	return batch.add(header.Filename, src)
}
