// Package extract converts uploaded PDF, DOCX and plain-text files into
// normalized plain text.
package extract

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrTooLarge          = errors.New("file too large")
	ErrEmptyFile         = errors.New("file is empty")
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatTXT  Format = "txt"
)

var extensionFormats = map[string]Format{
	".pdf":  FormatPDF,
	".docx": FormatDOCX,
	".txt":  FormatTXT,
	".md":   FormatTXT,
}

var contentTypeFormats = map[string]Format{
	"application/pdf": FormatPDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FormatDOCX,
	"text/plain":    FormatTXT,
	"text/markdown": FormatTXT,
}

// ContentType returns the canonical MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "text/plain; charset=utf-8"
	}
}

// DetectFormat prefers the filename extension and falls back to the declared
// content type. Browsers often send application/octet-stream, so the
// extension is the more reliable signal.
func DetectFormat(filename, contentType string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if f, ok := extensionFormats[ext]; ok {
		return f, nil
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if f, ok := contentTypeFormats[mediaType]; ok {
			return f, nil
		}
	}
	if ext == "" {
		ext = contentType
	}
	return "", fmt.Errorf("%w: %q (allowed: pdf, docx, txt)", ErrUnsupportedFormat, ext)
}

type Extractor struct {
	maxBytes int64
}

func New(maxBytes int64) *Extractor {
	return &Extractor{maxBytes: maxBytes}
}

func (e *Extractor) MaxBytes() int64 { return e.maxBytes }

// Check validates size and format without reading the content.
func (e *Extractor) Check(filename, contentType string, size int64) (Format, error) {
	if size <= 0 {
		return "", ErrEmptyFile
	}
	if size > e.maxBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrTooLarge, size, e.maxBytes)
	}
	return DetectFormat(filename, contentType)
}

// Extract returns the normalized text of data. The result may be empty when
// the document has no extractable text; that is for the caller to judge.
func (e *Extractor) Extract(filename, contentType string, data []byte) (string, error) {
	format, err := e.Check(filename, contentType, int64(len(data)))
	if err != nil {
		return "", err
	}

	var raw string
	switch format {
	case FormatPDF:
		raw, err = extractPDF(data)
	case FormatDOCX:
		raw, err = extractDOCX(data)
	case FormatTXT:
		raw, err = decodeText(data)
	}
	if err != nil {
		return "", err
	}
	return Normalize(raw), nil
}
