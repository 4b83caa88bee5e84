package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"loanmatch-backend/internal/retry"
	"loanmatch-backend/internal/shared/telemetry"
)

const (
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeText = "text/plain"
)

// ErrNoText is returned when a document yields no usable text.
var ErrNoText = errors.New("no text could be extracted")

// Extractor turns uploaded files into plain text. OCR is optional and only
// used for PDFs without a text layer.
type Extractor struct {
	OCR *OCR
}

// New returns an Extractor. Pass a nil ocr to disable the OCR fallback.
func New(ocr *OCR) *Extractor {
	return &Extractor{OCR: ocr}
}

// ExtractText extracts text from an in-memory payload. Unsupported formats
// and empty results are input errors and must not be retried.
func (e *Extractor) ExtractText(ctx context.Context, data []byte, mimeType string, fileName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", retry.Input(fmt.Errorf("extract %s: %w", fileName, ErrNoText))
	}

	normalized := normalizeMimeType(mimeType, fileName, data)
	var text string
	var err error
	switch normalized {
	case mimePDF:
		text, err = extractPDF(data)
		if e.OCR != nil && (err != nil || strings.TrimSpace(text) == "") {
			telemetry.Info("extract.ocr.fallback", map[string]any{
				"file_name": fileName,
				"reason":    fallbackReason(err),
			})
			text, err = e.OCR.PDF(ctx, data)
		}
	case mimeDOCX:
		text, err = extractDOCX(data)
	case mimeXLSX:
		text, err = extractXLSX(data)
	case mimeText:
		if !utf8.Valid(data) {
			err = errors.New("text file is not valid utf-8")
		}
		text = string(data)
	default:
		return "", retry.Input(fmt.Errorf("unsupported mime type: %s", normalized))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", retry.Input(fmt.Errorf("extract %s (%s): %w", fileName, normalized, err))
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", retry.Input(fmt.Errorf("extract %s (%s): %w", fileName, normalized, ErrNoText))
	}
	return text, nil
}

func fallbackReason(err error) string {
	if err != nil {
		return err.Error()
	}
	return "empty text layer"
}

func extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	pdfReader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := pdfReader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func extractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if strings.ReplaceAll(f.Name, "\\", "/") == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", errors.New("document.xml file not found")
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	return docxText(rc)
}

func docxText(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	var buf strings.Builder
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			buf.Write(t)
		case xml.EndElement:
			if (t.Name.Local == "p" || t.Name.Local == "br") && buf.Len() > 0 {
				buf.WriteString("\n")
			}
		}
	}
	return buf.String(), nil
}

// extractXLSX renders each sheet as tab-separated rows under a "# name" heading.
func extractXLSX(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "# %s\n", sheet)
		for _, row := range rows {
			buf.WriteString(strings.Join(row, "\t"))
			buf.WriteString("\n")
		}
	}
	return buf.String(), nil
}

func normalizeMimeType(mimeType string, fileName string, data []byte) string {
	clean := strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	ext := strings.ToLower(filepath.Ext(fileName))

	switch {
	case clean == "application/zip":
		if mapped := mapOOXMLFromZip(data); mapped != "" {
			return mapped
		}
		switch ext {
		case ".docx":
			return mimeDOCX
		case ".xlsx":
			return mimeXLSX
		}
	case strings.HasPrefix(clean, "text/"):
		return mimeText
	case clean == "" || clean == "application/octet-stream":
		switch ext {
		case ".pdf":
			return mimePDF
		case ".docx":
			return mimeDOCX
		case ".xlsx":
			return mimeXLSX
		case ".txt", ".md", ".csv":
			return mimeText
		}
	}
	return clean
}

func mapOOXMLFromZip(data []byte) string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}
	for _, f := range zr.File {
		switch strings.ReplaceAll(f.Name, "\\", "/") {
		case "word/document.xml":
			return mimeDOCX
		case "xl/workbook.xml":
			return mimeXLSX
		}
	}
	return ""
}
