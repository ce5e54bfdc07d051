// Package ingest turns uploaded evidence documents into normalized evidence
// items on the investigation record. Extraction runs asynchronously off the
// SQLite job queue so uploads stay fast.
package ingest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	// maxItemsPerDoc bounds how many evidence items one document can add.
	maxItemsPerDoc = 10

	// maxDescriptionLen truncates item descriptions to a ledger-friendly size.
	maxDescriptionLen = 240
)

// ExtractText returns the plain text of an evidence document. PDF content is
// expected base64-encoded; text content passes through unchanged.
func ExtractText(contentType, content string) (string, error) {
	switch contentType {
	case "text":
		return content, nil
	case "pdf":
		raw, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return "", fmt.Errorf("decoding pdf content: %w", err)
		}
		reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
		if err != nil {
			return "", fmt.Errorf("opening pdf: %w", err)
		}
		plain, err := reader.GetPlainText()
		if err != nil {
			return "", fmt.Errorf("extracting pdf text: %w", err)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(plain); err != nil {
			return "", fmt.Errorf("reading pdf text: %w", err)
		}
		return buf.String(), nil
	}
	return "", fmt.Errorf("unsupported content type %q", contentType)
}

// SplitFragments breaks extracted text into evidence-sized fragments:
// paragraphs, whitespace-collapsed, truncated, capped at maxItemsPerDoc.
func SplitFragments(text string) []string {
	var fragments []string
	for _, para := range strings.Split(text, "\n\n") {
		collapsed := strings.Join(strings.Fields(para), " ")
		if collapsed == "" {
			continue
		}
		if len(collapsed) > maxDescriptionLen {
			collapsed = collapsed[:maxDescriptionLen]
		}
		fragments = append(fragments, collapsed)
		if len(fragments) == maxItemsPerDoc {
			break
		}
	}
	return fragments
}
