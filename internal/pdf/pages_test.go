package pdfutil

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// buildPDF writes a minimal document with the given number of empty pages and
// a correct cross-reference table.
func buildPDF(pages int) []byte {
	var objects []string
	kids := make([]string, pages)
	for i := 0; i < pages; i++ {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	objects = append(objects, "<< /Type /Catalog /Pages 2 0 R >>")
	objects = append(objects, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		objects = append(objects, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestPageCount(t *testing.T) {
	for _, pages := range []int{1, 3, 12} {
		data := buildPDF(pages)
		n, err := PageCount(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			t.Fatalf("page count: %v", err)
		}
		if n != pages {
			t.Fatalf("expected %d pages, got %d", pages, n)
		}
	}
}

func TestPageCountFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deck.pdf")
	if err := os.WriteFile(path, buildPDF(4), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := PageCountFile(path)
	if err != nil || n != 4 {
		t.Fatalf("expected 4 pages, got %d err=%v", n, err)
	}
}

func TestPageCountRejectsNonPDF(t *testing.T) {
	data := []byte("PK\x03\x04 this is a zip container, not a pdf")
	if _, err := PageCount(bytes.NewReader(data), int64(len(data))); !errors.Is(err, ErrNotPDF) {
		t.Fatalf("expected ErrNotPDF, got %v", err)
	}
}

func TestPageCountRejectsTruncated(t *testing.T) {
	data := buildPDF(2)
	data = data[:len(data)/2]
	if _, err := PageCount(bytes.NewReader(data), int64(len(data))); err == nil {
		t.Fatalf("expected error for truncated pdf")
	}
}

func TestIsPDF(t *testing.T) {
	if !IsPDF("a/b/Deck.PDF") || IsPDF("deck.pptx") {
		t.Fatalf("unexpected IsPDF result")
	}
}
