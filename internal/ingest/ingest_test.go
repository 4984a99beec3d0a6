package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"ddreport/pkg/contract"
)

// buildPDF 生成每页一行文本的最小 PDF（WinAnsi 编码的 Helvetica）。
func buildPDF(t *testing.T, pages []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	offsets := []int{}
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	buf.WriteString("%PDF-1.4\n")
	n := len(pages)
	kids := make([]string, n)
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	for i, text := range pages {
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i))
		stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func buildZip(t *testing.T, files map[string][]byte, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		_, _ = w.Write(files[name])
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestExtractPDFFirstPagesOnly(t *testing.T) {
	pages := make([]string, 12)
	for i := range pages {
		pages[i] = fmt.Sprintf("PAGEMARK%02d Revenue 2023 $%d.5M", i+1, i+10)
	}
	res, err := Extractor{}.Extract("reports/income.pdf", buildPDF(t, pages))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(res.Documents) != 1 {
		t.Fatalf("documents=%d skipped=%v", len(res.Documents), res.Skipped)
	}
	d := res.Documents[0]
	if d.Filename != "income.pdf" {
		t.Fatalf("filename=%q", d.Filename)
	}
	if !strings.Contains(d.Content, "PAGEMARK01") || !strings.Contains(d.Content, "PAGEMARK10") {
		t.Fatalf("missing first pages: %q", d.Content)
	}
	if strings.Contains(d.Content, "PAGEMARK11") {
		t.Fatalf("page 11 should be excluded")
	}
}

func TestExtractTextTruncatesAndNormalizes(t *testing.T) {
	e := Extractor{MaxContentChars: 5}
	res, err := e.Extract("notes.TXT", []byte("营收增长强劲\r\nmore"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got := res.Documents[0].Content; got != "营收增长强" {
		t.Fatalf("content=%q", got)
	}
	res, _ = Extractor{}.Extract("a.md", []byte("line1\r\nline2"))
	if res.Documents[0].Content != "line1\nline2" {
		t.Fatalf("crlf not normalized: %q", res.Documents[0].Content)
	}
}

func TestExtractZipEntries(t *testing.T) {
	files := map[string][]byte{
		"deal/q1.txt":            []byte("Q1 revenue $5M"),
		"deal/empty.md":          []byte("   \n"),
		"deal/image.png":         []byte("png"),
		"__MACOSX/deal/._q1.txt": []byte("junk"),
		"deal/balance.pdf":       buildPDF(t, []string{"Cash 12M"}),
		"deal/broken.pdf":        []byte("not a pdf"),
	}
	order := []string{"deal/q1.txt", "deal/empty.md", "deal/image.png", "__MACOSX/deal/._q1.txt", "deal/balance.pdf", "deal/broken.pdf"}
	res, err := Extractor{}.Extract("bundle.zip", buildZip(t, files, order))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	var names []string
	for _, d := range res.Documents {
		names = append(names, d.Filename)
	}
	if diff := cmp.Diff([]string{"q1.txt", "balance.pdf"}, names); diff != "" {
		t.Fatalf("documents (-want +got):\n%s", diff)
	}
	var skipped []string
	for _, s := range res.Skipped {
		skipped = append(skipped, s.Name)
	}
	if diff := cmp.Diff([]string{"empty.md", "broken.pdf"}, skipped); diff != "" {
		t.Fatalf("skipped (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"q1.txt", "empty.md", "balance.pdf", "broken.pdf"}, res.Names); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
}

func TestExtractRejectsUnsupported(t *testing.T) {
	if _, err := (Extractor{}).Extract("sheet.xlsx", []byte("x")); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
	if Supported("a.docx") || !Supported("A.PDF") || !Supported("x.zip") {
		t.Fatalf("Supported mismatch")
	}
	res, err := Extractor{}.Extract("bad.zip", []byte("nope"))
	if err != nil || len(res.Skipped) != 1 {
		t.Fatalf("invalid zip should be skipped: %v %v", err, res.Skipped)
	}
}

func TestZipEntryLimit(t *testing.T) {
	data := buildZip(t, map[string][]byte{"big.txt": bytes.Repeat([]byte("a"), 100)}, []string{"big.txt"})
	res, _ := Extractor{MaxEntryBytes: 10}.Extract("x.zip", data)
	if len(res.Documents) != 0 || len(res.Skipped) != 1 {
		t.Fatalf("oversized entry should be skipped: %+v", res)
	}
}

// sliceReader 按给定顺序产出内存文件。
type sliceReader struct {
	names []string
	data  map[string][]byte
}

func (s sliceReader) Iterate(ctx context.Context, roots []string, yield func(contract.FileID, io.ReadCloser) error) error {
	for _, n := range s.names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := yield(contract.FileID("in/"+n), io.NopCloser(bytes.NewReader(s.data[n]))); err != nil {
			return err
		}
	}
	return nil
}

func TestLoadThroughReader(t *testing.T) {
	r := sliceReader{
		names: []string{"a.txt", "b.docx", "empty.md"},
		data: map[string][]byte{
			"a.txt":    []byte("Revenue 2023: $5M"),
			"b.docx":   []byte("binary"),
			"empty.md": []byte("   "),
		},
	}
	got, err := Extractor{}.Load(context.Background(), r, []string{"in"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]string{"a.txt", "b.docx", "empty.md"}, got.Uploaded); diff != "" {
		t.Fatalf("uploaded (-want +got):\n%s", diff)
	}
	if len(got.Documents) != 1 || got.Documents[0].Filename != "a.txt" {
		t.Fatalf("documents: %+v", got.Documents)
	}
	if len(got.Skipped) != 2 {
		t.Fatalf("skipped: %+v", got.Skipped)
	}
}

// ZIP 以条目名计入 uploaded，空文本条目同样计数，ZIP 自身不计。
func TestLoadZipCountsEntries(t *testing.T) {
	bundle := buildZip(t, map[string][]byte{
		"q1.txt":    []byte("Q1 revenue $5M"),
		"q2.txt":    []byte("Q2 revenue $6M"),
		"blank.txt": nil,
	}, []string{"q1.txt", "q2.txt", "blank.txt"})
	r := sliceReader{names: []string{"bundle.zip"}, data: map[string][]byte{"bundle.zip": bundle}}
	got, err := Extractor{}.Load(context.Background(), r, []string{"in"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]string{"q1.txt", "q2.txt", "blank.txt"}, got.Uploaded); diff != "" {
		t.Fatalf("uploaded (-want +got):\n%s", diff)
	}
	if len(got.Documents) != 2 || len(got.Skipped) != 1 || got.Skipped[0].Name != "blank.txt" {
		t.Fatalf("documents=%d skipped=%+v", len(got.Documents), got.Skipped)
	}
}

func TestLoadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := sliceReader{names: []string{"a.txt"}, data: map[string][]byte{"a.txt": []byte("x")}}
	if _, err := (Extractor{}).Load(ctx, r, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}
