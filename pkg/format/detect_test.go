package format

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stagehand-io/stagehand/pkg/loaderr"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeTempGzip(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDetectTSV(t *testing.T) {
	path := writeTemp(t, "data.tsv", "a\tb\tc\n1\t2\t3\n4\t5\t6\n")

	res, err := Detect(path, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Format.Delimiter != '\t' {
		t.Errorf("delimiter = %q, want tab", res.Format.Delimiter)
	}
	if res.Format.Kind != KindTSV {
		t.Errorf("kind = %v, want TSV", res.Format.Kind)
	}
	if res.Format.Quote != 0 {
		t.Errorf("TSV should default to no quote, got %q", res.Format.Quote)
	}
	if res.Confidence < 0.99 {
		t.Errorf("confidence = %f, want ~1.0", res.Confidence)
	}
}

func TestDetectCSVWithQuotes(t *testing.T) {
	path := writeTemp(t, "data.csv", `id,name,city`+"\n"+`1,"Smith, J",NYC`+"\n"+`2,"Jones",LA`+"\n")

	res, err := Detect(path, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Format.Delimiter != ',' {
		t.Errorf("delimiter = %q, want comma", res.Format.Delimiter)
	}
	if res.Format.Quote != '"' {
		t.Errorf("CSV should default to double quote, got %q", res.Format.Quote)
	}
}

func TestDetectPipe(t *testing.T) {
	path := writeTemp(t, "data.txt", "a|b|c\n1|2|3\n")

	res, err := Detect(path, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Format.Delimiter != '|' {
		t.Errorf("delimiter = %q, want pipe", res.Format.Delimiter)
	}
}

func TestDetectGzip(t *testing.T) {
	path := writeTempGzip(t, "data.tsv.gz", "a\tb\n1\t2\n")

	res, err := Detect(path, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Format.Compression != CompressionGzip {
		t.Errorf("compression = %v, want GZIP", res.Format.Compression)
	}
	if res.Format.Delimiter != '\t' {
		t.Errorf("delimiter = %q, want tab", res.Format.Delimiter)
	}
}

func TestDetectEmptyFile(t *testing.T) {
	path := writeTemp(t, "empty.csv", "")

	_, err := Detect(path, Overrides{})
	if !loaderr.Is(err, loaderr.KindFormatUndetermined) {
		t.Errorf("expected FORMAT_UNDETERMINED, got %v", err)
	}
}

func TestDetectUnreadable(t *testing.T) {
	_, err := Detect(filepath.Join(t.TempDir(), "missing.tsv"), Overrides{})
	if !loaderr.Is(err, loaderr.KindFileIO) {
		t.Errorf("expected FILE_IO, got %v", err)
	}
}

func TestDetectTiePrecedence(t *testing.T) {
	// Every line splits equally well under tab and comma: tab wins by
	// declared precedence.
	path := writeTemp(t, "tie.txt", "a\tb,c\td\n1\t2,3\t4\n")

	res, err := Detect(path, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Format.Delimiter != '\t' {
		t.Errorf("delimiter = %q, want tab (precedence on tie)", res.Format.Delimiter)
	}
}

func TestDetectExplicitOverride(t *testing.T) {
	path := writeTemp(t, "data.txt", "a;b;c\n1;2;3\n")

	res, err := Detect(path, Overrides{Delimiter: ';', QuoteSet: true, Quote: '\''})
	if err != nil {
		t.Fatal(err)
	}
	if res.Format.Delimiter != ';' {
		t.Errorf("delimiter = %q, want semicolon", res.Format.Delimiter)
	}
	if res.Format.Quote != '\'' {
		t.Errorf("quote = %q, want single quote", res.Format.Quote)
	}
}

func TestDetectDeterministic(t *testing.T) {
	path := writeTemp(t, "data.csv", "a,b,c\n1,2,3\n4,5,6\n")

	first, err := Detect(path, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := Detect(path, Overrides{})
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("detection not deterministic: %+v vs %+v", again, first)
		}
	}
}

func TestDetectCRLF(t *testing.T) {
	path := writeTemp(t, "crlf.csv", "a,b\r\n1,2\r\n")

	res, err := Detect(path, Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Format.Delimiter != ',' {
		t.Errorf("delimiter = %q, want comma", res.Format.Delimiter)
	}
	if res.Confidence < 0.99 {
		t.Errorf("CRLF lines should not hurt confidence, got %f", res.Confidence)
	}
}

func TestDetectRaggedLowConfidence(t *testing.T) {
	// Field counts disagree on most lines under every candidate.
	var b strings.Builder
	b.WriteString("a,b,c\n")
	b.WriteString("x\n")
	b.WriteString("p q r\n")
	b.WriteString("only-one-field\n")
	path := writeTemp(t, "ragged.txt", b.String())

	_, err := Detect(path, Overrides{})
	if !loaderr.Is(err, loaderr.KindFormatUndetermined) {
		t.Errorf("expected FORMAT_UNDETERMINED for ragged sample, got %v", err)
	}
}
