package persistence_test

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/bloat/internal/persistence"
)

// A struct that can be marshalled to JSON.
type MarshallableStruct struct {
	Test string
}

func TestWriteDataFile(t *testing.T) {
	tempDir := t.TempDir()
	testdata := MarshallableStruct{Test: "foo"}
	df, err := persistence.WriteDataFile(tempDir, "bloat1", "session", "fake-mid", testdata)
	if err != nil {
		t.Fatalf("cannot create test datafile: %v", err)
	}

	if df.Prefix != tempDir || df.Datatype != "bloat1" ||
		df.Subtest != "session" || df.UUID != "fake-mid" {
		t.Fatalf("invalid field values in DataFile")
	}

	// Check the generated path.
	prefix := fmt.Sprintf("%s/bloat1/%s/bloat1-session-", tempDir,
		time.Now().Format("2006/01/02"))
	if !strings.HasPrefix(df.Path, prefix) ||
		!strings.HasSuffix(df.Path, "fake-mid.json.gz") {
		t.Errorf("invalid output path: %s", df.Path)
	}
	// Check the decompressed file contents.
	fp, err := os.Open(df.Path)
	if err != nil {
		t.Fatalf("cannot open data file: %v", err)
	}
	defer fp.Close()
	reader, err := gzip.NewReader(fp)
	if err != nil {
		t.Fatalf("data file is not gzip: %v", err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		t.Errorf("error while reading file content: %v", err)
	}
	if string(content) != `{"Test":"foo"}` {
		t.Errorf("unexpected file content: %s", string(content))
	}
	if df.Size != len(content) {
		t.Errorf("invalid Size: %d (should be %d)", df.Size, len(content))
	}
}
