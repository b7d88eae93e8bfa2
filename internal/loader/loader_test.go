package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
)

func writeList(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxies.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestLoadProxies covers comments, blanks, annotations and bad lines
func TestLoadProxies(t *testing.T) {
	path := writeList(t, `# proxy list
http://203.0.113.7:8080

socks5://198.51.100.4:1080 added-by-scan
10.0.0.1:3128
ftp://bad.example.com:21
not even close
`)

	records, warnings, err := LoadProxies(path)
	if err != nil {
		t.Fatalf("LoadProxies() unexpected error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("loaded %d proxies, want 3", len(records))
	}
	if records[0].Kind != proxy.TypeHTTP || records[0].Port != 8080 {
		t.Errorf("first = %s", records[0].URL())
	}
	if records[1].Kind != proxy.TypeSOCKS5 {
		t.Errorf("second kind = %s", records[1].Kind)
	}
	if records[2].Kind != proxy.TypeHTTP {
		t.Errorf("bare host:port should default to http, got %s", records[2].Kind)
	}
	if len(warnings) != 2 {
		t.Errorf("collected %d warnings, want 2: %v", len(warnings), warnings)
	}
}

// TestLoadProxiesMissingFile verifies the not-found error
func TestLoadProxiesMissingFile(t *testing.T) {
	if _, _, err := LoadProxies(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// TestLoadProxiesEmptyFile verifies the empty-file error
func TestLoadProxiesEmptyFile(t *testing.T) {
	path := writeList(t, "")
	if _, _, err := LoadProxies(path); err == nil {
		t.Fatal("expected error for empty file")
	}
}

// TestLoadProxiesOnlyInvalid verifies the no-valid-proxies error
func TestLoadProxiesOnlyInvalid(t *testing.T) {
	path := writeList(t, "garbage line one\nmore garbage\n")
	_, warnings, err := LoadProxies(path)
	if err == nil {
		t.Fatal("expected error when no line parses")
	}
	if len(warnings) == 0 {
		t.Error("expected per-line warnings")
	}
}
