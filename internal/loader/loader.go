package loader

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
)

// LoadProxies loads and validates proxy fingerprints from a newline
// delimited file. Empty lines and #-comments are skipped; malformed
// entries become warnings rather than errors.
func LoadProxies(filename string) ([]*proxy.Record, []string, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("proxy file '%s' not found", filename)
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open proxy file: %v", err)
	}
	defer file.Close()

	var records []*proxy.Record
	var warnings []string
	lineCount := 0
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		lineCount++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// First field only; trailing annotations are ignored
		entry := strings.Fields(line)[0]
		if entry == "" {
			continue
		}

		record, err := proxy.Parse(entry)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("Line %d: invalid proxy '%s': %v", lineCount, entry, err))
			continue
		}

		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, warnings, fmt.Errorf("error reading proxy file: %v", err)
	}

	if len(records) == 0 {
		if lineCount == 0 {
			return nil, warnings, fmt.Errorf("proxy file '%s' is empty", filename)
		}
		return nil, warnings, fmt.Errorf("no valid proxies found in '%s' (found %d lines, %d warnings)", filename, lineCount, len(warnings))
	}

	return records, warnings, nil
}
