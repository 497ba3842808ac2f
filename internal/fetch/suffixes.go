package fetch

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// LoadSuffixes reads a wordlist, one suffix per line. Blank lines and lines
// starting with # are skipped, the order is kept.
func LoadSuffixes(r io.Reader) ([]string, error) {
	ret := []string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ret = append(ret, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading wordlist: %w", err)
	}
	return ret, nil
}
