package provision

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// migrationFiles lists the files in dir with one of the given extensions,
// sorted lexicographically so "001_" runs before "002_".
func migrationFiles(dir string, exts ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, want := range exts {
			if ext == want {
				files = append(files, filepath.Join(dir, entry.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// splitStatements breaks a migration file into individual statements on
// ";". Statement-internal semicolons (procedures, quoted strings) are not
// handled; migration authors keep one statement per terminator.
func splitStatements(sqlText string) []string {
	parts := strings.Split(sqlText, ";")
	var stmts []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			stmts = append(stmts, p)
		}
	}
	return stmts
}

// seedCollection extracts the target collection from a seed filename of
// the form "NNN_<collection>.json". Files without the numeric prefix fall
// back to the whole stem.
func seedCollection(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if idx := strings.Index(stem, "_"); idx > 0 && isDigits(stem[:idx]) {
		return stem[idx+1:]
	}
	return stem
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// databaseNameFromURI returns the path component of a connection string.
func databaseNameFromURI(connectionString string) (string, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("parse connection string: %w", err)
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "", fmt.Errorf("connection string %q has no database name", u.Redacted())
	}
	return name, nil
}
