package preview

import (
	"strings"

	"github.com/Tom-Hartley/Preview-Warden/internal/naming"
)

// ResolveMagicVars replaces magic ${NAME} tokens in a user-supplied value.
// Two token families are recognized: ${DATABASE_URL} resolves to the
// preview's database connection string (empty when no database), and
// ${<SERVICE>_URL} resolves to the named sibling service's external URL.
// Replacement is textual and single-pass; unknown tokens are left literal.
func ResolveMagicVars(value string, urls map[string]string, databaseURL string) string {
	if !strings.Contains(value, "${") {
		return value
	}

	out := strings.ReplaceAll(value, "${DATABASE_URL}", databaseURL)
	for name, url := range urls {
		out = strings.ReplaceAll(out, "${"+naming.EnvToken(name)+"_URL}", url)
	}
	return out
}

// ResolveEnv applies ResolveMagicVars to every value of env, returning a
// new map. The input map is not modified.
func ResolveEnv(env map[string]string, urls map[string]string, databaseURL string) map[string]string {
	resolved := make(map[string]string, len(env))
	for k, v := range env {
		resolved[k] = ResolveMagicVars(v, urls, databaseURL)
	}
	return resolved
}
