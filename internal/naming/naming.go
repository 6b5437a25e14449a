// Package naming derives the deterministic identifiers used across the
// system: preview ids, database names, container names, and external hosts.
// All functions are pure.
package naming

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Kind discriminates what a preview tracks.
type Kind string

const (
	KindPullRequest Kind = "pull_request"
	KindBranch      Kind = "branch"
)

// maxIDLen is the longest sanitized identifier we produce. DNS labels and
// container names both cap at 63 bytes.
const maxIDLen = 63

// PreviewID derives the canonical preview identifier: "pr-<N>" for pull
// requests, "branch-<sanitized>" for branches.
func PreviewID(kind Kind, prNumber int, branch string) string {
	if kind == KindPullRequest {
		return fmt.Sprintf("pr-%d", prNumber)
	}
	return Sanitize("branch-" + branch)
}

// Sanitize lowercases s, replaces every character outside [a-z0-9-_] with
// "-", trims leading and trailing "-", and truncates to 63 bytes.
func Sanitize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxIDLen {
		out = out[:maxIDLen]
		out = strings.TrimRight(out, "-")
	}
	return out
}

// DatabaseName derives the per-preview database name: hyphens become
// underscores and the "_db" suffix is appended. "pr-42" -> "pr_42_db".
func DatabaseName(previewID string) string {
	return strings.ReplaceAll(previewID, "-", "_") + "_db"
}

// ContainerName builds a container name unique across redeploys:
// "<previewId>-<service>-<randHex8>". The random suffix lets an update
// create its replacement container while the old one is still being
// removed.
func ContainerName(previewID, service string) string {
	return fmt.Sprintf("%s-%s-%s", previewID, Sanitize(service), randHex(8))
}

// ExternalHost derives the public hostname a service is routed on:
// "<previewId>-<owner>.<service>.<baseDomain>".
func ExternalHost(previewID, repoOwner, service, baseDomain string) string {
	return fmt.Sprintf("%s-%s.%s.%s", previewID, Sanitize(repoOwner), Sanitize(service), baseDomain)
}

// EnvToken maps a service name to its magic-variable token name:
// uppercase, non-alphanumerics become "_". "my-api" -> "MY_API".
func EnvToken(service string) string {
	s := strings.ToUpper(service)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func randHex(n int) string {
	buf := make([]byte, (n+1)/2)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)[:n]
}
