package notify

import (
	"fmt"
	"sort"
	"strings"
)

// formatTitle produces a human-readable notification title.
func formatTitle(t EventType) string {
	readable := strings.ReplaceAll(string(t), "_", " ")
	// Title-case each word.
	words := strings.Fields(readable)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return "Warden: " + strings.Join(words, " ")
}

// formatMessage builds the notification body from event fields.
func formatMessage(e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Preview: %s\n", e.PreviewID)
	if e.Repo != "" {
		fmt.Fprintf(&b, "Repo: %s\n", e.Repo)
	}
	if e.CommitSha != "" {
		fmt.Fprintf(&b, "Commit: %s\n", e.CommitSha)
	}
	for _, name := range sortedKeys(e.URLs) {
		fmt.Fprintf(&b, "%s: %s\n", name, e.URLs[name])
	}
	if e.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", e.Error)
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
