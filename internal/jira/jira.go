// Package jira extracts issue-tracker ticket keys from free text.
package jira

import "regexp"

// Ticket keys look like PROJ-123: an uppercase project key (letters and
// digits, first char a letter) followed by a numeric issue id.
var ticketPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9]+-\d+)\b`)

// Extract returns the ticket keys found across the given texts, in
// first-occurrence order with duplicates removed. It performs no I/O.
func Extract(texts ...string) []string {
	var keys []string
	seen := make(map[string]struct{})
	for _, text := range texts {
		for _, match := range ticketPattern.FindAllString(text, -1) {
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			keys = append(keys, match)
		}
	}
	return keys
}

// Union merges extra keys (e.g. keys the upstream exposes directly on
// the entity) into an extracted set, preserving order and uniqueness.
func Union(keys []string, extra ...string) []string {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	for _, k := range extra {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
