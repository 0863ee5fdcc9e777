// Package engine implements the DataGuard decision pipeline: pattern
// detectors, the rewrite catalogue, the policy evaluator, risk scorers, and
// the orchestrator that composes them.
package engine

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// Match is a single pattern hit inside scanned text.
type Match struct {
	PatternID   string `json:"pattern_id"`
	Category    string `json:"category"` // "pii" or "injection"
	Text        string `json:"matched_text"`
	Replacement string `json:"replacement,omitempty"`
}

// ScanResult aggregates the hits from scanning one text blob.
type ScanResult struct {
	Found      bool     `json:"found"`
	PatternIDs []string `json:"pattern_ids"`
	Matches    []Match  `json:"matches"`
}

type piiPattern struct {
	id          string
	re          *regexp.Regexp
	replacement string
	// exclude filters out individual matches. RE2 has no negative lookahead,
	// so loopback/zero addresses are dropped here instead of in the regex.
	exclude func(s string) bool
}

var excludedIPs = map[string]bool{"127.0.0.1": true, "0.0.0.0": true}

var piiPatterns = []piiPattern{
	{id: "ssn", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), replacement: "[SSN REDACTED]"},
	{id: "email", re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), replacement: "[EMAIL REDACTED]"},
	{id: "credit_card", re: regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`), replacement: "[CARD REDACTED]"},
	{id: "password_literal", re: regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[=:]\s*\S+`), replacement: "[PASSWORD REDACTED]"},
	{id: "phone_us", re: regexp.MustCompile(`\(?\d{3}\)?[\s.-]\d{3}[\s.-]\d{4}\b`), replacement: "[PHONE REDACTED]"},
	{id: "phone_intl", re: regexp.MustCompile(`\+\d{1,3}[\s.-]\d{3,5}[\s.-]\d{3,8}`), replacement: "[PHONE REDACTED]"},
	{id: "aws_key", re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), replacement: "[AWS KEY REDACTED]"},
	{id: "aws_secret", re: regexp.MustCompile(`(?i)aws_secret_access_key\s*[=:]\s*\S+`), replacement: "[AWS SECRET REDACTED]"},
	{id: "jwt_token", re: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`), replacement: "[JWT REDACTED]"},
	{
		id:          "ipv4_address",
		re:          regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\b`),
		replacement: "[IP REDACTED]",
		exclude:     func(s string) bool { return excludedIPs[s] },
	},
	{id: "date_of_birth", re: regexp.MustCompile(`(?i)\bdob\s*[=:]\s*\S+`), replacement: "[DOB REDACTED]"},
	{id: "private_key_header", re: regexp.MustCompile(`-----BEGIN\s[\w\s]*PRIVATE\sKEY-----`), replacement: "[PRIVATE KEY REDACTED]"},
}

type injectionPattern struct {
	id string
	re *regexp.Regexp
}

var injectionPatterns = []injectionPattern{
	{id: "ignore_instructions", re: regexp.MustCompile(`(?i)ignore\s+(?:previous|all|prior|above)\s+(?:instructions?|prompts?)`)},
	{id: "role_override", re: regexp.MustCompile(`(?i)you\s+are\s+now\s+`)},
	{id: "system_prompt_fake", re: regexp.MustCompile(`(?im)^(?:system|assistant)\s*:\s*`)},
	{id: "override_instructions", re: regexp.MustCompile(`(?i)override\s+(?:instructions?|policy|rules?|guidelines?)`)},
	{id: "forget_instructions", re: regexp.MustCompile(`(?i)forget\s+(?:everything|all|your\s+instructions?)`)},
	{id: "do_anything_now", re: regexp.MustCompile(`(?i)\b(?:DAN|do\s+anything\s+now)\b`)},
	{id: "delimiter_injection", re: regexp.MustCompile("(?i)(?:```\\s*system|---\\s*instruction|###\\s*admin)")},
	{id: "pretend_mode", re: regexp.MustCompile(`(?i)pretend\s+you\s+have\s+no\s+(?:rules|restrictions|limits)`)},
	{id: "disregard_prompt", re: regexp.MustCompile(`(?i)disregard\s+(?:all\s+)?(?:previous|prior|above)`)},
	{id: "reveal_instructions", re: regexp.MustCompile(`(?i)(?:reveal|show|output|print)\s+(?:your\s+)?(?:system\s+prompt|instructions?)`)},
	{id: "concatenation_attack", re: regexp.MustCompile(`(?i)concatenate\s+(?:previous\s+)?system\s+output`)},
}

// ScanForPII reports every PII pattern hit in text. Pattern ids are
// deduplicated and sorted; matches keep scan order.
func ScanForPII(text string) ScanResult {
	var matches []Match
	seen := map[string]bool{}

	for _, p := range piiPatterns {
		for _, m := range p.re.FindAllString(text, -1) {
			if p.exclude != nil && p.exclude(m) {
				continue
			}
			seen[p.id] = true
			matches = append(matches, Match{
				PatternID:   p.id,
				Category:    "pii",
				Text:        m,
				Replacement: p.replacement,
			})
		}
	}

	return ScanResult{
		Found:      len(matches) > 0,
		PatternIDs: sortedKeys(seen),
		Matches:    matches,
	}
}

// ScanForInjection reports every prompt-injection pattern hit in text.
func ScanForInjection(text string) ScanResult {
	var matches []Match
	seen := map[string]bool{}

	for _, p := range injectionPatterns {
		for _, m := range p.re.FindAllString(text, -1) {
			seen[p.id] = true
			matches = append(matches, Match{
				PatternID: p.id,
				Category:  "injection",
				Text:      m,
			})
		}
	}

	return ScanResult{
		Found:      len(matches) > 0,
		PatternIDs: sortedKeys(seen),
		Matches:    matches,
	}
}

// RedactPII replaces every PII occurrence in text with its bracketed
// placeholder. Idempotent: redacting a redacted string is a no-op.
func RedactPII(text string) (string, []string) {
	result := text
	seen := map[string]bool{}

	for _, p := range piiPatterns {
		hit := false
		result = p.re.ReplaceAllStringFunc(result, func(m string) string {
			if p.exclude != nil && p.exclude(m) {
				return m
			}
			hit = true
			return p.replacement
		})
		if hit {
			seen[p.id] = true
		}
	}

	return result, sortedKeys(seen)
}

// CollectTextFields concatenates every scannable text surface of a proposal:
// a stable serialization of the args plus the optional context strings.
func CollectTextFields(toolArgs map[string]any, conversationSummary, intendedOutcome string) string {
	parts := []string{serializeArgs(toolArgs)}
	if conversationSummary != "" {
		parts = append(parts, conversationSummary)
	}
	if intendedOutcome != "" {
		parts = append(parts, intendedOutcome)
	}
	return strings.Join(parts, "\n")
}

// serializeArgs renders tool args as canonical JSON. encoding/json sorts map
// keys, which gives the stable ordering the policy evaluator relies on.
func serializeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
