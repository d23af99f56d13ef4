package notifications

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

var (
	tagPattern = regexp.MustCompile(`(?s)<!--.*?-->|<[^>]*>`)

	safeRedirectPrefixes = []string{"index.php", "/index.php", "./index.php"}
)

// SanitizeText strips markup and entity-encodes what is left.
func SanitizeText(value string) string {
	stripped := tagPattern.ReplaceAllString(value, "")
	return html.EscapeString(strings.TrimSpace(stripped))
}

// SanitizeRedirect keeps absolute https URLs and CRM-relative index.php paths.
// Anything else becomes empty.
func SanitizeRedirect(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if strings.ContainsAny(trimmed, "\r\n\t<>\"") {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil || parsed.Host == "" || parsed.Scheme != "https" {
			return ""
		}
		return trimmed
	}
	for _, prefix := range safeRedirectPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return trimmed
		}
	}
	return ""
}
