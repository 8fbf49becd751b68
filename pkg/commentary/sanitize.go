package commentary

import (
	"regexp"
	"strings"
)

var speechRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\*{1,3}(.*?)\*{1,3}`), "$1"},
	{regexp.MustCompile(`_{1,3}(.*?)_{1,3}`), "$1"},
	{regexp.MustCompile(`~~(.*?)~~`), "$1"},
	{regexp.MustCompile("(?s)`{1,3}(.*?)`{1,3}"), "$1"},
	{regexp.MustCompile(`(?m)^#{1,6}\s+`), ""},
	{regexp.MustCompile(`(?m)^\s*[-*+]\s+`), ""},
	{regexp.MustCompile(`(?m)^\s*\d+\.\s+`), ""},
	{regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`), "$1"},
	{regexp.MustCompile(`\n{3,}`), "\n\n"},
}

// CleanForSpeech strips markdown so it is not read aloud.
func CleanForSpeech(text string) string {
	for _, rule := range speechRules {
		text = rule.re.ReplaceAllString(text, rule.repl)
	}
	return strings.TrimSpace(text)
}
