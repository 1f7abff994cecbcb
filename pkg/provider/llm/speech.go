package llm

import (
	"regexp"
	"strings"
)

var (
	mdLink     = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdHeading  = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	mdBullet   = regexp.MustCompile(`(?m)^\s*(?:[-*+•]|\d+[.)])\s+`)
	mdEmphasis = strings.NewReplacer("**", "", "__", "", "`", "", "~~", "")
	whitespace = regexp.MustCompile(`\s+`)
)

// Speakable turns a model reply into plain text for speech synthesis. Chat
// models like to answer in markdown, and a synthesizer reads the markup out
// loud. Links keep their label, list markers and headings are dropped and all
// whitespace collapses to single spaces.
func Speakable(s string) string {
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdBullet.ReplaceAllString(s, "")
	s = mdEmphasis.Replace(s)
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
