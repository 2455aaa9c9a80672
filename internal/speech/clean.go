package speech

import (
	"regexp"
	"strings"
)

var (
	reThinking   = regexp.MustCompile(`(?is)<thinking>.*?</thinking>`)
	reCodeBlock  = regexp.MustCompile("(?s)```.*?```")
	reMathBlock  = regexp.MustCompile(`(?s)\$\$.*?\$\$`)
	reInlineCode = regexp.MustCompile("`([^`]*)`")
	reImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	reBracketed  = regexp.MustCompile(`\[[^\]]*\]`)
	reHeader     = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}(?:[ \t]+|$)`)
	reBullet     = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+\.)\s+`)
	reQuote      = regexp.MustCompile(`(?m)^\s*>\s?`)
	reStrong     = regexp.MustCompile(`(^|[^\w*])\*\*(\S(?:[^*\n]*\S)?)\*\*`)
	reEmphasis   = regexp.MustCompile(`(^|[^\w*])\*(\S(?:[^*\n]*\S)?)\*`)
	reStrongUnd  = regexp.MustCompile(`(^|\s)__(\S(?:[^_\n]*\S)?)__`)
	reStrike     = regexp.MustCompile(`~~([^~\n]+)~~`)
	reUnderscore = regexp.MustCompile(`(^|\s)_([^_\s][^_]*)_(\s|$|[.,!?])`)
	reSpaces     = regexp.MustCompile(`\s+`)
)

// Clean strips structural markup so the text reads naturally when spoken.
// Link text is kept, link targets and bracketed annotations are dropped.
// Only line-leading headers and paired emphasis markers are removed, so
// "C#" and "2*3" survive.
func Clean(text string) string {
	s := reThinking.ReplaceAllString(text, " ")
	s = reCodeBlock.ReplaceAllString(s, " ")
	s = reMathBlock.ReplaceAllString(s, " ")
	s = reInlineCode.ReplaceAllString(s, "$1")
	s = reImage.ReplaceAllString(s, "$1")
	s = reLink.ReplaceAllString(s, "$1")
	s = reBracketed.ReplaceAllString(s, " ")
	s = reHeader.ReplaceAllString(s, "")
	s = reBullet.ReplaceAllString(s, "")
	s = reQuote.ReplaceAllString(s, "")
	s = reStrong.ReplaceAllString(s, "$1$2")
	s = reEmphasis.ReplaceAllString(s, "$1$2")
	s = reStrongUnd.ReplaceAllString(s, "$1$2")
	s = reStrike.ReplaceAllString(s, "$1")
	s = reUnderscore.ReplaceAllString(s, "$1$2$3")
	return strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))
}
