package session

import (
	"strings"
	"unicode/utf8"
)

const (
	defaultTitle = "New conversation"
	titleSoftCap = 60
	titleHardCap = 80
	minTitleCut  = 20
)

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return s
}

// generateTitle derives a title from the opening message when no model is
// available: its first line, shortened at a space before titleSoftCap bytes.
func generateTitle(msg string) string {
	line := firstLine(msg)
	if line == "" {
		return defaultTitle
	}
	if len(line) <= titleSoftCap {
		return line
	}
	cut := strings.LastIndexByte(line[:titleSoftCap], ' ')
	if cut < minTitleCut {
		cut = titleSoftCap
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
	}
	return line[:cut] + "..."
}

// cleanTitle tidies a model-written title.
func cleanTitle(s string) string {
	s = strings.TrimPrefix(strings.Trim(firstLine(s), "\"'` "), "Title: ")
	if len(s) > titleHardCap {
		return generateTitle(s)
	}
	return s
}
