// Package strutil holds small text helpers used when narrating attribute
// changes and rendering entries.
package strutil

import (
	"strings"

	"github.com/jinzhu/inflection"
)

// Inflect returns the singular form of word when n is 1 and the plural form
// otherwise.
func Inflect(word string, n int) string {
	if n == 1 {
		return inflection.Singular(word)
	}
	return inflection.Plural(word)
}

// Sentence joins items into prose: "a", "a and b", "a, b, and c".
func Sentence(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + ", and " + items[len(items)-1]
	}
}

// WordWrap lays out words in lines no longer than lineLength characters.
// Every word is preceded by a single space; a newline starts a fresh line
// whenever the next word would overflow.
func WordWrap(words []string, lineLength int) string {
	var b strings.Builder
	left := lineLength
	for _, word := range words {
		if left < len(word)+1 {
			b.WriteByte('\n')
			left = lineLength
		}
		b.WriteByte(' ')
		b.WriteString(word)
		left -= len(word) + 1
	}
	return b.String()
}

// Obscure replaces value with a placeholder when sensitive is true.
func Obscure(value string, sensitive bool) string {
	if sensitive {
		return "*****"
	}
	return value
}
