package strutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInflect(t *testing.T) {
	assert.Equal(t, "birds", Inflect("bird", 0))
	assert.Equal(t, "bird", Inflect("bird", 1))
	assert.Equal(t, "birds", Inflect("bird", 2))
	assert.Equal(t, "entries", Inflect("entry", 2))
}

func TestSentence(t *testing.T) {
	words := []string{"one", "two", "three"}
	assert.Equal(t, "one", Sentence(words[:1]))
	assert.Equal(t, "one and two", Sentence(words[:2]))
	assert.Equal(t, "one, two, and three", Sentence(words))
	assert.Equal(t, "", Sentence(nil))
}

func TestWordWrap(t *testing.T) {
	assert.Equal(t, " one two", WordWrap([]string{"one", "two"}, 20))
	assert.Equal(t, " one\n two", WordWrap([]string{"one", "two"}, 5))
	assert.Equal(t, "", WordWrap(nil, 10))
}

func TestObscure(t *testing.T) {
	assert.Equal(t, "*****", Obscure("hunter2", true))
	assert.Equal(t, "hunter2", Obscure("hunter2", false))
}
