package main

import (
	"strings"
)

// Attribute terms that would trivially identify a character: colors, board
// positions, and generic spatial words. Matched as whole words against the
// lowercased question.
var bannedTerms = []string{
	"red", "blue", "green", "yellow", "orange", "purple", "pink", "brown",
	"black", "white", "grey", "gray", "blond", "blonde", "ginger",
	"row", "column", "grid", "top", "bottom", "left", "right", "corner",
	"middle", "center", "edge", "first", "last", "position", "beside",
	"above", "below",
}

// Leading words that turn a question open-ended instead of yes/no.
var openQuestionWords = []string{
	"who", "what", "when", "where", "which", "whose", "whom", "how", "why",
}

const (
	minQuestionWords = 2
	maxQuestionWords = 20
)

// validateQuestion applies the question filter to a turn-holder's chat
// message. Rules are checked in order and the first failure wins; the
// returned reason is sent back to the asker only.
func validateQuestion(text string) (bool, string) {
	trimmed := strings.TrimSpace(text)

	if !strings.HasSuffix(trimmed, "?") {
		return false, "questions must end with a question mark"
	}

	punctuation := strings.Count(trimmed, "?") +
		strings.Count(trimmed, ".") +
		strings.Count(trimmed, "!")
	if punctuation > 1 {
		return false, "ask a single question at a time"
	}

	words := questionWords(trimmed)

	for _, word := range words {
		for _, banned := range bannedTerms {
			if word == banned {
				return false, "questions about colors or positions are not allowed"
			}
		}
	}

	if len(words) > 0 {
		for _, open := range openQuestionWords {
			if words[0] == open {
				return false, "only yes/no questions are allowed"
			}
		}
	}

	if len(words) < minQuestionWords || len(words) > maxQuestionWords {
		return false, "questions must be between 2 and 20 words"
	}

	return true, ""
}

// questionWords lowercases the message and splits it into words, dropping
// punctuation so that "blue?" still matches "blue".
func questionWords(text string) []string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return ' '
		}
	}, text)

	return strings.Fields(mapped)
}
