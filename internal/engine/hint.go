package engine

import (
	"strings"
	"unicode"
)

// Hint tells the reply generator how the query relates to earlier turns.
type Hint string

const (
	HintReference     Hint = "reference"
	HintContinuation  Hint = "continuation"
	HintClarification Hint = "clarification"
	HintFollowUp      Hint = "follow_up"
	HintGeneral       Hint = "general"
)

type hintRule struct {
	hint    Hint
	phrases []string // matched as whole words anywhere in the query
	leading []string // single words matched only as the first word
}

// hintRules are evaluated in priority order; the first match wins. Pronouns
// and connectives appear in most sentences, so they only count when they
// open the query.
var hintRules = []hintRule{
	{
		hint: HintReference,
		phrases: []string{
			"remember when", "you said", "you told me", "you mentioned", "last time",
			"earlier", "said before", "mentioned before", "like before",
			"about that", "about it", "about them", "that one",
		},
		leading: []string{"that", "those", "it", "he", "she", "they", "them", "this", "these"},
	},
	{
		hint: HintContinuation,
		phrases: []string{
			"and then", "anyway", "besides", "furthermore", "moreover", "additionally",
		},
		leading: []string{"and", "also", "so", "then", "plus", "next"},
	},
	{
		hint: HintClarification,
		phrases: []string{
			"what do you mean", "i don't understand", "i dont understand",
			"can you explain", "clarify", "meaning", "confused", "huh",
		},
	},
	{
		hint: HintFollowUp,
		phrases: []string{
			"tell me more", "more about", "go on", "keep going", "elaborate",
			"what else", "more details", "continue",
		},
	},
}

// ClassifyHint maps query to a Hint by phrase matching. It is deterministic
// and case-insensitive; an empty query is general.
func ClassifyHint(query string) Hint {
	words := tokenize(query)
	if len(words) == 0 {
		return HintGeneral
	}

	for _, rule := range hintRules {
		for _, w := range rule.leading {
			if words[0] == w {
				return rule.hint
			}
		}
		for _, phrase := range rule.phrases {
			if containsPhrase(words, strings.Fields(phrase)) {
				return rule.hint
			}
		}
	}
	return HintGeneral
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j, p := range phrase {
			if words[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
