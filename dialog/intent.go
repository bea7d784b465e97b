// Package dialog implements the deterministic conversation engine:
// intent classification over transcribed caller utterances, a
// prioritized state transition table, per-call context counters, and
// terminal outcome determination. Everything here is pure computation
// so a conversation replays identically from the same inputs.
package dialog

import (
	"regexp"
	"strings"
)

// Intent is the classified meaning of one caller utterance.
type Intent string

const (
	IntentRequestHuman Intent = "request_human"
	IntentGoodbye      Intent = "goodbye"
	IntentCallback     Intent = "callback"
	IntentNo           Intent = "no"
	IntentUncertain    Intent = "uncertain"
	IntentObjection    Intent = "objection"
	IntentGreeting     Intent = "greeting"
	IntentYes          Intent = "yes"
	IntentUnknown      Intent = "unknown"
)

// intentCategory pairs an intent with the phrases that signal it.
type intentCategory struct {
	intent   Intent
	patterns []string
}

// intentCategories is evaluated in order; the first category with any
// matching phrase wins. Specific negative and escalation phrases come
// before broad affirmatives so "sure" cannot shadow "not sure" and
// "interested" cannot shadow "not interested".
var intentCategories = []intentCategory{
	{IntentRequestHuman, []string{
		"human", "real person", "representative", "supervisor",
		"manager", "someone else", "transfer me", "speak to a person",
		"speak to someone",
	}},
	{IntentGoodbye, []string{
		"goodbye", "bye", "hang up", "hanging up", "stop calling",
		"not interested", "don't call", "do not call", "remove me",
		"take me off", "leave me alone",
	}},
	{IntentCallback, []string{
		"call back", "call me back", "call me later", "callback",
		"another time", "call tomorrow", "try me later",
		"busy right now", "in a meeting",
	}},
	{IntentNo, []string{
		"no", "nope", "nah", "no thanks", "not really", "i don't",
		"we don't", "i won't", "never",
	}},
	{IntentUncertain, []string{
		"not sure", "maybe", "i guess", "don't know", "dunno",
		"possibly", "depends", "have to think", "need to think",
		"let me think", "i'll consider",
	}},
	{IntentObjection, []string{
		"too expensive", "costs too much", "can't afford",
		"already have", "already working with", "not now", "bad time",
		"too busy", "what's the catch", "why should", "don't need",
		"don't trust",
	}},
	{IntentGreeting, []string{
		"hello", "hi", "hey", "good morning", "good afternoon",
		"good evening", "who is this", "who's calling", "speaking",
	}},
	{IntentYes, []string{
		"yes", "yeah", "yep", "yup", "sure", "okay", "ok", "alright",
		"sounds good", "absolutely", "definitely", "of course",
		"interested", "tell me more", "go ahead", "go on",
	}},
}

// compiledCategory is a category with its phrases compiled to
// word-boundary matchers, so "no" matches "no thanks" but never the
// "no" inside "not sure" or "know".
type compiledCategory struct {
	intent   Intent
	matchers []*regexp.Regexp
}

var compiledCategories = compileCategories()

func compileCategories() []compiledCategory {
	compiled := make([]compiledCategory, 0, len(intentCategories))
	for _, category := range intentCategories {
		cc := compiledCategory{intent: category.intent}
		for _, pattern := range category.patterns {
			cc.matchers = append(cc.matchers,
				regexp.MustCompile(`\b`+regexp.QuoteMeta(pattern)+`\b`))
		}
		compiled = append(compiled, cc)
	}
	return compiled
}

// ClassifyIntent maps a caller utterance to an Intent. Matching is
// case-insensitive and ordered by category priority; utterances
// matching no category classify as IntentUnknown.
func ClassifyIntent(utterance string) Intent {
	text := strings.ToLower(strings.TrimSpace(utterance))
	if text == "" {
		return IntentUnknown
	}

	for _, category := range compiledCategories {
		for _, matcher := range category.matchers {
			if matcher.MatchString(text) {
				return category.intent
			}
		}
	}
	return IntentUnknown
}
