package dialog

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// State identifies where the conversation stands. Transfer and
// Goodbye are terminal.
type State int

const (
	StateGreeting State = iota
	StateQualification
	StateObjectionHandling
	StateClosing
	StateTransfer
	StateGoodbye
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateQualification:
		return "qualification"
	case StateObjectionHandling:
		return "objection_handling"
	case StateClosing:
		return "closing"
	case StateTransfer:
		return "transfer"
	case StateGoodbye:
		return "goodbye"
	default:
		return "unknown"
	}
}

// Terminal reports whether the conversation cannot leave this state.
func (s State) Terminal() bool {
	return s == StateTransfer || s == StateGoodbye
}

// Outcome is the terminal disposition of a conversation, recorded for
// analytics.
type Outcome string

const (
	OutcomeError             Outcome = "error"
	OutcomeCallbackRequested Outcome = "callback_requested"
	OutcomeTransferToHuman   Outcome = "transfer_to_human"
	OutcomeSuccess           Outcome = "success"
	OutcomeMaxTurnsReached   Outcome = "max_turns_reached"
	OutcomeNotInterested     Outcome = "not_interested"
	OutcomeDeclined          Outcome = "declined"
	OutcomeUnknown           Outcome = "unknown"
)

// Context carries one call's conversation counters and flags. It is
// mutated only by the engine and lives as long as the call.
type Context struct {
	Turns             int
	Objections        int
	FollowUps         int
	ErrorCount        int
	TransferRequested bool
	CallbackRequested bool
	Confirmed         bool
	GoalAchieved      bool
}

// Config bounds a conversation. Zero values take the defaults.
type Config struct {
	// MaxTurns ends the conversation after this many caller turns.
	MaxTurns int

	// MaxObjections forces a polite goodbye once the caller has
	// hesitated or objected this many times.
	MaxObjections int

	// MaxErrors is the provider failure count that turns the outcome
	// into OutcomeError.
	MaxErrors int
}

// Defaults applied by NewEngine.
const (
	DefaultMaxTurns      = 20
	DefaultMaxObjections = 3
	DefaultMaxErrors     = 3
)

// rule is one transition: while in from and hearing intent, move to
// the to state and seed the agent's reply with instruction. Rules are
// evaluated by descending priority; the first match wins.
type rule struct {
	from        State
	intent      Intent
	to          State
	priority    int
	instruction string
}

// transitionRules is the complete conversation policy. Escalations
// (transfer, goodbye, callback) outrank flow transitions so they are
// honored from any state.
var transitionRules = []rule{
	{StateGreeting, IntentRequestHuman, StateTransfer, 100, "Tell the caller you are transferring them to a colleague right now."},
	{StateQualification, IntentRequestHuman, StateTransfer, 100, "Tell the caller you are transferring them to a colleague right now."},
	{StateObjectionHandling, IntentRequestHuman, StateTransfer, 100, "Tell the caller you are transferring them to a colleague right now."},
	{StateClosing, IntentRequestHuman, StateTransfer, 100, "Tell the caller you are transferring them to a colleague right now."},

	{StateGreeting, IntentGoodbye, StateGoodbye, 90, "Thank the caller for their time and say goodbye politely."},
	{StateQualification, IntentGoodbye, StateGoodbye, 90, "Thank the caller for their time and say goodbye politely."},
	{StateObjectionHandling, IntentGoodbye, StateGoodbye, 90, "Thank the caller for their time and say goodbye politely."},
	{StateClosing, IntentGoodbye, StateGoodbye, 90, "Thank the caller for their time and say goodbye politely."},

	{StateGreeting, IntentCallback, StateGoodbye, 80, "Agree to call back, confirm a rough time, and say goodbye."},
	{StateQualification, IntentCallback, StateGoodbye, 80, "Agree to call back, confirm a rough time, and say goodbye."},
	{StateObjectionHandling, IntentCallback, StateGoodbye, 80, "Agree to call back, confirm a rough time, and say goodbye."},
	{StateClosing, IntentCallback, StateGoodbye, 80, "Agree to call back, confirm a rough time, and say goodbye."},

	{StateGreeting, IntentYes, StateQualification, 50, "Thank the caller and ask the first qualification question."},
	{StateGreeting, IntentGreeting, StateGreeting, 50, "Introduce yourself and the reason for the call, then ask an opening question."},
	{StateGreeting, IntentNo, StateObjectionHandling, 50, "Acknowledge the hesitation and briefly restate why the call is worth a minute."},
	{StateGreeting, IntentUncertain, StateObjectionHandling, 50, "Reassure the caller and explain the purpose of the call in one sentence."},
	{StateGreeting, IntentObjection, StateObjectionHandling, 50, "Acknowledge the concern and briefly restate the value of the call."},

	{StateQualification, IntentYes, StateClosing, 50, "Summarize what was agreed and propose the concrete next step."},
	{StateQualification, IntentNo, StateObjectionHandling, 50, "Ask what their main concern is."},
	{StateQualification, IntentUncertain, StateObjectionHandling, 50, "Offer one concrete detail that addresses common doubts, then ask again."},
	{StateQualification, IntentObjection, StateObjectionHandling, 50, "Address the objection directly in one sentence, then return to your question."},

	{StateObjectionHandling, IntentYes, StateQualification, 50, "Confirm the concern is resolved and return to qualifying."},
	{StateObjectionHandling, IntentNo, StateGoodbye, 50, "Respect the refusal, thank them for their time, and close politely."},
	{StateObjectionHandling, IntentUncertain, StateObjectionHandling, 50, "Offer to clarify with a single short example."},
	{StateObjectionHandling, IntentObjection, StateObjectionHandling, 50, "Acknowledge the new objection and answer it briefly."},

	{StateClosing, IntentYes, StateClosing, 50, "Confirm the agreed next step and thank the caller."},
	{StateClosing, IntentNo, StateObjectionHandling, 50, "Ask what is holding them back from the final step."},
	{StateClosing, IntentUncertain, StateObjectionHandling, 50, "Reassure the caller and resolve the final concern."},
	{StateClosing, IntentObjection, StateObjectionHandling, 50, "Address the last objection and gently re-ask for confirmation."},
}

// defaultInstructions seed the reply when no rule matched the
// (state, intent) pair.
var defaultInstructions = map[State]string{
	StateGreeting:          "Greet the caller and state why you are calling.",
	StateQualification:     "Ask the next qualification question and listen.",
	StateObjectionHandling: "Address the caller's concern and steer back to the goal of the call.",
	StateClosing:           "Ask for confirmation of the next step.",
	StateTransfer:          "Tell the caller the transfer is starting.",
	StateGoodbye:           "End the call politely.",
}

// Result is one engine step: the state after the utterance, the
// classified intent, the instruction for the agent's reply, and
// whether the conversation is over.
type Result struct {
	State       State
	Intent      Intent
	Instruction string
	Terminated  bool
}

// Engine advances conversations through the transition policy. It
// holds no per-call state; callers keep one Context per call and pass
// it to every Advance.
type Engine struct {
	config Config
	rules  []rule
}

// NewEngine creates a conversation engine with the given bounds.
func NewEngine(config Config) *Engine {
	if config.MaxTurns <= 0 {
		config.MaxTurns = DefaultMaxTurns
	}
	if config.MaxObjections <= 0 {
		config.MaxObjections = DefaultMaxObjections
	}
	if config.MaxErrors <= 0 {
		config.MaxErrors = DefaultMaxErrors
	}

	rules := make([]rule, len(transitionRules))
	copy(rules, transitionRules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].priority > rules[j].priority
	})

	logrus.WithFields(logrus.Fields{
		"function":       "NewEngine",
		"max_turns":      config.MaxTurns,
		"max_objections": config.MaxObjections,
	}).Debug("Creating conversation engine")

	return &Engine{config: config, rules: rules}
}

// Advance processes one caller utterance: classify its intent, update
// the context counters, transition state, and decide whether the
// conversation is over.
//
// Parameters:
//   - state: Conversation state before the utterance
//   - context: The call's context, mutated in place
//   - utterance: Transcribed caller speech
//
// Returns:
//   - Result: New state, intent, reply instruction, termination flag
func (e *Engine) Advance(state State, context *Context, utterance string) Result {
	intent := ClassifyIntent(utterance)
	context.Turns++

	switch intent {
	case IntentUncertain, IntentObjection:
		context.Objections++
	case IntentRequestHuman:
		context.TransferRequested = true
	case IntentCallback:
		context.CallbackRequested = true
	case IntentYes:
		if state == StateClosing {
			context.Confirmed = true
		}
	}

	next := e.transition(state, intent, context)
	return Result{
		State:       next,
		Intent:      intent,
		Instruction: e.instructionFor(state, intent),
		Terminated:  e.Terminated(next, context),
	}
}

// transition applies the first matching rule. A caller who keeps
// objecting past the configured maximum is walked to goodbye no
// matter what the table says.
func (e *Engine) transition(state State, intent Intent, context *Context) State {
	if state == StateObjectionHandling && context.Objections >= e.config.MaxObjections {
		return StateGoodbye
	}
	for _, r := range e.rules {
		if r.from == state && r.intent == intent {
			return r.to
		}
	}
	return state
}

// instructionFor returns the reply instruction for a (state, intent)
// pair, falling back to the state's default.
func (e *Engine) instructionFor(state State, intent Intent) string {
	for _, r := range e.rules {
		if r.from == state && r.intent == intent {
			return r.instruction
		}
	}
	return defaultInstructions[state]
}

// Terminated reports whether the conversation is over: a terminal
// state, the turn budget spent, or a confirmed close.
func (e *Engine) Terminated(state State, context *Context) bool {
	if state.Terminal() {
		return true
	}
	if context.Turns >= e.config.MaxTurns {
		return true
	}
	return state == StateClosing && context.Confirmed
}

// Outcome determines the conversation's terminal disposition. It is
// deterministic and idempotent: calling it again with the same inputs
// yields the same outcome.
func (e *Engine) Outcome(state State, context *Context) Outcome {
	switch {
	case context.ErrorCount >= e.config.MaxErrors:
		return OutcomeError
	case context.CallbackRequested:
		return OutcomeCallbackRequested
	case state == StateTransfer || context.TransferRequested:
		return OutcomeTransferToHuman
	case context.Confirmed || context.GoalAchieved:
		return OutcomeSuccess
	case context.Turns >= e.config.MaxTurns:
		return OutcomeMaxTurnsReached
	case state == StateGoodbye:
		if context.Objections >= e.config.MaxObjections {
			return OutcomeNotInterested
		}
		return OutcomeDeclined
	default:
		return OutcomeUnknown
	}
}

// OpeningInstruction returns the instruction that seeds the agent's
// very first line, before the caller has said anything.
func (e *Engine) OpeningInstruction() string {
	return defaultInstructions[StateGreeting]
}

// MaxTurns exposes the configured turn budget.
func (e *Engine) MaxTurns() int { return e.config.MaxTurns }

// MaxErrors exposes the provider failure budget.
func (e *Engine) MaxErrors() int { return e.config.MaxErrors }
