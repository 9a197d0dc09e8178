package session

import "time"

// PromptKind classifies a system prompt for admission purposes. Opening
// prompts tolerate a much older last-user-activity timestamp than idle and
// filler prompts, which must never land on top of a fresh user utterance.
type PromptKind int

const (
	// PromptOpening greets the user right after session setup.
	PromptOpening PromptKind = iota
	// PromptIdle re-engages a silent user.
	PromptIdle
	// PromptFiller covers the wait during a long-running tool call.
	PromptFiller
	// PromptWorking announces that a tool call has started.
	PromptWorking
	// PromptFinish asks the model to present a tool result.
	PromptFinish
)

func (k PromptKind) String() string {
	switch k {
	case PromptOpening:
		return "opening"
	case PromptIdle:
		return "idle"
	case PromptFiller:
		return "filler"
	case PromptWorking:
		return "working"
	case PromptFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// Admission thresholds. A prompt is only admitted while the user has been
// quiet for at least its kind's threshold.
const (
	recentActivityThreshold = 200 * time.Millisecond

	// echoGuardWindow is how long after the user's last message their
	// microphone audio is still forwarded upstream even while the AI is
	// responding. Opening prompts share it as their activity threshold.
	echoGuardWindow = 60 * time.Second

	openingActivityThreshold = echoGuardWindow

	// admissionRetryDelay is how long a deferred prompt waits before its
	// conditions are re-evaluated.
	admissionRetryDelay = time.Second
)

// Decision is the outcome of admitting a prompt against session state.
type Decision int

const (
	// SendNow admits the prompt immediately.
	SendNow Decision = iota
	// Retry defers the prompt; re-evaluate after admissionRetryDelay.
	Retry
	// Drop discards the prompt permanently.
	Drop
)

func (d Decision) String() string {
	switch d {
	case SendNow:
		return "send"
	case Retry:
		return "retry"
	default:
		return "drop"
	}
}

// AdmissionState is the snapshot of session activity a prompt is judged
// against.
type AdmissionState struct {
	Responding        bool
	Playing           bool
	Speaking          bool
	LastUserMessageAt time.Time
}

// Admit decides whether a prompt of the given kind may be sent right now.
// Disposable prompts that cannot be sent are dropped; non-disposable ones
// are retried until the session becomes quiet.
func Admit(st AdmissionState, kind PromptKind, disposable bool, now time.Time) Decision {
	busy := st.Responding || st.Playing || st.Speaking
	threshold := recentActivityThreshold
	if kind == PromptOpening {
		threshold = openingActivityThreshold
	}
	recent := !st.LastUserMessageAt.IsZero() && now.Sub(st.LastUserMessageAt) < threshold

	if !busy && !recent {
		return SendNow
	}
	if disposable {
		return Drop
	}
	return Retry
}
