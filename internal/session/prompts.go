package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/voxgate/voxgate/pkg/backend"
)

// Identity carries the per-connection persona parameters supplied at
// handshake time.
type Identity struct {
	UserID   string
	AIName   string
	UserName string
	Voice    string
	AIStyle  string
	Language string
}

// ContextID returns the backend context key for this identity.
func (id Identity) ContextID() string {
	return id.UserID
}

// BuildInstructions composes the session-level system instructions from
// the persona identity and the persisted profile.
func BuildInstructions(id Identity, profile backend.Profile, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a voice companion speaking with %s.\n", id.AIName, id.UserName)
	fmt.Fprintf(&b, "Always answer in %s. Keep spoken replies short and natural.\n", id.Language)
	if id.AIStyle != "" {
		fmt.Fprintf(&b, "Your personality and speaking style: %s\n", id.AIStyle)
	}
	if len(profile.SelfMemories) > 0 {
		b.WriteString("\nThings you remember about yourself:\n")
		for _, m := range profile.SelfMemories {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}
	if len(profile.UserMemories) > 0 {
		fmt.Fprintf(&b, "\nThings you remember about %s:\n", id.UserName)
		for _, m := range profile.UserMemories {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}
	if len(profile.Directives) > 0 {
		b.WriteString("\nStanding directives:\n")
		for _, d := range profile.Directives {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if profile.VoiceSample != "" {
		fmt.Fprintf(&b, "\nA sample of how you talk:\n%s\n", profile.VoiceSample)
	}
	fmt.Fprintf(&b, "\nThe current date and time is %s.\n", now.Format("Monday, 2 January 2006, 15:04"))
	return b.String()
}

// greetingPrompt opens the conversation right after setup.
func greetingPrompt(id Identity) string {
	return fmt.Sprintf("Greet %s warmly in one or two short sentences and ask what they would like to do.", id.UserName)
}

// idlePrompt nudges a quiet user. The muted variant permits only silent
// work; the spoken variant allows one brief utterance but warns against
// repeating earlier autonomous remarks.
func idlePrompt(muted bool) string {
	if muted {
		return "The user has been quiet for a while. You may silently research or think about something relevant " +
			"to the conversation using your tools, but produce no voice output at all."
	}
	return "The user has been quiet for a while. You may briefly say something to re-engage them, or silently " +
		"look something up. Do not repeat anything you already said on your own earlier; if you have nothing new, stay quiet."
}

// workingPrompt announces a started tool call by name.
func workingPrompt(tool string) string {
	return fmt.Sprintf("Tell the user in one short sentence that you are working on their %s request now.", tool)
}

// fillerPrompt masks tool latency with a short placeholder.
func fillerPrompt() string {
	return "The task is still running. Say one very short filler sentence so the user knows you are still on it."
}

// verbatimTools name the tools whose results should be read back rather
// than paraphrased.
var verbatimTools = map[string]bool{
	"Search":   true,
	"Document": true,
	"PDF":      true,
	"Vision":   true,
	"Video":    true,
}

// finishPrompt asks the model to present a completed tool result. Reading
// tools get their output relayed faithfully; generating tools get a
// summarizing reply. The closing instruction differs when the call was
// silent.
func finishPrompt(tool string, silent bool) string {
	var b strings.Builder
	if verbatimTools[tool] {
		fmt.Fprintf(&b, "The %s tool has finished. Relay the relevant findings from its output to the user faithfully. ", tool)
	} else {
		fmt.Fprintf(&b, "The %s tool has finished. Tell the user what you produced in your own words. ", tool)
	}
	if silent {
		b.WriteString("Keep it to a single quiet closing remark, or stay silent if nothing needs saying.")
	} else {
		b.WriteString("Keep it conversational and brief.")
	}
	return b.String()
}

// memoryContextPrompt wraps recalled context as a background note.
func memoryContextPrompt(context string) string {
	return "Background you remember that may be relevant to what the user just said (do not read this aloud):\n" + context
}
