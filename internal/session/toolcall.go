package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/voxgate/voxgate/internal/engine"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/wire"
	"github.com/voxgate/voxgate/pkg/backend"
)

// Filler pacing. The first filler fires after fillerBaseDelay plus random
// jitter whose ceiling grows with each filler sent, capped at
// fillerJitterCap. After a completed call that may have just produced a
// filler, output is stalled briefly so the voices do not run into each
// other.
const (
	fillerBaseDelay  = 6500 * time.Millisecond
	fillerJitterStep = 1000 * time.Millisecond
	fillerJitterCap  = 5000 * time.Millisecond
	fillerStallDelay = 3 * time.Second

	toolTimeout = 2 * time.Minute
)

// fillerDelay returns the wait before filler number idx (zero-based).
func fillerDelay(idx int, rnd func() float64) time.Duration {
	ceiling := time.Duration(idx+1) * fillerJitterStep
	if ceiling > fillerJitterCap {
		ceiling = fillerJitterCap
	}
	return fillerBaseDelay + time.Duration(rnd()*float64(ceiling))
}

// toolDefinitions lists the tools offered to the engine's model. Every
// tool takes a query plus an optional silent flag that suppresses the
// spoken working/filler commentary around its execution.
func toolDefinitions() []engine.ToolDefinition {
	specs := []struct {
		name, desc string
	}{
		{"Search", "Search the web and the user's knowledge base for current information."},
		{"Document", "Look up content in the user's stored documents."},
		{"Write", "Compose a longer piece of text such as an email, story, or summary."},
		{"Code", "Write or explain source code."},
		{"Image", "Generate an image from a description."},
		{"PDF", "Read and analyze a PDF document."},
		{"Vision", "Look at the user's screen and describe or analyze what is visible."},
		{"Video", "Analyze a video the user has shared."},
		{"Reason", "Think through a hard problem step by step before answering."},
	}
	defs := make([]engine.ToolDefinition, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, engine.ToolDefinition{
			Name:        s.name,
			Description: s.desc,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to do, in the user's words.",
					},
					"silent": map[string]any{
						"type":        "boolean",
						"description": "Run without spoken progress commentary.",
					},
				},
				"required": []string{"query"},
			},
		})
	}
	return defs
}

// queryFromArgs pulls the task text out of parsed tool arguments.
func queryFromArgs(args map[string]any) string {
	for _, key := range []string{"query", "prompt", "text", "question", "input"} {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(raw)
}

// handleToolCall processes a finalized function call. The session holds a
// single call slot; a call finalized while another is active is dropped
// with a log entry, never queued.
func (o *Orchestrator) handleToolCall(callID, rawArgs string) {
	name, ok := o.callNames[callID]
	if !ok || name == "" {
		o.log.Warn("tool call with unknown name dropped", "call_id", callID)
		return
	}
	delete(o.callNames, callID)

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			o.log.Warn("tool arguments unparsable, running with empty args",
				"call_id", callID, "tool", name, "error", err)
			args = map[string]any{}
		}
	}
	silent, _ := args["silent"].(bool)
	call := &ToolCall{ID: callID, Name: name, Silent: silent, startedAt: time.Now()}

	if !o.slot.tryAcquire(call) {
		active := o.slot.current()
		activeName := ""
		if active != nil {
			activeName = active.Name
		}
		o.log.Warn("tool call dropped, another call is active",
			"call_id", callID, "tool", name, "active_tool", activeName)
		o.metrics.ToolCallDropped(o.ctx, name)
		return
	}
	o.metrics.ToolCallStarted(o.ctx, name)
	o.log.Info("tool call started", "call_id", callID, "tool", name, "silent", silent)

	o.cancelIdle()
	o.fillerMaybeSent = false
	if !silent {
		o.submitPrompt(prompt{
			kind:       PromptWorking,
			text:       workingPrompt(name),
			disposable: false,
			allowTools: false,
		})
	}
	o.armFiller(call, 0)

	history := o.historySnapshot()
	go o.executeTool(call, args, history)
}

func (o *Orchestrator) armFiller(call *ToolCall, idx int) {
	o.cancelFiller()
	gen := o.fillerGen
	delay := fillerDelay(idx, rand.Float64)
	o.fillerTimer = time.AfterFunc(delay, func() {
		o.post(func() { o.fillerFired(gen, call, idx) })
	})
}

func (o *Orchestrator) cancelFiller() {
	o.fillerGen++
	if o.fillerTimer != nil {
		o.fillerTimer.Stop()
		o.fillerTimer = nil
	}
}

func (o *Orchestrator) fillerFired(gen int, call *ToolCall, idx int) {
	if gen != o.fillerGen || o.slot.current() != call {
		return
	}
	if !call.Silent {
		sent := o.submitPrompt(prompt{
			kind:       PromptFiller,
			text:       fillerPrompt(),
			disposable: true,
			allowTools: false,
		})
		if sent {
			o.fillerMaybeSent = true
		}
	}
	o.armFiller(call, idx+1)
}

// executeTool runs the backend call off-loop and posts completion back.
func (o *Orchestrator) executeTool(call *ToolCall, args map[string]any, history []string) {
	ctx, cancel := context.WithTimeout(o.ctx, toolTimeout)
	defer cancel()
	ctx, span := observe.StartToolSpan(ctx, call.Name, o.id.UserID)

	req := backend.Request{
		ContextID:   o.id.ContextID(),
		AIName:      o.id.AIName,
		ChatHistory: history,
		Query:       queryFromArgs(args),
	}

	var res backend.Result
	var err error
	switch call.Name {
	case "Search", "Document":
		res, err = o.services.Search(ctx, req)
	case "Write", "Code":
		res, err = o.services.Expert(ctx, req)
	case "Image":
		res, err = o.services.Image(ctx, req)
	case "Vision":
		shot, shotErr := o.captureScreenshot(ctx)
		if shotErr != nil {
			o.log.Warn("screenshot capture failed, analyzing without it", "error", shotErr)
		} else {
			req.Attachment = shot
		}
		res, err = o.services.Vision(ctx, req)
	case "PDF", "Video":
		res, err = o.services.Vision(ctx, req)
	case "Reason":
		res, err = o.services.Reason(ctx, req)
	default:
		err = fmt.Errorf("session: unknown tool %q", call.Name)
	}

	observe.EndToolSpan(span, err)

	var imageURLs []string
	if call.Name == "Image" && res.Text != "" {
		imageURLs = ExtractImageURLs(res.Text)
	}
	o.post(func() { o.finishToolCall(call, res.Text, imageURLs, err) })
}

// finishToolCall records the tool output, sends the finish prompt, emits
// any generated-image notifications, and frees the call slot. The slot is
// released on every path so a failed call can never wedge the session.
func (o *Orchestrator) finishToolCall(call *ToolCall, output string, imageURLs []string, callErr error) {
	o.cancelFiller()
	o.metrics.ToolCallFinished(o.ctx, call.Name, time.Since(call.startedAt), callErr)

	if callErr != nil {
		o.log.Error("tool call failed", "call_id", call.ID, "tool", call.Name, "error", callErr)
		if output == "" {
			output = fmt.Sprintf("The %s tool failed: %v", call.Name, callErr)
		}
	} else {
		o.log.Info("tool call finished", "call_id", call.ID, "tool", call.Name,
			"duration", time.Since(call.startedAt))
	}

	conclude := func() {
		defer o.slot.release()
		item := engine.ConversationItem{
			Type:   "function_call_output",
			CallID: call.ID,
			Output: output,
		}
		o.send("tool_output", func(ctx context.Context) error {
			return o.engine.CreateConversationItem(ctx, item)
		})
		o.submitPrompt(prompt{
			kind:       PromptFinish,
			text:       finishPrompt(call.Name, call.Silent),
			disposable: false,
			allowTools: true,
		})
		for _, url := range imageURLs {
			o.emit(wire.ServerEvent{Type: wire.ServerImageCreated, URL: url})
		}
	}

	if o.fillerMaybeSent {
		// A filler may have just started speaking; stall the output so the
		// two utterances do not collide.
		time.AfterFunc(fillerStallDelay, func() { o.post(conclude) })
		return
	}
	conclude()
}
