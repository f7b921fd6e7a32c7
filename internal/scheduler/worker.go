package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/channel"
	"github.com/danielsimonjr/ironclaw/internal/llm"
	"github.com/danielsimonjr/ironclaw/internal/safety"
	"github.com/danielsimonjr/ironclaw/internal/session"
	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/tools/policy"
	"github.com/danielsimonjr/ironclaw/internal/tools/sandbox"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// endTurn transitions thread back to Idle (the terminal outcome for every
// non-suspending return path: completion, failure, or iteration-limit
// abort all free the thread up for its next turn) and persists turn.
func (w *Worker) endTurn(ctx context.Context, thread *models.Thread, turn *models.Turn) error {
	if thread.State == models.ThreadProcessing {
		_ = w.Sessions.TransitionThread(ctx, thread, models.ThreadIdle)
	}
	return w.persistTurn(ctx, thread, turn)
}

// MaxIterations bounds the reasoning/tool-call loop per turn.
const MaxIterations = 30

// LoopSignatureThreshold is how many times an identical tool-call
// signature may repeat in a turn before the heuristic loop detector
// aborts early.
const LoopSignatureThreshold = 3

// ErrIterationLimit is the Turn.FailReason recorded when MaxIterations is
// exceeded.
const ErrIterationLimit = "IterationLimit"

// ErrToolLoopDetected is the Turn.FailReason recorded when the same tool
// call repeats without progress.
const ErrToolLoopDetected = "ToolLoopDetected"

// ErrOutboundBlocked is the Turn.FailReason recorded when the outbound
// safety scan blocks the final response from leaving the host.
const ErrOutboundBlocked = "OutboundLeakBlocked"

// Worker runs the reasoning/tool-call loop for a single turn, wiring together the LLM port, the tool registry and approval
// gate, the safety pipeline, the workspace (for identity-file injection),
// and the channel manager (for status event delivery).
type Worker struct {
	LLM       llm.Provider
	Registry  *tools.Registry
	Gate      *tools.Gate
	Safety    *safety.Pipeline
	Store     storage.Port
	Workspace *workspace.Manager
	Channels  *channel.Manager
	Sessions  *session.Manager
	Sandbox   *sandbox.Dispatcher
	Budget    session.ContextBudget
	// Policy is the session's tool-access policy; tools it denies are
	// neither offered to the model nor executable, and tools it escalates
	// go through the approval gate even without a RequiresApproval flag.
	Policy *policy.ToolAccessPolicy

	Model string
}

// identityPaths are injected into every system prompt verbatim.
var identityPaths = []string{"/IDENTITY.md", "/SOUL.md", "/AGENTS.md", "/USER.md"}

// RunTurn executes one full turn: builds the system prompt, iterates
// LLM<->tool calls under the approval gate and safety pipeline, and
// persists the resulting Turn, Actions, and LlmCallRecords.
func (w *Worker) RunTurn(ctx context.Context, sess *models.Session, thread *models.Thread, auto *tools.AutoApprovedSet, incoming *channel.IncomingMessage, turn *models.Turn) error {
	history, err := w.Store.ListTurns(ctx, thread.ID, 0, 0)
	if err != nil {
		return fmt.Errorf("scheduler: loading history: %w", err)
	}

	if w.Budget.NeedsCompaction(history) {
		identity := w.identityPromptBlock(ctx, sess.UserID)
		history = w.Budget.Compact(history, identity)
	}

	messages := w.buildMessages(history, turn)
	system := w.buildSystemPrompt(ctx, sess.UserID)
	toolSchemas := w.toolSchemas()

	seenSignatures := make(map[string]int)

	for iteration := 0; iteration < MaxIterations; iteration++ {
		req := &llm.Request{
			Model:    w.Model,
			System:   system,
			Messages: messages,
			Tools:    toolSchemas,
		}

		resp, err := w.LLM.CompleteWithTools(ctx, req)
		if err != nil {
			turn.State = models.TurnFailed
			turn.FailReason = err.Error()
			return w.endTurn(ctx, thread, turn)
		}
		w.recordLlmCall(ctx, thread, turn, resp)

		if len(resp.ToolCalls) == 0 {
			result := w.Safety.Scan(safety.Outbound, resp.Text)
			if result.TerminalAction == safety.TerminalBlocked {
				// The response never leaves the host; record the audit
				// trail and surface a failure instead.
				audit := models.Action{
					ID:           models.NewID(),
					ToolName:     "outbound_scan",
					Error:        "response blocked by leak detector",
					AfterVerdict: string(safety.TerminalBlocked),
					CreatedAt:    time.Now().UTC(),
				}
				turn.Actions = append(turn.Actions, audit)
				_ = w.Store.AppendAction(ctx, turn.ID, audit)
				turn.State = models.TurnFailed
				turn.FailReason = ErrOutboundBlocked
				turn.EndedAt = time.Now().UTC()
				if err := w.endTurn(ctx, thread, turn); err != nil {
					return err
				}
				if incoming != nil && w.Channels != nil {
					_ = w.Channels.SendStatus(ctx, incoming, channel.StatusUpdate{Kind: channel.StatusError, Message: "response withheld: sensitive content detected"})
				}
				return nil
			}
			turn.Response = result.Content
			turn.State = models.TurnCompleted
			turn.EndedAt = time.Now().UTC()
			if err := w.endTurn(ctx, thread, turn); err != nil {
				return err
			}
			if incoming != nil && w.Channels != nil {
				_ = w.Channels.Respond(ctx, incoming, channel.OutgoingResponse{Content: turn.Response, ThreadID: thread.ID})
			}
			return nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			sig := signature(call)
			seenSignatures[sig]++
			if seenSignatures[sig] >= LoopSignatureThreshold {
				turn.State = models.TurnFailed
				turn.FailReason = ErrToolLoopDetected
				return w.endTurn(ctx, thread, turn)
			}

			action, toolMsg, suspend, err := w.runToolCall(ctx, sess, thread, auto, incoming, call)
			if err != nil {
				return err
			}
			if action != nil {
				turn.Actions = append(turn.Actions, *action)
				_ = w.Store.AppendAction(ctx, turn.ID, *action)
			}
			if suspend {
				if err := w.Store.UpdateThread(ctx, thread); err != nil {
					return fmt.Errorf("scheduler: persisting waiting-approval thread: %w", err)
				}
				return w.persistTurn(ctx, thread, turn)
			}
			messages = append(messages, toolMsg)
		}
	}

	turn.State = models.TurnFailed
	turn.FailReason = ErrIterationLimit
	return w.endTurn(ctx, thread, turn)
}

// runToolCall handles one tool call: approval gate, dispatch, safety scan
// of the output, and status-event emission.
func (w *Worker) runToolCall(ctx context.Context, sess *models.Session, thread *models.Thread, auto *tools.AutoApprovedSet, incoming *channel.IncomingMessage, call llm.ToolCall) (*models.Action, llm.Message, bool, error) {
	tool, ok := w.Registry.Get(call.Name)
	if !ok {
		return w.toolErrorAction(call, "tool not found")
	}

	decision := w.Policy.Evaluate(call.Name)
	if decision == policy.DecisionDeny {
		return w.toolErrorAction(call, "tool denied by session policy")
	}

	// Tool-call parameters are outbound content: they leave the host the
	// moment the tool runs, so a secret shape in them is rejected here
	// and never transmitted.
	paramScan := w.Safety.Scan(safety.Outbound, string(call.Parameters))
	if paramScan.TerminalAction == safety.TerminalBlocked {
		action := &models.Action{
			ID:            models.NewID(),
			ToolName:      call.Name,
			Error:         "leak detected in tool parameters",
			BeforeVerdict: string(safety.TerminalBlocked),
			CreatedAt:     time.Now().UTC(),
		}
		msg := llm.Message{Role: llm.RoleTool, Content: "error: tool call rejected, parameters contain sensitive material", ToolCallID: call.ID, ToolName: call.Name}
		return action, msg, false, nil
	}

	var (
		gateResult tools.GateResult
		err        error
	)
	if decision == policy.DecisionApproval {
		gateResult, err = w.Gate.CheckEscalated(ctx, thread.ID, tool, json.RawMessage(call.Parameters), auto)
	} else {
		gateResult, err = w.Gate.Check(ctx, thread.ID, tool, json.RawMessage(call.Parameters), auto)
	}
	if err != nil {
		return w.toolErrorAction(call, err.Error())
	}
	if !gateResult.Proceed {
		thread.State = models.ThreadWaitingApproval
		thread.PendingApprovalID = gateResult.Request.RequestID
		if incoming != nil && w.Channels != nil {
			_ = w.Channels.SendStatus(ctx, incoming, channel.StatusUpdate{
				Kind:          channel.StatusApprovalNeeded,
				RequestID:     gateResult.Request.RequestID,
				Tool:          tool.Name(),
				ParamsPreview: gateResult.Request.ParamsPreview,
			})
		}
		return nil, llm.Message{}, true, nil
	}

	if incoming != nil && w.Channels != nil {
		_ = w.Channels.SendStatus(ctx, incoming, channel.StatusUpdate{Kind: channel.StatusToolStarted, ToolName: tool.Name()})
	}

	start := time.Now()
	jobCtx := tools.JobContext{UserID: sess.UserID, SessionID: sess.ID, ThreadID: thread.ID, Workspace: w.Workspace}
	var out *tools.Output
	if w.Sandbox != nil {
		out, err = w.Sandbox.Execute(ctx, jobCtx, tool, json.RawMessage(call.Parameters), func(ctx context.Context) (*tools.Output, error) {
			return w.Registry.Execute(ctx, jobCtx, call.Name, json.RawMessage(call.Parameters))
		})
	} else {
		out, err = w.Registry.Execute(ctx, jobCtx, call.Name, json.RawMessage(call.Parameters))
	}
	duration := time.Since(start)

	content := ""
	isError := err != nil
	if out != nil {
		content = out.Content
		isError = isError || out.IsError
	}
	if err != nil {
		content = err.Error()
	}

	var scanResult safety.Result
	if tool.RequiresSanitization() {
		scanResult = w.Safety.Scan(safety.Inbound, content)
		content = scanResult.Content
	} else {
		scanResult = safety.Result{Content: content, TerminalAction: safety.TerminalAllow}
	}

	if incoming != nil && w.Channels != nil {
		_ = w.Channels.SendStatus(ctx, incoming, channel.StatusUpdate{Kind: channel.StatusToolCompleted, ToolName: tool.Name(), Success: !isError})
		_ = w.Channels.SendStatus(ctx, incoming, channel.StatusUpdate{Kind: channel.StatusToolResult, ToolName: tool.Name(), Preview: preview(content, 200)})
	}

	action := &models.Action{
		ID:            models.NewID(),
		TurnID:        "",
		ToolName:      tool.Name(),
		Parameters:    paramsToMap(call.Parameters),
		Result:        map[string]any{"content": content},
		Duration:      duration,
		CostUSD:       tool.EstimatedCost(),
		BeforeVerdict: string(paramScan.TerminalAction),
		AfterVerdict:  string(scanResult.TerminalAction),
		CreatedAt:     time.Now().UTC(),
	}
	if isError {
		action.Error = content
	}

	msg := llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   tool.Name(),
	}
	return action, msg, false, nil
}

func (w *Worker) toolErrorAction(call llm.ToolCall, reason string) (*models.Action, llm.Message, bool, error) {
	action := &models.Action{
		ID:        models.NewID(),
		ToolName:  call.Name,
		Error:     reason,
		CreatedAt: time.Now().UTC(),
	}
	msg := llm.Message{Role: llm.RoleTool, Content: "error: " + reason, ToolCallID: call.ID, ToolName: call.Name}
	return action, msg, false, nil
}

func paramsToMap(raw []byte) map[string]any {
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func signature(call llm.ToolCall) string {
	h := sha256.Sum256(append([]byte(call.Name+"|"), call.Parameters...))
	return hex.EncodeToString(h[:])
}

func (w *Worker) buildMessages(history []*models.Turn, current *models.Turn) []llm.Message {
	var msgs []llm.Message
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.UserInput})
		if t.Response != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Response})
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: current.UserInput})
	return msgs
}

func (w *Worker) identityPromptBlock(ctx context.Context, userID string) string {
	var out string
	for _, p := range identityPaths {
		doc, err := w.Workspace.GetDocument(ctx, userID, p)
		if err != nil || doc == nil {
			continue
		}
		out += fmt.Sprintf("\n--- %s ---\n%s\n", p, doc.Content)
	}
	return out
}

func (w *Worker) buildSystemPrompt(ctx context.Context, userID string) string {
	return "You are IronClaw, a self-hosted AI assistant." + w.identityPromptBlock(ctx, userID)
}

// toolSchemas returns the schemas offered to the model, filtered by the
// session's tool-access policy: a denied tool is never advertised.
func (w *Worker) toolSchemas() []llm.ToolSchema {
	list := w.Registry.List()
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	out := make([]llm.ToolSchema, 0, len(list))
	for _, t := range list {
		if w.Policy.Evaluate(t.Name()) == policy.DecisionDeny {
			continue
		}
		out = append(out, llm.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	return out
}

func (w *Worker) recordLlmCall(ctx context.Context, thread *models.Thread, turn *models.Turn, resp *llm.Response) {
	inUSD, outUSD := w.LLM.CostPerToken(resp.Model)
	cost := float64(resp.InputTokens)*inUSD + float64(resp.OutputTokens)*outUSD
	turn.InputTokens += resp.InputTokens
	turn.OutputTokens += resp.OutputTokens
	turn.CostUSD += cost
	_ = w.Store.RecordLlmCall(ctx, &models.LlmCallRecord{
		ID:           models.NewID(),
		ThreadID:     thread.ID,
		TurnID:       turn.ID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      cost,
		FinishReason: string(resp.FinishReason),
		CreatedAt:    time.Now().UTC(),
	})
}

func (w *Worker) persistTurn(ctx context.Context, thread *models.Thread, turn *models.Turn) error {
	return w.Store.UpdateTurn(ctx, turn)
}
