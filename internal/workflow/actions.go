package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gobby-dev/gobbyd/internal/model"
	"github.com/gobby-dev/gobbyd/internal/task"
)

// defaultPromptTokenBudget bounds how much prompt+context text call_llm
// will forward to the provider in one call.
const defaultPromptTokenBudget = 6000

func actionInjectContext(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	source, _ := params["source"].(string)
	if source == "" {
		return nil, nil
	}

	var content string
	switch source {
	case "previous_session_summary":
		sess, err := actx.Sessions.Get(ctx, actx.SessionID)
		if err != nil {
			return nil, err
		}
		if sess != nil && sess.SummaryMarkdown != nil {
			content = *sess.SummaryMarkdown
		}
	case "compact_handoff":
		sess, err := actx.Sessions.Get(ctx, actx.SessionID)
		if err != nil {
			return nil, err
		}
		if sess != nil && sess.CompactMarkdown != nil {
			content = *sess.CompactMarkdown
		}
	case "artifacts":
		var b strings.Builder
		for k, v := range actx.State.Artifacts {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
		content = b.String()
	case "observations":
		content = strings.Join(actx.State.Observations, "\n")
	case "workflow_state":
		content = fmt.Sprintf("step=%s workflow=%s", actx.State.Step, actx.State.WorkflowName)
	default:
		return Result{"error": fmt.Sprintf("unknown inject_context source %q", source)}, nil
	}

	actx.State.ContextInjected = true
	return Result{"inject_context": content}, nil
}

func actionInjectMessage(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	content, _ := params["content"].(string)
	if content == "" {
		return Result{"error": "missing content"}, nil
	}
	return Result{"inject_message": NewTemplateEngine().Render(content, actx)}, nil
}

func actionCaptureArtifact(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	pattern, _ := params["pattern"].(string)
	as, _ := params["as"].(string)
	if pattern == "" || as == "" {
		return Result{"error": "missing pattern or as"}, nil
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}
	if len(matches) == 0 {
		return Result{"error": fmt.Sprintf("no files match pattern %q", pattern)}, nil
	}

	abs, err := filepath.Abs(matches[0])
	if err != nil {
		abs = matches[0]
	}
	if actx.State.Artifacts == nil {
		actx.State.Artifacts = map[string]string{}
	}
	actx.State.Artifacts[as] = abs
	return Result{"captured": abs}, nil
}

func actionReadArtifact(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	pattern, _ := params["pattern"].(string)
	as, _ := params["as"].(string)
	if pattern == "" || as == "" {
		return Result{"error": "missing pattern or as"}, nil
	}

	path, ok := actx.State.Artifacts[pattern]
	if !ok {
		return Result{"error": fmt.Sprintf("no artifact captured for key %q", pattern)}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}

	if actx.State.Variables == nil {
		actx.State.Variables = map[string]any{}
	}
	actx.State.Variables[as] = string(data)
	return Result{"read": as}, nil
}

func summarizeMode(mode string) error {
	if mode != "clear" && mode != "compact" {
		return fmt.Errorf("unknown summary mode %q", mode)
	}
	return nil
}

func actionGenerateSummary(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	mode, _ := params["mode"].(string)
	if err := summarizeMode(mode); err != nil {
		return nil, err
	}
	return generateSummary(ctx, actx, mode)
}

func generateSummary(ctx context.Context, actx *ActionContext, mode string) (Result, error) {
	if actx.Transcripts == nil || actx.LLM == nil {
		return Result{"error": "summarization capability unavailable"}, nil
	}

	turns, err := actx.Transcripts.ExtractTurns(ctx, actx.SessionID, mode)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}

	summary, err := actx.LLM.GenerateText(ctx, "Summarize this session transcript:\n\n"+turns)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}

	if _, err := actx.Sessions.UpdateSummary(ctx, actx.SessionID, nil, &summary); err != nil {
		return nil, err
	}
	return Result{"summary_markdown": summary}, nil
}

func actionGenerateHandoff(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	eventType, _ := actx.EventData["event_type"].(string)
	mode := "clear"
	if eventType == "pre_compact" || eventType == "compact" {
		mode = "compact"
	}

	result, err := generateSummary(ctx, actx, mode)
	if err != nil {
		return nil, err
	}
	if _, ok := result["error"]; ok {
		return result, nil
	}
	if _, err := actx.Sessions.UpdateStatus(ctx, actx.SessionID, model.SessionHandoffReady); err != nil {
		return nil, err
	}
	return result, nil
}

func actionSynthesizeTitle(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if actx.LLM == nil {
		return Result{"error": "LLM capability unavailable"}, nil
	}
	prompt := "Produce a short (under 8 word) title for this session based on its recent activity."
	title, err := actx.LLM.GenerateText(ctx, prompt)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}
	title = strings.TrimSpace(title)
	if _, err := actx.Sessions.UpdateTitle(ctx, actx.SessionID, title); err != nil {
		return nil, err
	}
	return Result{"title": title}, nil
}

func actionWriteTodos(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	todosRaw, _ := params["todos"].([]any)
	filename, _ := params["filename"].(string)
	if filename == "" {
		return Result{"error": "missing filename"}, nil
	}

	var b strings.Builder
	for _, t := range todosRaw {
		text, _ := t.(string)
		fmt.Fprintf(&b, "- [ ] %s\n", text)
	}
	if err := os.WriteFile(filename, []byte(b.String()), 0o644); err != nil {
		return Result{"error": err.Error()}, nil
	}
	return Result{"written": filename}, nil
}

func actionMarkTodoComplete(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	todoText, _ := params["todo_text"].(string)
	filename, _ := params["filename"].(string)
	if todoText == "" || filename == "" {
		return Result{"error": "missing todo_text or filename"}, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}

	lines := strings.Split(string(data), "\n")
	found := false
	for i, line := range lines {
		if strings.Contains(line, todoText) && strings.Contains(line, "[ ]") {
			lines[i] = strings.Replace(line, "[ ]", "[x]", 1)
			found = true
			break
		}
	}
	if !found {
		return Result{"error": fmt.Sprintf("todo %q not found", todoText)}, nil
	}

	if err := os.WriteFile(filename, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return Result{"error": err.Error()}, nil
	}
	return Result{"marked": todoText}, nil
}

func actionPersistTasks(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if actx.Tasks == nil {
		return Result{"error": "task persistence unavailable"}, nil
	}
	tasksRaw, _ := params["tasks"].([]any)
	workflowName, _ := params["workflow_name"].(string)
	parentID, _ := params["parent_id"].(string)
	projectID, _ := actx.EventData["project_id"].(string)

	ids := make([]string, 0, len(tasksRaw))
	for _, raw := range tasksRaw {
		spec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		title, _ := spec["title"].(string)
		created, err := actx.Tasks.CreateTask(ctx, task.CreateParams{
			ProjectID:    projectID,
			ParentTaskID: parentID,
			Title:        title,
			TaskType:     "workflow",
			WorkflowName: workflowName,
		})
		if err != nil {
			return Result{"error": err.Error()}, nil
		}
		ids = append(ids, created.ID)
	}
	return Result{"task_ids": ids}, nil
}

func actionUpdateWorkflowTask(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if actx.Tasks == nil {
		return Result{"error": "task persistence unavailable"}, nil
	}
	taskID, _ := params["task_id"].(string)
	if taskID == "" {
		return Result{"error": "missing task_id"}, nil
	}

	var patch task.UpdateParams
	if statusStr, ok := params["status"].(string); ok && statusStr != "" {
		status := model.TaskStatus(statusStr)
		patch.Status = &status
	}
	// "outcome" does not map to a real task column; accepted but ignored.

	updated, err := actx.Tasks.UpdateTask(ctx, taskID, patch)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}
	return Result{"task_id": updated.ID}, nil
}

func actionSetVariable(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return Result{"error": "missing name"}, nil
	}
	if actx.State.Variables == nil {
		actx.State.Variables = map[string]any{}
	}
	actx.State.Variables[name] = params["value"]
	return Result{"set": name}, nil
}

func actionIncrementVariable(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return Result{"error": "missing name"}, nil
	}
	amount := 1.0
	if a, ok := params["amount"].(float64); ok {
		amount = a
	}
	if actx.State.Variables == nil {
		actx.State.Variables = map[string]any{}
	}
	current := 0.0
	if v, ok := actx.State.Variables[name]; ok {
		current = toFloat(v)
	}
	actx.State.Variables[name] = current + amount
	return Result{"value": current + amount}, nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func actionSaveWorkflowState(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if actx.States == nil {
		return Result{"error": "state manager unavailable"}, nil
	}
	if err := actx.States.SaveWorkflowState(ctx, actx.State); err != nil {
		return Result{"error": err.Error()}, nil
	}
	return Result{"saved": true}, nil
}

func actionLoadWorkflowState(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if actx.States == nil {
		return Result{"error": "state manager unavailable"}, nil
	}
	loaded, err := actx.States.LoadWorkflowState(ctx, actx.SessionID)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}
	if loaded == nil {
		return Result{"loaded": false}, nil
	}
	*actx.State = *loaded
	return Result{"loaded": true}, nil
}

func actionMarkSessionStatus(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	statusStr, _ := params["status"].(string)
	if statusStr == "" {
		return Result{"error": "missing status"}, nil
	}
	if _, err := actx.Sessions.UpdateStatus(ctx, actx.SessionID, model.SessionStatus(statusStr)); err != nil {
		return nil, err
	}
	return Result{"status": statusStr}, nil
}

func actionSwitchMode(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	mode, _ := params["mode"].(string)
	return Result{"inject_context": fmt.Sprintf("SYSTEM: SWITCH MODE TO %s", strings.ToUpper(mode))}, nil
}

func actionMemorySave(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if actx.Memory == nil {
		return Result{"saved": false, "reason": "disabled"}, nil
	}
	content, _ := params["content"].(string)
	if content == "" {
		return Result{"saved": false, "reason": "missing content"}, nil
	}
	projectID, _ := params["project_id"].(string)
	if projectID == "" {
		projectID, _ = actx.EventData["project_id"].(string)
	}
	if projectID == "" {
		return Result{"saved": false, "reason": "no project"}, nil
	}

	res, err := actx.Memory.Remember(ctx, content, model.MemoryContext, projectID, 0.5, nil)
	if err != nil {
		return Result{"saved": false, "reason": "exception"}, nil
	}
	if !res.Saved {
		return Result{"saved": false, "reason": res.Reason}, nil
	}
	return Result{"saved": true, "memory_id": res.Memory.ID}, nil
}

func actionMemoryRecallRelevant(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if actx.Memory == nil {
		return nil, nil
	}
	projectID, _ := actx.EventData["project_id"].(string)
	memories, err := actx.Memory.Recall(ctx, projectID, 5, 0)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}
	if len(memories) == 0 {
		return nil, nil
	}

	var b strings.Builder
	for _, m := range memories {
		fmt.Fprintf(&b, "- %s\n", m.Content)
	}
	return Result{"inject_context": b.String()}, nil
}

func actionMemorySyncImport(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if actx.MemorySync == nil {
		return nil, nil
	}
	projectID, _ := actx.EventData["project_id"].(string)
	n, err := actx.MemorySync.Import(ctx, projectID)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}
	return Result{"imported": n}, nil
}

func actionMemorySyncExport(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if actx.MemorySync == nil {
		return nil, nil
	}
	projectID, _ := actx.EventData["project_id"].(string)
	n, err := actx.MemorySync.Export(ctx, projectID)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}
	return Result{"exported": n}, nil
}

func actionCallMCPTool(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	serverName, _ := params["server_name"].(string)
	toolName, _ := params["tool_name"].(string)
	if serverName == "" || toolName == "" {
		return Result{"error": "Missing server_name or tool_name"}, nil
	}
	if actx.Tools == nil {
		return Result{"error": "tool proxy unavailable"}, nil
	}

	args, _ := params["arguments"].(map[string]any)
	raw, err := actx.Tools.CallTool(ctx, serverName, toolName, args)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}

	if as, ok := params["as"].(string); ok && as != "" {
		if actx.State.Variables == nil {
			actx.State.Variables = map[string]any{}
		}
		actx.State.Variables[as] = string(raw)
	}
	return Result{"result": string(raw)}, nil
}

func actionCallLLM(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if actx.LLM == nil {
		return Result{"error": "LLM capability unavailable"}, nil
	}
	promptTmpl, _ := params["prompt"].(string)
	outputAs, _ := params["output_as"].(string)
	if promptTmpl == "" || outputAs == "" {
		return Result{"error": "missing prompt or output_as"}, nil
	}

	rendered := NewTemplateEngine().Render(promptTmpl, actx)
	rendered = truncateToTokenBudget(rendered, defaultPromptTokenBudget)

	output, err := actx.LLM.GenerateText(ctx, rendered)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}

	if actx.State.Variables == nil {
		actx.State.Variables = map[string]any{}
	}
	actx.State.Variables[outputAs] = output
	return Result{outputAs: output}, nil
}

// truncateToTokenBudget trims text to at most budget tokens, estimated
// with the cl100k_base encoding used across the provider's chat models.
func truncateToTokenBudget(text string, budget int) string {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return text
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return enc.Decode(tokens[:budget])
}

func actionStartNewSession(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if actx.Spawner == nil {
		return Result{"error": "spawn capability unavailable"}, nil
	}
	command, _ := params["command"].(string)
	prompt, _ := params["prompt"].(string)
	var args []string
	if raw, ok := params["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	pid, err := actx.Spawner.Spawn(ctx, command, args, prompt)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}
	return Result{"started_new_session": true, "pid": pid}, nil
}

func actionExtractHandoffContext(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if actx.Transcripts == nil {
		return Result{"error": "transcript capability unavailable"}, nil
	}
	blob, err := actx.Transcripts.ExtractHandoffContext(ctx, actx.SessionID)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}
	if _, err := actx.Sessions.UpdateCompactMarkdown(ctx, actx.SessionID, blob); err != nil {
		return nil, err
	}
	return Result{"compact_markdown": blob}, nil
}

func actionWebhook(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if actx.Webhooks == nil {
		return Result{"error": "webhook capability unavailable"}, nil
	}
	urlOrID, _ := params["url"].(string)
	if urlOrID == "" {
		urlOrID, _ = params["webhook_id"].(string)
	}
	if urlOrID == "" {
		return Result{"error": "missing url or webhook_id"}, nil
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = "POST"
	}
	payload, _ := params["payload"].(map[string]any)

	status, body, headers, err := actx.Webhooks.Do(ctx, urlOrID, method, payload)
	if err != nil {
		return Result{"error": err.Error()}, nil
	}

	result := Result{"status": status}
	capture, _ := params["capture_response"].(map[string]any)
	if capture != nil {
		if actx.State.Variables == nil {
			actx.State.Variables = map[string]any{}
		}
		if v, ok := capture["status_var"].(string); ok && v != "" {
			actx.State.Variables[v] = status
		}
		if v, ok := capture["body_var"].(string); ok && v != "" {
			actx.State.Variables[v] = string(body)
		}
		if v, ok := capture["headers_var"].(string); ok && v != "" {
			actx.State.Variables[v] = headers
		}
	}
	return result, nil
}
