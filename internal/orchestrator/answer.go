package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"planepi/internal/actions"
	"planepi/internal/llm"
	"planepi/internal/pipeline"
	"planepi/internal/sse"
)

func answerPrompt(t *turn) string {
	lines := []string{
		"You are Pi, the assistant of a project management workspace.",
		"Answer the user's last message using the tool results of this turn when there are any.",
		"When work items were created or changed, mention their identifier and link.",
		"Never invent ids, identifiers or links that are not in the tool results.",
	}
	if !t.pipe.Execute {
		lines = append(lines, "The chat is in ask mode: proposed changes were not applied yet; say so.")
	}
	if f := focus(t.req); f != "" {
		lines = append(lines, "CONTEXT:", f)
	}
	return strings.Join(lines, "\n")
}

// compose produces the turn's answer. A pending clarification with nothing
// else to report is answered with its question. When the answer model fails
// after actions ran, the answer falls back to a plain summary of what
// happened, since the changes already took effect.
func (e *Engine) compose(ctx context.Context, t *turn) (string, error) {
	if c := t.res.Clarification; c != nil && len(t.trace) == 0 {
		return clarificationText(*c), nil
	}
	if t.reply != "" && len(t.trace) == 0 {
		return t.reply, nil
	}

	msgs := append([]llm.Message{}, t.history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.query})
	if len(t.trace) > 0 {
		calls := make([]llm.ToolCall, 0, len(t.trace))
		results := make([]llm.Message, 0, len(t.trace))
		for _, tr := range t.trace {
			calls = append(calls, llm.ToolCall{ID: tr.CallID, Name: tr.Name, Arguments: tr.Arguments})
			results = append(results, llm.Message{Role: llm.RoleTool, ToolCallID: tr.CallID, Content: tr.Result})
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, ToolCalls: calls})
		msgs = append(msgs, results...)
	}

	resp, err := e.answer.Chat(ctx, llm.Request{
		System:      answerPrompt(t),
		Messages:    msgs,
		Temperature: 0.2,
	})
	text := strings.TrimSpace(resp.Text)
	if err != nil || text == "" {
		if len(t.outcomes) == 0 {
			if err == nil {
				err = fmt.Errorf("empty answer")
			}
			return "", sse.Network(err)
		}
		e.log.Warn().Err(err).Msg("answer generation failed, summarizing actions")
		text = Summarize(t.outcomes, t.pipe.Execute)
	}
	if c := t.res.Clarification; c != nil {
		text += "\n\n" + clarificationText(*c)
	}
	return text, nil
}

func clarificationText(c Clarification) string {
	var b strings.Builder
	b.WriteString(c.Question)
	for i, cand := range c.Candidates {
		fmt.Fprintf(&b, "\n%d. %s", i+1, cand.Label)
	}
	return b.String()
}

// Summarize describes action outcomes in plain text, one line each.
func Summarize(outcomes []pipeline.Outcome, executed bool) string {
	lines := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		spec := o.Method.Spec()
		noun := entityNoun(spec.Entity)
		switch {
		case !o.Result.Success:
			lines = append(lines, fmt.Sprintf("Could not %s the %s: %s", spec.Action, noun, o.Result.Error))
		case !o.Executed && spec.Mutates():
			lines = append(lines, fmt.Sprintf("Proposed to %s a %s. Run it from the action card to apply it.", spec.Action, noun))
		case spec.Action == actions.ActionRead:
			continue
		default:
			lines = append(lines, fmt.Sprintf("%s %s%s", pastTense(spec.Action), noun, describe(o.Entity)))
		}
	}
	if len(lines) == 0 {
		if executed {
			return "Done."
		}
		return "Nothing to change."
	}
	return strings.Join(lines, "\n")
}

func describe(ent *pipeline.Entity) string {
	if ent == nil {
		return "."
	}
	label := ent.Identifier
	if label == "" {
		label = ent.Name
	}
	if label == "" {
		label = ent.ID
	}
	out := " " + label
	if ent.URL != "" {
		out += " (" + ent.URL + ")"
	}
	return out + "."
}

func pastTense(action string) string {
	switch action {
	case actions.ActionCreate:
		return "Created"
	case actions.ActionUpdate:
		return "Updated"
	case actions.ActionDelete:
		return "Deleted"
	case actions.ActionLink:
		return "Linked"
	}
	return "Ran " + action + " on"
}
