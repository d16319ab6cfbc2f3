package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/JasonDZS/myagent-sub001/internal/shared/jsonx"
)

// promptConfirm walks the user through a plan confirmation: accept, edit the
// task list, ask for a replan, or decline.
func promptConfirm(ev *serverEvent) map[string]any {
	fmt.Println()
	printInfo("the server proposes a plan (step %s)", ev.StepID)
	if summary, ok := ev.Metadata["plan_summary"].(string); ok && summary != "" {
		fmt.Printf("  %s\n", summary)
	}
	originalTasks := prettyTasks(ev.Metadata["tasks"])
	if originalTasks != "" {
		fmt.Println(originalTasks)
	}

	sel := promptui.Select{
		Label: "Proceed with this plan",
		Items: []string{"confirm", "edit tasks", "replan", "decline"},
	}
	_, choice, err := sel.Run()
	if err != nil {
		return map[string]any{"confirmed": false, "reason": "declined"}
	}

	switch choice {
	case "confirm":
		return map[string]any{"confirmed": true}
	case "edit tasks":
		edited, ok := promptEdit(ev.Metadata["tasks"])
		if !ok {
			return map[string]any{"confirmed": true}
		}
		return map[string]any{"confirmed": true, "tasks": edited}
	case "replan":
		return map[string]any{"confirmed": false, "reason": "replan"}
	default:
		return map[string]any{"confirmed": false, "reason": "declined"}
	}
}

// promptEdit lets the user supply a replacement task list as JSON and shows
// a colored diff against the proposal before sending it.
func promptEdit(tasks any) ([]any, bool) {
	original := jsonx.MarshalString(tasks)

	prompt := promptui.Prompt{
		Label:   "Edited task list (JSON array)",
		Default: original,
	}
	input, err := prompt.Run()
	if err != nil {
		return nil, false
	}
	input = strings.TrimSpace(input)
	if input == "" || input == original {
		return nil, false
	}

	var edited []any
	if err := jsonx.Unmarshal([]byte(input), &edited); err != nil {
		printError("not a JSON array: %v", err)
		return nil, false
	}

	showDiff(original, input)
	confirm := promptui.Prompt{
		Label:     "Send edited plan",
		IsConfirm: true,
	}
	if _, err := confirm.Run(); err != nil {
		return nil, false
	}
	return edited, true
}

func showDiff(before, after string) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			b.WriteString(color.GreenString(d.Text))
		case diffmatchpatch.DiffDelete:
			b.WriteString(color.RedString(d.Text))
		default:
			b.WriteString(d.Text)
		}
	}
	fmt.Printf("  %s\n", b.String())
}

func prettyTasks(tasks any) string {
	list, ok := tasks.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	var b strings.Builder
	for i, t := range list {
		fmt.Fprintf(&b, "  %2d. %s", i+1, compactJSON(t))
		if i < len(list)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
