package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/JasonDZS/myagent-sub001/internal/domain/event"
	"github.com/JasonDZS/myagent-sub001/internal/shared/jsonx"
)

var (
	infoColor   = color.New(color.FgCyan)
	errorColor  = color.New(color.FgRed, color.Bold)
	stageColor  = color.New(color.FgGreen)
	solverColor = color.New(color.FgYellow)
)

func printInfo(format string, args ...any) {
	infoColor.Printf("• "+format+"\n", args...)
}

func printError(format string, args ...any) {
	errorColor.Printf("✗ "+format+"\n", args...)
}

// printEvent lines up one progress event. Heartbeats and partial-answer
// noise stay hidden unless --verbose.
func (c *client) printEvent(name string, ev *serverEvent) {
	switch name {
	case event.SystemHeartbeat, event.AgentPartialAnswer, event.AgentLLMMessage:
		if !c.verbose {
			return
		}
	}

	painter := stageColor
	switch name {
	case event.SolverStart, event.SolverCompleted, event.SolverCancelled, event.SolverRestarted:
		painter = solverColor
	case event.SystemError:
		painter = errorColor
	}

	summary := summarizeContent(ev.Content)
	if summary == "" {
		painter.Printf("  %s\n", name)
		return
	}
	painter.Printf("  %-20s %s\n", name, summary)
}

// summarizeContent keeps event lines to one readable row.
func summarizeContent(content any) string {
	if content == nil {
		return ""
	}
	m, ok := content.(map[string]any)
	if !ok {
		return truncate(fmt.Sprint(content), 100)
	}
	for _, key := range []string{"task", "plan_summary", "question", "output", "error"} {
		if v, present := m[key]; present {
			return truncate(key+"="+compactJSON(v), 100)
		}
	}
	if count, present := m["task_count"]; present {
		return fmt.Sprintf("task_count=%v", count)
	}
	return truncate(compactJSON(m), 100)
}

func compactJSON(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if s := jsonx.MarshalString(v); s != "" {
		return s
	}
	return fmt.Sprint(v)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

// renderFinalAnswer pretty-prints the final answer as markdown on a TTY and
// as plain text otherwise.
func renderFinalAnswer(content any) {
	text, ok := content.(string)
	if !ok {
		text = compactJSON(content)
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println(text)
		return
	}
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		width = 80
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		fmt.Println(text)
		return
	}
	out, err := renderer.Render(text)
	if err != nil {
		fmt.Println(text)
		return
	}
	fmt.Print(out)
}
