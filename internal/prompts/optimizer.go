package prompts

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/casefill/orchestrator/internal/metrics"
	"github.com/casefill/orchestrator/internal/util"
)

var (
	horizontalSpace = regexp.MustCompile(`[ \t]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// separator between system text and body in Instructions
const separatorLen = 2

// Optimize fits p into budget characters. Whitespace is collapsed first,
// then history entries are dropped oldest first, and only then is the body
// cut. The input prompt is not modified.
func Optimize(p *Prompt, budget int) (*Prompt, error) {
	if p == nil {
		return nil, fmt.Errorf("optimize: nil prompt")
	}
	if budget <= 0 {
		return nil, fmt.Errorf("optimize: budget must be positive, got %d", budget)
	}

	out := *p
	out.History = append(out.History[:0:0], p.History...)
	out.System = collapse(p.System)
	out.Body = collapse(p.Body)

	for out.Size() > budget && len(out.History) > 0 {
		out.History = out.History[1:]
		out.DroppedHistory++
		if out.render != nil {
			body, err := out.render(out.History)
			if err != nil {
				return nil, err
			}
			out.Body = collapse(body)
		}
	}
	if out.DroppedHistory > p.DroppedHistory {
		metrics.PromptTruncations.WithLabelValues(out.Template, "history").Inc()
	}

	if out.Size() > budget {
		systemLen := utf8.RuneCountInString(out.System)
		room := budget - systemLen
		if out.System != "" {
			room -= separatorLen
		}
		if room <= 0 {
			out.Body = ""
			out.System = util.TruncateString(out.System, budget, true)
		} else {
			out.Body = util.TruncateString(out.Body, room, true)
		}
		out.Truncated = true
		metrics.PromptTruncations.WithLabelValues(out.Template, "truncate").Inc()
	}
	return &out, nil
}

func collapse(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(horizontalSpace.ReplaceAllString(l, " "), " ")
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
