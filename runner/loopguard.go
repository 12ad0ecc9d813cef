package runner

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/tannus-ai/tannus/provider"
)

// Default thresholds for loopGuard.
const (
	maxRepeatCalls  = 3 // identical consecutive calls
	maxRepeatErrors = 2 // same call failing the same way
)

type callRecord struct {
	tool   string
	args   string
	result string
	failed bool
}

// loopGuard watches the tool calls of one iteration and reports when the
// model is going round in circles.
type loopGuard struct {
	maxRepeat int
	maxErrors int
	history   []callRecord
}

func newLoopGuard() *loopGuard {
	return &loopGuard{maxRepeat: maxRepeatCalls, maxErrors: maxRepeatErrors}
}

// observe records a tool call and its outcome. A non-empty reason means the
// iteration should stop calling tools.
func (g *loopGuard) observe(tc provider.ToolCall, result string, failed bool) string {
	rec := callRecord{tool: tc.Name, args: digest(tc.Arguments), result: digest(result), failed: failed}
	g.history = append(g.history, rec)

	if failed {
		n := 0
		for _, h := range g.history {
			if h == rec {
				n++
			}
		}
		if n >= g.maxErrors {
			return fmt.Sprintf("tool %q failed the same way %d times", rec.tool, n)
		}
		return ""
	}

	n := 0
	for i := len(g.history) - 1; i >= 0; i-- {
		h := g.history[i]
		if h.tool != rec.tool || h.args != rec.args {
			break
		}
		n++
	}
	if n >= g.maxRepeat {
		return fmt.Sprintf("tool %q called with the same arguments %d times in a row", rec.tool, n)
	}
	return ""
}

func digest(v any) string {
	b, _ := json.Marshal(v)
	h := sha256.Sum256(b)
	return fmt.Sprintf("%x", h[:8])
}
