package plan

import (
	"context"
	"fmt"
	"time"
)

// staleAfter is how long a plan may go without updates before Analyze warns.
const staleAfter = time.Hour

// Analysis is a progress report with recommendations.
type Analysis struct {
	PlanID          string        `json:"plan_id"`
	Status          Status        `json:"status"`
	Progress        Progress      `json:"progress"`
	TimeAnalysis    *TimeAnalysis `json:"time_analysis,omitempty"`
	Recommendations []string      `json:"recommendations"`
	Stale           bool          `json:"stale"`
}

// TimeAnalysis extrapolates the remaining time from the pace so far. It is
// only available once at least one step is complete.
type TimeAnalysis struct {
	ElapsedSeconds          float64   `json:"elapsed_time_seconds"`
	AvgSecondsPerStep       float64   `json:"avg_time_per_step_seconds"`
	EstimatedRemainingSecs  float64   `json:"estimated_remaining_time_seconds"`
	EstimatedCompletionTime time.Time `json:"estimated_completion_time"`
}

// Analyze reports progress for a plan. Returns nil for an unknown id.
func (m *Manager) Analyze(ctx context.Context, id string) (*Analysis, error) {
	p, err := m.Get(ctx, id)
	if err != nil || p == nil {
		return nil, err
	}
	return analyze(p, m.now()), nil
}

func analyze(p *Plan, now time.Time) *Analysis {
	pr := p.Progress()
	a := &Analysis{
		PlanID:   p.ID,
		Status:   p.Status,
		Progress: pr,
	}

	if pr.CompletedSteps > 0 {
		elapsed := p.UpdatedAt.Sub(p.CreatedAt).Seconds()
		avg := elapsed / float64(pr.CompletedSteps)
		remaining := avg * float64(pr.TotalSteps-pr.CompletedSteps)
		a.TimeAnalysis = &TimeAnalysis{
			ElapsedSeconds:          elapsed,
			AvgSecondsPerStep:       avg,
			EstimatedRemainingSecs:  remaining,
			EstimatedCompletionTime: now.Add(time.Duration(remaining * float64(time.Second))),
		}
	}

	switch pct := pr.ProgressPercentage; {
	case pct < 10:
		a.Recommendations = append(a.Recommendations, "Plan is in early stages. Focus on completing initial analysis steps.")
	case pct < 50:
		a.Recommendations = append(a.Recommendations, "Plan is progressing. Consider adding more detailed steps for upcoming work.")
	case pct < 90:
		a.Recommendations = append(a.Recommendations, "Plan is well advanced. Focus on completing remaining steps and validating results.")
	default:
		a.Recommendations = append(a.Recommendations, "Plan is nearly complete. Ensure all deliverables are finalized and validated.")
	}

	if since := now.Sub(p.UpdatedAt); since > staleAfter {
		a.Stale = true
		a.Recommendations = append(a.Recommendations,
			fmt.Sprintf("No updates in %.1f hours. Consider reviewing progress.", since.Hours()))
	}
	return a
}
