package plan

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func samplePlan() *Plan {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	done := created.Add(time.Hour)
	return &Plan{
		ID:          "sample",
		Title:       "Write a blog post",
		Description: "A post about Go.\n\nAimed at beginners.",
		Status:      StatusPaused,
		Steps: []Step{
			{ID: "s1", Description: "Draft outline", Completed: true, CompletedAt: &done},
			{ID: "s2", Description: "Write first draft"},
			{ID: "s3", Description: "Edit [carefully] and publish"},
		},
		Notes: []Note{
			{Text: "Keep it short", CreatedAt: created.Add(2 * time.Hour)},
		},
		CreatedAt: created,
		UpdatedAt: created.Add(3 * time.Hour),
	}
}

func TestRender_Layout(t *testing.T) {
	md := Render(samplePlan())

	for _, want := range []string{
		"# Write a blog post\n",
		"A post about Go.\n\nAimed at beginners.\n",
		"Created: 2026-03-01T09:30:00Z\n",
		"Updated: 2026-03-01T12:30:00Z\n",
		"Status: Paused\n",
		"## Steps\n\n1. [x] Draft outline\n2. [ ] Write first draft\n3. [ ] Edit [carefully] and publish\n",
		"## Notes\n\n- Keep it short _2026-03-01 11:30:00_\n",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("rendered markdown missing %q\n---\n%s", want, md)
		}
	}
	if again := Render(samplePlan()); again != md {
		t.Error("Render is not deterministic")
	}
}

func TestParse_RoundTrip(t *testing.T) {
	orig := samplePlan()
	doc, err := Parse(Render(orig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := doc.Plan(orig.ID, time.Now())

	if got.Title != orig.Title {
		t.Errorf("Title = %q, want %q", got.Title, orig.Title)
	}
	if got.Description != orig.Description {
		t.Errorf("Description = %q, want %q", got.Description, orig.Description)
	}
	if got.Status != orig.Status {
		t.Errorf("Status = %q, want %q", got.Status, orig.Status)
	}
	if !got.CreatedAt.Equal(orig.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, orig.CreatedAt)
	}
	if len(got.Steps) != len(orig.Steps) {
		t.Fatalf("got %d steps, want %d", len(got.Steps), len(orig.Steps))
	}
	for i, s := range got.Steps {
		if s.Description != orig.Steps[i].Description || s.Completed != orig.Steps[i].Completed {
			t.Errorf("step %d = %+v, want %+v", i, s, orig.Steps[i])
		}
		// ids are not carried by markdown
		if s.ID == orig.Steps[i].ID {
			t.Errorf("step %d kept id %q; ids should be regenerated", i, s.ID)
		}
	}
	if len(got.Notes) != 1 || got.Notes[0].Text != "Keep it short" || !got.Notes[0].CreatedAt.Equal(orig.Notes[0].CreatedAt) {
		t.Errorf("Notes = %+v", got.Notes)
	}
}

func TestParse_RoundTripDescriptions(t *testing.T) {
	tests := []struct {
		name string
		desc string
	}{
		{"status-like line", "Status: blocked on vendor reply"},
		{"created-like line", "Created: by the ops team"},
		{"emphasised metadata", "Intro\n**Updated**: weekly"},
		{"section heading", "Intro paragraph\n\n## Background\nmore context"},
		{"steps heading", "Do this first.\n## Steps\n1. [x] not a real step"},
		{"title heading", "# Not the title"},
		{"leading backslash", `\already escaped`},
		{"indented heading", "Intro\n  ## indented"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := samplePlan()
			orig.Description = tt.desc
			doc, err := Parse(Render(orig))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			got := doc.Plan(orig.ID, time.Now())
			if got.Description != tt.desc {
				t.Errorf("Description = %q, want %q", got.Description, tt.desc)
			}
			if got.Status != StatusPaused {
				t.Errorf("Status = %q, want paused", got.Status)
			}
			if !got.CreatedAt.Equal(orig.CreatedAt) {
				t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, orig.CreatedAt)
			}
			if len(got.Steps) != len(orig.Steps) {
				t.Errorf("got %d steps, want %d", len(got.Steps), len(orig.Steps))
			}
			if got.Title != orig.Title {
				t.Errorf("Title = %q, want %q", got.Title, orig.Title)
			}
		})
	}
}

func TestRender_EscapesDescriptionLines(t *testing.T) {
	p := samplePlan()
	p.Description = "Status: blocked\n## Background\nplain line"
	md := Render(p)
	for _, want := range []string{"\\Status: blocked\n", "\\## Background\n", "plain line\n"} {
		if !strings.Contains(md, want) {
			t.Errorf("rendered markdown missing %q\n---\n%s", want, md)
		}
	}
	if strings.Contains(md, "\\plain line") {
		t.Error("ordinary description lines should not be escaped")
	}
}

func TestParse_StepsOnlyInsideStepsSection(t *testing.T) {
	md := `# Title
1. [x] looks like a step but is in the preamble

## Context
2. [ ] also not a step

## Steps
1. [ ] real one
- [ ] bullet checkbox is not numbered
3. [X] capital X does not match
   2. [x] indented real two
not a step at all

## Steps
9. [ ] second steps heading is ignored
`
	doc, err := Parse(md)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Steps) != 2 {
		t.Fatalf("got %d steps (%+v), want 2", len(doc.Steps), doc.Steps)
	}
	if doc.Steps[0].Description != "real one" || doc.Steps[0].Completed {
		t.Errorf("step 0 = %+v", doc.Steps[0])
	}
	if doc.Steps[1].Description != "indented real two" || !doc.Steps[1].Completed || doc.Steps[1].Number != 2 {
		t.Errorf("step 1 = %+v", doc.Steps[1])
	}
	if doc.Description != "1. [x] looks like a step but is in the preamble" {
		t.Errorf("Description = %q", doc.Description)
	}
}

func TestParse_Defaults(t *testing.T) {
	doc, err := Parse("just some text\nwithout structure\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Title != "" || doc.Description != "" {
		t.Errorf("Title/Description = %q/%q, want empty", doc.Title, doc.Description)
	}
	if doc.Meta.Status != StatusActive {
		t.Errorf("Status = %q, want active", doc.Meta.Status)
	}
	if doc.HasSteps || len(doc.Steps) != 0 {
		t.Errorf("unexpected steps: %+v", doc.Steps)
	}
}

func TestParse_UnknownStatusFallsBackToActive(t *testing.T) {
	doc, _ := Parse("# T\n\nStatus: Sleeping\n\n## Steps\n")
	if doc.Meta.Status != StatusActive {
		t.Errorf("Status = %q, want active", doc.Meta.Status)
	}
}

func TestParse_LegacyItalicMetadata(t *testing.T) {
	doc, _ := Parse("# T\n\n*Created: 2026-01-02 03:04:05*\n\n## Steps\n1. [ ] a\n")
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !doc.Meta.Created.Equal(want) {
		t.Errorf("Created = %v, want %v", doc.Meta.Created, want)
	}
	if doc.Description != "" {
		t.Errorf("Description = %q, want empty", doc.Description)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		md      string
		wantErr bool
	}{
		{"valid", "# T\n\n## Steps\n1. [ ] a\n", false},
		{"valid without steps", "# T\n\n## Steps\n", false},
		{"missing title", "## Steps\n1. [ ] a\n", true},
		{"missing steps section", "# T\n\n1. [ ] a\n", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.md)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRender_FoldsMultilineStepDescriptions(t *testing.T) {
	p := &Plan{Title: "T", Steps: []Step{{Description: "line one\nline two"}}}
	doc, _ := Parse(Render(p))
	if len(doc.Steps) != 1 || doc.Steps[0].Description != "line one line two" {
		t.Errorf("Steps = %+v", doc.Steps)
	}
}

func TestValidateReplacement(t *testing.T) {
	if err := ValidateReplacement("# T\n\n## Steps\n1. [ ] a\n"); err != nil {
		t.Errorf("valid replacement rejected: %v", err)
	}
	for _, md := range []string{
		"# T\n\n## Steps\n",
		"# T\n\n## Steps\n- [ ] bullet\n",
		"## Steps\n1. [ ] a\n",
	} {
		if err := ValidateReplacement(md); !errors.Is(err, ErrInvalidMarkdown) {
			t.Errorf("ValidateReplacement(%q) = %v, want ErrInvalidMarkdown", md, err)
		}
	}
}
