package plan

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Markdown layout:
//
//	# <title>
//
//	<description>
//
//	Created: <RFC 3339>
//	Updated: <RFC 3339>
//	Status: <Active|Paused|Completed>
//
//	## Steps
//
//	1. [ ] <description>
//	2. [x] <description>
//
//	## Notes
//
//	- <text> _<2006-01-02 15:04:05>_
const (
	stepsHeading = "Steps"
	notesHeading = "Notes"

	noteTimeLayout = "2006-01-02 15:04:05"
)

var (
	stepLine = regexp.MustCompile(`^\d+\.\s+\[(x| )\]\s+.+`)
	stepPart = regexp.MustCompile(`^(\d+)\.\s+\[(x| )\]\s+(.+)$`)
	noteTime = regexp.MustCompile(`\s+_(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})_$`)
)

// Document is the typed form of plan markdown.
type Document struct {
	Title       string
	Description string
	Meta        Meta
	Steps       []StepLine
	Notes       []Note
	// HasSteps and HasNotes report whether the section headings were present.
	HasSteps bool
	HasNotes bool
}

// Meta holds the metadata block below the description.
type Meta struct {
	Created time.Time
	Updated time.Time
	Status  Status
}

// StepLine is one parsed checklist entry.
type StepLine struct {
	Number      int
	Completed   bool
	Description string
}

type section int

const (
	sectionPreamble section = iota
	sectionSteps
	sectionNotes
	sectionOther
)

// Render produces the deterministic markdown view of p.
func Render(p *Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", oneLine(p.Title))
	if d := strings.TrimSpace(p.Description); d != "" {
		for _, line := range strings.Split(d, "\n") {
			b.WriteString(escapeDescription(line))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Created: %s\n", p.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Updated: %s\n", p.UpdatedAt.UTC().Format(time.RFC3339))
	status := p.Status
	if status == "" {
		status = StatusActive
	}
	// Casers carry state and are not safe to share between goroutines.
	fmt.Fprintf(&b, "Status: %s\n\n", cases.Title(language.English).String(string(status)))

	fmt.Fprintf(&b, "## %s\n\n", stepsHeading)
	for i, s := range p.Steps {
		mark := " "
		if s.Completed {
			mark = "x"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, mark, oneLine(s.Description))
	}

	if len(p.Notes) > 0 {
		fmt.Fprintf(&b, "\n## %s\n\n", notesHeading)
		for _, n := range p.Notes {
			fmt.Fprintf(&b, "- %s _%s_\n", oneLine(n.Text), n.CreatedAt.UTC().Format(noteTimeLayout))
		}
	}
	return b.String()
}

// Parse scans markdown into a Document. Only the first "## Steps" section
// yields steps, and only lines matching the numbered checkbox pattern count.
// Missing parts are left empty; Parse itself never fails on content.
func Parse(md string) (*Document, error) {
	doc := &Document{}
	var desc []string
	sec := sectionPreamble

	sc := bufio.NewScanner(strings.NewReader(md))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := sc.Text()
		line := strings.TrimSpace(raw)

		if name, ok := heading(line, 2); ok {
			switch {
			case strings.EqualFold(name, stepsHeading) && !doc.HasSteps:
				doc.HasSteps = true
				sec = sectionSteps
			case strings.EqualFold(name, notesHeading) && !doc.HasNotes:
				doc.HasNotes = true
				sec = sectionNotes
			default:
				sec = sectionOther
			}
			continue
		}

		switch sec {
		case sectionPreamble:
			if name, ok := heading(line, 1); ok && doc.Title == "" {
				doc.Title = name
				continue
			}
			if parseMeta(line, &doc.Meta) {
				continue
			}
			if doc.Title != "" {
				desc = append(desc, unescapeDescription(strings.TrimRight(raw, " \t")))
			}
		case sectionSteps:
			if !stepLine.MatchString(line) {
				continue
			}
			m := stepPart.FindStringSubmatch(line)
			n, _ := strconv.Atoi(m[1])
			doc.Steps = append(doc.Steps, StepLine{
				Number:      n,
				Completed:   m[2] == "x",
				Description: strings.TrimSpace(m[3]),
			})
		case sectionNotes:
			if text, ok := strings.CutPrefix(line, "- "); ok {
				doc.Notes = append(doc.Notes, parseNote(text))
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan markdown: %w", err)
	}

	doc.Description = strings.TrimSpace(strings.Join(desc, "\n"))
	if !doc.Meta.Status.Valid() {
		doc.Meta.Status = StatusActive
	}
	return doc, nil
}

// Validate checks that md has the structure required to replace a plan:
// a title and a steps section.
func Validate(md string) error {
	doc, err := Parse(md)
	if err != nil {
		return err
	}
	return doc.Validate()
}

// ValidateReplacement checks markdown offered as a whole-plan replacement.
// On top of Validate it requires at least one step.
func ValidateReplacement(md string) error {
	doc, err := Parse(md)
	if err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	if len(doc.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidMarkdown)
	}
	return nil
}

// Validate checks the parsed structure.
func (d *Document) Validate() error {
	if d.Title == "" {
		return fmt.Errorf("%w: missing title heading", ErrInvalidMarkdown)
	}
	if !d.HasSteps {
		return fmt.Errorf("%w: missing %q section", ErrInvalidMarkdown, "## "+stepsHeading)
	}
	return nil
}

// Plan builds a plan from the document. Step ids are always freshly
// generated; zero timestamps fall back to now.
func (d *Document) Plan(id string, now time.Time) *Plan {
	if id == "" {
		id = uuid.NewString()
	}
	created, updated := d.Meta.Created, d.Meta.Updated
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	p := &Plan{
		ID:          id,
		Title:       d.Title,
		Description: d.Description,
		Status:      d.Meta.Status,
		Steps:       make([]Step, 0, len(d.Steps)),
		Notes:       append([]Note(nil), d.Notes...),
		CreatedAt:   created,
		UpdatedAt:   updated,
	}
	for _, sl := range d.Steps {
		s := Step{
			ID:          uuid.NewString(),
			Description: sl.Description,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if sl.Completed {
			s.setCompleted(true, now)
		}
		p.Steps = append(p.Steps, s)
	}
	return p
}

// heading returns the text of an ATX heading of exactly the given level.
func heading(line string, level int) (string, bool) {
	prefix := strings.Repeat("#", level) + " "
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return strings.TrimSpace(line[len(prefix):]), true
}

func parseMeta(line string, m *Meta) bool {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return false
	}
	value = strings.Trim(strings.TrimSpace(value), "*_")
	switch strings.Trim(key, "*_ ") {
	case "Created":
		m.Created = parseTime(value)
	case "Updated":
		m.Updated = parseTime(value)
	case "Status":
		m.Status = Status(strings.ToLower(value))
	default:
		return false
	}
	return true
}

func parseTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, noteTimeLayout} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseNote(text string) Note {
	n := Note{Text: strings.TrimSpace(text)}
	if m := noteTime.FindStringSubmatchIndex(text); m != nil {
		if t, err := time.Parse(noteTimeLayout, text[m[2]:m[3]]); err == nil {
			n.Text = strings.TrimSpace(text[:m[0]])
			n.CreatedAt = t.UTC()
		}
	}
	return n
}

// escapeDescription prefixes a description line with a backslash when Parse
// would otherwise read it as a heading or a metadata line. Lines already
// starting with a backslash are escaped too so unescaping is exact.
func escapeDescription(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return line
	}
	if !strings.HasPrefix(trimmed, "#") && !strings.HasPrefix(trimmed, `\`) && !parseMeta(trimmed, &Meta{}) {
		return line
	}
	lead := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
	return lead + `\` + line[len(lead):]
}

// unescapeDescription drops the backslash escapeDescription added.
func unescapeDescription(line string) string {
	rest := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(rest, `\`) {
		return line
	}
	lead := line[:len(line)-len(rest)]
	return lead + rest[1:]
}

// oneLine folds newlines so a value stays on its markdown line.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
