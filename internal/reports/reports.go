// Package reports writes human-readable analysis reports to disk, one
// markdown file per run with YAML frontmatter metadata. The database
// stays the source of truth; these files exist so an operator can read
// what the pipeline concluded without going through the API.
package reports

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adrg/frontmatter"
	"gopkg.in/yaml.v3"

	"github.com/mendhq/mend/internal/store"
)

// ErrNoReports means no report file exists for the incident.
var ErrNoReports = errors.New("no reports for incident")

// Report is one parsed report file.
type Report struct {
	Meta map[string]any
	Body string
}

// Store manages the reports directory. Files are grouped per incident
// and named by run timestamp, so the lexically last file is the latest.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the reports directory root.
func (s *Store) Dir() string {
	return s.dir
}

// Write renders one analysis run to a report file and returns its path.
func (s *Store) Write(app *store.App, inc *store.Incident, analysis *store.Analysis) (string, error) {
	path := s.reportPath(inc.ID, analysis)
	rep := &Report{
		Meta: composeMeta(app, inc, analysis),
		Body: composeBody(app, inc, analysis),
	}

	err := withLock(path, lockTimeout, func() error {
		return writeReport(path, rep)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// Latest returns the most recent report for an incident.
func (s *Store) Latest(incidentID string) (*Report, error) {
	dir := filepath.Join(s.dir, incidentID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoReports
	}
	if err != nil {
		return nil, fmt.Errorf("listing reports for %s: %w", incidentID, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, ErrNoReports
	}
	sort.Strings(names)

	path := filepath.Join(dir, names[len(names)-1])
	var rep *Report
	err = withReadLock(path, lockTimeout, func() error {
		var err error
		rep, err = readReport(path)
		return err
	})
	return rep, err
}

// Drop removes all reports for an incident.
func (s *Store) Drop(incidentID string) error {
	return os.RemoveAll(filepath.Join(s.dir, incidentID))
}

// --- Internal helpers ---

func (s *Store) reportPath(incidentID string, analysis *store.Analysis) string {
	stamp := analysis.CreatedAt.UTC().Format("20060102T150405Z")
	short := analysis.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(s.dir, incidentID, stamp+"-"+short+".md")
}

// readReport parses a report file. A file without frontmatter is read
// as all body.
func readReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report %s: %w", path, err)
	}

	var meta map[string]any
	body, err := frontmatter.Parse(bytes.NewReader(data), &meta)
	if err != nil {
		return &Report{Meta: map[string]any{}, Body: string(data)}, nil
	}
	return &Report{Meta: meta, Body: string(body)}, nil
}

// writeReport renders and atomically replaces a report file.
func writeReport(path string, rep *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}

	var buf bytes.Buffer
	if len(rep.Meta) > 0 {
		buf.WriteString("---\n")
		meta, err := yaml.Marshal(rep.Meta)
		if err != nil {
			return fmt.Errorf("marshaling report metadata: %w", err)
		}
		buf.Write(meta)
		buf.WriteString("---\n\n")
	}
	buf.WriteString(rep.Body)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func composeMeta(app *store.App, inc *store.Incident, analysis *store.Analysis) map[string]any {
	fp := inc.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}

	meta := map[string]any{
		"incident":    inc.ID,
		"app":         app.Name,
		"fingerprint": fp,
		"kind":        inc.Kind,
		"model":       analysis.Model,
		"outcome":     outcome(analysis),
		"created":     analysis.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if analysis.SuspectCommit != "" {
		meta["suspect_commit"] = analysis.SuspectCommit
	}
	if analysis.PRURL != "" {
		meta["pr_number"] = analysis.PRNumber
		meta["pr_url"] = analysis.PRURL
	}
	return meta
}

func composeBody(app *store.App, inc *store.Incident, analysis *store.Analysis) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s: %s\n\n", app.Name, inc.Message)
	fmt.Fprintf(&b, "Seen %d time(s), last at %s.\n\n", inc.Occurrences, inc.LastSeenAt.UTC().Format("2006-01-02 15:04 MST"))

	b.WriteString("## Root Cause\n\n")
	b.WriteString(analysis.RootCause)
	b.WriteString("\n")

	if analysis.Inconclusive {
		fmt.Fprintf(&b, "\n## Outcome\n\nNo fix produced after examining %d commit(s). The incident stays open for manual retry.\n", len(analysis.CommitsExamined))
	} else {
		fmt.Fprintf(&b, "\n## Proposed Fix\n\n%s\n", analysis.FixSummary)
		if analysis.PRURL != "" {
			fmt.Fprintf(&b, "\nPull request: %s\n", analysis.PRURL)
		}
	}

	b.WriteString("\n## Evidence\n\n")
	if analysis.SuspectCommit != "" {
		fmt.Fprintf(&b, "- Suspect commit: `%s`\n", analysis.SuspectCommit)
	}
	if len(analysis.FilesExamined) > 0 {
		fmt.Fprintf(&b, "- Files examined: %s\n", backticked(analysis.FilesExamined))
	}
	fmt.Fprintf(&b, "- Commits examined: %d\n", len(analysis.CommitsExamined))
	fmt.Fprintf(&b, "- Tokens: %d in / %d out\n", analysis.InputTokens, analysis.OutputTokens)

	return b.String()
}

func outcome(analysis *store.Analysis) string {
	if analysis.Inconclusive {
		return "inconclusive"
	}
	return "fix_published"
}

func backticked(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = "`" + item + "`"
	}
	return strings.Join(quoted, ", ")
}
