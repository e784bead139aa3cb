// Package acceptance measures handoff quality from labeled samples: for each
// session a grader records how many goal, constraint and decision items the
// next session recovered from memory alone, against how many it should have.
package acceptance

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/untoldecay/memory-hub/internal/errs"
)

// Categories graded per sample.
var Categories = []string{"goal", "constraints", "decisions"}

// Sample is one graded handoff.
type Sample struct {
	ProjectID string         `json:"project_id"`
	SampleID  string         `json:"sample_id,omitempty"`
	Expected  map[string]int `json:"expected"`
	Correct   map[string]int `json:"correct"`
}

// Thresholds define when a sample set passes.
type Thresholds struct {
	MinProjects          int
	MinSamplesPerProject int
	OverallRate          float64
	ProjectRate          float64
}

// DefaultThresholds are the acceptance bar: two projects with ten samples
// each, 90% overall and 85% per project.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinProjects:          2,
		MinSamplesPerProject: 10,
		OverallRate:          0.90,
		ProjectRate:          0.85,
	}
}

// ProjectStats summarises one project's samples.
type ProjectStats struct {
	Samples    int                `json:"samples"`
	HitRate    float64            `json:"hit_rate"`
	Categories map[string]float64 `json:"categories"`
}

// Report is the outcome of a hit-rate evaluation.
type Report struct {
	Pass          bool                    `json:"pass"`
	TotalSamples  int                     `json:"total_samples"`
	OverallRate   float64                 `json:"overall_hit_rate"`
	CategoryRates map[string]float64      `json:"category_hit_rates"`
	Projects      map[string]ProjectStats `json:"projects"`
	Violations    []string                `json:"violations"`
}

// Validate checks one sample. line is used in error details when the sample
// came from a file; pass 0 otherwise.
func Validate(sample Sample, line int) error {
	details := func(field string) map[string]any {
		d := map[string]any{"field": field}
		if line > 0 {
			d["line"] = line
		}
		return d
	}

	if strings.TrimSpace(sample.ProjectID) == "" {
		return errs.New(errs.CodeInvalidAcceptanceSample, "project_id is required").
			WithDetails(details("project_id"))
	}
	for _, category := range Categories {
		expected := sample.Expected[category]
		correct := sample.Correct[category]
		if expected < 0 {
			return errs.Newf(errs.CodeInvalidAcceptanceSample,
				"expected.%s must be non-negative", category).
				WithDetails(details("expected." + category))
		}
		if correct < 0 {
			return errs.Newf(errs.CodeInvalidAcceptanceSample,
				"correct.%s must be non-negative", category).
				WithDetails(details("correct." + category))
		}
		if correct > expected {
			return errs.Newf(errs.CodeInvalidAcceptanceSample,
				"correct.%s (%d) exceeds expected.%s (%d)", category, correct, category, expected).
				WithDetails(details("correct." + category))
		}
	}
	return nil
}

// LoadSamples reads one JSON sample per line, validating each. Blank lines
// are skipped; errors carry the 1-based line number.
func LoadSamples(r io.Reader) ([]Sample, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var samples []Sample
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var sample Sample
		if err := json.Unmarshal([]byte(text), &sample); err != nil {
			return nil, errs.Newf(errs.CodeInvalidAcceptanceSample,
				"line %d is not a valid sample: %v", line, err).
				WithDetails(map[string]any{"line": line})
		}
		if err := Validate(sample, line); err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	return samples, nil
}

// LoadSamplesFile reads samples from a JSONL file.
func LoadSamplesFile(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open samples file: %w", err)
	}
	defer f.Close()
	return LoadSamples(f)
}

// SummarizeHitRate evaluates the samples against the thresholds. A sample
// with nothing expected counts as a full hit.
func SummarizeHitRate(samples []Sample, thresholds Thresholds) Report {
	report := Report{
		TotalSamples:  len(samples),
		CategoryRates: map[string]float64{},
		Projects:      map[string]ProjectStats{},
		Violations:    []string{},
	}

	type tally struct{ expected, correct int }
	overall := tally{}
	perCategory := map[string]*tally{}
	perProject := map[string]*tally{}
	perProjectCategory := map[string]map[string]*tally{}
	projectSamples := map[string]int{}

	for _, category := range Categories {
		perCategory[category] = &tally{}
	}
	for _, sample := range samples {
		projectSamples[sample.ProjectID]++
		if perProject[sample.ProjectID] == nil {
			perProject[sample.ProjectID] = &tally{}
			perProjectCategory[sample.ProjectID] = map[string]*tally{}
			for _, category := range Categories {
				perProjectCategory[sample.ProjectID][category] = &tally{}
			}
		}
		for _, category := range Categories {
			expected := sample.Expected[category]
			correct := sample.Correct[category]
			overall.expected += expected
			overall.correct += correct
			perCategory[category].expected += expected
			perCategory[category].correct += correct
			perProject[sample.ProjectID].expected += expected
			perProject[sample.ProjectID].correct += correct
			perProjectCategory[sample.ProjectID][category].expected += expected
			perProjectCategory[sample.ProjectID][category].correct += correct
		}
	}

	report.OverallRate = rate(overall.correct, overall.expected)
	for _, category := range Categories {
		report.CategoryRates[category] = rate(perCategory[category].correct, perCategory[category].expected)
	}

	projects := make([]string, 0, len(perProject))
	for projectID := range perProject {
		projects = append(projects, projectID)
	}
	sort.Strings(projects)

	for _, projectID := range projects {
		stats := ProjectStats{
			Samples:    projectSamples[projectID],
			HitRate:    rate(perProject[projectID].correct, perProject[projectID].expected),
			Categories: map[string]float64{},
		}
		for _, category := range Categories {
			t := perProjectCategory[projectID][category]
			stats.Categories[category] = rate(t.correct, t.expected)
		}
		report.Projects[projectID] = stats

		if stats.Samples < thresholds.MinSamplesPerProject {
			report.Violations = append(report.Violations, fmt.Sprintf(
				"project %s has %d samples, need %d", projectID, stats.Samples, thresholds.MinSamplesPerProject))
		}
		if stats.HitRate < thresholds.ProjectRate {
			report.Violations = append(report.Violations, fmt.Sprintf(
				"project %s hit rate %.3f below %.2f", projectID, stats.HitRate, thresholds.ProjectRate))
		}
	}

	if len(projects) < thresholds.MinProjects {
		report.Violations = append(report.Violations, fmt.Sprintf(
			"%d project(s), need %d", len(projects), thresholds.MinProjects))
	}
	if report.OverallRate < thresholds.OverallRate {
		report.Violations = append(report.Violations, fmt.Sprintf(
			"overall hit rate %.3f below %.2f", report.OverallRate, thresholds.OverallRate))
	}

	report.Pass = len(report.Violations) == 0
	return report
}

// rate treats an empty expectation as fully met.
func rate(correct, expected int) float64 {
	if expected <= 0 {
		return 1.0
	}
	return float64(correct) / float64(expected)
}
