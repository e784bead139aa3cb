package acceptance

import (
	"errors"
	"strings"
	"testing"

	"github.com/untoldecay/memory-hub/internal/errs"
)

func sample(projectID string, expected, correct int) Sample {
	return Sample{
		ProjectID: projectID,
		Expected:  map[string]int{"goal": expected, "constraints": expected, "decisions": expected},
		Correct:   map[string]int{"goal": correct, "constraints": correct, "decisions": correct},
	}
}

func TestValidateRejectsBadSamples(t *testing.T) {
	cases := []struct {
		name   string
		sample Sample
	}{
		{"missing project", Sample{Expected: map[string]int{"goal": 1}}},
		{"negative expected", Sample{ProjectID: "p", Expected: map[string]int{"goal": -1}}},
		{"correct over expected", Sample{
			ProjectID: "p",
			Expected:  map[string]int{"goal": 1},
			Correct:   map[string]int{"goal": 2},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.sample, 0)
			var business *errs.BusinessError
			if !errors.As(err, &business) || business.ErrorCode != errs.CodeInvalidAcceptanceSample {
				t.Fatalf("err = %v, want INVALID_ACCEPTANCE_SAMPLE", err)
			}
		})
	}

	if err := Validate(sample("p", 3, 2), 0); err != nil {
		t.Errorf("valid sample rejected: %v", err)
	}
}

func TestLoadSamplesReportsLineNumbers(t *testing.T) {
	input := strings.Join([]string{
		`{"project_id":"p1","expected":{"goal":2},"correct":{"goal":2}}`,
		``,
		`not json`,
	}, "\n")

	_, err := LoadSamples(strings.NewReader(input))
	var business *errs.BusinessError
	if !errors.As(err, &business) {
		t.Fatalf("err = %v, want a BusinessError", err)
	}
	if business.Details["line"] != 3 {
		t.Errorf("details = %+v, want line 3", business.Details)
	}

	samples, err := LoadSamples(strings.NewReader(
		`{"project_id":"p1","expected":{"goal":2},"correct":{"goal":1}}`))
	if err != nil || len(samples) != 1 {
		t.Fatalf("LoadSamples = %v, %v", samples, err)
	}
}

func TestSummarizeHitRatePasses(t *testing.T) {
	var samples []Sample
	for range 10 {
		samples = append(samples, sample("p1", 2, 2))
		samples = append(samples, sample("p2", 2, 2))
	}
	// Some misses, but above both bars.
	samples[0].Correct["goal"] = 1
	samples[1].Correct["decisions"] = 1

	report := SummarizeHitRate(samples, DefaultThresholds())
	if !report.Pass {
		t.Fatalf("report failed: %+v", report.Violations)
	}
	if report.TotalSamples != 20 {
		t.Errorf("total = %d, want 20", report.TotalSamples)
	}
	if report.OverallRate >= 1.0 {
		t.Errorf("overall = %v, want < 1.0 with misses", report.OverallRate)
	}
	if report.Projects["p1"].Samples != 10 {
		t.Errorf("p1 = %+v", report.Projects["p1"])
	}
}

func TestSummarizeHitRateViolations(t *testing.T) {
	var samples []Sample
	for range 10 {
		samples = append(samples, sample("p1", 2, 1))
	}

	report := SummarizeHitRate(samples, DefaultThresholds())
	if report.Pass {
		t.Fatal("report passed with one project at 50%")
	}

	var sawProjects, sawOverall, sawProjectRate bool
	for _, violation := range report.Violations {
		if strings.Contains(violation, "need 2") {
			sawProjects = true
		}
		if strings.Contains(violation, "overall hit rate") {
			sawOverall = true
		}
		if strings.Contains(violation, "project p1 hit rate") {
			sawProjectRate = true
		}
	}
	if !sawProjects || !sawOverall || !sawProjectRate {
		t.Errorf("violations = %v", report.Violations)
	}
}

func TestRateWithNothingExpected(t *testing.T) {
	report := SummarizeHitRate([]Sample{sample("p1", 0, 0)}, Thresholds{
		MinProjects: 1, MinSamplesPerProject: 1, OverallRate: 0.9, ProjectRate: 0.85,
	})
	if !report.Pass || report.OverallRate != 1.0 {
		t.Errorf("report = %+v, want a full-hit pass", report)
	}
}
