package models

import "time"

// Legal test case result values.
const (
	ResultCompliant          = "Compliant"
	ResultNonCompliant       = "Non-Compliant"
	ResultError              = "Error"
	ResultSkipped            = "Skipped"
	ResultFeatureNotDetected = "Feature Not Detected"
	ResultInformational      = "Informational"
	ResultInProgress         = "In Progress"
	ResultDisabled           = "Disabled"
)

// Required-result classifications declared in module manifests.
const (
	RequiredResultRequired      = "Required"
	RequiredResultIfApplicable  = "Required If Applicable"
	RequiredResultRoadmap       = "Roadmap"
	RequiredResultInformational = "Informational"
)

// NormalizeResult maps an arbitrary result value onto the legal set. Unknown
// strings become Error. Older modules report booleans; those map to
// Compliant and Non-Compliant.
func NormalizeResult(result string) string {
	switch result {
	case ResultCompliant, ResultNonCompliant, ResultError, ResultSkipped,
		ResultFeatureNotDetected, ResultInformational, ResultInProgress,
		ResultDisabled:
		return result
	case "true", "True":
		return ResultCompliant
	case "false", "False":
		return ResultNonCompliant
	}
	return ResultError
}

// NormalizeRequiredResult accepts both the compact and spaced spellings used
// by different module manifest generations.
func NormalizeRequiredResult(rr string) string {
	switch rr {
	case RequiredResultRequired, RequiredResultIfApplicable,
		RequiredResultRoadmap, RequiredResultInformational:
		return rr
	case "RequiredIfApplicable":
		return RequiredResultIfApplicable
	}
	return RequiredResultInformational
}

// TestCase is one uniquely named check with its declared classification and
// the result produced by a test module.
type TestCase struct {
	Name                    string    `json:"name"`
	Description             string    `json:"description,omitempty"`
	ExpectedBehavior        string    `json:"expected_behavior,omitempty"`
	RequiredResult          string    `json:"required_result,omitempty"`
	Result                  string    `json:"result"`
	Recommendations         []string  `json:"recommendations,omitempty"`
	OptionalRecommendations []string  `json:"optional_recommendations,omitempty"`
	Details                 string    `json:"details,omitempty"`
	Tags                    []string  `json:"tags,omitempty"`
	StartedAt               Timestamp `json:"start,omitempty"`
	EndedAt                 Timestamp `json:"end,omitempty"`
	Duration                string    `json:"duration,omitempty"`
}

// Informational reports whether the case is declared Informational and so can
// never contribute to non-compliance.
func (tc *TestCase) Informational() bool {
	return tc.RequiredResult == RequiredResultInformational
}

// Update merges a module-reported record into this declared test case. The
// incoming result is normalized; an Informational case has its result coerced
// to Informational with the module's recommendations preserved in the
// optional field.
func (tc *TestCase) Update(in *TestCase) {
	if in.Description != "" {
		tc.Description = in.Description
	}
	if in.Details != "" {
		tc.Details = in.Details
	}
	if len(in.Tags) > 0 {
		tc.Tags = in.Tags
	}
	if in.Recommendations != nil {
		// A present-but-empty list clears prior recommendations.
		tc.Recommendations = in.Recommendations
	}

	result := NormalizeResult(in.Result)
	if tc.Informational() && (result == ResultCompliant || result == ResultNonCompliant) {
		tc.OptionalRecommendations = tc.Recommendations
		tc.Recommendations = nil
		result = ResultInformational
	}
	tc.Result = result

	if tc.StartedAt.IsZero() {
		tc.StartedAt = Now()
	}
	tc.EndedAt = Now()
	tc.Duration = tc.EndedAt.Sub(tc.StartedAt.Time).Truncate(time.Second).String()
}
