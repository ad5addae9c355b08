package scoring

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func criticalCatalog() Catalog {
	return Catalog{
		1: {ItemID: 1, BaseMaxScore: 4, AdjustmentFactor: 1.0, RiskLevel: RiskCritical},
	}
}

func TestComputeSummaryCriticalPointsLost(t *testing.T) {
	partial := ComputeSummary(map[string]RawRating{"1": "2"}, criticalCatalog())
	require.Equal(t, 2, partial.CriticalPointsLost)
	require.Equal(t, 2, partial.TotalScore)
	require.Equal(t, 4, partial.MaxPossible)
	require.Equal(t, 50.0, partial.CompliancePct)

	full := ComputeSummary(map[string]RawRating{"1": "4"}, criticalCatalog())
	require.Equal(t, 0, full.CriticalPointsLost)
	require.Equal(t, 100.0, full.CompliancePct)
}

func TestComputeSummaryIgnoresOverscoreOnCriticalItems(t *testing.T) {
	summary := ComputeSummary(map[string]RawRating{"1": "6"}, criticalCatalog())
	require.Equal(t, 0, summary.CriticalPointsLost)
	require.Equal(t, 6, summary.TotalScore)
}

func TestComputeSummaryAppliesAdjustmentToCeilingOnly(t *testing.T) {
	catalog := Catalog{
		7: {ItemID: 7, BaseMaxScore: 10, AdjustmentFactor: 0.75, RiskLevel: RiskMajor},
		8: {ItemID: 8, BaseMaxScore: 100, AdjustmentFactor: 0.29, RiskLevel: RiskCritical},
	}
	summary := ComputeSummary(map[string]RawRating{"7": "5", "8": "20"}, catalog)

	require.Equal(t, 25, summary.TotalScore)
	require.Equal(t, 7+29, summary.MaxPossible)
	require.Equal(t, 9, summary.CriticalPointsLost)
	require.Equal(t, 69.44, summary.CompliancePct)
	require.Equal(t, 2, summary.ItemsRated)
	require.Equal(t, 2, summary.ItemsTotal)
}

func TestComputeSummarySkipsMalformedInput(t *testing.T) {
	catalog := Catalog{
		1: {ItemID: 1, BaseMaxScore: 4, AdjustmentFactor: 1, RiskLevel: RiskMinor},
		2: {ItemID: 2, BaseMaxScore: 4, AdjustmentFactor: 1, RiskLevel: RiskMinor},
		3: {ItemID: 3, BaseMaxScore: 4, AdjustmentFactor: 1, RiskLevel: RiskMinor},
	}
	ratings := map[string]RawRating{
		"undefined": "4",
		"abc":       "4",
		"1":         "N/A",
		"2":         "bueno",
		"3":         "",
		"99":        "4",
	}
	summary := ComputeSummary(ratings, catalog)

	require.Equal(t, Summary{ItemsTotal: 3}, summary)
}

func TestComputeSummaryIsDeterministic(t *testing.T) {
	catalog := Catalog{
		1: {ItemID: 1, BaseMaxScore: 3, AdjustmentFactor: 1, RiskLevel: RiskCritical},
		2: {ItemID: 2, BaseMaxScore: 3, AdjustmentFactor: 1, RiskLevel: RiskMinor},
	}
	ratings := map[string]RawRating{"1": "1", "2": "3"}
	first := ComputeSummary(ratings, catalog)
	for range 20 {
		require.Equal(t, first, ComputeSummary(ratings, catalog))
	}
	require.Equal(t, 66.67, first.CompliancePct)
}

func TestEffectiveMaxTreatsUnsetFactorAsOne(t *testing.T) {
	require.Equal(t, 5, ItemMetadata{BaseMaxScore: 5}.EffectiveMax())
	require.Equal(t, 2, ItemMetadata{BaseMaxScore: 4, AdjustmentFactor: 0.7}.EffectiveMax())
}

func TestParseRating(t *testing.T) {
	testCases := []struct {
		raw       RawRating
		wantValue int
		wantState RatingState
	}{
		{raw: "", wantState: RatingUnrated},
		{raw: " 3 ", wantValue: 3, wantState: RatingNumeric},
		{raw: "2.0", wantValue: 2, wantState: RatingNumeric},
		{raw: "2.5", wantState: RatingMalformed},
		{raw: "-1", wantState: RatingMalformed},
		{raw: "No aplica", wantState: RatingNotApplicable},
		{raw: "x", wantState: RatingMalformed},
	}
	for _, testCase := range testCases {
		value, state := ParseRating(testCase.raw)
		require.Equal(t, testCase.wantState, state, "raw %q", testCase.raw)
		require.Equal(t, testCase.wantValue, value, "raw %q", testCase.raw)
	}
	require.True(t, errors.Is(ValidateRating("x"), ErrInvalidRating))
	require.NoError(t, ValidateRating("N/A"))
}

func TestRawRatingDecodesNumbersStringsAndNull(t *testing.T) {
	var payload map[string]RawRating
	require.NoError(t, json.Unmarshal([]byte(`{"1":3,"2":"4","3":null,"4":" N/A "}`), &payload))
	require.Equal(t, RawRating("3"), payload["1"])
	require.Equal(t, RawRating("4"), payload["2"])
	require.Equal(t, RawRating(""), payload["3"])
	require.Equal(t, RawRating("N/A"), payload["4"])

	require.Error(t, json.Unmarshal([]byte(`{"1":true}`), &payload))
}

func TestParseRiskLevelAcceptsSpanishLabels(t *testing.T) {
	require.Equal(t, RiskCritical, ParseRiskLevel("Crítico"))
	require.Equal(t, RiskMajor, ParseRiskLevel("mayor"))
	require.Equal(t, RiskMinor, ParseRiskLevel("unknown"))
}
