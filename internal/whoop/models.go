package whoop

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// StrainRecord is one physiological cycle with its strain score.
type StrainRecord struct {
	CycleID      int64
	Start        time.Time
	End          time.Time
	ScoreState   string
	Strain       float64
	Kilojoules   float64
	AvgHeartRate float64
	MaxHeartRate float64
}

// RecoveryRecord is the recovery score attached to a cycle.
type RecoveryRecord struct {
	CycleID          int64
	ScoreState       string
	Score            float64
	RestingHeartRate float64
	HRVMilli         float64
	SpO2             float64
}

// SleepRecord is one sleep activity. CycleID is zero when the API does
// not attach one; the merge step then falls back to matching the sleep
// end date against an existing cycle's day.
type SleepRecord struct {
	SleepID         string
	CycleID         int64
	Nap             bool
	Start           time.Time
	End             time.Time
	ScoreState      string
	Performance     float64
	Efficiency      float64
	Consistency     float64
	RespiratoryRate float64
}

// StrainPage, RecoveryPage and SleepPage are one page of a paginated
// listing. A non-empty NextToken means more pages follow.
type StrainPage struct {
	Records   []StrainRecord
	NextToken string
}

type RecoveryPage struct {
	Records   []RecoveryRecord
	NextToken string
}

type SleepPage struct {
	Records   []SleepRecord
	NextToken string
}

// parsePage validates the paginated envelope and returns the raw
// records plus the continuation token.
func parsePage(body []byte) ([]gjson.Result, string, error) {
	if !gjson.ValidBytes(body) {
		return nil, "", fmt.Errorf("%w: invalid JSON", ErrDecode)
	}

	root := gjson.ParseBytes(body)

	records := root.Get("records")
	if !records.IsArray() {
		return nil, "", fmt.Errorf("%w: missing records array", ErrDecode)
	}

	return records.Array(), root.Get("next_token").String(), nil
}

func parseTime(rec gjson.Result, field string, required bool) (time.Time, error) {
	raw := rec.Get(field)
	if !raw.Exists() || raw.String() == "" {
		if required {
			return time.Time{}, fmt.Errorf("%w: missing %s", ErrDecode, field)
		}

		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, raw.String())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unparseable %s %q", ErrDecode, field, raw.String())
	}

	return t, nil
}

func parseStrainPage(body []byte) (*StrainPage, error) {
	raw, next, err := parsePage(body)
	if err != nil {
		return nil, err
	}

	page := &StrainPage{NextToken: next}

	for _, rec := range raw {
		id := rec.Get("id")
		if !id.Exists() {
			return nil, fmt.Errorf("%w: cycle record missing id", ErrDecode)
		}

		start, err := parseTime(rec, "start", true)
		if err != nil {
			return nil, err
		}

		end, err := parseTime(rec, "end", false)
		if err != nil {
			return nil, err
		}

		page.Records = append(page.Records, StrainRecord{
			CycleID:      id.Int(),
			Start:        start,
			End:          end,
			ScoreState:   rec.Get("score_state").String(),
			Strain:       rec.Get("score.strain").Float(),
			Kilojoules:   rec.Get("score.kilojoule").Float(),
			AvgHeartRate: rec.Get("score.average_heart_rate").Float(),
			MaxHeartRate: rec.Get("score.max_heart_rate").Float(),
		})
	}

	return page, nil
}

func parseRecoveryPage(body []byte) (*RecoveryPage, error) {
	raw, next, err := parsePage(body)
	if err != nil {
		return nil, err
	}

	page := &RecoveryPage{NextToken: next}

	for _, rec := range raw {
		id := rec.Get("cycle_id")
		if !id.Exists() {
			return nil, fmt.Errorf("%w: recovery record missing cycle_id", ErrDecode)
		}

		page.Records = append(page.Records, RecoveryRecord{
			CycleID:          id.Int(),
			ScoreState:       rec.Get("score_state").String(),
			Score:            rec.Get("score.recovery_score").Float(),
			RestingHeartRate: rec.Get("score.resting_heart_rate").Float(),
			HRVMilli:         rec.Get("score.hrv_rmssd_milli").Float(),
			SpO2:             rec.Get("score.spo2_percentage").Float(),
		})
	}

	return page, nil
}

func parseSleepPage(body []byte) (*SleepPage, error) {
	raw, next, err := parsePage(body)
	if err != nil {
		return nil, err
	}

	page := &SleepPage{NextToken: next}

	for _, rec := range raw {
		end, err := parseTime(rec, "end", true)
		if err != nil {
			return nil, err
		}

		start, err := parseTime(rec, "start", false)
		if err != nil {
			return nil, err
		}

		page.Records = append(page.Records, SleepRecord{
			SleepID:         rec.Get("id").String(),
			CycleID:         rec.Get("cycle_id").Int(),
			Nap:             rec.Get("nap").Bool(),
			Start:           start,
			End:             end,
			ScoreState:      rec.Get("score_state").String(),
			Performance:     rec.Get("score.sleep_performance_percentage").Float(),
			Efficiency:      rec.Get("score.sleep_efficiency_percentage").Float(),
			Consistency:     rec.Get("score.sleep_consistency_percentage").Float(),
			RespiratoryRate: rec.Get("score.respiratory_rate").Float(),
		})
	}

	return page, nil
}
