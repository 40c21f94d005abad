// Package aggregator rolls backfill outcomes up into per-cause counts.
package aggregator

import (
	"sort"
	"time"

	"crm-voice-sync/internal/types"
)

// uncoded groups failures that never got a service error code, e.g. network errors.
const uncoded = "NETWORK_ERROR"

type Insight struct {
	Total        int            `json:"total"`
	Succeeded    int            `json:"succeeded"`
	Failed       int            `json:"failed"`
	FailureRate  float64        `json:"failure_rate"`
	ByCode       map[string]int `json:"by_code"`
	ByStage      map[string]int `json:"by_stage"`
	MeanDuration time.Duration  `json:"mean_duration"`
}

func Aggregate(results []types.BackfillResult) Insight {
	ins := Insight{
		Total:   len(results),
		ByCode:  map[string]int{},
		ByStage: map[string]int{},
	}
	var elapsed time.Duration
	for _, r := range results {
		elapsed += r.Duration
		if r.Succeeded() {
			ins.Succeeded++
			continue
		}
		ins.Failed++
		code := r.Code
		if code == "" {
			code = uncoded
		}
		ins.ByCode[code]++
		if r.Stage != "" {
			ins.ByStage[r.Stage]++
		}
	}
	if ins.Total > 0 {
		ins.FailureRate = float64(ins.Failed) / float64(ins.Total)
		ins.MeanDuration = elapsed / time.Duration(ins.Total)
	}
	return ins
}

// TopCodes returns failure codes ordered by count, then name.
func (i Insight) TopCodes() []string {
	codes := make([]string, 0, len(i.ByCode))
	for c := range i.ByCode {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(a, b int) bool {
		if i.ByCode[codes[a]] != i.ByCode[codes[b]] {
			return i.ByCode[codes[a]] > i.ByCode[codes[b]]
		}
		return codes[a] < codes[b]
	})
	return codes
}
