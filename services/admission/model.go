package admission

import "fmt"

type Decision struct {
	Allowed bool   `json:"allowed"`
	Limit   int    `json:"limit"`
	Used    int64  `json:"used"`
	Message string `json:"message"`
}

type Stats struct {
	TodayCount   int64 `json:"today_count"`
	MaxPerDay    int   `json:"max_per_day"`
	Last24hCount int64 `json:"last_24h_count"`
	Remaining    int64 `json:"remaining"`
}

type ExecuteParams struct {
	JobReferenceID string         `json:"job_reference_id"`
	Metadata       map[string]any `json:"metadata"`
}

func applicationDecision(count int64, limit int) *Decision {
	d := &Decision{Allowed: count < int64(limit), Limit: limit, Used: count}
	if d.Allowed {
		d.Message = fmt.Sprintf("You can register %d more application(s).", int64(limit)-count)
	} else {
		d.Message = fmt.Sprintf("You have reached the limit of %d application(s) allowed by your licence.", limit)
	}
	return d
}

func executionDecision(count int64, limit int) *Decision {
	d := &Decision{Allowed: count < int64(limit), Limit: limit, Used: count}
	if d.Allowed {
		d.Message = fmt.Sprintf("%d of %d executions used in the last 24 hours.", count, limit)
	} else {
		d.Message = fmt.Sprintf("You have reached the limit of %d executions per 24 hours.", limit)
	}
	return d
}
