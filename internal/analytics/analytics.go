// Package analytics summarizes recorded runs: how long stages take, how
// often the gate passes, and how much of each loop budget runs consume.
package analytics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lucasnoah/redgreen/internal/metrics"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
	Rebind(query string) string
}

// StageDuration holds agent execution time stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

func query(database DB, q, since, tsColumn string, args ...any) (*sql.Rows, error) {
	if since != "" {
		q += " AND " + tsColumn + " >= ?"
		args = append(args, since)
	}
	return database.Conn().Query(database.Rebind(q), args...)
}

// QueryStageDurations returns average and percentile durations per stage,
// taken from the result event closing each agent execution. Round and
// attempt suffixes are folded so every review round counts as REVIEW.
func QueryStageDurations(database DB, since string) ([]StageDuration, error) {
	rows, err := query(database, `SELECT stage, payload FROM pipeline_events WHERE type = 'result'`, since, "timestamp")
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	stageDurations := make(map[string][]float64)
	for rows.Next() {
		var stage sql.NullString
		var payload string
		if err := rows.Scan(&stage, &payload); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		var data struct {
			Duration float64 `json:"duration"`
		}
		if err := json.Unmarshal([]byte(payload), &data); err != nil || !stage.Valid {
			continue
		}
		key := metrics.StageKey(stage.String)
		stageDurations[key] = append(stageDurations[key], data.Duration/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range stageDurations {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// GateRate holds verification outcome rates for a gate point.
type GateRate struct {
	Stage string  `json:"stage"`
	Total int     `json:"total"`
	Pass  float64 `json:"pass_pct"`
	Fail  float64 `json:"fail_pct"`
	Error float64 `json:"error_pct"`
}

// QueryGateRates returns verification outcome rates per gate point.
func QueryGateRates(database DB, since string) ([]GateRate, error) {
	rows, err := query(database, `SELECT stage, outcome FROM verification_runs WHERE 1 = 1`, since, "timestamp")
	if err != nil {
		return nil, fmt.Errorf("query gate rates: %w", err)
	}
	defer rows.Close()

	type counts struct{ total, pass, fail, errored int }
	byStage := make(map[string]*counts)
	for rows.Next() {
		var stage, outcome string
		if err := rows.Scan(&stage, &outcome); err != nil {
			return nil, fmt.Errorf("scan gate rate: %w", err)
		}
		key := gateKey(stage)
		c, ok := byStage[key]
		if !ok {
			c = &counts{}
			byStage[key] = c
		}
		c.total++
		switch outcome {
		case "pass":
			c.pass++
		case "fail":
			c.fail++
		default:
			c.errored++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []GateRate
	for stage, c := range byStage {
		results = append(results, GateRate{
			Stage: stage,
			Total: c.total,
			Pass:  pct(c.pass, c.total),
			Fail:  pct(c.fail, c.total),
			Error: pct(c.errored, c.total),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// gateKey folds verification labels such as "STAGE 3 fix 2" and
// "STAGE 4.1 fix" into "STAGE 3 fix" and "STAGE 4 fix".
func gateKey(label string) string {
	fields := strings.Fields(label)
	if len(fields) >= 2 && fields[0] == "STAGE" {
		num, _, _ := strings.Cut(fields[1], ".")
		if len(fields) >= 3 {
			return "STAGE " + num + " " + fields[2]
		}
		return "STAGE " + num
	}
	return label
}

// LoopUsage holds how many iterations of a bounded loop runs used.
type LoopUsage struct {
	Loop      string  `json:"loop"`
	Runs      int     `json:"runs"`
	Zero      float64 `json:"zero_pct"`
	One       float64 `json:"one_pct"`
	Two       float64 `json:"two_pct"`
	ThreePlus float64 `json:"three_plus_pct"`
}

// loopPrefixes maps a loop to the verification label its iterations record.
var loopPrefixes = []struct{ loop, prefix string }{
	{"GREEN_FIX", "STAGE 3 fix "},
	{"REVIEW", "STAGE 4 round "},
	{"SECURITY", "STAGE 5 round "},
	{"QA", "STAGE 6 round "},
}

// QueryLoopUsage returns, per loop, the distribution of iterations across
// runs that reached the GREEN gate.
func QueryLoopUsage(database DB, since string) ([]LoopUsage, error) {
	rows, err := query(database, `SELECT run_id, stage FROM verification_runs WHERE 1 = 1`, since, "timestamp")
	if err != nil {
		return nil, fmt.Errorf("query loop usage: %w", err)
	}
	defer rows.Close()

	perRun := make(map[string]map[string]int)
	for rows.Next() {
		var runID, stage string
		if err := rows.Scan(&runID, &stage); err != nil {
			return nil, fmt.Errorf("scan loop usage: %w", err)
		}
		if _, ok := perRun[runID]; !ok {
			perRun[runID] = make(map[string]int)
		}
		for _, lp := range loopPrefixes {
			if strings.HasPrefix(stage, lp.prefix) {
				perRun[runID][lp.loop]++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []LoopUsage
	for _, lp := range loopPrefixes {
		var zero, one, two, threePlus int
		for _, loops := range perRun {
			switch n := loops[lp.loop]; {
			case n == 0:
				zero++
			case n == 1:
				one++
			case n == 2:
				two++
			default:
				threePlus++
			}
		}
		total := len(perRun)
		results = append(results, LoopUsage{
			Loop:      lp.loop,
			Runs:      total,
			Zero:      pct(zero, total),
			One:       pct(one, total),
			Two:       pct(two, total),
			ThreePlus: pct(threePlus, total),
		})
	}
	return results, nil
}

// RunOutcomes counts runs by final status.
func RunOutcomes(database DB, since string) (map[string]int, error) {
	rows, err := query(database, `SELECT status FROM runs WHERE 1 = 1`, since, "started_at")
	if err != nil {
		return nil, fmt.Errorf("query run outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return nil, fmt.Errorf("scan run outcome: %w", err)
		}
		out[status]++
	}
	return out, rows.Err()
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
