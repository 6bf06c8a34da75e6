// Package analytics turns an immutable snapshot of ticket records into
// resolution, rollup, and trend statistics. Summaries are recomputed from
// the snapshot on every request; nothing is cached across snapshots.
package analytics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"trackpilot/internal/config"
	"trackpilot/internal/domain"
)

// Grouping selects the partition key for Summarize.
type Grouping string

const (
	GroupAssignee Grouping = "assignee"
	GroupProject  Grouping = "project"
	GroupStatus   Grouping = "status"
	GroupPriority Grouping = "priority"
)

// Interval selects the trend bucket width.
type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
)

// TimeField selects which timestamp trend bucketing uses.
type TimeField string

const (
	ByCreated  TimeField = "created"
	ByResolved TimeField = "resolved"
)

// GroupStat is the aggregate for one partition of the snapshot. Duration
// statistics cover resolved records only; unresolved records count toward
// Count but never shift the mean or median.
type GroupStat struct {
	Key                  string         `json:"key"`
	Count                int            `json:"count"`
	ResolvedCount        int            `json:"resolved_count"`
	ResolutionRate       float64        `json:"resolution_rate"`
	MeanResolutionDays   float64        `json:"mean_resolution_days"`
	MedianResolutionDays float64        `json:"median_resolution_days"`
	Distribution         map[string]int `json:"distribution,omitempty"`
}

// Summary is the result of one Summarize call.
type Summary struct {
	Grouping Grouping    `json:"grouping"`
	Total    int         `json:"total"`
	Groups   []GroupStat `json:"groups"`
}

// TrendBucket is one time slot; zero-count buckets are emitted so trend
// lines stay contiguous.
type TrendBucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// Trend is the result of one Trend call.
type Trend struct {
	Interval  Interval      `json:"interval"`
	Field     TimeField     `json:"field"`
	Buckets   []TrendBucket `json:"buckets"`
	Direction string        `json:"direction"`
}

// Overview is the snapshot-wide rollup.
type Overview struct {
	Total             int     `json:"total"`
	Active            int     `json:"active"`
	Resolved          int     `json:"resolved"`
	Pending           int     `json:"pending"`
	Other             int     `json:"other"`
	AvgResolutionDays float64 `json:"avg_resolution_days"`
	ResolutionRate    float64 `json:"resolution_rate"`
}

// Engine computes summaries under one policy configuration.
type Engine struct {
	cfg config.AnalyticsConfig
}

func New(cfg config.AnalyticsConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Summarize partitions the snapshot by the grouping key. Output is
// deterministic: groups are ordered by descending count, ties by key.
func (e *Engine) Summarize(records []domain.TicketRecord, grouping Grouping) (Summary, error) {
	keyOf, err := groupKeyFunc(grouping)
	if err != nil {
		return Summary{}, err
	}
	partitions := make(map[string][]domain.TicketRecord)
	for _, rec := range records {
		key := keyOf(rec)
		partitions[key] = append(partitions[key], rec)
	}
	groups := make([]GroupStat, 0, len(partitions))
	for key, part := range partitions {
		groups = append(groups, groupStat(key, part))
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Key < groups[j].Key
	})
	return Summary{Grouping: grouping, Total: len(records), Groups: groups}, nil
}

func groupKeyFunc(grouping Grouping) (func(domain.TicketRecord) string, error) {
	switch grouping {
	case GroupAssignee:
		return func(r domain.TicketRecord) string {
			if r.Assignee == "" {
				return "Unassigned"
			}
			return r.Assignee
		}, nil
	case GroupProject:
		return func(r domain.TicketRecord) string { return r.Project }, nil
	case GroupStatus:
		return func(r domain.TicketRecord) string { return r.Status }, nil
	case GroupPriority:
		return func(r domain.TicketRecord) string {
			if r.Priority == "" {
				return "None"
			}
			return r.Priority
		}, nil
	default:
		return nil, fmt.Errorf("unknown grouping %q", grouping)
	}
}

func groupStat(key string, records []domain.TicketRecord) GroupStat {
	stat := GroupStat{Key: key, Count: len(records), Distribution: map[string]int{}}
	var durations []float64
	for _, rec := range records {
		d, ok := rec.Resolution()
		if !ok {
			continue
		}
		stat.ResolvedCount++
		days := d.Hours() / 24
		durations = append(durations, days)
		stat.Distribution[durationBucket(days)]++
	}
	if stat.Count > 0 {
		stat.ResolutionRate = float64(stat.ResolvedCount) / float64(stat.Count)
	}
	stat.MeanResolutionDays = mean(durations)
	stat.MedianResolutionDays = median(durations)
	if len(stat.Distribution) == 0 {
		stat.Distribution = nil
	}
	return stat
}

// durationBucket maps a resolution duration in days to a distribution slot.
func durationBucket(days float64) string {
	switch {
	case days < 1:
		return "<1d"
	case days < 3:
		return "1-3d"
	case days < 7:
		return "3-7d"
	case days < 14:
		return "7-14d"
	case days < 30:
		return "14-30d"
	default:
		return ">30d"
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Trend buckets the snapshot by the chosen timestamp. Records without a
// resolved timestamp are skipped for ByResolved. Buckets span min to max
// with zero-count slots emitted in between.
func (e *Engine) Trend(records []domain.TicketRecord, interval Interval, field TimeField) (Trend, error) {
	step, err := bucketStep(interval)
	if err != nil {
		return Trend{}, err
	}
	counts := make(map[time.Time]int)
	var min, max time.Time
	for _, rec := range records {
		ts, ok := trendTimestamp(rec, field)
		if !ok {
			continue
		}
		bucket := truncate(ts.UTC(), interval)
		counts[bucket]++
		if min.IsZero() || bucket.Before(min) {
			min = bucket
		}
		if max.IsZero() || bucket.After(max) {
			max = bucket
		}
	}
	trend := Trend{Interval: interval, Field: field, Direction: "flat"}
	if len(counts) == 0 {
		return trend, nil
	}
	for cursor := min; !cursor.After(max); cursor = step(cursor) {
		trend.Buckets = append(trend.Buckets, TrendBucket{Start: cursor, Count: counts[cursor]})
	}
	trend.Direction = e.direction(trend.Buckets)
	return trend, nil
}

func trendTimestamp(rec domain.TicketRecord, field TimeField) (time.Time, bool) {
	switch field {
	case ByResolved:
		if rec.Resolved == nil {
			return time.Time{}, false
		}
		return *rec.Resolved, true
	default:
		return rec.Created, true
	}
}

func bucketStep(interval Interval) (func(time.Time) time.Time, error) {
	switch interval {
	case IntervalDay:
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }, nil
	case IntervalWeek:
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }, nil
	case IntervalMonth:
		return func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }, nil
	default:
		return nil, fmt.Errorf("unknown interval %q", interval)
	}
}

// truncate normalizes a timestamp to its bucket start. Weeks start on
// Monday.
func truncate(t time.Time, interval Interval) time.Time {
	year, month, day := t.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	switch interval {
	case IntervalWeek:
		offset := (int(midnight.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset)
	case IntervalMonth:
		return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	default:
		return midnight
	}
}

// direction compares the last bucket's count to the mean of the prior
// buckets using the configured thresholds.
func (e *Engine) direction(buckets []TrendBucket) string {
	if len(buckets) < 2 {
		return "flat"
	}
	var prior float64
	for _, b := range buckets[:len(buckets)-1] {
		prior += float64(b.Count)
	}
	prior /= float64(len(buckets) - 1)
	last := float64(buckets[len(buckets)-1].Count)
	switch {
	case last > prior*(1+e.cfg.TrendUpThreshold):
		return "increasing"
	case last < prior*(1-e.cfg.TrendDownThreshold):
		return "decreasing"
	default:
		return "flat"
	}
}

// Overview computes the snapshot-wide rollup. Status categories come from
// the configured status sets; resolvedness for duration statistics comes
// from the resolved timestamp.
func (e *Engine) Overview(records []domain.TicketRecord) Overview {
	ov := Overview{Total: len(records)}
	var durations []float64
	for _, rec := range records {
		switch e.Categorize(rec.Status) {
		case "Resolved":
			ov.Resolved++
		case "Active":
			ov.Active++
		case "Pending":
			ov.Pending++
		default:
			ov.Other++
		}
		if d, ok := rec.Resolution(); ok {
			durations = append(durations, d.Hours()/24)
		}
	}
	ov.AvgResolutionDays = mean(durations)
	if ov.Total > 0 {
		ov.ResolutionRate = float64(ov.Resolved) / float64(ov.Total)
	}
	return ov
}

// Categorize maps a raw status name into Resolved/Active/Pending/Other.
func (e *Engine) Categorize(status string) string {
	switch {
	case containsFold(e.cfg.ResolvedStatuses, status):
		return "Resolved"
	case containsFold(e.cfg.ActiveStatuses, status):
		return "Active"
	case containsFold(e.cfg.PendingStatuses, status):
		return "Pending"
	default:
		return "Other"
	}
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// PriorityScore maps priority names onto a 1..5 scale for rollups.
func PriorityScore(priority string) int {
	switch strings.ToLower(priority) {
	case "critical":
		return 5
	case "high":
		return 4
	case "medium":
		return 3
	case "low":
		return 2
	case "lowest":
		return 1
	default:
		return 0
	}
}
