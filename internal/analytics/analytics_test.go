package analytics_test

import (
	"math"
	"testing"
	"time"

	"trackpilot/internal/analytics"
	"trackpilot/internal/config"
	"trackpilot/internal/domain"
)

func newEngine() *analytics.Engine {
	return analytics.New(config.Default().Analytics)
}

func ticket(key, assignee, status string, created time.Time, resolvedDays float64) domain.TicketRecord {
	rec := domain.TicketRecord{
		Key:      key,
		Project:  "DEMO",
		Status:   status,
		Assignee: assignee,
		Priority: "Medium",
		Created:  created,
	}
	if resolvedDays > 0 {
		ts := created.Add(time.Duration(resolvedDays * 24 * float64(time.Hour)))
		rec.Resolved = &ts
	}
	return rec
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSummarizeResolutionStatistics(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var records []domain.TicketRecord
	for i, days := range []float64{1, 2, 2, 3, 4, 5} {
		records = append(records, ticket(key(i), "alice", "Done", base, days))
	}
	for i := 6; i < 10; i++ {
		records = append(records, ticket(key(i), "alice", "In Progress", base, 0))
	}
	summary, err := newEngine().Summarize(records, analytics.GroupAssignee)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.Total != 10 || len(summary.Groups) != 1 {
		t.Fatalf("unexpected summary shape: %+v", summary)
	}
	grp := summary.Groups[0]
	if grp.Count != 10 || grp.ResolvedCount != 6 {
		t.Fatalf("counts: %+v", grp)
	}
	if !almostEqual(grp.ResolutionRate, 0.6) {
		t.Fatalf("rate = %v, want 0.6", grp.ResolutionRate)
	}
	if !almostEqual(grp.MeanResolutionDays, 17.0/6.0) {
		t.Fatalf("mean = %v, want %v", grp.MeanResolutionDays, 17.0/6.0)
	}
	if !almostEqual(grp.MedianResolutionDays, 2.5) {
		t.Fatalf("median = %v, want 2.5", grp.MedianResolutionDays)
	}
}

func key(i int) string {
	return "DEMO-" + string(rune('A'+i))
}

func TestSummarizeEmptyGroupRate(t *testing.T) {
	summary, err := newEngine().Summarize(nil, analytics.GroupProject)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.Total != 0 || len(summary.Groups) != 0 {
		t.Fatalf("empty snapshot produced groups: %+v", summary)
	}
}

func TestSummarizeDeterministicOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []domain.TicketRecord{
		ticket("DEMO-1", "bob", "Done", base, 1),
		ticket("DEMO-2", "alice", "Done", base, 1),
		ticket("DEMO-3", "carol", "Done", base, 1),
		ticket("DEMO-4", "carol", "Done", base, 1),
	}
	for i := 0; i < 5; i++ {
		summary, err := newEngine().Summarize(records, analytics.GroupAssignee)
		if err != nil {
			t.Fatal(err)
		}
		if summary.Groups[0].Key != "carol" || summary.Groups[1].Key != "alice" || summary.Groups[2].Key != "bob" {
			t.Fatalf("unstable order: %+v", summary.Groups)
		}
	}
}

func TestSummarizeUnassignedBucket(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	summary, err := newEngine().Summarize([]domain.TicketRecord{
		ticket("DEMO-1", "", "To Do", base, 0),
	}, analytics.GroupAssignee)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Groups[0].Key != "Unassigned" {
		t.Fatalf("key = %q", summary.Groups[0].Key)
	}
}

func TestSummarizeUnknownGrouping(t *testing.T) {
	if _, err := newEngine().Summarize(nil, analytics.Grouping("reporter")); err == nil {
		t.Fatalf("expected error for unknown grouping")
	}
}

func TestTrendContiguousBuckets(t *testing.T) {
	records := []domain.TicketRecord{
		ticket("DEMO-1", "a", "To Do", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), 0),
		ticket("DEMO-2", "a", "To Do", time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC), 0),
		ticket("DEMO-3", "a", "To Do", time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC), 0),
	}
	trend, err := newEngine().Trend(records, analytics.IntervalWeek, analytics.ByCreated)
	if err != nil {
		t.Fatalf("trend: %v", err)
	}
	if len(trend.Buckets) != 3 {
		t.Fatalf("buckets = %d, want 3 (middle zero bucket must be present)", len(trend.Buckets))
	}
	counts := []int{trend.Buckets[0].Count, trend.Buckets[1].Count, trend.Buckets[2].Count}
	if counts[0] != 2 || counts[1] != 0 || counts[2] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	if !trend.Buckets[0].Start.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("week bucket not Monday-aligned: %v", trend.Buckets[0].Start)
	}
}

func TestTrendByResolvedSkipsOpenTickets(t *testing.T) {
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	records := []domain.TicketRecord{
		ticket("DEMO-1", "a", "Done", base, 2),
		ticket("DEMO-2", "a", "To Do", base, 0),
	}
	trend, err := newEngine().Trend(records, analytics.IntervalDay, analytics.ByResolved)
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, b := range trend.Buckets {
		total += b.Count
	}
	if total != 1 {
		t.Fatalf("resolved trend counted open tickets: %+v", trend.Buckets)
	}
}

func TestTrendDirection(t *testing.T) {
	day := func(d, n int) []domain.TicketRecord {
		var out []domain.TicketRecord
		for i := 0; i < n; i++ {
			out = append(out, ticket(key(10*d+i), "a", "To Do",
				time.Date(2026, 4, d, 12, 0, 0, 0, time.UTC), 0))
		}
		return out
	}
	eng := newEngine()

	var rising []domain.TicketRecord
	rising = append(rising, day(1, 2)...)
	rising = append(rising, day(2, 2)...)
	rising = append(rising, day(3, 8)...)
	trend, err := eng.Trend(rising, analytics.IntervalDay, analytics.ByCreated)
	if err != nil {
		t.Fatal(err)
	}
	if trend.Direction != "increasing" {
		t.Fatalf("direction = %s, want increasing", trend.Direction)
	}

	var falling []domain.TicketRecord
	falling = append(falling, day(1, 8)...)
	falling = append(falling, day(2, 8)...)
	falling = append(falling, day(3, 1)...)
	trend, err = eng.Trend(falling, analytics.IntervalDay, analytics.ByCreated)
	if err != nil {
		t.Fatal(err)
	}
	if trend.Direction != "decreasing" {
		t.Fatalf("direction = %s, want decreasing", trend.Direction)
	}

	var flat []domain.TicketRecord
	flat = append(flat, day(1, 5)...)
	flat = append(flat, day(2, 5)...)
	flat = append(flat, day(3, 5)...)
	trend, err = eng.Trend(flat, analytics.IntervalDay, analytics.ByCreated)
	if err != nil {
		t.Fatal(err)
	}
	if trend.Direction != "flat" {
		t.Fatalf("direction = %s, want flat", trend.Direction)
	}
}

func TestTrendEmptySnapshot(t *testing.T) {
	trend, err := newEngine().Trend(nil, analytics.IntervalMonth, analytics.ByCreated)
	if err != nil {
		t.Fatal(err)
	}
	if len(trend.Buckets) != 0 || trend.Direction != "flat" {
		t.Fatalf("unexpected trend: %+v", trend)
	}
}

func TestOverviewCategories(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []domain.TicketRecord{
		ticket("DEMO-1", "a", "Done", base, 2),
		ticket("DEMO-2", "a", "Closed", base, 4),
		ticket("DEMO-3", "a", "In Progress", base, 0),
		ticket("DEMO-4", "a", "To Do", base, 0),
		ticket("DEMO-5", "a", "Blocked", base, 0),
	}
	ov := newEngine().Overview(records)
	if ov.Total != 5 || ov.Resolved != 2 || ov.Active != 1 || ov.Pending != 1 || ov.Other != 1 {
		t.Fatalf("categories: %+v", ov)
	}
	if !almostEqual(ov.AvgResolutionDays, 3) {
		t.Fatalf("avg = %v, want 3", ov.AvgResolutionDays)
	}
	if !almostEqual(ov.ResolutionRate, 0.4) {
		t.Fatalf("rate = %v, want 0.4", ov.ResolutionRate)
	}
}

func TestPriorityScore(t *testing.T) {
	scores := map[string]int{"Critical": 5, "high": 4, "Medium": 3, "low": 2, "Lowest": 1, "Whatever": 0}
	for name, want := range scores {
		if got := analytics.PriorityScore(name); got != want {
			t.Fatalf("PriorityScore(%s) = %d, want %d", name, got, want)
		}
	}
}
