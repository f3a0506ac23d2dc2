package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/ainexllc/ainexsuite-sub009/internal/entity"
)

// Stats are dashboard aggregates computed over the merged (unfiltered)
// collection. Soft-deleted entities are excluded from every aggregate.
type Stats struct {
	// Streak counts consecutive calendar days, walking backward from
	// today, on which at least one entity was created.
	Streak int `json:"streak"`
	// CadencePerWeek is the trailing-28-day creation count divided by 4.
	CadencePerWeek float64 `json:"cadencePerWeek"`
	// AvgWords is the mean body length in words.
	AvgWords float64 `json:"avgWords"`
	// TopMood is the most common mood among entities that record one.
	TopMood string `json:"topMood,omitempty"`
	// Labels is the sorted universe of labels in use.
	Labels []string `json:"labels"`
}

const dayKeyFormat = "2006-01-02"

func computeStats(list []entity.Entity, now time.Time) Stats {
	active := make([]entity.Entity, 0, len(list))
	for _, e := range list {
		if !e.Deleted() {
			active = append(active, e)
		}
	}
	return Stats{
		Streak:         computeStreak(active, now),
		CadencePerWeek: computeCadence(active, now),
		AvgWords:       computeAvgWords(active),
		TopMood:        computeTopMood(active),
		Labels:         labelUniverse(active),
	}
}

// computeStreak walks backward from today's calendar day and stops at
// the first day with no created entity.
func computeStreak(list []entity.Entity, now time.Time) int {
	days := make(map[string]bool, len(list))
	for _, e := range list {
		days[e.CreatedAt.Format(dayKeyFormat)] = true
	}

	streak := 0
	day := now
	for days[day.Format(dayKeyFormat)] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}

// computeCadence averages creations per week over the trailing 28 days.
func computeCadence(list []entity.Entity, now time.Time) float64 {
	cutoff := now.AddDate(0, 0, -28)
	count := 0
	for _, e := range list {
		if !e.CreatedAt.Before(cutoff) && !e.CreatedAt.After(now) {
			count++
		}
	}
	return float64(count) / 4
}

func computeAvgWords(list []entity.Entity) float64 {
	if len(list) == 0 {
		return 0
	}
	total := 0
	for _, e := range list {
		total += len(strings.Fields(e.Body))
	}
	return float64(total) / float64(len(list))
}

// computeTopMood returns the most common mood, breaking ties in favor
// of the mood encountered first.
func computeTopMood(list []entity.Entity) string {
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, e := range list {
		if e.Mood == "" {
			continue
		}
		if _, seen := counts[e.Mood]; !seen {
			order = append(order, e.Mood)
		}
		counts[e.Mood]++
	}

	top := ""
	best := 0
	for _, mood := range order {
		if counts[mood] > best {
			top = mood
			best = counts[mood]
		}
	}
	return top
}

func labelUniverse(list []entity.Entity) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, e := range list {
		for _, l := range e.Labels {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}
