package redis

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// StatsTTL is how long hourly usage counters are retained.
const StatsTTL = 30 * 24 * time.Hour

const hourKeyLayout = "2006-01-02T15"

// StatsStore keeps per-hour request counters broken down by model family
// and model.
type StatsStore struct {
	client *Client
}

// NewStatsStore wraps a client.
func NewStatsStore(client *Client) *StatsStore {
	return &StatsStore{client: client}
}

// HourlyStats is the decoded counter hash for one hour.
type HourlyStats struct {
	Hour     string                  `json:"hour"`
	Total    int64                   `json:"total"`
	Families map[string]*FamilyStats `json:"families"`
}

// FamilyStats is one family's share of an hour.
type FamilyStats struct {
	Subtotal int64            `json:"subtotal"`
	Models   map[string]int64 `json:"models"`
}

// RecordRequest counts one request against the current hour.
func (s *StatsStore) RecordRequest(ctx context.Context, modelFamily, modelShortName string) error {
	key := PrefixStats + time.Now().UTC().Format(hourKeyLayout)

	if err := s.client.HIncrBy(ctx, key, "_total", 1); err != nil {
		return err
	}
	if err := s.client.HIncrBy(ctx, key, modelFamily+":_subtotal", 1); err != nil {
		return err
	}
	if err := s.client.HIncrBy(ctx, key, modelFamily+":"+modelShortName, 1); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, StatsTTL)
}

// GetHourlyStats decodes one hour's counters, or nil when the hour has no
// data.
func (s *StatsStore) GetHourlyStats(ctx context.Context, hourKey string) (*HourlyStats, error) {
	data, err := s.client.HGetAll(ctx, PrefixStats+hourKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	stats := &HourlyStats{Hour: hourKey, Families: make(map[string]*FamilyStats)}
	for field, value := range data {
		count, _ := strconv.ParseInt(value, 10, 64)
		if field == "_total" {
			stats.Total = count
			continue
		}
		family, model, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		fam := stats.Families[family]
		if fam == nil {
			fam = &FamilyStats{Models: make(map[string]int64)}
			stats.Families[family] = fam
		}
		if model == "_subtotal" {
			fam.Subtotal = count
		} else {
			fam.Models[model] = count
		}
	}
	return stats, nil
}

// GetHistory returns all retained hours within the last `days` days,
// keyed by hour.
func (s *StatsStore) GetHistory(ctx context.Context, days int) (map[string]*HourlyStats, error) {
	if days <= 0 {
		days = 30
	}
	keys, err := s.client.ScanAll(ctx, PrefixStats+"*")
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	history := make(map[string]*HourlyStats)
	for _, key := range keys {
		hourKey := strings.TrimPrefix(key, PrefixStats)
		t, err := time.Parse(hourKeyLayout, hourKey)
		if err != nil || t.Before(cutoff) {
			continue
		}
		stats, err := s.GetHourlyStats(ctx, hourKey)
		if err != nil || stats == nil {
			continue
		}
		history[hourKey] = stats
	}
	return history, nil
}

// PruneOldStats deletes hours older than `days` days and returns how many
// were removed.
func (s *StatsStore) PruneOldStats(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = 30
	}
	keys, err := s.client.ScanAll(ctx, PrefixStats+"*")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	pruned := 0
	for _, key := range keys {
		hourKey := strings.TrimPrefix(key, PrefixStats)
		t, err := time.Parse(hourKeyLayout, hourKey)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			if err := s.client.Delete(ctx, key); err == nil {
				pruned++
			}
		}
	}
	return pruned, nil
}

// GetModelShortName drops the family prefix from a model name:
// "claude-opus-4-5-thinking" becomes "opus-4-5-thinking".
func GetModelShortName(modelName string) string {
	for _, prefix := range []string{"claude-", "gemini-"} {
		if strings.HasPrefix(modelName, prefix) && len(modelName) > len(prefix) {
			return modelName[len(prefix):]
		}
	}
	return modelName
}
