package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/nestlog/nestlog/agent/internal/config"
	"github.com/nestlog/nestlog/pkg/types"
)

type promScraper struct {
	src    config.Source
	client *http.Client
	now    func() time.Time
}

// Scrape fetches the source's metrics endpoint and groups every series that
// carries the caregiver label into that caregiver's submission.
//
// A series timestamp, when present, becomes the sample's collected_at;
// otherwise the scrape time is used.
func (s *promScraper) Scrape(ctx context.Context) ([]types.Submission, error) {
	scrapedAt := s.now().UTC()

	mfs, err := fetchMetrics(ctx, s.client, s.src.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("scrape %q: %w", s.src.ID, err)
	}
	return extract(mfs, s.src, scrapedAt), nil
}

// extract converts parsed families into per-caregiver submissions. Families
// and caregivers are visited in name order so output is deterministic.
func extract(mfs map[string]*dto.MetricFamily, src config.Source, scrapedAt time.Time) []types.Submission {
	allowed := make(map[string]bool, len(src.Metrics))
	for _, m := range src.Metrics {
		allowed[m] = true
	}

	names := make([]string, 0, len(mfs))
	for name := range mfs {
		names = append(names, name)
	}
	sort.Strings(names)

	byCaregiver := make(map[string][]types.Sample)
	for _, family := range names {
		if src.Prefix != "" && !strings.HasPrefix(family, src.Prefix) {
			continue
		}
		metric := strings.TrimPrefix(family, src.Prefix)
		if len(allowed) > 0 && !allowed[metric] {
			continue
		}

		for _, m := range mfs[family].GetMetric() {
			caregiver := labelValue(m, src.CaregiverLabel)
			if caregiver == "" {
				continue
			}
			v, ok := sampleValue(m)
			if !ok {
				continue
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				slog.Warn("scraper: skipping non-finite sample",
					"source", src.ID, "metric", metric, "caregiver", caregiver)
				continue
			}
			at := scrapedAt
			if m.TimestampMs != nil {
				at = time.UnixMilli(m.GetTimestampMs()).UTC()
			}
			byCaregiver[caregiver] = append(byCaregiver[caregiver], types.Sample{
				Metric:      metric,
				Value:       v,
				CollectedAt: at,
			})
		}
	}

	keys := make([]string, 0, len(byCaregiver))
	for k := range byCaregiver {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	subs := make([]types.Submission, 0, len(keys))
	for _, k := range keys {
		subs = append(subs, types.Submission{CaregiverKey: k, Samples: byCaregiver[k]})
	}
	return subs
}
