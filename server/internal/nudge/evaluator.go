package nudge

import (
	"fmt"
	"strconv"
)

// Evaluate returns one Job per threshold violated by the caregiver's latest
// sample of its metric, in threshold order.
//
// For each threshold only the most recently collected sample of the matching
// metric is considered; thresholds without a sample are skipped. articles
// holds the resolved playbook entries keyed by article key; a threshold whose
// article is absent still produces a job, just without ArticleKey.
//
// Evaluate keeps no state between calls: identical inputs always yield an
// identical job sequence.
func Evaluate(pref *Preference, thresholds []Threshold, samples []MetricSample, articles map[string]Article) ([]Job, error) {
	if pref == nil {
		return nil, &PreferenceNotFoundError{}
	}
	for i, s := range samples {
		if err := s.Validate(); err != nil {
			return nil, prefixField(err, fmt.Sprintf("samples[%d]", i))
		}
	}
	if len(samples) == 0 {
		return nil, nil
	}

	var jobs []Job
	for _, t := range thresholds {
		sample, ok := latestSample(samples, t.Metric)
		if !ok || !t.Violated(sample.Value) {
			continue
		}

		job := Job{
			PreferenceKey: pref.CaregiverKey,
			Channel:       t.Channel,
			Title:         t.Title,
			Body:          t.Message,
			TriggeredBy:   TriggeredBy(sample),
		}
		if t.ArticleKey != "" {
			if a, ok := articles[t.ArticleKey]; ok {
				job.ArticleKey = a.Key
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// TriggeredBy renders the "metric:value" trace string recorded on a job.
func TriggeredBy(s MetricSample) string {
	return s.Metric + ":" + strconv.FormatFloat(s.Value, 'f', -1, 64)
}

// latestSample picks the sample of metric with the latest CollectedAt. On a
// tie the earliest sample in input order wins.
func latestSample(samples []MetricSample, metric string) (MetricSample, bool) {
	var (
		best  MetricSample
		found bool
	)
	for _, s := range samples {
		if s.Metric != metric {
			continue
		}
		if !found || s.CollectedAt.After(best.CollectedAt) {
			best = s
			found = true
		}
	}
	return best, found
}
