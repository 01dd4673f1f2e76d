// Package replacer selects replacement proxies and performs device
// reassignment, recording every attempt in the audit log.
package replacer

import (
	"context"
	"log/slog"

	"github.com/HsiaoL1/monitor-sub000/internal/prober"
	"github.com/HsiaoL1/monitor-sub000/pkg/types"
)

// CandidateStore supplies replacement candidates from the relational store.
type CandidateStore interface {
	ListReplacementCandidates(ctx context.Context, merchantID int64, countryCode string, excludeID int64) ([]types.ProxyRecord, error)
}

// Prober verifies candidate reachability.
type Prober interface {
	ProbeThorough(ctx context.Context, proxy types.ProxyRecord) prober.Result
}

// Selection is the outcome of a candidate search. A fruitless search is a
// normal business outcome, not an error: Found is false and Reason says why.
type Selection struct {
	Found   bool
	Proxy   *types.ProxyRecord
	Checked int
	Reason  string
}

// Selector finds a reachable proxy sharing the failed proxy's tenant and
// region.
type Selector struct {
	store  CandidateStore
	prober Prober
	logger *slog.Logger
}

// NewSelector creates a selector.
func NewSelector(store CandidateStore, p Prober, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		store:  store,
		prober: p,
		logger: logger.With("component", "selector"),
	}
}

// FindReplacement probes candidates in store order (ascending id) and
// returns the first reachable one. An error is returned only for store
// failures; an exhausted candidate list yields a not-found Selection.
func (s *Selector) FindReplacement(ctx context.Context, failed types.ProxyRecord) (Selection, error) {
	candidates, err := s.store.ListReplacementCandidates(ctx, failed.MerchantID, failed.CountryCode, failed.ID)
	if err != nil {
		return Selection{}, err
	}

	if len(candidates) == 0 {
		return Selection{
			Reason: "no candidate proxies share tenant and region",
		}, nil
	}

	for i, candidate := range candidates {
		res := s.prober.ProbeThorough(ctx, candidate)
		if res.Available {
			s.logger.Info("replacement candidate found",
				"failed_proxy_id", failed.ID,
				"candidate_id", candidate.ID,
				"checked", i+1,
				"response_time_ms", res.ResponseTimeMs)
			c := candidate
			return Selection{
				Found:   true,
				Proxy:   &c,
				Checked: i + 1,
			}, nil
		}
		s.logger.Debug("candidate unreachable",
			"candidate_id", candidate.ID,
			"error", res.ErrorMessage)
	}

	return Selection{
		Checked: len(candidates),
		Reason:  "no reachable candidate among same-tenant same-region proxies",
	}, nil
}
