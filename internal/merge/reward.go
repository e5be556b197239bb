package merge

import (
	"context"
	"slices"

	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/internal/scavenger"
	"github.com/bardlex/scavenger/pkg/errors"
)

// SolutionCounter counts confirmed solutions per challenge day;
// *database.Manager satisfies it.
type SolutionCounter interface {
	CountConfirmedByDay(ctx context.Context, network model.Network) (map[int]int, error)
}

// Estimate is the expected reward of the confirmed work on a network.
type Estimate struct {
	Solutions    int
	Total        float64
	ByDay        map[int]float64
	UnpricedDays []int // days with solutions but no published rate
}

// EstimateReward prices every confirmed solution at its day's rate.
func EstimateReward(ctx context.Context, rates scavenger.RateSource, counter SolutionCounter, network model.Network) (*Estimate, error) {
	counts, err := counter.CountConfirmedByDay(ctx, network)
	if err != nil {
		return nil, err
	}
	table, err := rates.GetRates(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "estimate_reward", "failed to fetch rates")
	}

	est := &Estimate{ByDay: make(map[int]float64, len(counts))}
	for day, n := range counts {
		est.Solutions += n
		rate, ok := table[day]
		if !ok {
			est.UnpricedDays = append(est.UnpricedDays, day)
			continue
		}
		v := float64(n) * rate
		est.ByDay[day] = v
		est.Total += v
	}
	slices.Sort(est.UnpricedDays)
	return est, nil
}
