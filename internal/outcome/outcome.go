package outcome

import "fmt"

// CatastrophicDropPct is the revenue change ratio below which a decision
// window is labeled catastrophic.
const CatastrophicDropPct = -0.30

// Result labels how the 7 days after a decision compared to the 7 days
// before it.
type Result struct {
	RevenueChangePct *float64
	Catastrophic     bool
	NewTopAsset      bool
	Notes            string
}

// Label compares pre/post revenue sums and top-video sets. Pure. The change
// ratio is left nil when the pre window had no positive revenue; a window
// that started from nothing is never catastrophic, whatever came after.
func Label(preRevenue, postRevenue float64, preTop, postTop []string) Result {
	var res Result
	if preRevenue > 0 {
		change := (postRevenue - preRevenue) / preRevenue
		res.RevenueChangePct = &change
		res.Catastrophic = change < CatastrophicDropPct
	}

	preSet := make(map[string]struct{}, len(preTop))
	for _, id := range preTop {
		preSet[id] = struct{}{}
	}
	for _, id := range postTop {
		if _, ok := preSet[id]; !ok {
			res.NewTopAsset = true
			break
		}
	}

	res.Notes = describe(res, preRevenue, postRevenue)
	return res
}

func describe(res Result, preRevenue, postRevenue float64) string {
	var s string
	if res.RevenueChangePct == nil {
		s = fmt.Sprintf("pre-decision window revenue $%.2f was not positive; change ratio undefined", preRevenue)
	} else {
		s = fmt.Sprintf("7-day revenue moved %+.1f%% ($%.2f to $%.2f)", *res.RevenueChangePct*100, preRevenue, postRevenue)
		if res.Catastrophic {
			s += "; catastrophic drop"
		}
	}
	if res.NewTopAsset {
		s += "; a new top asset emerged"
	}
	return s
}
