package outcome

import (
	"math"
	"strings"
	"testing"
)

func TestLabelRevenueGrowth(t *testing.T) {
	res := Label(100, 125, []string{"a", "b"}, []string{"a", "b"})

	if res.RevenueChangePct == nil {
		t.Fatal("expected a change ratio")
	}
	if math.Abs(*res.RevenueChangePct-0.25) > 1e-9 {
		t.Fatalf("expected +0.25, got %f", *res.RevenueChangePct)
	}
	if res.Catastrophic {
		t.Fatal("growth must not be catastrophic")
	}
	if res.NewTopAsset {
		t.Fatal("unchanged top set must not flag a new asset")
	}
}

func TestLabelCatastrophicDrop(t *testing.T) {
	res := Label(100, 60, nil, nil)

	if res.RevenueChangePct == nil || *res.RevenueChangePct != -0.4 {
		t.Fatalf("expected -0.4 change, got %v", res.RevenueChangePct)
	}
	if !res.Catastrophic {
		t.Fatal("expected catastrophic flag at -40%")
	}
	if !strings.Contains(res.Notes, "catastrophic") {
		t.Fatalf("expected notes to mention the drop, got %q", res.Notes)
	}
}

func TestLabelExactThresholdNotCatastrophic(t *testing.T) {
	res := Label(100, 70, nil, nil)

	if res.Catastrophic {
		t.Fatal("a drop of exactly -30% is not catastrophic")
	}
}

func TestLabelZeroPreRevenue(t *testing.T) {
	res := Label(0, 500, nil, nil)

	if res.RevenueChangePct != nil {
		t.Fatalf("expected undefined change, got %f", *res.RevenueChangePct)
	}
	if res.Catastrophic {
		t.Fatal("undefined change must never be catastrophic")
	}
}

func TestLabelNewTopAsset(t *testing.T) {
	res := Label(100, 100, []string{"a", "b", "c"}, []string{"a", "b", "d"})

	if !res.NewTopAsset {
		t.Fatal("expected new top asset flag for d")
	}
	if !strings.Contains(res.Notes, "top asset") {
		t.Fatalf("expected notes to mention the new asset, got %q", res.Notes)
	}
}

func TestLabelShrunkenTopSetIsNotNew(t *testing.T) {
	res := Label(100, 100, []string{"a", "b", "c"}, []string{"a", "b"})

	if res.NewTopAsset {
		t.Fatal("post set losing a member introduces nothing new")
	}
}
