package store

import (
	"errors"
	"testing"

	"github.com/potluck/pool-service/internal/domain"
)

func TestResolveSettlement(t *testing.T) {
	tests := []struct {
		name         string
		status       string
		outcome      string
		amount       int64
		succeededSum int64
		poolStatus   string
		target       int64
		want         settlementAction
		wantErr      error
	}{
		{
			name:    "pending success under target commits",
			status:  domain.ContributionStatusPending,
			outcome: domain.ContributionStatusSucceeded,
			amount:  6000, succeededSum: 0, poolStatus: domain.PoolStatusOpen, target: 10000,
			want: actionSucceed,
		},
		{
			name:    "pending success overshooting target converts to failed",
			status:  domain.ContributionStatusPending,
			outcome: domain.ContributionStatusSucceeded,
			amount:  6000, succeededSum: 6000, poolStatus: domain.PoolStatusOpen, target: 10000,
			want: actionConvertToFailed,
		},
		{
			name:    "pending success reaching target exactly funds the pool",
			status:  domain.ContributionStatusPending,
			outcome: domain.ContributionStatusSucceeded,
			amount:  6000, succeededSum: 4000, poolStatus: domain.PoolStatusOpen, target: 10000,
			want: actionSucceedAndFund,
		},
		{
			name:    "exact target on a non-open pool commits without re-funding",
			status:  domain.ContributionStatusPending,
			outcome: domain.ContributionStatusSucceeded,
			amount:  6000, succeededSum: 4000, poolStatus: domain.PoolStatusFunded, target: 10000,
			want: actionSucceed,
		},
		{
			name:    "pending failure records the failure",
			status:  domain.ContributionStatusPending,
			outcome: domain.ContributionStatusFailed,
			amount:  6000,
			want:    actionFail,
		},
		{
			name:    "repeated success is a no-op",
			status:  domain.ContributionStatusSucceeded,
			outcome: domain.ContributionStatusSucceeded,
			amount:  6000,
			want:    actionNoop,
		},
		{
			name:    "repeated failure is a no-op",
			status:  domain.ContributionStatusFailed,
			outcome: domain.ContributionStatusFailed,
			amount:  6000,
			want:    actionNoop,
		},
		{
			name:    "failure after success is a conflict",
			status:  domain.ContributionStatusSucceeded,
			outcome: domain.ContributionStatusFailed,
			amount:  6000,
			wantErr: ErrAlreadyTerminal,
		},
		{
			name:    "success after failure is a conflict",
			status:  domain.ContributionStatusFailed,
			outcome: domain.ContributionStatusSucceeded,
			amount:  6000,
			wantErr: ErrAlreadyTerminal,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveSettlement(tc.status, tc.outcome, tc.amount, tc.succeededSum, tc.poolStatus, tc.target)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got action=%v err=%v", tc.wantErr, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveSettlement returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected action %v, got %v", tc.want, got)
			}
		})
	}
}

// Two 6000 settlements racing toward a 10000 target serialize on the pool row
// lock: the first sees a committed sum of 0 and succeeds, the second re-reads
// the sum as 6000 and is converted to a failure instead of overshooting.
func TestResolveSettlement_SerializedOvershoot(t *testing.T) {
	const target = 10000

	first, err := resolveSettlement(domain.ContributionStatusPending, domain.ContributionStatusSucceeded, 6000, 0, domain.PoolStatusOpen, target)
	if err != nil {
		t.Fatalf("first settlement returned error: %v", err)
	}
	if first != actionSucceed {
		t.Fatalf("first settlement should commit, got %v", first)
	}

	second, err := resolveSettlement(domain.ContributionStatusPending, domain.ContributionStatusSucceeded, 6000, 6000, domain.PoolStatusOpen, target)
	if err != nil {
		t.Fatalf("second settlement returned error: %v", err)
	}
	if second != actionConvertToFailed {
		t.Fatalf("second settlement must fail with TargetExceeded, got %v", second)
	}
}
