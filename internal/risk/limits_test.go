package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCheckOrder(t *testing.T) {
	l := Limits{
		MinStake:     decimal.NewFromInt(10),
		MaxStake:     decimal.NewFromInt(1000),
		MaxOpenStake: decimal.NewFromInt(2000),
		MinDuration:  time.Minute,
		MaxDuration:  time.Hour,
	}

	tests := []struct {
		name     string
		stake    int64
		duration time.Duration
		locked   int64
		want     error
	}{
		{"within bounds", 100, 5 * time.Minute, 0, nil},
		{"at min stake", 10, time.Minute, 0, nil},
		{"at max stake", 1000, time.Hour, 0, nil},
		{"below min stake", 9, 5 * time.Minute, 0, ErrStakeOutOfRange},
		{"above max stake", 1001, 5 * time.Minute, 0, ErrStakeOutOfRange},
		{"duration too short", 100, 59 * time.Second, 0, ErrDurationOutOfRange},
		{"duration too long", 100, 2 * time.Hour, 0, ErrDurationOutOfRange},
		{"fills aggregate cap exactly", 500, 5 * time.Minute, 1500, nil},
		{"exceeds aggregate cap", 501, 5 * time.Minute, 1500, ErrOpenStakeLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.CheckOrder(decimal.NewFromInt(tt.stake), tt.duration, decimal.NewFromInt(tt.locked))
			if !errors.Is(err, tt.want) {
				t.Errorf("CheckOrder = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCheckOrder_ZeroOpenStakeCapDisablesIt(t *testing.T) {
	l := Limits{
		MinStake:    decimal.NewFromInt(1),
		MaxStake:    decimal.NewFromInt(1000),
		MinDuration: time.Minute,
		MaxDuration: time.Hour,
	}
	if err := l.CheckOrder(decimal.NewFromInt(1000), time.Minute, decimal.NewFromInt(1_000_000)); err != nil {
		t.Errorf("zero cap must disable the aggregate check, got %v", err)
	}
}
