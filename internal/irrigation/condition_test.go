package irrigation

import (
	"context"
	"errors"
	"sync"
	"testing"

	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

func TestCompare(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		kind     ConditionKind
		op       Operator
		actual   string
		expected string
		want     bool
		wantErr  bool
	}{
		{"numeric lt", KindNumeric, OpLt, "3.2", "5", true, false},
		{"numeric lt false", KindNumeric, OpLt, "7", "5", false, false},
		{"numeric parse failure", KindNumeric, OpLt, "abc", "5", false, true},
		{"numeric bad expected", KindNumeric, OpEq, "1", "x", false, true},
		{"numeric ge", KindNumeric, OpGe, " 5.0 ", "5", true, false},
		{"numeric ne", KindNumeric, OpNe, "4", "5", true, false},
		{"numeric contains", KindNumeric, OpContains, "15", "5", false, false},
		{"state eq", KindState, OpEq, "off", "off", true, false},
		{"state ne", KindState, OpNe, "on", "off", true, false},
		{"state contains", KindState, OpContains, "partly_cloudy", "cloud", true, false},
		{"state contains miss", KindState, OpContains, "sunny", "rain", false, false},
		{"state lexical", KindState, OpLt, "a", "b", true, false},
		{"unknown op", KindState, Operator("~="), "a", "a", false, true},
		{"unknown kind", ConditionKind("template"), OpEq, "a", "a", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Compare(tc.kind, tc.op, tc.actual, tc.expected)
			if got != tc.want || (err != nil) != tc.wantErr {
				t.Fatalf("Compare=%v,%v want %v,err=%v", got, err, tc.want, tc.wantErr)
			}
		})
	}
}

type fakeStates struct {
	mu      sync.Mutex
	values  map[string]string
	fetched []string
}

func (f *fakeStates) GetDeviceState(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, id)
	v, ok := f.values[id]
	if !ok {
		return "", errors.New("entity not found")
	}
	return v, nil
}

func TestEvaluatorCheck(t *testing.T) {
	t.Parallel()
	states := &fakeStates{values: map[string]string{
		"sensor.temp":  "3.2",
		"sensor.rain":  "dry",
		"sensor.broke": "abc",
	}}
	ev := NewEvaluator(states, logx.Nop())
	ctx := context.Background()

	if ok, _ := ev.Check(ctx, nil); !ok {
		t.Fatalf("no conditions must be satisfied")
	}
	ok, _ := ev.Check(ctx, []Condition{
		{EntityID: "sensor.temp", Kind: KindNumeric, Operator: OpLt, Value: "5"},
		{EntityID: "sensor.rain", Kind: KindState, Operator: OpEq, Value: "dry"},
	})
	if !ok {
		t.Fatalf("expected satisfied")
	}
	if ok, reason := ev.Check(ctx, []Condition{{EntityID: "sensor.broke", Kind: KindNumeric, Operator: OpLt, Value: "5"}}); ok || reason == "" {
		t.Fatalf("non-numeric state must fail with a reason, got ok=%v reason=%q", ok, reason)
	}
	if ok, _ := ev.Check(ctx, []Condition{{EntityID: "sensor.missing", Kind: KindState, Operator: OpEq, Value: "x"}}); ok {
		t.Fatalf("fetch error must count as not satisfied")
	}
}

func TestEvaluatorShortCircuits(t *testing.T) {
	t.Parallel()
	states := &fakeStates{values: map[string]string{"a": "1", "b": "2"}}
	ev := NewEvaluator(states, logx.Nop())
	ok, _ := ev.Check(context.Background(), []Condition{
		{EntityID: "a", Kind: KindNumeric, Operator: OpGt, Value: "10"},
		{EntityID: "b", Kind: KindNumeric, Operator: OpGt, Value: "0"},
	})
	if ok {
		t.Fatalf("expected not satisfied")
	}
	if len(states.fetched) != 1 {
		t.Fatalf("expected a single fetch, got %v", states.fetched)
	}
}
