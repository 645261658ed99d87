package model

import (
	"math"
	"testing"
	"time"
)

func TestResources_Add(t *testing.T) {
	a := Resources{MemoryGB: 4, LogicalCPU: 2, Custom: map[string]float64{"gpu": 1}}
	b := Resources{MemoryGB: 0.5, LogicalCPU: 1, Custom: map[string]float64{"fpga": 2}}
	result := a.Add(b)

	want := Resources{MemoryGB: 4.5, LogicalCPU: 3, Custom: map[string]float64{"gpu": 1, "fpga": 2}}
	if !result.Equal(want) {
		t.Errorf("Add() = %v, want %v", result, want)
	}
	// inputs are untouched
	if len(a.Custom) != 1 || len(b.Custom) != 1 {
		t.Errorf("Add mutated its inputs: %v %v", a, b)
	}
}

func TestResources_Subtract(t *testing.T) {
	tests := []struct {
		name   string
		a, b   Resources
		want   Resources
		wantOK bool
	}{
		{"exact", NewResources(4, 2), NewResources(4, 2), Resources{}, true},
		{"smaller", NewResources(8, 4), NewResources(2, 1), NewResources(6, 3), true},
		{"memory short", NewResources(1, 4), NewResources(2, 1), Resources{}, false},
		{"cpu short", NewResources(8, 0.5), NewResources(2, 1), Resources{}, false},
		{"custom missing", NewResources(8, 4), Resources{MemoryGB: 1, Custom: map[string]float64{"gpu": 1}}, Resources{}, false},
		{"custom zero requirement", NewResources(8, 4), Resources{MemoryGB: 1, Custom: map[string]float64{"gpu": 0}}, NewResources(7, 4), true},
		{"fractional", NewResources(1.5, 1), NewResources(0.5, 0.25), NewResources(1, 0.75), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.a.Subtract(tt.b)
			if ok != tt.wantOK {
				t.Fatalf("Subtract() ok = %v, want %v", ok, tt.wantOK)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Subtract() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResources_SubtractThenAddRoundTrips(t *testing.T) {
	vectors := []Resources{
		{},
		NewResources(64, 8),
		NewResources(0.5, 0.25),
		{MemoryGB: 16, LogicalCPU: 4, Custom: map[string]float64{"gpu": 2}},
		{MemoryGB: 2, LogicalCPU: 1, Custom: map[string]float64{"gpu": 1}},
	}
	for _, a := range vectors {
		for _, b := range vectors {
			if !a.Covers(b) {
				continue
			}
			diff, ok := a.Subtract(b)
			if !ok {
				t.Fatalf("%v covers %v but Subtract failed", a, b)
			}
			if back := diff.Add(b); !back.Equal(a) {
				t.Errorf("(%v - %v) + %v = %v, want %v", a, b, b, back, a)
			}
		}
	}
}

func TestResources_Covers(t *testing.T) {
	tests := []struct {
		name string
		a, b Resources
		want bool
	}{
		{"equal", NewResources(2, 1), NewResources(2, 1), true},
		{"bigger", NewResources(4, 2), NewResources(2, 1), true},
		{"zero covers zero", Resources{}, Resources{}, true},
		{"absent custom is zero", NewResources(4, 2), Resources{Custom: map[string]float64{"gpu": 1}}, false},
		{"custom present", Resources{MemoryGB: 4, Custom: map[string]float64{"gpu": 1}}, Resources{Custom: map[string]float64{"gpu": 1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Covers(tt.b); got != tt.want {
				t.Errorf("Covers() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResources_EqualIgnoresOrderAndZeroCustom(t *testing.T) {
	a := Resources{MemoryGB: 1, Custom: map[string]float64{"a": 1, "b": 2}}
	b := Resources{MemoryGB: 1, Custom: map[string]float64{"b": 2, "a": 1, "c": 0}}
	if !a.Equal(b) {
		t.Errorf("expected %v == %v", a, b)
	}
	if a.Equal(NewResources(1, 0)) {
		t.Error("expected custom resources to matter")
	}
}

func TestResources_JobsThatFit(t *testing.T) {
	tests := []struct {
		name      string
		available Resources
		perJob    Resources
		want      int
	}{
		{"cpu bound", NewResources(16, 2), NewResources(2, 1), 2},
		{"memory bound", NewResources(3, 8), NewResources(1, 0.5), 3},
		{"does not fit", NewResources(1, 1), NewResources(2, 1), 0},
		{"custom bound", Resources{MemoryGB: 64, LogicalCPU: 8, Custom: map[string]float64{"gpu": 1}}, Resources{MemoryGB: 1, Custom: map[string]float64{"gpu": 1}}, 1},
		{"unused dimensions ignored", NewResources(0, 4), Resources{LogicalCPU: 1}, 4},
		{"empty job", NewResources(1, 1), Resources{}, math.MaxInt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.available.JobsThatFit(tt.perJob); got != tt.want {
				t.Errorf("JobsThatFit() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseCustom(t *testing.T) {
	custom, err := ParseCustom("gpu=1, fpga=0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if custom["gpu"] != 1 || custom["fpga"] != 0.5 {
		t.Errorf("ParseCustom() = %v", custom)
	}

	for _, bad := range []string{"gpu", "gpu=x", "=1", "gpu=-1", "memory_gb=2"} {
		if _, err := ParseCustom(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}

	if custom, err := ParseCustom(""); err != nil || custom != nil {
		t.Errorf("empty input: got %v, %v", custom, err)
	}
}

func TestRegistration_NewInstanceRecord(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := Registration{
		Address:     "testhost-2",
		Name:        "testhost-2-name",
		Available:   NewResources(32, 4),
		InitialJobs: []Worker{{ID: "worker-1", Resources: NewResources(1, 2)}},
		IdleTimeout: time.Minute,
	}

	rec := reg.NewInstanceRecord(now)
	if !rec.TotalResources.Equal(NewResources(33, 6)) {
		t.Errorf("TotalResources = %v, want 33GB/6CPU", rec.TotalResources)
	}
	if !rec.AvailableResources().Equal(NewResources(32, 4)) {
		t.Errorf("AvailableResources = %v, want 32GB/4CPU", rec.AvailableResources())
	}
	if rec.IdleSince != nil {
		t.Error("instance with initial jobs should not be idle")
	}

	empty := Registration{Address: "testhost-1", Available: NewResources(64, 8)}.NewInstanceRecord(now)
	if empty.IdleSince == nil || !empty.IdleSince.Equal(now) {
		t.Errorf("IdleSince = %v, want %v", empty.IdleSince, now)
	}
}

func TestInstanceRecord_WorkerLifecycle(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := Registration{Address: "a", Available: NewResources(8, 4), IdleTimeout: 10 * time.Second}.NewInstanceRecord(start)

	rec.SetWorker("w1", NewResources(2, 1))
	if rec.IdleSince != nil {
		t.Error("SetWorker should clear IdleSince")
	}
	if got := rec.AvailableResources(); !got.Equal(NewResources(6, 3)) {
		t.Errorf("AvailableResources = %v, want 6GB/3CPU", got)
	}

	later := start.Add(time.Minute)
	if !rec.RemoveWorker("w1", later) {
		t.Fatal("RemoveWorker returned false for a present worker")
	}
	if rec.RemoveWorker("w1", later) {
		t.Error("RemoveWorker returned true for a missing worker")
	}
	if rec.IdleSince == nil || !rec.IdleSince.Equal(later) {
		t.Errorf("IdleSince = %v, want %v", rec.IdleSince, later)
	}

	if rec.IdleExpired(later.Add(10 * time.Second)) {
		t.Error("idle for exactly the timeout should not be expired")
	}
	if !rec.IdleExpired(later.Add(11 * time.Second)) {
		t.Error("expected idle timeout to have expired")
	}
}

func TestInstanceRecord_DeepCopy(t *testing.T) {
	now := time.Now()
	rec := &InstanceRecord{
		Address:        "a",
		TotalResources: Resources{MemoryGB: 1, Custom: map[string]float64{"gpu": 1}},
		Workers:        map[string]Resources{"w": NewResources(1, 1)},
		IdleSince:      &now,
		Version:        "7",
	}
	c := rec.DeepCopy()
	c.Workers["x"] = Resources{}
	c.TotalResources.Custom["gpu"] = 5
	*c.IdleSince = now.Add(time.Hour)

	if len(rec.Workers) != 1 || rec.TotalResources.Custom["gpu"] != 1 || !rec.IdleSince.Equal(now) {
		t.Error("DeepCopy shares state with the original")
	}
	if c.Version != "7" {
		t.Errorf("Version = %q, want 7", c.Version)
	}
}

func TestInstanceType_EffectivePricePerHour(t *testing.T) {
	it := InstanceType{
		OnDemandPricePerHour: 0.10,
		SpotPricePerHour:     0.03,
	}

	it.CapacityType = CapacityOnDemand
	if got := it.EffectivePricePerHour(); got != 0.10 {
		t.Errorf("on-demand: got %v, want 0.10", got)
	}

	it.CapacityType = CapacitySpot
	if got := it.EffectivePricePerHour(); got != 0.03 {
		t.Errorf("spot: got %v, want 0.03", got)
	}

	// Spot with zero price falls back to on-demand
	it.SpotPricePerHour = 0
	if got := it.EffectivePricePerHour(); got != 0.10 {
		t.Errorf("spot zero fallback: got %v, want 0.10", got)
	}
}
