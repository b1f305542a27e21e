package domain

import "testing"

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusQueued, StatusProcessing}:     true,
		{StatusProcessing, StatusProcessing}: true,
		{StatusProcessing, StatusCompleted}:  true,
		{StatusProcessing, StatusFailed}:     true,
	}
	all := []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}
	for _, from := range all {
		for _, to := range all {
			if got := from.CanTransition(to); got != allowed[[2]Status{from, to}] {
				t.Fatalf("%s -> %s: expected %v, got %v", from, to, allowed[[2]Status{from, to}], got)
			}
		}
	}
}

func TestParseUrgency(t *testing.T) {
	cases := map[string]Urgency{"HIGH": UrgencyHigh, " low ": UrgencyLow, "emergency": UrgencyCritical, "soon-ish": UrgencyMedium}
	for in, want := range cases {
		if got := ParseUrgency(in); got != want {
			t.Fatalf("%q: expected %s, got %s", in, want, got)
		}
	}
}

func TestSnapshotIsDetachedFromRecord(t *testing.T) {
	d := Diagnosis{Status: StatusCompleted, Result: &Result{PossibleCauses: []string{"battery"}}}
	snap := d.Snapshot()
	d.Result.PossibleCauses[0] = "alternator"
	d.Status = StatusFailed
	if snap.Result.PossibleCauses[0] != "battery" || snap.Status != StatusCompleted {
		t.Fatalf("snapshot changed after record mutation: %+v", snap)
	}
}

func TestVehicleLabel(t *testing.T) {
	year := 2015
	v := &Vehicle{Make: "Toyota", Model: "Corolla", Year: &year}
	if v.Label() != "2015 Toyota Corolla" {
		t.Fatalf("unexpected label %q", v.Label())
	}
	var none *Vehicle
	if none.Label() != "" {
		t.Fatalf("nil vehicle should have empty label")
	}
}
