package config

import "testing"

func TestLivenessThreshold(t *testing.T) {
	c := SchedulerConfig{BeaconIntervalSec: 2, LivenessMultiple: 2}
	if got, want := c.LivenessThreshold().Seconds(), 4.0; got != want {
		t.Fatalf("LivenessThreshold() = %v, want %v", got, want)
	}
}
