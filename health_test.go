package main

import "testing"

func TestSendHealthOpensBreakerAfterThreshold(t *testing.T) {
	var h sendHealth
	for i := uint32(0); i < circuitBreakerThreshold; i++ {
		if h.shouldSkip() {
			t.Fatalf("breaker opened early at failure %d", i)
		}
		h.recordFailure()
	}
	if !h.shouldSkip() {
		t.Fatal("breaker should be open once failures reach the threshold")
	}
}

func TestSendHealthProbesPeriodically(t *testing.T) {
	var h sendHealth
	for i := uint32(0); i < circuitBreakerThreshold; i++ {
		h.recordFailure()
	}
	allowedProbe := false
	for i := uint32(0); i < circuitBreakerProbeInterval; i++ {
		if !h.shouldSkip() {
			allowedProbe = true
			break
		}
	}
	if !allowedProbe {
		t.Fatal("breaker never let a probe attempt through within one probe interval")
	}
}

func TestSendHealthRecordSuccessResetsBreaker(t *testing.T) {
	var h sendHealth
	for i := uint32(0); i < circuitBreakerThreshold; i++ {
		h.recordFailure()
	}
	if !h.shouldSkip() {
		t.Fatal("expected breaker to be open before recordSuccess")
	}
	wasTripped := h.recordSuccess()
	if !wasTripped {
		t.Error("recordSuccess should report the breaker had been open")
	}
	if h.shouldSkip() {
		t.Error("breaker should be closed after recordSuccess")
	}
}
