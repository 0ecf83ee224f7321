package models

import (
	"testing"
	"time"
)

func TestIsActiveForBenefitsActiveStatus(t *testing.T) {
	m := &UserMembership{Status: MembershipStatusActive}
	if !m.IsActiveForBenefits(time.Now()) {
		t.Fatal("active membership should grant benefits")
	}
}

func TestIsActiveForBenefitsCancelledGracePeriodBoundary(t *testing.T) {
	periodEnd := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	m := &UserMembership{
		Status:           MembershipStatusCancelled,
		CurrentPeriodEnd: &periodEnd,
	}

	if !m.IsActiveForBenefits(periodEnd.Add(-time.Nanosecond)) {
		t.Fatal("cancelled membership should keep benefits until period end")
	}
	if m.IsActiveForBenefits(periodEnd) {
		t.Fatal("benefits should stop exactly at period end")
	}
	if m.IsActiveForBenefits(periodEnd.Add(time.Nanosecond)) {
		t.Fatal("benefits should stay off after period end")
	}
}

func TestIsActiveForBenefitsCancelledWithoutPeriodEnd(t *testing.T) {
	m := &UserMembership{Status: MembershipStatusCancelled}
	if m.IsActiveForBenefits(time.Now()) {
		t.Fatal("cancelled membership without a period end grants nothing")
	}
}

func TestIsActiveForBenefitsTerminalStatuses(t *testing.T) {
	now := time.Now()
	for _, status := range []string{MembershipStatusNone, MembershipStatusExpired} {
		m := &UserMembership{Status: status}
		if m.IsActiveForBenefits(now) {
			t.Fatalf("status %q should not grant benefits", status)
		}
	}
	var nilMembership *UserMembership
	if nilMembership.IsActiveForBenefits(now) {
		t.Fatal("nil membership should not grant benefits")
	}
}
