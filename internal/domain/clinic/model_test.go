package clinic

import (
	"testing"
	"time"
)

func TestStatus_Severity(t *testing.T) {
	if !(StatusCancelled.Severity() > StatusSuspended.Severity() &&
		StatusSuspended.Severity() > StatusActive.Severity() &&
		StatusActive.Severity() > StatusTrial.Severity()) {
		t.Error("expected cancelled > suspended > active > trial")
	}
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusUnprovisioned, StatusTrial, StatusActive, StatusSuspended, StatusCancelled} {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if Status("paused").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestValidPlan(t *testing.T) {
	if !ValidPlan(PlanIndividual) || !ValidPlan(PlanClinic) {
		t.Error("expected both sold plans to be valid")
	}
	if ValidPlan("enterprise") || ValidPlan("") {
		t.Error("expected unknown plans to be invalid")
	}
}

func TestClinic_CloneIsDeep(t *testing.T) {
	now := time.Now()
	c := &Clinic{Name: "A", StripeCustomerID: StrPtr("cus_1"), StatusEventAt: &now}
	cp := c.Clone()

	*cp.StripeCustomerID = "cus_2"
	later := now.Add(time.Hour)
	cp.StatusEventAt = &later
	cp.Name = "B"

	if c.CustomerID() != "cus_1" || !c.StatusEventAt.Equal(now) || c.Name != "A" {
		t.Errorf("clone shares state with original: %+v", c)
	}
	if (*Clinic)(nil).Clone() != nil {
		t.Error("expected nil clone of nil clinic")
	}
}

func TestClinic_IDAccessors(t *testing.T) {
	c := &Clinic{}
	if c.CustomerID() != "" || c.SubscriptionID() != "" {
		t.Error("expected empty IDs")
	}
	c.StripeSubscriptionID = StrPtr("sub_1")
	if c.SubscriptionID() != "sub_1" {
		t.Errorf("expected sub_1, got %s", c.SubscriptionID())
	}
	if StrPtr("") != nil {
		t.Error("expected nil for empty string")
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s[SettingSessionMinutes] != 50 || s[SettingBufferMinutes] != 10 {
		t.Errorf("unexpected session defaults: %v", s)
	}
	hours, ok := s[SettingBusinessHours].(map[string]DayHours)
	if !ok {
		t.Fatalf("unexpected business hours type %T", s[SettingBusinessHours])
	}
	if hours["monday"].Open != "08:00" || hours["friday"].Close != "18:00" {
		t.Errorf("unexpected weekday hours: %+v", hours["monday"])
	}
	if hours["saturday"].Close != "12:00" {
		t.Errorf("unexpected saturday hours: %+v", hours["saturday"])
	}
	if !hours["sunday"].Closed {
		t.Error("expected sunday closed")
	}
}
