package types

import "testing"

func TestTabIncludes(t *testing.T) {
	cases := []struct {
		tab  Tab
		kind ProviderKind
		want bool
	}{
		{TabUnified, ProviderGmail, true},
		{TabUnified, ProviderInstagram, true},
		{TabEmail, ProviderProton, true},
		{TabEmail, ProviderWhatsApp, false},
		{TabInstant, ProviderSMS, true},
		{TabInstant, ProviderTwitter, false},
		{TabCommunities, ProviderInstagram, true},
		{TabCommunities, ProviderOutlook, false},
		{TabUnified, ProviderKind("fax"), false},
	}
	for _, tc := range cases {
		if got := tc.tab.Includes(tc.kind); got != tc.want {
			t.Errorf("%s.Includes(%s) = %v, want %v", tc.tab, tc.kind, got, tc.want)
		}
	}
}

func TestEveryProviderHasAClass(t *testing.T) {
	for _, kind := range AllProviders() {
		if kind.Class() == "" {
			t.Errorf("provider %s has no class", kind)
		}
		tabs := TabsFor(kind)
		if len(tabs) != 2 || tabs[0] != TabUnified {
			t.Errorf("TabsFor(%s) = %v", kind, tabs)
		}
	}
}

func TestParse(t *testing.T) {
	if k, err := ParseProviderKind(" Gmail "); err != nil || k != ProviderGmail {
		t.Errorf("ParseProviderKind(Gmail) = %q, %v", k, err)
	}
	if _, err := ParseProviderKind("fax"); err == nil {
		t.Error("ParseProviderKind(fax) succeeded, want error")
	}
	if tab, err := ParseTab(""); err != nil || tab != TabUnified {
		t.Errorf("ParseTab(\"\") = %q, %v", tab, err)
	}
	if _, err := ParseTab("social"); err == nil {
		t.Error("ParseTab(social) succeeded, want error")
	}
}

func TestCanAdvance(t *testing.T) {
	cases := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{StatusComposing, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusRead, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusSent, StatusSent, false},
		{StatusComposing, StatusFailed, true},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{StatusComposing, StatusRead, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanAdvance(tc.to); got != tc.want {
			t.Errorf("%s.CanAdvance(%s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMessageUnread(t *testing.T) {
	if !(Message{Direction: Inbound, Status: StatusDelivered}).Unread() {
		t.Error("delivered inbound message should be unread")
	}
	if (Message{Direction: Outbound, Status: StatusDelivered}).Unread() {
		t.Error("outbound message should never be unread")
	}
	if (Message{Direction: Inbound, Status: StatusRead}).Unread() {
		t.Error("read inbound message should not be unread")
	}
}
