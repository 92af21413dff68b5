package types

import (
	"fmt"
	"strings"
)

// ProviderKind identifies the external service behind an account
type ProviderKind string

const (
	ProviderGmail     ProviderKind = "gmail"
	ProviderOutlook   ProviderKind = "outlook"
	ProviderProton    ProviderKind = "proton"
	ProviderWhatsApp  ProviderKind = "whatsapp"
	ProviderTelegram  ProviderKind = "telegram"
	ProviderMessenger ProviderKind = "messenger"
	ProviderSMS       ProviderKind = "sms"
	ProviderTwitter   ProviderKind = "twitter"
	ProviderLinkedIn  ProviderKind = "linkedin"
	ProviderInstagram ProviderKind = "instagram"
)

// ProviderClass groups provider kinds for tab membership
type ProviderClass string

const (
	ClassEmail       ProviderClass = "email"
	ClassInstant     ProviderClass = "instant"
	ClassCommunities ProviderClass = "communities"
)

// Tab is a named view over threads
type Tab string

const (
	TabUnified     Tab = "unified"
	TabEmail       Tab = "email"
	TabInstant     Tab = "instant"
	TabCommunities Tab = "communities"
)

// providerClasses is the only place a kind is mapped to its class.
var providerClasses = map[ProviderKind]ProviderClass{
	ProviderGmail:     ClassEmail,
	ProviderOutlook:   ClassEmail,
	ProviderProton:    ClassEmail,
	ProviderWhatsApp:  ClassInstant,
	ProviderTelegram:  ClassInstant,
	ProviderMessenger: ClassInstant,
	ProviderSMS:       ClassInstant,
	ProviderTwitter:   ClassCommunities,
	ProviderLinkedIn:  ClassCommunities,
	ProviderInstagram: ClassCommunities,
}

// AllProviders returns every known provider kind in a stable order
func AllProviders() []ProviderKind {
	return []ProviderKind{
		ProviderGmail, ProviderOutlook, ProviderProton,
		ProviderWhatsApp, ProviderTelegram, ProviderMessenger, ProviderSMS,
		ProviderTwitter, ProviderLinkedIn, ProviderInstagram,
	}
}

// AllTabs returns every tab in display order
func AllTabs() []Tab {
	return []Tab{TabUnified, TabEmail, TabInstant, TabCommunities}
}

// ParseProviderKind validates a provider name
func ParseProviderKind(s string) (ProviderKind, error) {
	kind := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := providerClasses[kind]; !ok {
		return "", fmt.Errorf("unknown provider: %q", s)
	}
	return kind, nil
}

// ParseTab validates a tab name. An empty name selects the unified tab.
func ParseTab(s string) (Tab, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TabUnified, nil
	}
	for _, tab := range AllTabs() {
		if string(tab) == s {
			return tab, nil
		}
	}
	return "", fmt.Errorf("unknown tab: %q", s)
}

// Class returns the provider class of the kind
func (k ProviderKind) Class() ProviderClass {
	return providerClasses[k]
}

// Valid reports whether the kind is part of the enumeration
func (k ProviderKind) Valid() bool {
	_, ok := providerClasses[k]
	return ok
}

// Includes reports whether threads of the given kind belong to the tab
func (t Tab) Includes(kind ProviderKind) bool {
	class, ok := providerClasses[kind]
	if !ok {
		return false
	}
	if t == TabUnified {
		return true
	}
	return string(class) == string(t)
}

// TabsFor returns the tabs a kind contributes to
func TabsFor(kind ProviderKind) []Tab {
	if !kind.Valid() {
		return nil
	}
	return []Tab{TabUnified, Tab(kind.Class())}
}
