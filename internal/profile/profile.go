// Package profile describes a target map-search site: where to go, which
// selectors locate its UI, and which signals mean the session is blocked.
package profile

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Profile is a site description.
type Profile struct {
	Name      string    `yaml:"name"`
	TargetURL string    `yaml:"target_url"`
	LinkBase  string    `yaml:"link_base"`
	Selectors Selectors `yaml:"selectors"`
	Captcha   Signals   `yaml:"captcha"`
}

// Selectors locate the search UI, result cards and detail page elements.
type Selectors struct {
	SearchInput  string `yaml:"search_input"`
	ResultsList  string `yaml:"results_list"`
	Card         string `yaml:"card"`
	CardFallback string `yaml:"card_fallback"`
	CardLink     string `yaml:"card_link"`
	CardTitle    string `yaml:"card_title"`
	CardAddress  string `yaml:"card_address"`
	PhoneReveal  string `yaml:"phone_reveal"`
	PhoneLink    string `yaml:"phone_link"`
	PhoneText    string `yaml:"phone_text"`
}

// Signals are the markers that indicate a CAPTCHA or block page.
type Signals struct {
	Selectors   []string `yaml:"selectors"`
	URLContains []string `yaml:"url_contains"`
	TextMarkers []string `yaml:"text_markers"`
}

// Empty reports whether no signal is configured.
func (s Signals) Empty() bool {
	return len(s.Selectors) == 0 && len(s.URLContains) == 0 && len(s.TextMarkers) == 0
}

// Yandex returns the built-in Yandex Maps profile.
func Yandex() *Profile {
	return &Profile{
		Name:      "yandex",
		TargetURL: "https://yandex.ru/maps",
		LinkBase:  "https://yandex.ru",
		Selectors: Selectors{
			SearchInput:  "input.input__control",
			ResultsList:  ".search-list-view__list",
			Card:         "li.search-snippet-view",
			CardFallback: ".search-business-snippet-view",
			CardLink:     "a",
			CardTitle:    ".search-business-snippet-view__title",
			CardAddress:  ".search-business-snippet-view__address",
			PhoneReveal:  ".orgpage-phones-view__more",
			PhoneLink:    "a[href]",
			PhoneText:    ".orgpage-phones-view__phone-number",
		},
		Captcha: Signals{
			Selectors: []string{
				".CheckboxCaptcha",
				".AdvancedCaptcha",
				"form#checkbox-captcha-form",
				".SmartCaptcha",
			},
			URLContains: []string{"showcaptcha"},
			TextMarkers: []string{
				"вы не робот",
				"are you not a robot",
				"подтвердите, что запросы отправляли вы",
			},
		},
	}
}

// Load reads a profile from a YAML file. Fields left empty are filled from
// the built-in Yandex profile.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "profile: read %s", path)
	}
	return Parse(data)
}

// Parse decodes a YAML profile and applies defaults.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrap(err, "profile: parse")
	}
	p.applyDefaults(Yandex())
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadOrDefault loads path, or returns the built-in profile when path is empty.
func LoadOrDefault(path string) (*Profile, error) {
	if strings.TrimSpace(path) == "" {
		return Yandex(), nil
	}
	return Load(path)
}

func (p *Profile) applyDefaults(d *Profile) {
	if p.Name == "" {
		p.Name = d.Name
	}
	if p.TargetURL == "" {
		p.TargetURL = d.TargetURL
	}
	if p.LinkBase == "" {
		p.LinkBase = d.LinkBase
	}

	s, ds := &p.Selectors, d.Selectors
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&s.SearchInput, ds.SearchInput)
	fill(&s.ResultsList, ds.ResultsList)
	fill(&s.Card, ds.Card)
	fill(&s.CardFallback, ds.CardFallback)
	fill(&s.CardLink, ds.CardLink)
	fill(&s.CardTitle, ds.CardTitle)
	fill(&s.CardAddress, ds.CardAddress)
	fill(&s.PhoneReveal, ds.PhoneReveal)
	fill(&s.PhoneLink, ds.PhoneLink)
	fill(&s.PhoneText, ds.PhoneText)

	if p.Captcha.Empty() {
		p.Captcha = d.Captcha
	}
}

// Validate checks that the profile can drive a harvest.
func (p *Profile) Validate() error {
	if !strings.HasPrefix(p.TargetURL, "http://") && !strings.HasPrefix(p.TargetURL, "https://") {
		return eris.Errorf("profile: target_url %q must be an http(s) URL", p.TargetURL)
	}
	return nil
}

// AbsoluteLink resolves a card href against LinkBase.
func (p *Profile) AbsoluteLink(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	base := strings.TrimRight(p.LinkBase, "/")
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return base + href
}
