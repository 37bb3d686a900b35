// Package prompt edits the free-text generation prompt: toggling style phrases
// in and out, exclusive option groups, and trigger word placement.
package prompt

import (
	"errors"
	"strings"
)

var (
	ErrUnknownGroup  = errors.New("unknown option group")
	ErrUnknownOption = errors.New("unknown option")
)

type Option struct {
	Key    string `json:"key"`
	Label  string `json:"label"`
	Phrase string `json:"phrase"`
}

type Group struct {
	Name    string   `json:"name"`
	Label   string   `json:"label"`
	Options []Option `json:"options"`
}

var catalog = []Group{
	{Name: "lighting", Label: "Lighting", Options: []Option{
		{Key: "studio", Label: "Studio", Phrase: "studio lighting"},
		{Key: "golden_hour", Label: "Golden hour", Phrase: "golden hour lighting"},
		{Key: "cinematic", Label: "Cinematic", Phrase: "cinematic lighting"},
		{Key: "soft", Label: "Soft natural", Phrase: "soft natural light"},
	}},
	{Name: "background", Label: "Background", Options: []Option{
		{Key: "office", Label: "Office", Phrase: "modern office background"},
		{Key: "outdoors", Label: "Outdoors", Phrase: "outdoor park background"},
		{Key: "neutral", Label: "Neutral", Phrase: "neutral grey backdrop"},
		{Key: "city", Label: "City", Phrase: "city street background"},
	}},
	{Name: "camera", Label: "Camera", Options: []Option{
		{Key: "portrait", Label: "Portrait lens", Phrase: "85mm portrait lens"},
		{Key: "wide", Label: "Wide angle", Phrase: "35mm wide angle"},
		{Key: "closeup", Label: "Close-up", Phrase: "close-up shot"},
	}},
	{Name: "mood", Label: "Mood", Options: []Option{
		{Key: "professional", Label: "Professional", Phrase: "professional expression"},
		{Key: "smiling", Label: "Smiling", Phrase: "warm smile"},
		{Key: "serious", Label: "Serious", Phrase: "serious expression"},
	}},
	{Name: "style", Label: "Style", Options: []Option{
		{Key: "photo", Label: "Photorealistic", Phrase: "photorealistic"},
		{Key: "film", Label: "Analog film", Phrase: "analog film photo"},
		{Key: "bw", Label: "Black and white", Phrase: "black and white photo"},
	}},
}

// Catalog returns a copy of the option groups in display order.
func Catalog() []Group {
	out := make([]Group, len(catalog))
	for i, g := range catalog {
		g.Options = append([]Option(nil), g.Options...)
		out[i] = g
	}
	return out
}

func findGroup(name string) (Group, bool) {
	for _, g := range catalog {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

func segments(p string) []string {
	parts := strings.Split(p, ",")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		s = strings.Join(strings.Fields(s), " ")
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Normalize collapses whitespace and drops empty comma segments.
func Normalize(p string) string {
	return strings.Join(segments(p), ", ")
}

// Contains reports whether phrase is one of the prompt's comma segments.
func Contains(p, phrase string) bool {
	phrase = Normalize(phrase)
	if phrase == "" {
		return false
	}
	for _, s := range segments(p) {
		if strings.EqualFold(s, phrase) {
			return true
		}
	}
	return false
}

// Toggle adds phrase as a trailing segment when on, or strips every matching
// segment when off.
func Toggle(p, phrase string, on bool) string {
	phrase = Normalize(phrase)
	if phrase == "" {
		return Normalize(p)
	}
	segs := segments(p)
	if on {
		if Contains(p, phrase) {
			return strings.Join(segs, ", ")
		}
		return strings.Join(append(segs, phrase), ", ")
	}
	kept := segs[:0]
	for _, s := range segs {
		if !strings.EqualFold(s, phrase) {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, ", ")
}

// Select makes option the only active choice of group. An empty option clears
// the group.
func Select(p, group, option string) (string, error) {
	g, ok := findGroup(group)
	if !ok {
		return p, ErrUnknownGroup
	}
	var chosen *Option
	for i := range g.Options {
		if g.Options[i].Key == option {
			chosen = &g.Options[i]
		}
	}
	if option != "" && chosen == nil {
		return p, ErrUnknownOption
	}
	for _, o := range g.Options {
		p = Toggle(p, o.Phrase, false)
	}
	if chosen == nil {
		return p, nil
	}
	return Toggle(p, chosen.Phrase, true), nil
}

// Apply runs Select for each group -> option pair in catalog order.
func Apply(p string, settings map[string]string) (string, error) {
	for _, g := range catalog {
		opt, ok := settings[g.Name]
		if !ok {
			continue
		}
		var err error
		if p, err = Select(p, g.Name, opt); err != nil {
			return p, err
		}
	}
	for name := range settings {
		if _, ok := findGroup(name); !ok {
			return p, ErrUnknownGroup
		}
	}
	return p, nil
}

// Selected maps the prompt back to the active option per group.
func Selected(p string) map[string]string {
	out := map[string]string{}
	for _, g := range catalog {
		for _, o := range g.Options {
			if Contains(p, o.Phrase) {
				out[g.Name] = o.Key
				break
			}
		}
	}
	return out
}

// WithTrigger makes sure the trained trigger word appears once, prefixing
// "photo of <trigger> <subject>" when it is missing.
func WithTrigger(p, trigger, subject string) string {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		return Normalize(p)
	}
	for _, w := range strings.FieldsFunc(p, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' || r == '\n' }) {
		if strings.EqualFold(w, trigger) {
			return Normalize(p)
		}
	}
	head := "photo of " + trigger
	if s := strings.TrimSpace(subject); s != "" {
		head += " " + s
	}
	return Normalize(head + ", " + p)
}
