package pack

import (
	"errors"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"stalewatch/internal/model"
)

// Entry is one seed URL in a pack version.
type Entry struct {
	Jurisdiction string `json:"jurisdiction" yaml:"jurisdiction"`
	URL          string `json:"url" yaml:"url"`
	Purpose      string `json:"purpose" yaml:"purpose"`
	Official     bool   `json:"official" yaml:"official"`
}

// Pack is the current seed configuration: the authoritative list of
// URLs that should exist as sources, grouped by jurisdiction. A run
// appends pack URLs that are not yet present as discovered sources.
type Pack struct {
	Version string  `json:"version" yaml:"version"`
	Entries []Entry `json:"entries" yaml:"entries"`
}

func Load(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if len(p.Entries) == 0 {
		return nil, errors.New("pack has no entries")
	}
	for i := range p.Entries {
		p.Entries[i].Jurisdiction = strings.TrimSpace(p.Entries[i].Jurisdiction)
		p.Entries[i].URL = strings.TrimSpace(p.Entries[i].URL)
		if p.Entries[i].Purpose == "" {
			p.Entries[i].Purpose = string(model.PurposeSeed)
		}
	}
	return &p, nil
}

// ByJurisdiction indexes entries by jurisdiction.
func (p *Pack) ByJurisdiction() map[string][]Entry {
	out := make(map[string][]Entry)
	for _, e := range p.Entries {
		if e.URL == "" {
			continue
		}
		out[e.Jurisdiction] = append(out[e.Jurisdiction], e)
	}
	return out
}
