// Package campaign turns an electoral hierarchy file into scraping tasks.
package campaign

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

// Hierarchy is the departments → municipalities → zones → stations tree for one campaign.
// JSON files parse as well, being valid YAML.
type Hierarchy struct {
	Campaign     string       `yaml:"campaign"`
	Corporations []string     `yaml:"corporations"`
	Departments  []Department `yaml:"departments"`
}

// Department is a top-level division. Corporations overrides the campaign list when set.
type Department struct {
	Code           string         `yaml:"code"`
	Name           string         `yaml:"name"`
	Priority       int            `yaml:"priority"`
	Corporations   []string       `yaml:"corporations"`
	Municipalities []Municipality `yaml:"municipalities"`
}

// Municipality without zones yields one enumerate-all task per corporation.
type Municipality struct {
	Code  string `yaml:"code"`
	Name  string `yaml:"name"`
	Zones []Zone `yaml:"zones"`
}

// Zone without stations yields one zone-wide task per corporation.
type Zone struct {
	Code     string   `yaml:"code"`
	Stations []string `yaml:"stations"`
}

// ParseFile reads a hierarchy from path.
func ParseFile(path string) (Hierarchy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Hierarchy{}, fmt.Errorf("read hierarchy file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a hierarchy and rejects unknown fields.
func Parse(r io.Reader) (Hierarchy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var h Hierarchy
	if err := dec.Decode(&h); err != nil {
		return Hierarchy{}, fmt.Errorf("decode hierarchy: %w", err)
	}
	h.Campaign = strings.TrimSpace(h.Campaign)
	if h.Campaign == "" {
		return Hierarchy{}, fmt.Errorf("hierarchy campaign is required")
	}
	if len(h.Departments) == 0 {
		return Hierarchy{}, fmt.Errorf("hierarchy has no departments")
	}
	return h, nil
}

// Expand flattens the hierarchy into one task per (location, corporation). Duplicate
// locations are collapsed and every key is validated.
func (h Hierarchy) Expand() ([]scraper.NewTask, error) {
	var (
		out  []scraper.NewTask
		seen = make(map[string]struct{})
	)
	add := func(loc scraper.LocationKey, priority int) error {
		if err := loc.Validate(); err != nil {
			return fmt.Errorf("location %s: %w", loc, err)
		}
		key := loc.String()
		if _, dup := seen[key]; dup {
			return nil
		}
		seen[key] = struct{}{}
		out = append(out, scraper.NewTask{Campaign: h.Campaign, Location: loc, Priority: priority})
		return nil
	}

	for _, dept := range h.Departments {
		corps := dept.Corporations
		if len(corps) == 0 {
			corps = h.Corporations
		}
		if len(corps) == 0 {
			return nil, fmt.Errorf("department %s: no corporations configured", dept.Code)
		}
		for _, muni := range dept.Municipalities {
			for _, corp := range corps {
				base := scraper.LocationKey{
					Department:   dept.Code,
					Municipality: muni.Code,
					Corporation:  strings.ToUpper(strings.TrimSpace(corp)),
				}
				if len(muni.Zones) == 0 {
					if err := add(base, dept.Priority); err != nil {
						return nil, err
					}
					continue
				}
				for _, zone := range muni.Zones {
					loc := base
					loc.Zone = zone.Code
					if len(zone.Stations) == 0 {
						if err := add(loc, dept.Priority); err != nil {
							return nil, err
						}
						continue
					}
					for _, station := range zone.Stations {
						loc.Station = station
						if err := add(loc, dept.Priority); err != nil {
							return nil, err
						}
					}
				}
			}
		}
	}
	return out, nil
}
