package rules

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
	"github.com/davidleathers/dispatch-guard/internal/domain/values"
)

//go:embed dataset/countries.yaml
var embeddedDataset []byte

// Dataset is the versioned static reference data shipped with the binary.
// It is immutable once loaded.
type Dataset struct {
	version      string
	rules        map[string]compliance.CountryRule
	callingCodes values.CallingCodeTable
}

type datasetFile struct {
	Version       string                   `yaml:"version"`
	CallingCodes  map[string]string        `yaml:"calling_codes"`
	NANPAreaCodes map[string][]string      `yaml:"nanp_area_codes"`
	Countries     []compliance.CountryRule `yaml:"countries"`
}

// EmbeddedDataset parses the dataset compiled into the binary.
func EmbeddedDataset() (*Dataset, error) {
	return ParseDataset(embeddedDataset)
}

// LoadDatasetFile parses a dataset from disk, replacing the embedded one.
func LoadDatasetFile(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", path, err)
	}
	return ParseDataset(data)
}

// ParseDataset decodes and validates a dataset. Window grammar errors,
// unknown timezones, invalid regimes and duplicate countries all fail the
// load.
func ParseDataset(data []byte) (*Dataset, error) {
	var f datasetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding dataset: %w", err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("dataset has no version")
	}

	ds := &Dataset{
		version: f.Version,
		rules:   make(map[string]compliance.CountryRule, len(f.Countries)),
		callingCodes: values.CallingCodeTable{
			Codes:         make(map[string]string, len(f.CallingCodes)),
			NANPAreaCodes: make(map[string]string),
		},
	}

	for _, rule := range f.Countries {
		rule.CountryISO = strings.ToUpper(rule.CountryISO)
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("dataset %s: %w", f.Version, err)
		}
		if _, dup := ds.rules[rule.CountryISO]; dup {
			return nil, fmt.Errorf("dataset %s: duplicate country %s", f.Version, rule.CountryISO)
		}
		ds.rules[rule.CountryISO] = rule
	}

	for code, iso := range f.CallingCodes {
		if code == "" || strings.Trim(code, "0123456789") != "" {
			return nil, fmt.Errorf("dataset %s: calling code %q is not numeric", f.Version, code)
		}
		ds.callingCodes.Codes[code] = strings.ToUpper(iso)
	}
	for iso, areas := range f.NANPAreaCodes {
		for _, area := range areas {
			ds.callingCodes.NANPAreaCodes[area] = strings.ToUpper(iso)
		}
	}

	return ds, nil
}

// Version identifies the dataset revision.
func (d *Dataset) Version() string {
	return d.version
}

// Rule returns the dataset rule for iso.
func (d *Dataset) Rule(iso string) (compliance.CountryRule, bool) {
	r, ok := d.rules[strings.ToUpper(iso)]
	return r, ok
}

// Rules returns every rule ordered by country, for seeding.
func (d *Dataset) Rules() []compliance.CountryRule {
	out := make([]compliance.CountryRule, 0, len(d.rules))
	for _, r := range d.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CountryISO < out[j].CountryISO })
	return out
}

// CallingCodes returns the calling-code table used for country detection.
func (d *Dataset) CallingCodes() values.CallingCodeTable {
	return d.callingCodes
}
