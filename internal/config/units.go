package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bcnelson/addrsync/internal/domain"
)

// UnitsFile is the YAML document listing integration units to import.
//
//	units:
//	  - name: prod
//	    scope: env
//	    tags: [web, db]
//	    managers:
//	      - {name: nsx-a, kind: local, url: https://nsx-a.example}
//	    targets:
//	      - {name: fw1, url: https://fw1.example, domains: [root]}
type UnitsFile struct {
	Units []domain.CreateUnitRequest `json:"units" yaml:"units"`
}

// LoadUnits reads and decodes a units file. Unknown keys are rejected.
func LoadUnits(path string) ([]domain.CreateUnitRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening units file: %w", err)
	}
	defer f.Close()
	return DecodeUnits(f)
}

// DecodeUnits decodes a units document from r.
func DecodeUnits(r io.Reader) ([]domain.CreateUnitRequest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc UnitsFile
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parsing units file: %v: %w", err, domain.ErrInvalidInput)
	}

	seen := make(map[string]bool, len(doc.Units))
	for _, u := range doc.Units {
		if seen[u.Name] {
			return nil, fmt.Errorf("units file: duplicate unit %q: %w", u.Name, domain.ErrInvalidInput)
		}
		seen[u.Name] = true
	}
	return doc.Units, nil
}
