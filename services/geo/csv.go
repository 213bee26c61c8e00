package geo

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gosimple/slug"
)

var requiredColumns = []string{"name", "latitude", "longitude", "radius_meters"}

// ParseCSV reads drop points from a CSV with a header row. Columns name,
// latitude, longitude and radius_meters are required; code defaults to a slug of
// the name and active defaults to true.
func ParseCSV(r io.Reader) ([]DropPoint, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}

	var out []DropPoint
	seen := map[string]int{}
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		field := func(name string) string {
			if i, ok := cols[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}

		p := DropPoint{Name: field("name"), Active: true}
		if p.Name == "" {
			return nil, fmt.Errorf("line %d: name is empty", line)
		}
		if p.Latitude, err = strconv.ParseFloat(field("latitude"), 64); err != nil {
			return nil, fmt.Errorf("line %d: latitude: %w", line, err)
		}
		if p.Longitude, err = strconv.ParseFloat(field("longitude"), 64); err != nil {
			return nil, fmt.Errorf("line %d: longitude: %w", line, err)
		}
		if p.RadiusMeters, err = strconv.ParseFloat(field("radius_meters"), 64); err != nil {
			return nil, fmt.Errorf("line %d: radius_meters: %w", line, err)
		}
		if v := field("active"); v != "" {
			if p.Active, err = strconv.ParseBool(v); err != nil {
				return nil, fmt.Errorf("line %d: active: %w", line, err)
			}
		}

		p.Code = field("code")
		if p.Code == "" {
			p.Code = slug.Make(p.Name)
		}
		if prev, dup := seen[p.Code]; dup {
			return nil, fmt.Errorf("line %d: code %q already used on line %d", line, p.Code, prev)
		}
		seen[p.Code] = line

		out = append(out, p)
	}
	return out, nil
}
