// Package tsf reads the competition's .tsf time-series archive format.
//
// A .tsf file has an attribute header followed by a data section:
//
//	@attribute series_name string
//	@attribute start_timestamp date
//	@frequency 15_minutes
//	@horizon 2880
//	@missing true
//	@equallength false
//	@data
//	Building0:2020-04-25 14-00-00:53.0,49.0,?,47.0
//
// Each data line carries one attribute value per declared attribute, colon
// separated, with the comma-separated series values last. A "?" marks a
// missing value and becomes NaN.
package tsf

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02 15-04-05"

type Metadata struct {
	Frequency       string
	Horizon         int
	ContainsMissing bool
	EqualLength     bool
}

// Series is one raw series from the archive: its attribute values keyed by
// attribute name, and the value sequence with NaN for missing entries.
type Series struct {
	Name   string
	Start  time.Time
	Attrs  map[string]string
	Values []float64
}

type File struct {
	Meta   Metadata
	Series []Series
}

type attribute struct {
	name string
	typ  string // "numeric", "string" or "date"
}

// ReadFile parses a .tsf archive from disk.
func ReadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tsf: %w", err)
	}
	defer f.Close()

	file, err := parse(bufio.NewScanner(f))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return file, nil
}

func parse(scanner *bufio.Scanner) (*File, error) {
	// Series lines can run to megabytes; grow the scanner buffer.
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	var (
		attrs    []attribute
		meta     Metadata
		series   []Series
		dataTag  bool
		sawData  bool
		sawLines bool
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sawLines = true

		if strings.HasPrefix(line, "@") {
			if line == "@data" {
				if len(attrs) == 0 {
					return nil, fmt.Errorf("attribute section must come before @data")
				}
				dataTag = true
				continue
			}
			if err := parseHeader(line, &attrs, &meta); err != nil {
				return nil, err
			}
			continue
		}

		if len(attrs) == 0 {
			return nil, fmt.Errorf("missing attribute section")
		}
		if !dataTag {
			return nil, fmt.Errorf("missing @data tag")
		}

		s, err := parseSeries(line, attrs)
		if err != nil {
			return nil, err
		}
		series = append(series, s)
		sawData = true
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if !sawLines {
		return nil, fmt.Errorf("empty file")
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("missing attribute section")
	}
	if !sawData {
		return nil, fmt.Errorf("missing series information under data section")
	}

	return &File{Meta: meta, Series: series}, nil
}

func parseHeader(line string, attrs *[]attribute, meta *Metadata) error {
	fields := strings.Fields(line)

	if strings.HasPrefix(line, "@attribute") {
		if len(fields) != 3 {
			return fmt.Errorf("invalid attribute specification: %q", line)
		}
		switch fields[2] {
		case "numeric", "string", "date":
		default:
			return fmt.Errorf("invalid attribute type %q", fields[2])
		}
		*attrs = append(*attrs, attribute{name: fields[1], typ: fields[2]})
		return nil
	}

	if len(fields) != 2 {
		return fmt.Errorf("invalid metadata specification: %q", line)
	}
	switch fields[0] {
	case "@frequency":
		meta.Frequency = fields[1]
	case "@horizon":
		h, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid horizon %q: %w", fields[1], err)
		}
		meta.Horizon = h
	case "@missing":
		meta.ContainsMissing = fields[1] == "true"
	case "@equallength":
		meta.EqualLength = fields[1] == "true"
	}
	return nil
}

func parseSeries(line string, attrs []attribute) (Series, error) {
	parts := strings.Split(line, ":")
	if len(parts) != len(attrs)+1 {
		return Series{}, fmt.Errorf("series line has %d fields, want %d attributes plus values", len(parts), len(attrs))
	}

	s := Series{Attrs: make(map[string]string, len(attrs))}
	for i, attr := range attrs {
		raw := parts[i]
		switch attr.typ {
		case "numeric":
			if _, err := strconv.Atoi(raw); err != nil {
				return Series{}, fmt.Errorf("attribute %s: invalid numeric value %q", attr.name, raw)
			}
		case "date":
			t, err := time.Parse(dateLayout, raw)
			if err != nil {
				return Series{}, fmt.Errorf("attribute %s: invalid date %q: %w", attr.name, raw, err)
			}
			if attr.name == "start_timestamp" {
				s.Start = t
			}
		}
		if attr.name == "series_name" {
			s.Name = raw
		}
		s.Attrs[attr.name] = raw
	}

	rawValues := strings.Split(parts[len(parts)-1], ",")
	if len(rawValues) == 1 && strings.TrimSpace(rawValues[0]) == "" {
		return Series{}, fmt.Errorf("series %s has no values", s.Name)
	}

	missing := 0
	s.Values = make([]float64, len(rawValues))
	for i, raw := range rawValues {
		raw = strings.TrimSpace(raw)
		if raw == "?" {
			s.Values[i] = math.NaN()
			missing++
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Series{}, fmt.Errorf("series %s: invalid value %q: %w", s.Name, raw, err)
		}
		s.Values[i] = v
	}
	if missing == len(rawValues) {
		return Series{}, fmt.Errorf("series %s: all values missing", s.Name)
	}

	return s, nil
}

// FreqDuration maps a tsf frequency label to a duration. Only the
// resolutions used by the competition data are supported.
func FreqDuration(freq string) (time.Duration, error) {
	switch freq {
	case "15_minutes":
		return 15 * time.Minute, nil
	case "30_minutes":
		return 30 * time.Minute, nil
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported frequency %q", freq)
	}
}
