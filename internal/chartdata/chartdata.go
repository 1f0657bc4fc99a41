// Package chartdata turns utility CSV exports into chart series.
package chartdata

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"eg4-assistant/internal/portal"
	"eg4-assistant/internal/reading"
)

var ErrNoFile = errors.New("no csv downloaded for chart")

// date columns in order of preference
var dateColumns = []string{"usage date", "date", "meter read date"}

var dateLayouts = []string{"01/02/2006", "2006-01-02", "01/02/06", "1/2/2006", "1/2/06"}

// seriesNames maps known headers to the keys the dashboard reads.
var seriesNames = map[string]string{
	"off-peak":         "offPeak",
	"off peak":         "offPeak",
	"on-peak":          "onPeak",
	"on peak":          "onPeak",
	"shoulder":         "shoulder",
	"super off-peak":   "superOffPeak",
	"total":            "total",
	"high temp":        "highTemp",
	"high temperature": "highTemp",
	"low temp":         "lowTemp",
	"low temperature":  "lowTemp",
}

type Series struct {
	Name   string    `json:"name"`
	Header string    `json:"header"`
	Values []float64 `json:"values"`
}

// Chart is one parsed export. It marshals flat, with one array per series
// next to labels.
type Chart struct {
	Kind   reading.ChartKind
	File   string
	Labels []string
	Series []Series
}

func (c *Chart) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"type":   c.Kind,
		"file":   filepath.Base(c.File),
		"labels": c.Labels,
	}
	names := make([]string, 0, len(c.Series))
	for _, s := range c.Series {
		out[s.Name] = s.Values
		names = append(names, s.Name)
	}
	out["series"] = names
	return json.Marshal(out)
}

// Values returns the series called name, or nil.
func (c *Chart) Values(name string) []float64 {
	for _, s := range c.Series {
		if s.Name == name {
			return s.Values
		}
	}
	return nil
}

func ParseFile(path string, kind reading.ChartKind) (*Chart, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := Parse(f, kind)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	c.File = path
	return c, nil
}

func Parse(r io.Reader, kind reading.ChartKind) (*Chart, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))

	cr := csv.NewReader(bytes.NewReader(raw))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("empty file")
	}

	header := rows[0]
	dateCol := findDateColumn(header)
	if dateCol < 0 {
		return nil, fmt.Errorf("no date column in header %q", header)
	}

	c := &Chart{Kind: kind}
	var cols []int
	for i, h := range header {
		if i == dateCol || isDateHeader(h) || strings.TrimSpace(h) == "" {
			continue
		}
		cols = append(cols, i)
		c.Series = append(c.Series, Series{Name: seriesName(h), Header: strings.TrimSpace(h)})
	}

	for _, row := range rows[1:] {
		if skipRow(row) || dateCol >= len(row) {
			continue
		}
		day, ok := parseDate(row[dateCol])
		if !ok {
			continue
		}
		c.Labels = append(c.Labels, day.Format("2006-01-02"))
		for si, col := range cols {
			v := 0.0
			if col < len(row) {
				v = parseValue(row[col])
			}
			c.Series[si].Values = append(c.Series[si].Values, v)
		}
	}
	return c, nil
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.Trim(h, "\"")))
}

func isDateHeader(h string) bool {
	n := normalizeHeader(h)
	for _, d := range dateColumns {
		if n == d {
			return true
		}
	}
	return false
}

func findDateColumn(header []string) int {
	for _, want := range dateColumns {
		for i, h := range header {
			if normalizeHeader(h) == want {
				return i
			}
		}
	}
	return -1
}

func skipRow(row []string) bool {
	empty := true
	for _, cell := range row {
		if strings.Contains(strings.ToLower(cell), "combined total") {
			return true
		}
		if strings.TrimSpace(cell) != "" {
			empty = false
		}
	}
	return empty
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(strings.Trim(s, "\""))
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// seriesName strips units and maps the header to a camelCase key.
func seriesName(h string) string {
	n := normalizeHeader(h)
	if i := strings.IndexByte(n, '('); i >= 0 {
		n = strings.TrimSpace(n[:i])
	}
	for _, unit := range []string{" kwh", " kw", " °f"} {
		n = strings.TrimSuffix(n, unit)
	}
	if name, ok := seriesNames[n]; ok {
		return name
	}
	return camel(n)
}

func camel(s string) string {
	var b strings.Builder
	upper := false
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = b.Len() > 0
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseValue(s string) float64 {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "\""))
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.TrimSpace(s)
	for _, unit := range []string{"kWh", "kW", "°F"} {
		s = strings.TrimSuffix(s, unit)
	}
	s = strings.NewReplacer(",", "", "$", "", " ", "").Replace(s)
	if s == "" || s == "-" || s == "--" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	if neg {
		v = -v
	}
	return v
}

// Latest returns the newest download for kind in dir, ordered by the
// timestamp in the file name.
func Latest(dir string, kind reading.ChartKind, loc *time.Location) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoFile
		}
		return "", err
	}
	var (
		best   string
		bestTS time.Time
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		k, ts, ok := portal.ParseCSVFileName(e.Name(), loc)
		if !ok || k != kind {
			continue
		}
		if best == "" || ts.After(bestTS) {
			best, bestTS = e.Name(), ts
		}
	}
	if best == "" {
		return "", ErrNoFile
	}
	return filepath.Join(dir, best), nil
}

// Count is the number of chart kinds with at least one download in dir.
func Count(dir string, loc *time.Location) int {
	n := 0
	for _, k := range reading.ChartKinds {
		if _, err := Latest(dir, k, loc); err == nil {
			n++
		}
	}
	return n
}
