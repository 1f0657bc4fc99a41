package chartdata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eg4-assistant/internal/reading"
)

const usageCSV = "\xef\xbb\xbf" + `"Meter read date","Usage date","Off-peak kWh","On-peak kWh","High temperature (F)","Low temperature (F)"
"03/11/2024","03/09/2024","18.2 kWh","6.1 kWh","81","55"
"03/11/2024","2024-03-10","1,204.5","(2.5)","84","57"
"","Combined total","1,222.7","3.6","",""
"03/11/2024","not a date","1","1","1","1"

`

func TestParse_UsageExport(t *testing.T) {
	c, err := Parse(strings.NewReader(usageCSV), reading.ChartUsage)
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-03-09", "2024-03-10"}, c.Labels)
	assert.Equal(t, []float64{18.2, 1204.5}, c.Values("offPeak"))
	assert.Equal(t, []float64{6.1, -2.5}, c.Values("onPeak"))
	assert.Equal(t, []float64{81, 84}, c.Values("highTemp"))
	assert.Equal(t, []float64{55, 57}, c.Values("lowTemp"))
	assert.Nil(t, c.Values("meterReadDate"))
}

func TestParse_DateFallbacks(t *testing.T) {
	in := "Date,Net kW\n3/5/24,1.5 kW\n2024-03-06,\"-0.75\"\n03/07/2024,--\n"
	c, err := Parse(strings.NewReader(in), reading.ChartNet)
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-03-05", "2024-03-06", "2024-03-07"}, c.Labels)
	assert.Equal(t, []float64{1.5, -0.75, 0}, c.Values("net"))
}

func TestParse_NoDateColumn(t *testing.T) {
	_, err := Parse(strings.NewReader("Hour,kW\n1,2\n"), reading.ChartDemand)
	assert.Error(t, err)

	_, err = Parse(strings.NewReader(""), reading.ChartDemand)
	assert.Error(t, err)
}

func TestChart_MarshalFlat(t *testing.T) {
	c, err := Parse(strings.NewReader(usageCSV), reading.ChartUsage)
	require.NoError(t, err)
	c.File = "/data/downloads/util_usage_20240311_060000.csv"

	first, err := json.Marshal(c)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(first, &got))

	assert.Equal(t, "usage", got["type"])
	assert.Equal(t, "util_usage_20240311_060000.csv", got["file"])
	assert.Len(t, got["labels"], 2)
	assert.Len(t, got["offPeak"], 2)
	assert.Contains(t, got, "lowTemp")

	again, err := Parse(strings.NewReader(usageCSV), reading.ChartUsage)
	require.NoError(t, err)
	again.File = c.File
	second, err := json.Marshal(again)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second), "parsing is deterministic")
}

func TestLatest_UsesFileNameTimestamp(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "util_net_20240309_060000.csv")
	newer := filepath.Join(dir, "util_net_20240310_060000.csv")
	for _, p := range []string{older, newer, filepath.Join(dir, "util_usage_20240311_060000.csv"), filepath.Join(dir, "notes.txt")} {
		require.NoError(t, os.WriteFile(p, []byte("Date,Net\n"), 0o644))
	}
	// mtime says the older file is newest
	require.NoError(t, os.Chtimes(older, time.Now(), time.Now().Add(time.Hour)))

	got, err := Latest(dir, reading.ChartNet, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, newer, got)

	_, err = Latest(dir, reading.ChartDemand, time.UTC)
	assert.ErrorIs(t, err, ErrNoFile)

	_, err = Latest(filepath.Join(dir, "missing"), reading.ChartNet, time.UTC)
	assert.ErrorIs(t, err, ErrNoFile)

	assert.Equal(t, 2, Count(dir, time.UTC))
}

func TestParseFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "util_usage_20240311_060000.csv")
	require.NoError(t, os.WriteFile(p, []byte(usageCSV), 0o644))

	c, err := ParseFile(p, reading.ChartUsage)
	require.NoError(t, err)
	assert.Equal(t, p, c.File)
	assert.Len(t, c.Labels, 2)
}
