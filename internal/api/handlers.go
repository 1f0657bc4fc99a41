package api

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"eg4-assistant/internal/chartdata"
	"eg4-assistant/internal/logging"
	"eg4-assistant/internal/reading"
)

const (
	defaultHistoryHours = 24
	maxHistoryHours     = 24 * 90
	defaultLogLines     = 200
)

func hoursParam(c *gin.Context) (int, error) {
	raw := c.DefaultQuery("hours", strconv.Itoa(defaultHistoryHours))
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		return 0, fmt.Errorf("hours must be a positive integer, got %q", raw)
	}
	return min(hours, maxHistoryHours), nil
}

func (s *Server) historicalHandler(c *gin.Context) {
	hours, err := hoursParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	since := s.clock.Now().Add(-time.Duration(hours) * time.Hour)
	samples, err := s.db.InverterSamplesSince(since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"hours":   hours,
		"count":   len(samples),
		"samples": samples,
	})
}

var exportHeader = []string{
	"Timestamp", "Battery SOC (%)", "Battery Power (W)", "Battery Voltage (V)",
	"PV1 Power (W)", "PV2 Power (W)", "PV3 Power (W)", "PV Total (W)",
	"Grid Power (W)", "Grid Voltage (V)", "Load Power (W)",
}

func (s *Server) historicalExportHandler(c *gin.Context) {
	hours, err := hoursParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := s.clock.Now()
	samples, err := s.db.InverterSamplesSince(now.Add(-time.Duration(hours) * time.Hour))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	buf, err := s.exportWorkbook(samples)
	if err != nil {
		s.log.Error("xlsx export failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	name := fmt.Sprintf("eg4_history_%s.xlsx", now.Format("20060102_150405"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

func (s *Server) exportWorkbook(samples []*reading.InverterSample) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := "Inverter"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}
	for i, h := range exportHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	loc := s.clock.Location()
	for i, v := range samples {
		row := []any{
			v.Timestamp.In(loc).Format("2006-01-02 15:04:05"),
			v.Battery.SOC, v.Battery.Power, v.Battery.Voltage,
			v.PV.Strings[0].Power, v.PV.Strings[1].Power, v.PV.Strings[2].Power, v.PV.TotalPower,
			v.Grid.Power, v.Grid.Voltage, v.Load.Power,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, err
		}
	}
	_ = f.SetColWidth(sheet, "A", "A", 20)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return &buf, nil
}

func (s *Server) eventsHandler(c *gin.Context) {
	hours, err := hoursParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := s.db.RecentEvents(s.clock.Now().Add(-time.Duration(hours) * time.Hour))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hours": hours, "events": events})
}

func (s *Server) getConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.settings.Raw())
}

func (s *Server) updateConfigHandler(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	if len(patch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty update"})
		return
	}

	if _, err := s.settings.Update(patch); err != nil {
		s.log.Warn("config update rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("config updated", zap.Int("keys", len(patch)))
	c.JSON(http.StatusOK, gin.H{"success": true, "config": s.settings.Raw()})
}

// throttled writes a 429 when key was used within the refresh interval.
func (s *Server) throttled(c *gin.Context, key string) bool {
	ok, wait := s.throttle.Allow(key)
	if ok {
		return false
	}
	secs := int(math.Ceil(wait.Seconds()))
	c.Header("Retry-After", strconv.Itoa(secs))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":       fmt.Sprintf("Please wait %d seconds before refreshing again", secs),
		"retry_after": secs,
	})
	return true
}

func (s *Server) controller(c *gin.Context, p reading.Portal) (Controller, bool) {
	ctl, ok := s.collectors[p]
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": fmt.Sprintf("%s collector is not running", p)})
	}
	return ctl, ok
}

func (s *Server) refreshHandler(p reading.Portal) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctl, ok := s.controller(c, p)
		if !ok || s.throttled(c, "refresh-"+string(p)) {
			return
		}
		ctl.Refresh()
		s.log.Info("manual refresh requested", zap.String("portal", string(p)))
		c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("%s refresh requested", p)})
	}
}

func (s *Server) downloadHandler(c *gin.Context) {
	ctl, ok := s.controller(c, reading.PortalSRP)
	if !ok || s.throttled(c, "download-srp") {
		return
	}
	ctl.DownloadNow()
	s.log.Info("manual CSV download requested")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "CSV download requested"})
}

func (s *Server) logsHandler(c *gin.Context) {
	lines := defaultLogLines
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid lines %q", raw)})
			return
		}
		lines = n
	}
	level := zapcore.DebugLevel
	if raw := c.Query("level"); raw != "" {
		lvl, err := logging.ParseLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		level = lvl
	}

	out := s.logs.Lines(lines, level)
	c.JSON(http.StatusOK, gin.H{"lines": out, "count": len(out), "total": s.logs.Len()})
}

func (s *Server) logsDownloadHandler(c *gin.Context) {
	name := fmt.Sprintf("eg4_assistant_%s.log", s.clock.Now().Format("20060102_150405"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(s.logs.Text()))
}

func (s *Server) logsClearHandler(c *gin.Context) {
	s.logs.Clear()
	s.log.Info("log buffer cleared")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) chartKind(c *gin.Context, raw string) (reading.ChartKind, bool) {
	kind, ok := reading.ParseChartKind(raw)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown chart type %q", raw)})
	}
	return kind, ok
}

func (s *Server) chartDataHandler(c *gin.Context) {
	kind, ok := s.chartKind(c, c.DefaultQuery("type", string(reading.ChartNet)))
	if !ok {
		return
	}

	path, err := chartdata.Latest(s.downloads, kind, s.clock.Location())
	if errors.Is(err, chartdata.ErrNoFile) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":         fmt.Sprintf("no %s CSV downloaded yet", kind),
			"needsDownload": true,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	chart, err := chartdata.ParseFile(path, kind)
	if err != nil {
		s.log.Warn("chart parse failed", zap.String("file", path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, chart)
}

func (s *Server) csvFileHandler(c *gin.Context) {
	kind, ok := s.chartKind(c, c.Param("kind"))
	if !ok {
		return
	}
	path, err := chartdata.Latest(s.downloads, kind, s.clock.Location())
	if errors.Is(err, chartdata.ErrNoFile) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no %s CSV downloaded yet", kind), "needsDownload": true})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}
