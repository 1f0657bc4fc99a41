package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"eg4-assistant/internal/chartdata"
	"eg4-assistant/internal/clock"
	"eg4-assistant/internal/collector"
	"eg4-assistant/internal/logging"
	"eg4-assistant/internal/reading"
	"eg4-assistant/internal/settings"
	"eg4-assistant/internal/snapshot"
	"eg4-assistant/internal/storage"
)

type Store interface {
	Stats() (*storage.Stats, error)
	InverterSamplesSince(since time.Time) ([]*reading.InverterSample, error)
	RecentEvents(since time.Time) ([]*reading.Event, error)
}

type SettingsStore interface {
	Raw() map[string]any
	Update(patch map[string]any) (settings.Settings, error)
}

// Controller is the handle the API holds on one portal collector.
type Controller interface {
	Portal() reading.Portal
	Refresh()
	DownloadNow()
	Status() collector.Status
}

type Server struct {
	router     *gin.Engine
	server     *http.Server
	port       int
	bus        *snapshot.Bus
	db         Store
	settings   SettingsStore
	collectors map[reading.Portal]Controller
	logs       *logging.Buffer
	downloads  string
	clock      *clock.Clock
	throttle   *clock.Throttle
	log        *zap.Logger
}

type ServerConfig struct {
	Port            int
	Bus             *snapshot.Bus
	Database        Store
	Settings        SettingsStore
	Collectors      []Controller
	Logs            *logging.Buffer
	DownloadsDir    string
	Clock           *clock.Clock
	RefreshInterval time.Duration
	Log             *zap.Logger
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Log))

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}

	s := &Server{
		router:     router,
		port:       cfg.Port,
		bus:        cfg.Bus,
		db:         cfg.Database,
		settings:   cfg.Settings,
		collectors: make(map[reading.Portal]Controller),
		logs:       cfg.Logs,
		downloads:  cfg.DownloadsDir,
		clock:      cfg.Clock,
		throttle:   clock.NewThrottle(cfg.RefreshInterval),
		log:        cfg.Log,
	}
	for _, c := range cfg.Collectors {
		s.collectors[c.Portal()] = c
	}

	s.setupRoutes()
	return s
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.wsHandler)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.statusHandler)
		api.GET("/database/stats", s.databaseStatsHandler)
		api.GET("/historical/eg4", s.historicalHandler)
		api.GET("/historical/eg4/export", s.historicalExportHandler)
		api.GET("/events", s.eventsHandler)

		api.GET("/config", s.getConfigHandler)
		api.POST("/config", s.updateConfigHandler)

		api.POST("/refresh-eg4", s.refreshHandler(reading.PortalEG4))
		api.GET("/refresh-srp", s.refreshHandler(reading.PortalSRP))
		api.GET("/download-srp-csv", s.downloadHandler)
		api.POST("/refresh-enphase", s.refreshHandler(reading.PortalEnphase))

		api.GET("/logs", s.logsHandler)
		api.GET("/logs/download", s.logsDownloadHandler)
		api.POST("/logs/clear", s.logsClearHandler)

		api.GET("/srp-chart-data", s.chartDataHandler)
		api.GET("/srp-csv/:kind", s.csvFileHandler)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("API server starting", zap.Int("port", s.port))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Stop(shutdown)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	snap := s.bus.Current()
	statuses := make(map[reading.Portal]collector.Status, len(s.collectors))
	healthy := true
	for p, ctl := range s.collectors {
		st := ctl.Status()
		statuses[p] = st
		if st.State == collector.StateFailed {
			healthy = false
		}
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"connected":  snap.Connected,
		"collectors": statuses,
		"timestamp":  s.clock.Now(),
	})
}

func (s *Server) statusHandler(c *gin.Context) {
	snap := s.bus.Current()
	csvFiles := snap.CSVFilesCount
	if csvFiles == 0 {
		// nothing fetched since start; report what earlier runs left on disk
		csvFiles = chartdata.Count(s.downloads, s.clock.Location())
	}
	resp := gin.H{
		"eg4":             snap.EG4,
		"srp":             snap.SRP,
		"enphase":         snap.Enphase,
		"connected":       snap.Connected,
		"last_update":     snap.LastUpdate,
		"csv_files_count": csvFiles,
		"timezone":        s.clock.Location().String(),
	}
	if stats, err := s.db.Stats(); err != nil {
		s.log.Warn("database stats unavailable", zap.Error(err))
	} else {
		resp["database"] = stats
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) databaseStatsHandler(c *gin.Context) {
	stats, err := s.db.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
