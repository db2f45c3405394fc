package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geoyee/fieldops/internal/app"
	"github.com/geoyee/fieldops/internal/calculator"
	"github.com/geoyee/fieldops/internal/download"
	"github.com/geoyee/fieldops/internal/geofence"
	"github.com/geoyee/fieldops/internal/metrics"
	"github.com/geoyee/fieldops/internal/model"
	"github.com/geoyee/fieldops/internal/sampler"
	"github.com/geoyee/fieldops/internal/tilecache"
)

const (
	maxBodyBytes = 1 << 20
	// defaultNearbyDistance 附近围栏的默认搜索半径 (米)
	defaultNearbyDistance = 5000.0
)

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	app      *app.App
	tasks    *TaskManager
	registry *prometheus.Registry
	logger   hclog.Logger
	started  time.Time
}

func NewServer(a *app.App, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCacheCollector(a.Cache.Snapshot, logger))
	return &Server{
		app:      a,
		tasks:    NewTaskManager(a.Downloader),
		registry: registry,
		logger:   logger.Named("http"),
		started:  time.Now(),
	}
}

// Router 注册所有接口, 固定路径先于同级的 {id} 路径注册以便优先匹配
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.Middleware)

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, s.registry},
		promhttp.HandlerOpts{},
	)).Methods(http.MethodGet)

	r.HandleFunc("/tiles/{layer}/{z:[0-9]+}/{x:[0-9]+}/{y:[0-9]+}", s.handleTile).Methods(http.MethodGet)
	r.HandleFunc("/api/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	r.HandleFunc("/api/cache/estimate", s.handleEstimate).Methods(http.MethodGet)
	r.HandleFunc("/api/cache/cleanup", s.handleCleanup).Methods(http.MethodPost)
	r.HandleFunc("/api/cache/tiles", s.handleClearTiles).Methods(http.MethodDelete)

	r.HandleFunc("/api/regions", s.handleListRegions).Methods(http.MethodGet)
	r.HandleFunc("/api/regions/download", s.handleDownload).Methods(http.MethodPost)
	r.HandleFunc("/api/regions/prefetch", s.handlePrefetch).Methods(http.MethodPost)
	r.HandleFunc("/api/regions/{id}", s.handleGetRegion).Methods(http.MethodGet)
	r.HandleFunc("/api/regions/{id}", s.handleDeleteRegion).Methods(http.MethodDelete)

	r.HandleFunc("/api/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id}/stop", s.handleStopTask).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{id}", s.handleDeleteTask).Methods(http.MethodDelete)

	r.HandleFunc("/api/geofences", s.handleListGeofences).Methods(http.MethodGet)
	r.HandleFunc("/api/geofences", s.handleAddGeofence).Methods(http.MethodPost)
	r.HandleFunc("/api/geofences", s.handleClearGeofences).Methods(http.MethodDelete)
	r.HandleFunc("/api/geofences/nearby", s.handleNearby).Methods(http.MethodGet)
	r.HandleFunc("/api/geofences/sites", s.handleAddSite).Methods(http.MethodPost)
	r.HandleFunc("/api/geofences/{id}", s.handleGetGeofence).Methods(http.MethodGet)
	r.HandleFunc("/api/geofences/{id}", s.handleDeleteGeofence).Methods(http.MethodDelete)
	r.HandleFunc("/api/geofences/{id}/distance", s.handleDistance).Methods(http.MethodGet)

	r.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodPost)
	r.HandleFunc("/api/battery", s.handleBattery).Methods(http.MethodPost)
	r.HandleFunc("/api/sampler", s.handleSampler).Methods(http.MethodGet)
	r.HandleFunc("/api/sampler/mode", s.handleSamplerMode).Methods(http.MethodPut)

	return r
}

// Handler 为路由加上 CORS
func (s *Server) Handler() http.Handler {
	origins := s.app.Config.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(s.Router())
}

// Shutdown 停止正在运行的下载任务
func (s *Server) Shutdown(ctx context.Context) {
	s.tasks.StopAll(ctx)
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) respondOK(w http.ResponseWriter, data interface{}) {
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, format string, args ...interface{}) {
	s.respondJSON(w, statusCode, APIResponse{Success: false, Message: fmt.Sprintf(format, args...)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondOK(w, map[string]interface{}{
		"status":    "healthy",
		"time":      time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"kafka":     s.app.Publisher.Enabled(),
		"tracking":  s.app.Sampler.Running(),
		"geofences": len(s.app.Geofence.Regions()),
	})
}

// 瓦片

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	layer := vars["layer"]
	z, _ := strconv.Atoi(vars["z"])
	x, _ := strconv.Atoi(vars["x"])
	y, _ := strconv.Atoi(vars["y"])

	if _, err := s.app.Cache.TileURL(layer, z, x, y); err != nil {
		s.respondError(w, http.StatusNotFound, "%v", err)
		return
	}
	if n := 1 << uint(z); z > calculator.MaxZoom || x >= n || y >= n {
		s.respondError(w, http.StatusBadRequest, "tile %d/%d/%d out of range", z, x, y)
		return
	}

	data, ok := s.app.Cache.FetchAndCacheTile(r.Context(), layer, z, x, y)
	if !ok {
		s.respondError(w, http.StatusBadGateway, "tile %s/%d/%d/%d unavailable", layer, z, x, y)
		return
	}
	w.Header().Set("Content-Type", mimetype.Detect(data).String())
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.respondOK(w, s.app.Cache.Stats(r.Context()))
}

func parseBounds(r *http.Request) (model.Bounds, int, int, error) {
	q := r.URL.Query()
	var b model.Bounds
	fields := []struct {
		name string
		dst  *float64
	}{
		{"north", &b.North}, {"south", &b.South}, {"east", &b.East}, {"west", &b.West},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(q.Get(f.name), 64)
		if err != nil {
			return b, 0, 0, fmt.Errorf("%s is required", f.name)
		}
		*f.dst = v
	}
	minZoom, err := strconv.Atoi(q.Get("min_zoom"))
	if err != nil {
		return b, 0, 0, errors.New("min_zoom is required")
	}
	maxZoom, err := strconv.Atoi(q.Get("max_zoom"))
	if err != nil {
		return b, 0, 0, errors.New("max_zoom is required")
	}
	return b, minZoom, maxZoom, nil
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	bounds, minZoom, maxZoom, err := parseBounds(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	calc := s.app.Cache.Calculator()
	if err := calc.ValidateZoomRange(minZoom, maxZoom); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := calc.ValidateBounds(bounds); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.respondOK(w, s.app.Cache.EstimateDownloadSize(bounds, minZoom, maxZoom))
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	evicted, err := s.app.Cache.Cleanup(r.Context(), force)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "cleanup failed: %v", err)
		return
	}
	s.respondOK(w, map[string]int{"evicted": evicted})
}

func (s *Server) handleClearTiles(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Cache.ClearAllTiles(r.Context()); err != nil {
		s.respondError(w, http.StatusInternalServerError, "clear failed: %v", err)
		return
	}
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Cache cleared"})
}

// 区域与下载任务

type DownloadRequest struct {
	ID      string       `json:"id,omitempty"`
	Name    string       `json:"name"`
	Layer   string       `json:"layer,omitempty"`
	Bounds  model.Bounds `json:"bounds"`
	MinZoom int          `json:"min_zoom"`
	MaxZoom int          `json:"max_zoom"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: %v", err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Name == "" {
		req.Name = req.ID
	}
	s.startDownload(w, download.Request{
		ID:      req.ID,
		Name:    req.Name,
		Layer:   req.Layer,
		Bounds:  req.Bounds,
		MinZoom: req.MinZoom,
		MaxZoom: req.MaxZoom,
	})
}

// handlePrefetch 下载某点周围的区域, 默认半径 5 公里、缩放级别 10-16
func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	var req download.PrefetchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: %v", err)
		return
	}
	region, err := req.Request()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.startDownload(w, region)
}

func (s *Server) startDownload(w http.ResponseWriter, req download.Request) {
	if req.Layer == "" {
		req.Layer = tilecache.LayerStandard
	}
	calc := s.app.Cache.Calculator()
	if err := calc.ValidateZoomRange(req.MinZoom, req.MaxZoom); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := calc.ValidateBounds(req.Bounds); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if _, err := s.app.Cache.TileURL(req.Layer, 0, 0, 0); err != nil {
		s.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}

	taskID := uuid.NewString()
	task := s.tasks.Start(taskID, req)
	s.logger.Info("download task created", "task", taskID, "region", req.ID)

	s.respondJSON(w, http.StatusAccepted, APIResponse{
		Success: true,
		Message: "Download task created",
		Data: map[string]interface{}{
			"task_id":   task.ID,
			"region_id": req.ID,
			"bounds":    req.Bounds,
			"estimate":  s.app.Cache.EstimateDownloadSize(req.Bounds, req.MinZoom, req.MaxZoom),
		},
	})
}

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	s.respondOK(w, s.app.Cache.DownloadedRegions(r.Context()))
}

func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	region, ok := s.app.Cache.Region(r.Context(), id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "Region not found")
		return
	}
	s.respondOK(w, region)
}

func (s *Server) handleDeleteRegion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.app.Cache.DeleteRegion(r.Context(), id) {
		s.respondError(w, http.StatusNotFound, "Region not found")
		return
	}
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Region deleted"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.tasks.List()
	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, task.View())
	}
	s.respondOK(w, views)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.tasks.Get(mux.Vars(r)["id"])
	if !ok {
		s.respondError(w, http.StatusNotFound, "Task not found")
		return
	}
	s.respondOK(w, task.View())
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.tasks.Get(mux.Vars(r)["id"])
	if !ok {
		s.respondError(w, http.StatusNotFound, "Task not found")
		return
	}
	if !task.Stop() {
		s.respondError(w, http.StatusConflict, "Task is not running (current status: %s)", task.Status())
		return
	}
	s.respondJSON(w, http.StatusAccepted, APIResponse{Success: true, Message: "Task stopping"})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if !s.tasks.Delete(mux.Vars(r)["id"]) {
		s.respondError(w, http.StatusNotFound, "Task not found")
		return
	}
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Task deleted"})
}

// 地理围栏

type GeofenceView struct {
	model.GeofenceRegion
	Inside   bool     `json:"inside"`
	Distance *float64 `json:"distance,omitempty"`
}

func (s *Server) geofenceView(region model.GeofenceRegion) GeofenceView {
	v := GeofenceView{GeofenceRegion: region, Inside: s.app.Geofence.IsInsideRegion(region.ID)}
	if d, ok := s.app.Geofence.DistanceToRegion(region.ID); ok {
		v.Distance = &d
	}
	return v
}

func (s *Server) handleListGeofences(w http.ResponseWriter, r *http.Request) {
	regions := s.app.Geofence.Regions()
	views := make([]GeofenceView, 0, len(regions))
	for _, region := range regions {
		views = append(views, s.geofenceView(region))
	}
	s.respondOK(w, views)
}

func (s *Server) handleAddGeofence(w http.ResponseWriter, r *http.Request) {
	var region model.GeofenceRegion
	if err := decodeBody(w, r, &region); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: %v", err)
		return
	}
	if region.ID == "" {
		region.ID = uuid.NewString()
	}
	if err := s.app.Geofence.AddRegion(r.Context(), region); err != nil {
		if errors.Is(err, geofence.ErrInvalidRegion) {
			s.respondError(w, http.StatusBadRequest, "%v", err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, APIResponse{Success: true, Data: s.geofenceView(region)})
}

type SiteRequest struct {
	SiteID    string  `json:"site_id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Radius    float64 `json:"radius,omitempty"`
}

func (s *Server) handleAddSite(w http.ResponseWriter, r *http.Request) {
	var req SiteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: %v", err)
		return
	}
	if req.SiteID == "" {
		s.respondError(w, http.StatusBadRequest, "site_id is required")
		return
	}
	region, err := s.app.Geofence.CreateSiteRegion(r.Context(), req.SiteID, req.Name, req.Latitude, req.Longitude, req.Radius)
	if err != nil {
		if errors.Is(err, geofence.ErrInvalidRegion) {
			s.respondError(w, http.StatusBadRequest, "%v", err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, APIResponse{Success: true, Data: s.geofenceView(region)})
}

func (s *Server) handleClearGeofences(w http.ResponseWriter, r *http.Request) {
	s.app.Geofence.ClearAll(r.Context())
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Geofences cleared"})
}

func (s *Server) handleGetGeofence(w http.ResponseWriter, r *http.Request) {
	region, ok := s.app.Geofence.Region(mux.Vars(r)["id"])
	if !ok {
		s.respondError(w, http.StatusNotFound, "Geofence not found")
		return
	}
	s.respondOK(w, s.geofenceView(region))
}

func (s *Server) handleDeleteGeofence(w http.ResponseWriter, r *http.Request) {
	if !s.app.Geofence.RemoveRegion(r.Context(), mux.Vars(r)["id"]) {
		s.respondError(w, http.StatusNotFound, "Geofence not found")
		return
	}
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Geofence deleted"})
}

func (s *Server) handleDistance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.app.Geofence.Region(id); !ok {
		s.respondError(w, http.StatusNotFound, "Geofence not found")
		return
	}
	d, ok := s.app.Geofence.DistanceToRegion(id)
	if !ok {
		s.respondError(w, http.StatusConflict, "No position received yet")
		return
	}
	s.respondOK(w, map[string]interface{}{
		"id":       id,
		"distance": d,
		"inside":   s.app.Geofence.IsInsideRegion(id),
	})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	maxDistance := defaultNearbyDistance
	if v := r.URL.Query().Get("max_distance"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid max_distance")
			return
		}
		maxDistance = parsed
	}
	nearby := s.app.Geofence.NearbyRegions(maxDistance)
	if nearby == nil {
		nearby = []geofence.RegionDistance{}
	}
	s.respondOK(w, nearby)
}

// 设备数据接入与采样

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeBody(w, r, &raw); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: %v", err)
		return
	}
	var positions []model.Position
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &positions); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid positions: %v", err)
			return
		}
	} else {
		var pos model.Position
		if err := json.Unmarshal(raw, &pos); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid position: %v", err)
			return
		}
		positions = []model.Position{pos}
	}

	for i := range positions {
		p := &positions[i]
		if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
			s.respondError(w, http.StatusBadRequest, "position %d out of range", i)
			return
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = time.Now()
		}
	}
	if !s.app.Sampler.Running() {
		s.respondError(w, http.StatusServiceUnavailable, "Tracking is not running")
		return
	}
	for _, p := range positions {
		s.app.RawPositions.Push(p)
	}

	data := map[string]interface{}{"received": len(positions)}
	if last, ok := s.app.Sampler.LastPosition(); ok {
		data["last_accepted"] = last
	}
	s.respondJSON(w, http.StatusAccepted, APIResponse{Success: true, Data: data})
}

type BatteryRequest struct {
	// Level 电量, 取值 0.0-1.0
	Level    float64 `json:"level"`
	Charging bool    `json:"charging"`
}

func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	if s.app.Battery == nil {
		s.respondError(w, http.StatusConflict, "Battery readings are not pushed on this host")
		return
	}
	var req BatteryRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: %v", err)
		return
	}
	if req.Level < 0 || req.Level > 1 {
		s.respondError(w, http.StatusBadRequest, "level must be between 0 and 1")
		return
	}
	s.app.Battery.PushReading(req.Level, req.Charging)
	s.respondOK(w, s.samplerState())
}

type SamplerState struct {
	Running      bool                    `json:"running"`
	Mode         model.SamplingMode      `json:"mode"`
	Description  sampler.ModeDescription `json:"description"`
	Config       model.LocationConfig    `json:"config"`
	ManualMode   *model.SamplingMode     `json:"manual_mode"`
	Battery      *model.BatteryStatus    `json:"battery,omitempty"`
	BatteryError string                  `json:"battery_error,omitempty"`
	UsagePerHour float64                 `json:"estimated_usage_per_hour"`
	LastPosition *model.Position         `json:"last_position,omitempty"`
}

func (s *Server) samplerState() SamplerState {
	sm := s.app.Sampler
	mode := sm.CurrentMode()
	st := SamplerState{
		Running:      sm.Running(),
		Mode:         mode,
		Description:  sampler.DescribeMode(mode),
		Config:       sm.CurrentConfig(),
		ManualMode:   sm.ManualMode(),
		UsagePerHour: sampler.EstimatedBatteryUsage(mode, 1),
	}
	if status, ok := sm.BatteryStatus(); ok {
		st.Battery = &status
	}
	if err := sm.CapabilityStatus(); err != nil {
		st.BatteryError = err.Error()
	}
	if pos, ok := sm.LastPosition(); ok {
		st.LastPosition = &pos
	}
	return st
}

func (s *Server) handleSampler(w http.ResponseWriter, r *http.Request) {
	s.respondOK(w, s.samplerState())
}

type ModeRequest struct {
	// Mode 采样模式, 为空时由电量决定
	Mode string `json:"mode"`
}

func (s *Server) handleSamplerMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: %v", err)
		return
	}
	if req.Mode == "" || req.Mode == "auto" {
		s.app.Sampler.SetManualMode(nil)
	} else {
		mode := model.SamplingMode(req.Mode)
		if !mode.Valid() {
			s.respondError(w, http.StatusBadRequest, "unknown sampling mode %q", req.Mode)
			return
		}
		s.app.Sampler.SetManualMode(&mode)
	}
	s.respondOK(w, s.samplerState())
}
