package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"futures-core/internal/accounts"
	"futures-core/internal/connection"
	"futures-core/internal/external"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

const (
	defaultConfidence = 0.8
	defaultExchange   = "CME"
)

func (s *Server) health(c *gin.Context) {
	conns := s.Engine.Connections()
	status := "ok"
	for _, st := range conns {
		if st.State != connection.Connected {
			status = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"connections": conns,
		"server_time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status())
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Metrics())
}

// --- Filters ---

func (s *Server) getFilters(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Filters())
}

func (s *Server) updateFilters(c *gin.Context) {
	var req struct {
		LongEnabled  *bool `json:"long_signals_enabled"`
		ShortEnabled *bool `json:"short_signals_enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.LongEnabled == nil && req.ShortEnabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_REQUEST",
			"error": "long_signals_enabled or short_signals_enabled is required",
		})
		return
	}
	f := s.Engine.SetFilters(req.LongEnabled, req.ShortEnabled)
	log.Printf("🔄 Signal filters updated: long=%v short=%v", f.LongEnabled, f.ShortEnabled)
	c.JSON(http.StatusOK, f)
}

// --- Signals ---

// millisThreshold separates unix seconds from unix milliseconds: no
// seconds value reaches it before the year 33658.
const millisThreshold = 1_000_000_000_000

// parseSignal reads an ingestion payload tolerantly: numbers may arrive as
// strings, symbol and side accept the common webhook aliases, and missing
// optional fields take defaults.
func parseSignal(body []byte, now time.Time) (external.Signal, error) {
	if !gjson.ValidBytes(body) {
		return external.Signal{}, fmt.Errorf("%w: body is not valid JSON", external.ErrInvalidSignal)
	}
	r := gjson.ParseBytes(body)
	if !r.IsObject() {
		return external.Signal{}, fmt.Errorf("%w: body must be a JSON object", external.ErrInvalidSignal)
	}

	sig := external.Signal{
		Timestamp:       r.Get("timestamp").Int(),
		Symbol:          first(r, "symbol", "ticker"),
		Side:            first(r, "side", "action"),
		SignalType:      first(r, "signal_type", "type"),
		Price:           r.Get("price").Float(),
		Reason:          r.Get("reason").String(),
		Source:          r.Get("source").String(),
		ConfidenceScore: defaultConfidence,
		ATRValue:        r.Get("atr_value").Float(),
		Exchange:        r.Get("exchange").String(),
	}
	if v := r.Get("confidence_score"); v.Exists() {
		sig.ConfidenceScore = v.Float()
	}
	switch {
	case sig.Timestamp <= 0:
		sig.Timestamp = now.Unix()
	case sig.Timestamp > millisThreshold:
		// Some webhook senders stamp in milliseconds.
		sig.Timestamp /= 1000
	}
	if sig.Exchange == "" {
		sig.Exchange = defaultExchange
	}
	return sig, nil
}

func first(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func (s *Server) submitSignal(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "failed to read request body",
		})
		return
	}
	sig, err := parseSignal(body, time.Now())
	if err == nil {
		var adm external.Admission
		adm, err = s.Engine.SubmitSignal(c.Request.Context(), sig)
		if err == nil {
			c.JSON(http.StatusOK, adm)
			return
		}
	}
	if errors.Is(err, external.ErrInvalidSignal) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_SIGNAL",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":  "INTERNAL_ERROR",
		"error": err.Error(),
	})
}

func (s *Server) getSignalStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.SignalStats())
}

// --- Accounts ---

func (s *Server) getAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"accounts":  s.Engine.Accounts(),
		"positions": s.Engine.PositionsSummary(),
	})
}

func (s *Server) checkAccount(c *gin.Context) {
	id := c.Param("id")
	status := s.Engine.CheckAccount(id)
	code := http.StatusOK
	if status == accounts.StatusNotFound {
		code = http.StatusNotFound
	}
	c.JSON(code, gin.H{
		"account_id": id,
		"status":     status,
		"ready":      status == accounts.StatusReady,
	})
}

func (s *Server) getSyncStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.SyncStats())
}

func (s *Server) resetSyncStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.ResetSyncStats())
}

// getReadiness reports which accounts would take a signal right now.
func (s *Server) getReadiness(c *gin.Context) {
	statuses := s.Engine.CheckAccounts()
	ready := 0
	for _, st := range statuses {
		if st == accounts.StatusReady {
			ready++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts": statuses,
		"ready":    ready,
		"total":    len(statuses),
	})
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.TrackedPositions())
}

// --- Connections ---

func (s *Server) getConnections(c *gin.Context) {
	statuses := s.Engine.Connections()
	all := len(statuses) > 0
	for _, st := range statuses {
		if st.State != connection.Connected {
			all = false
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"all_connected": all,
		"plants":        statuses,
	})
}

// --- History ---

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func historyLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || n <= 0 {
		return defaultHistoryLimit
	}
	return min(n, maxHistoryLimit)
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  "STORE_UNAVAILABLE",
			"error": "history is not persisted",
		})
		return false
	}
	return true
}

func (s *Server) getSignalHistory(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	out, err := s.Store.ListSignals(c.Request.Context(), historyLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getAccountOrders(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	out, err := s.Store.Queries().GetOrdersByAccount(c.Request.Context(), c.Param("id"), historyLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getAccountReports(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	out, err := s.Store.Queries().GetReportsByAccount(c.Request.Context(), c.Param("id"), historyLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}
