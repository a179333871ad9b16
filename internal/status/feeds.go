package status

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"quantfeed/internal/stream"
	"quantfeed/logger"
)

type feedStatus struct {
	Name          string              `json:"name"`
	State         stream.State        `json:"state"`
	Subscriptions int                 `json:"subscriptions"`
	Retry         stream.RetryState   `json:"retry"`
	Dropped       int64               `json:"dropped"`
	Counters      logger.FeedCounters `json:"counters"`
}

type subscriptionRequest struct {
	Keys []string `json:"keys" binding:"required,min=1"`
	Mode string   `json:"mode"`
}

func (s *Server) feedStatuses() []feedStatus {
	counters := logger.SnapshotFeeds()
	out := make([]feedStatus, 0, len(s.deps.Feeds))
	for _, f := range s.deps.Feeds {
		out = append(out, feedStatus{
			Name:          f.Name(),
			State:         f.State(),
			Subscriptions: len(f.Subscriptions()),
			Retry:         f.Retry(),
			Dropped:       f.Dropped(),
			Counters:      counters[f.Name()],
		})
	}
	return out
}

// handleHealth reports 503 once any feed gave up reconnecting.
func (s *Server) handleHealth(c *gin.Context) {
	feeds := s.feedStatuses()
	status, code := "ok", http.StatusOK
	states := make(gin.H, len(feeds))
	for _, f := range feeds {
		states[f.Name] = f.State
		if f.Retry.Exhausted {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{
		"status": status,
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"feeds":  states,
	})
}

func (s *Server) handleFeeds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"feeds": s.feedStatuses()})
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	subs := s.deps.Market.Subscriptions()
	keys := make([]string, 0, len(subs))
	for k := range subs {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	payload := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		payload = append(payload, gin.H{"key": k, "mode": subs[stream.InstrumentKey(k)]})
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": payload})
}

func (s *Server) bindSubscription(c *gin.Context, needMode bool) ([]stream.InstrumentKey, stream.Mode, bool) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, "", false
	}
	keys := make([]stream.InstrumentKey, 0, len(req.Keys))
	for _, k := range req.Keys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, stream.InstrumentKey(k))
		}
	}
	if !needMode {
		return keys, "", true
	}
	mode := s.deps.DefaultMode
	if req.Mode != "" {
		m, err := stream.ParseMode(req.Mode)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return nil, "", false
		}
		mode = m
	}
	return keys, mode, true
}

func (s *Server) respond(c *gin.Context, action string, keys []stream.InstrumentKey, err error) {
	log := s.log.WithComponent("status").WithFields(logger.Fields{"action": action, "keys": len(keys)})
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, stream.ErrInvalidMode):
			code = http.StatusBadRequest
		case errors.Is(err, stream.ErrSubscriptionsUnsupported):
			code = http.StatusConflict
		}
		log.WithError(err).Warn("subscription change failed")
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	log.Info("subscription change applied")
	c.JSON(http.StatusOK, gin.H{"action": action, "keys": len(keys), "total": len(s.deps.Market.Subscriptions())})
}

func (s *Server) handleSubscribe(c *gin.Context) {
	keys, mode, ok := s.bindSubscription(c, true)
	if !ok {
		return
	}
	s.respond(c, "subscribe", keys, s.deps.Market.Subscribe(keys, mode))
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	keys, _, ok := s.bindSubscription(c, false)
	if !ok {
		return
	}
	s.respond(c, "unsubscribe", keys, s.deps.Market.Unsubscribe(keys))
}

func (s *Server) handleChangeMode(c *gin.Context) {
	keys, mode, ok := s.bindSubscription(c, true)
	if !ok {
		return
	}
	s.respond(c, "change_mode", keys, s.deps.Market.ChangeMode(keys, mode))
}

func (s *Server) handleMarketStatus(c *gin.Context) {
	st, err := s.deps.MarketStatus(c.Request.Context(), c.Param("exchange"))
	if err != nil {
		s.log.WithComponent("status").WithError(err).Warn("market status lookup failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}
