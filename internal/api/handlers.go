package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"valoqueue/internal/logging"
	"valoqueue/internal/security"
	"valoqueue/internal/store"
)

type enqueueCookiesRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	Cookies string `json:"cookies" binding:"required"`
	// Wait blocks the request until the job resolves (or the configured
	// max wait elapses) instead of returning a counter to poll.
	Wait bool `json:"wait"`
}

func (s *Server) enqueueCookies(c *gin.Context) {
	var req enqueueCookiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_body", "message": err.Error()}})
		return
	}
	if _, err := security.ParseUserID(req.UserID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_user_id", "message": err.Error()}})
		return
	}

	ctx := c.Request.Context()
	enq, err := s.queue.EnqueueCookiesRedeem(ctx, req.UserID, req.Cookies)
	if err != nil {
		s.log.Error("enqueue_failed", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "enqueue_failed", "message": "could not enqueue job"}})
		return
	}

	if req.Wait {
		result := s.queue.Wait(ctx, enq, s.cfg.PollRate, s.cfg.MaxWait)
		c.JSON(http.StatusOK, gin.H{"processed": true, "result": result})
		return
	}

	if !enq.InQueue {
		c.JSON(http.StatusOK, gin.H{"processed": true, "result": enq.Result})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"processed": false, "counter": enq.Counter})
}

type enqueueNoopRequest struct {
	WaitMS int64 `json:"wait_ms"`
	Wait   bool  `json:"wait"`
}

func (s *Server) enqueueNoop(c *gin.Context) {
	var req enqueueNoopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_body", "message": err.Error()}})
		return
	}
	if req.WaitMS < 0 || req.WaitMS > 60_000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_wait", "message": "wait_ms must be between 0 and 60000"}})
		return
	}

	ctx := c.Request.Context()
	enq, err := s.queue.EnqueueNoop(ctx, time.Duration(req.WaitMS)*time.Millisecond)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "enqueue_failed", "message": "could not enqueue job"}})
		return
	}

	if req.Wait {
		result := s.queue.Wait(ctx, enq, s.cfg.PollRate, s.cfg.MaxWait)
		c.JSON(http.StatusOK, gin.H{"processed": true, "result": result})
		return
	}
	if !enq.InQueue {
		c.JSON(http.StatusOK, gin.H{"processed": true, "result": enq.Result})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"processed": false, "counter": enq.Counter})
}

func (s *Server) queueStatus(c *gin.Context) {
	counter, err := strconv.ParseUint(c.Param("counter"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_counter", "message": "counter must be a positive integer"}})
		return
	}

	status, err := s.queue.Status(c.Request.Context(), counter)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "status_failed", "message": "could not read job status"}})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) queueInfo(c *gin.Context) {
	length, err := s.queue.Len(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "queue_unavailable", "message": "could not read queue length"}})
		return
	}
	mode := "local"
	if s.queue.Distributed() {
		mode = "distributed"
	}
	c.JSON(http.StatusOK, gin.H{"length": length, "mode": mode})
}

func (s *Server) health(c *gin.Context) {
	ctx := c.Request.Context()

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "connected"
		if err := s.redis.RDB().Ping(ctx).Err(); err != nil {
			redisStatus = "disconnected"
		}
	}

	storeStatus := "connected"
	users, err := s.accounts.TotalUsers(ctx)
	if err != nil {
		storeStatus = "disconnected"
	}

	queueLength, _ := s.queue.Len(ctx)

	status := "healthy"
	if storeStatus != "connected" || redisStatus == "disconnected" {
		status = "unhealthy"
	}

	response := gin.H{
		"status":       status,
		"store":        storeStatus,
		"redis":        redisStatus,
		"queue_length": queueLength,
		"users":        users,
	}
	if status == "unhealthy" {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

type ingestStatsRequest struct {
	PUUID string   `json:"puuid" binding:"required"`
	Items []string `json:"items" binding:"required"`
}

// ingestStats records one fetched daily shop. Shards post here after a
// shop fetch; a player's shop counts at most once per day.
func (s *Server) ingestStats(c *gin.Context) {
	if s.tracker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "stats_disabled", "message": "store statistics are not enabled"}})
		return
	}
	var req ingestStatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_body", "message": err.Error()}})
		return
	}
	s.tracker.AddStore(req.PUUID, req.Items)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) overallStats(c *gin.Context) {
	if s.tracker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "stats_disabled", "message": "store statistics are not enabled"}})
		return
	}
	c.JSON(http.StatusOK, s.tracker.OverallStats())
}

func (s *Server) itemStats(c *gin.Context) {
	if s.tracker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "stats_disabled", "message": "store statistics are not enabled"}})
		return
	}
	c.JSON(http.StatusOK, s.tracker.StatsFor(c.Param("uuid")))
}

// accountPayload is the shard-facing account shape. Unlike the admin
// views this carries credentials raw: the shards are the ones that need
// them back to talk to upstream.
type accountPayload struct {
	PUUID            string          `json:"puuid" binding:"required"`
	Username         string          `json:"username" binding:"required"`
	Region           string          `json:"region"`
	Auth             json.RawMessage `json:"auth"`
	Alerts           []store.Alert   `json:"alerts"`
	AuthFailures     int             `json:"auth_failures"`
	LastFetchedData  int64           `json:"last_fetched_data"`
	LastNoticeSeen   string          `json:"last_notice_seen"`
	LastSawEasterEgg int64           `json:"last_saw_easter_egg"`
}

func (p accountPayload) toAccount(userID string) *store.Account {
	return &store.Account{
		PUUID:            p.PUUID,
		UserID:           userID,
		Username:         p.Username,
		Region:           p.Region,
		Auth:             p.Auth,
		Alerts:           p.Alerts,
		AuthFailures:     p.AuthFailures,
		LastFetchedData:  p.LastFetchedData,
		LastNoticeSeen:   p.LastNoticeSeen,
		LastSawEasterEgg: p.LastSawEasterEgg,
	}
}

// linkAccount adds or re-links an account; the linked account becomes the
// user's current one and alerts from an earlier link survive.
func (s *Server) linkAccount(c *gin.Context) {
	userID := c.Param("user_id")
	if _, err := security.ParseUserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_user_id", "message": err.Error()}})
		return
	}
	var payload accountPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_body", "message": err.Error()}})
		return
	}

	ctx := c.Request.Context()
	if err := s.accounts.Add(ctx, payload.toAccount(userID)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "store_error", "message": "could not link account"}})
		return
	}
	count, err := s.accounts.Count(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "store_error", "message": "could not count accounts"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"linked": true, "count": count})
}

// saveAccount persists refreshed account state (new tokens, failure
// counters) without changing which account is current, unless the account
// was never linked, in which case it is.
func (s *Server) saveAccount(c *gin.Context) {
	userID := c.Param("user_id")
	if _, err := security.ParseUserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_user_id", "message": err.Error()}})
		return
	}
	var payload accountPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_body", "message": err.Error()}})
		return
	}

	if err := s.accounts.Save(c.Request.Context(), payload.toAccount(userID)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "store_error", "message": "could not save account"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

// currentAccount returns the user's current account, with credentials,
// for the shard serving that user.
func (s *Server) currentAccount(c *gin.Context) {
	userID := c.Param("user_id")
	if _, err := security.ParseUserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_user_id", "message": err.Error()}})
		return
	}

	ctx := c.Request.Context()
	account, err := s.accounts.Current(ctx, userID, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "store_error", "message": "could not load account"}})
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "no account linked"}})
		return
	}
	count, err := s.accounts.Count(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "store_error", "message": "could not count accounts"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account": accountPayload{
			PUUID:            account.PUUID,
			Username:         account.Username,
			Region:           account.Region,
			Auth:             account.Auth,
			Alerts:           account.Alerts,
			AuthFailures:     account.AuthFailures,
			LastFetchedData:  account.LastFetchedData,
			LastNoticeSeen:   account.LastNoticeSeen,
			LastSawEasterEgg: account.LastSawEasterEgg,
		},
		"count": count,
	})
}

// accountView is the admin-facing account shape. Credentials are masked;
// the admin surface never needs to read them back.
type accountView struct {
	PUUID        string        `json:"puuid"`
	Username     string        `json:"username"`
	Region       string        `json:"region,omitempty"`
	Auth         string        `json:"auth"`
	Alerts       []store.Alert `json:"alerts,omitempty"`
	AuthFailures int           `json:"auth_failures"`
	CreatedAt    int64         `json:"created_at"`
}

func (s *Server) getUser(c *gin.Context) {
	userID := c.Param("user_id")
	if _, err := security.ParseUserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_user_id", "message": err.Error()}})
		return
	}

	user, err := s.accounts.Get(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "store_error", "message": "could not load user"}})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "user not found"}})
		return
	}

	views := make([]accountView, 0, len(user.Accounts))
	for _, account := range user.Accounts {
		views = append(views, accountView{
			PUUID:        account.PUUID,
			Username:     account.Username,
			Region:       account.Region,
			Auth:         logging.MaskSecret(string(account.Auth)),
			Alerts:       account.Alerts,
			AuthFailures: account.AuthFailures,
			CreatedAt:    account.CreatedAt.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"id":              user.ID,
		"current_account": user.CurrentAccount,
		"settings":        user.Settings,
		"accounts":        views,
	})
}

func (s *Server) listUsers(c *gin.Context) {
	ids, err := s.accounts.UserIDs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "store_error", "message": "could not list users"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(ids), "ids": ids})
}

func (s *Server) deleteUser(c *gin.Context) {
	userID := c.Param("user_id")
	if _, err := security.ParseUserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_user_id", "message": err.Error()}})
		return
	}
	if err := s.accounts.DeleteAll(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "store_error", "message": "could not delete user"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) deleteAccount(c *gin.Context) {
	userID := c.Param("user_id")
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_account", "message": "account number must be a positive integer"}})
		return
	}

	username, err := s.accounts.Delete(c.Request.Context(), userID, number)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "store_error", "message": "could not delete account"}})
		return
	}
	if username == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "no such account"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "username": username})
}

func (s *Server) switchAccount(c *gin.Context) {
	userID := c.Param("user_id")

	// the identifier may be a position, a username or a puuid
	identifier := c.Param("number")
	number, err := strconv.Atoi(identifier)
	if err != nil {
		number, err = s.accounts.FindIndex(c.Request.Context(), userID, identifier)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "store_error", "message": "could not resolve account"}})
			return
		}
	}
	if number < 1 {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "no account matches that identifier"}})
		return
	}

	account, err := s.accounts.Switch(c.Request.Context(), userID, number)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "switch_failed", "message": err.Error()}})
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "user not found"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"switched": true, "username": account.Username})
}

func (s *Server) dedupeAccounts(c *gin.Context) {
	userID := c.Param("user_id")
	if err := s.accounts.RemoveDuplicates(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "store_error", "message": "could not deduplicate accounts"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) triggerBackup(c *gin.Context) {
	if s.backups == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "backup_disabled", "message": "backups are not configured"}})
		return
	}
	s.backups.Once(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
