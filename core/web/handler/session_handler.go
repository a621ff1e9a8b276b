package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/amosehiguese/soltrader/core/rpcpool"
	"github.com/amosehiguese/soltrader/core/trader"
	"github.com/amosehiguese/soltrader/utils/logger"
)

// API exposes the session lifecycle over HTTP. All trading state lives in the
// orchestrator and the store; handlers only translate requests.
type API struct {
	Trader *trader.Orchestrator
	Pool   *rpcpool.Pool
}

func NewAPI(tr *trader.Orchestrator, pool *rpcpool.Pool) *API {
	return &API{Trader: tr, Pool: pool}
}

func (a *API) Health(c *gin.Context) {
	ok(c, gin.H{"status": "up"})
}

func (a *API) PoolStats(c *gin.Context) {
	ok(c, a.Pool.Stats())
}

type createSessionInput struct {
	TokenMint     string `json:"tokenMint" binding:"required"`
	TokenSymbol   string `json:"tokenSymbol"`
	TokenDecimals int64  `json:"tokenDecimals"`
	Tier          string `json:"tier" binding:"required"`
	Autotrade     bool   `json:"autotrade"`
}

func (a *API) CreateSession(c *gin.Context) {
	var inp createSessionInput
	if err := c.ShouldBind(&inp); err != nil {
		logger.Logrus.WithFields(logrus.Fields{"ErrMsg": err}).Error("CreateSession parse parameter failed")
		c.JSON(http.StatusBadRequest, &Response{Code: http.StatusBadRequest, Message: "invalid input parameters"})
		return
	}

	sess, err := a.Trader.CreateSession(c.Request.Context(), inp.TokenMint, inp.TokenSymbol, inp.TokenDecimals, inp.Tier, inp.Autotrade)
	if err != nil {
		logger.Logrus.WithFields(logrus.Fields{"TokenMint": inp.TokenMint, "Tier": inp.Tier, "ErrMsg": err}).Error("CreateSession failed")
		fail(c, err, "create session failed")
		return
	}

	ok(c, gin.H{
		"sessionId":    sess.ID,
		"vaultAddress": sess.VaultAddress,
		"status":       sess.Status,
	})
}

func (a *API) StartSession(c *gin.Context) {
	id := c.Param("id")
	if err := a.Trader.Start(id); err != nil {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": id, "ErrMsg": err}).Error("StartSession failed")
		fail(c, err, "start session failed")
		return
	}
	ok(c, nil)
}

type reasonInput struct {
	Reason string `json:"reason"`
}

func (a *API) PauseSession(c *gin.Context) {
	id := c.Param("id")
	var inp reasonInput
	_ = c.ShouldBind(&inp)
	if inp.Reason == "" {
		inp.Reason = "operator request"
	}

	if err := a.Trader.Pause(id, inp.Reason); err != nil {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": id, "ErrMsg": err}).Error("PauseSession failed")
		fail(c, err, "pause session failed")
		return
	}
	ok(c, nil)
}

func (a *API) ResumeSession(c *gin.Context) {
	id := c.Param("id")
	if err := a.Trader.Resume(id); err != nil {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": id, "ErrMsg": err}).Error("ResumeSession failed")
		fail(c, err, "resume session failed")
		return
	}
	ok(c, nil)
}

func (a *API) StopSession(c *gin.Context) {
	id := c.Param("id")
	var inp reasonInput
	_ = c.ShouldBind(&inp)
	if inp.Reason == "" {
		inp.Reason = "operator request"
	}

	if err := a.Trader.Stop(id, inp.Reason); err != nil {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": id, "ErrMsg": err}).Error("StopSession failed")
		fail(c, err, "stop session failed")
		return
	}
	ok(c, nil)
}

func (a *API) SessionState(c *gin.Context) {
	id := c.Param("id")
	state, err := a.Trader.GetState(c.Request.Context(), id)
	if err != nil {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": id, "ErrMsg": err}).Error("SessionState failed")
		fail(c, err, "session not found")
		return
	}
	ok(c, state)
}

func (a *API) SessionMetrics(c *gin.Context) {
	id := c.Param("id")
	m, err := a.Trader.GetMetrics(c.Request.Context(), id)
	if err != nil {
		logger.Logrus.WithFields(logrus.Fields{"SessionID": id, "ErrMsg": err}).Error("SessionMetrics failed")
		fail(c, err, "session not found")
		return
	}
	ok(c, m)
}
