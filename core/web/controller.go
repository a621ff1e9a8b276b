package web

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/amosehiguese/soltrader/config"
	"github.com/amosehiguese/soltrader/core/web/handler"
	"github.com/amosehiguese/soltrader/utils/logger"
)

func ServerRoute(api *handler.API) *gin.Engine {
	router := gin.New()

	recoverFile, err := os.OpenFile("./log/recover.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil || recoverFile == nil {
		if err != nil {
			logger.Logrus.WithFields(logrus.Fields{"ErrMsg": err.Error()}).Error("open recover log file failed")
		} else {
			logger.Logrus.Error("open recover log file failed:recoverFile is nil")
		}
		return nil
	}

	visitLogFile := config.GetWebConfig().VisitLogFile
	if visitLogFile == "" {
		visitLogFile = "./log/visit.log"
	}

	router.Use(MiddleLogger(visitLogFile, "/health"), gin.RecoveryWithWriter(recoverFile))

	router.GET("/health", api.Health)
	router.GET("/pool/stats", api.PoolStats)

	router.POST("/sessions", api.CreateSession)
	router.POST("/sessions/:id/start", api.StartSession)
	router.POST("/sessions/:id/pause", api.PauseSession)
	router.POST("/sessions/:id/resume", api.ResumeSession)
	router.POST("/sessions/:id/stop", api.StopSession)
	router.GET("/sessions/:id/state", api.SessionState)
	router.GET("/sessions/:id/metrics", api.SessionMetrics)

	return router
}

// Run blocks until SIGINT or SIGTERM, then drains in-flight requests before
// returning so the caller can shut down the trading components behind it.
func Run(api *handler.API) {
	router := ServerRoute(api)
	if router == nil {
		return
	}

	listen := config.GetWebConfig().Listen
	if listen == "" {
		listen = ":8080"
	}

	server := &http.Server{
		Addr:         listen,
		Handler:      router,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logrus.WithFields(logrus.Fields{"ErrMsg": err}).Fatal("Server start failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Logrus.WithFields(logrus.Fields{"ErrMsg": err.Error()}).Error("Server forced to shutdown")
	}
}
