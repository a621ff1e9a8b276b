package web

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// MiddleLogger writes one structured visit-log line per request to its own
// rotated file, separate from the logic log.
func MiddleLogger(visitLogFile string, notLogged ...string) gin.HandlerFunc {
	visitLog := logrus.New()
	visitLog.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
	})
	visitLog.Out = &lumberjack.Logger{
		Filename:   visitLogFile,
		MaxSize:    500,
		MaxBackups: 10,
		MaxAge:     28,
		Compress:   true,
	}
	visitLog.SetLevel(logrus.DebugLevel)

	var skip map[string]struct{}
	if len(notLogged) > 0 {
		skip = make(map[string]struct{}, len(notLogged))
		for _, p := range notLogged {
			skip[p] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		start := time.Now()
		c.Next()

		if _, ok := skip[path]; ok {
			return
		}

		statusCode := c.Writer.Status()
		dataLength := c.Writer.Size()
		if dataLength < 0 {
			dataLength = 0
		}

		entry := visitLog.WithFields(logrus.Fields{
			"statusCode": statusCode,
			"latency":    fmt.Sprintf("%d us", int(math.Ceil(float64(time.Since(start).Nanoseconds())/1000.0))),
			"clientIP":   c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"dataLength": dataLength,
			"userAgent":  c.Request.UserAgent(),
		})

		if len(c.Errors) > 0 {
			entry.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
			return
		}
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error()
		case statusCode >= http.StatusBadRequest:
			entry.Warn()
		default:
			entry.Info()
		}
	}
}
