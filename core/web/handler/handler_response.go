package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/amosehiguese/soltrader/core/apperr"
)

type Response struct {
	Code    int64       `json:"code"`
	Message string      `json:"msg"`
	Data    interface{} `json:"data"`
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &Response{Code: http.StatusOK, Message: "success", Data: data})
}

// fail maps the error taxonomy onto HTTP status codes: operator mistakes are
// 4xx, everything else is a 500 with the detail kept in the logic log.
func fail(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case apperr.IsValidation(err):
		status = http.StatusBadRequest
		msg = err.Error()
	case apperr.IsInsufficientBalance(err):
		status = http.StatusConflict
		msg = err.Error()
	}
	c.JSON(status, &Response{Code: int64(status), Message: msg})
}
