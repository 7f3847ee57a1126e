package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	applogger "FeatPull/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Recover converts a panic into the standard error envelope with status 500.
// The stack is logged, never returned.
func Recover(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				if l != nil {
					l.Error("panic in handler",
						applogger.String("method", c.Request().Method),
						applogger.String("route", c.Path()),
						applogger.String("panic", fmt.Sprint(r)),
						applogger.String("stack", string(debug.Stack())))
				}
				if c.Response().Committed {
					return
				}
				err = c.JSON(http.StatusInternalServerError, map[string]interface{}{
					"status":  http.StatusInternalServerError,
					"code":    "ERR_INTERNAL",
					"message": "internal server error",
				})
			}()
			return next(c)
		}
	}
}
