package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"lifecenter/session"
)

const (
	sessionKey = "session"
	ownerKey   = "owner"
)

// GzipRequestMiddleware inflates gzip request bodies. A body that is not
// valid gzip is answered with 400.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !acceptsGzip(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}
			gr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = &inflatedBody{Reader: gr, raw: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func acceptsGzip(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type inflatedBody struct {
	*gzip.Reader
	raw io.Closer
}

func (b *inflatedBody) Close() error {
	return errors.Join(b.Reader.Close(), b.raw.Close())
}

// sessionMiddleware authenticates the request and attaches the owner's live
// session to the echo context.
func sessionMiddleware(sessions Sessions, auth Authenticator, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner, err := auth.OwnerFromAuthHeader(authHeader(c.Request()))
			if err != nil {
				return c.String(http.StatusUnauthorized, err.Error())
			}
			s, err := sessions.Get(c.Request().Context(), owner)
			if err != nil {
				if !errors.Is(err, session.ErrClosed) {
					logger.WithError(err).WithField("owner", owner).Error("open session")
				}
				return c.String(http.StatusServiceUnavailable, "storage unavailable")
			}
			c.Set(ownerKey, owner)
			c.Set(sessionKey, s)
			return next(c)
		}
	}
}

func currentSession(c echo.Context) *session.Session {
	s, _ := c.Get(sessionKey).(*session.Session)
	return s
}

func currentOwner(c echo.Context) string {
	o, _ := c.Get(ownerKey).(string)
	return o
}
