package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"thirdcoast.systems/lumen/cmd/web/handlers/api/album_api"
	"thirdcoast.systems/lumen/cmd/web/handlers/api/job_api"
	"thirdcoast.systems/lumen/cmd/web/handlers/api/user_api"
	"thirdcoast.systems/lumen/internal/federation"
	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/library"
	"thirdcoast.systems/lumen/internal/queue"
)

// Options wires the webserver to its stores.
type Options struct {
	Jobs     jobs.Store
	Library  library.Store
	Enqueuer *queue.Enqueuer
	// Users may be nil, in which case POST /api/users is not mounted.
	Users user_api.UserCreator
	// Signer is nil when federation is disabled; /s2s is then not mounted.
	Signer     *federation.Signer
	MediaDir   string
	AdminToken string
	InviteTTL  time.Duration
	Logger     *slog.Logger
}

type Webserver struct {
	*echo.Echo
	opts Options
	log  *slog.Logger
}

func NewWebserver(opts Options) (*Webserver, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	webserver := &Webserver{
		Echo: echo.New(),
		opts: opts,
		log:  opts.Logger,
	}

	if err := webserver.setupMiddleware(); err != nil {
		return nil, err
	}
	if err := webserver.registerRoutes(); err != nil {
		return nil, err
	}
	return webserver, nil
}

func (s *Webserver) setupMiddleware() error {
	s.HideBanner = true
	s.HidePort = true
	s.Use(middleware.BodyLimit("2M"))
	s.Use(middleware.Recover())
	s.Use(middleware.RequestID())
	s.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/healthz"
		},
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  false,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []any{
				"method", v.Method,
				"uri", redactQuery(v.URI),
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				fields = append(fields, "error", v.Error)
			}
			s.log.Info("request", fields...)
			return nil
		},
	}))
	return nil
}

// redactQuery drops the query string, which may name private files.
func redactQuery(uri string) string {
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		return uri[:i]
	}
	return uri
}

func (s *Webserver) registerRoutes() error {
	s.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if s.opts.Signer != nil {
		federation.NewServer(s.opts.Library, s.opts.Signer, s.opts.MediaDir, s.log).Register(s.Echo)
	} else {
		s.log.Info("S2S_SECRET or PUBLIC_URL not set; federation endpoints disabled")
	}

	if s.opts.AdminToken == "" {
		s.log.Info("ADMIN_TOKEN not set; admin API disabled")
		return nil
	}

	apiGroup := s.Group("/api", s.requireAdminToken)
	apiGroup.GET("/jobs", job_api.HandleIndex(s.opts.Jobs))
	apiGroup.GET("/jobs/failures", job_api.HandleFailures(s.opts.Jobs))
	apiGroup.POST("/jobs", job_api.HandleCreate(s.opts.Enqueuer, s.opts.Library))
	apiGroup.POST("/albums/import", album_api.HandleImport(s.opts.Enqueuer, s.opts.Library))
	apiGroup.POST("/albums/:id/invites", album_api.HandleCreateInvite(s.opts.Library, s.opts.Signer, s.opts.InviteTTL))
	if s.opts.Users != nil {
		apiGroup.POST("/users", user_api.HandleCreate(s.opts.Users))
	}
	return nil
}

func (s *Webserver) requireAdminToken(next echo.HandlerFunc) echo.HandlerFunc {
	want := []byte(s.opts.AdminToken)
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		got := []byte(strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			s.log.Warn("admin token rejected", "remote_ip", c.RealIP())
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		return next(c)
	}
}
