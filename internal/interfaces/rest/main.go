package rest

import (
	"expvar"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/labstack/echo/v4"
	echo_middleware "github.com/labstack/echo/v4/middleware"
	"go.elastic.co/apm/module/apmechov4"
	"go.uber.org/zap"

	infra "github.com/pot-code/progress-sync/internal/infrastructure"
	"github.com/pot-code/progress-sync/internal/infrastructure/auth"
	"github.com/pot-code/progress-sync/internal/infrastructure/driver"
	"github.com/pot-code/progress-sync/internal/infrastructure/validate"
	"github.com/pot-code/progress-sync/internal/interfaces/rest/handler"
	"github.com/pot-code/progress-sync/internal/interfaces/rest/middleware"
	"github.com/pot-code/progress-sync/internal/session"
)

// Pinger dependency checked by the liveness probe
type Pinger interface {
	Ping() error
}

// ServerOption .
type ServerOption struct {
	Config    *infra.AppConfig
	Sessions  *session.Manager
	Blacklist driver.KeyValueDB // revoked tokens
	Health    []Pinger
	Logger    *zap.Logger
}

// NewServer create http transport server
func NewServer(opt *ServerOption) *echo.Echo {
	var (
		option    = opt.Config
		logger    = opt.Logger
		app       = echo.New()
		validator = validate.NewValidator()
		jwtUtil   = auth.NewJWTUtil(option.Security.JWTMethod,
			option.Security.JWTSecret,
			option.Security.TokenName,
			option.Security.TokenTTL)
		jwtMiddleware = middleware.VerifyToken(jwtUtil, &middleware.ValidateTokenOption{
			InBlackList: func(token string) (bool, error) {
				return opt.Blacklist.Exists(auth.BlacklistKey(token))
			},
		})
	)
	app.HideBanner = true
	app.HidePort = true

	registerLivenessProbe(app, opt.Health)
	if option.Env == infra.EnvDevelopment {
		registerProfileEndpoints(app)

		app.Use(middleware.Logging(logger, &middleware.LoggingConfig{
			Skipper: func(e echo.Context) bool {
				return strings.HasPrefix(e.Request().RequestURI, "/healthz")
			},
		}))
	}
	app.Use(middleware.ErrorHandling(
		&middleware.ErrorHandlingOption{
			Handler: func(c echo.Context, err error) {
				traceID := c.Response().Header().Get(echo.HeaderXRequestID)
				c.JSON(http.StatusInternalServerError,
					handler.NewRESTStandardError(http.StatusInternalServerError, err.Error()).SetTraceID(traceID),
				)
				logger.Error(err.Error(), zap.String("trace.id", traceID))
			},
		},
	))
	app.Use(echo_middleware.Secure())
	if option.DevOP.APM {
		app.Use(apmechov4.Middleware())
	}
	app.Use(echo_middleware.CORS())
	app.Use(middleware.AbortRequest(&middleware.AbortRequestOption{
		Skipper: func(c echo.Context) bool {
			return strings.HasSuffix(c.Path(), "/ws/progress")
		},
	}))

	var (
		ProgressHandler = handler.NewProgressHandler(opt.Sessions, jwtUtil, validator)
		SessionHandler  = handler.NewSessionHandler(opt.Sessions, jwtUtil, opt.Blacklist)
	)

	createEndpoint(app,
		&endpoint{
			apiVersion: "api/v1",
			middlewares: []echo.MiddlewareFunc{
				echo_middleware.RequestID(),
				middleware.SetTraceLogger(logger),
				jwtMiddleware,
			},
			groups: []*apiGroup{
				{
					prefix: "/courses/:course",
					routes: []*route{
						{"GET", "/progress", ProgressHandler.HandleGetCourseProgress, nil},
						{"GET", "/modules/:module/progress", ProgressHandler.HandleGetModuleProgress, nil},
						{"GET", "/modules/:module/contents/:content/progress", ProgressHandler.HandleGetContentProgress, nil},
						{"PUT", "/modules/:module/contents/:content/progress", ProgressHandler.HandlePutContentProgress, nil},
						{"POST", "/modules/:module/contents/:content/complete", ProgressHandler.HandleCompleteContent, nil},
						{"POST", "/modules/:module/contents/:content/interactions", ProgressHandler.HandleTrackInteraction, nil},
					},
				},
				{
					prefix: "",
					routes: []*route{
						{"GET", "/progress", ProgressHandler.HandleGetAllProgress, nil},
						{"POST", "/sync", ProgressHandler.HandleSync, nil},
						{"GET", "/sync/status", ProgressHandler.HandleSyncStatus, nil},
					},
				},
				{
					prefix: "/session",
					routes: []*route{
						{"PUT", "/sign-out", SessionHandler.HandleSignOut, nil},
					},
				},
				{
					prefix: "/ws",
					routes: []*route{
						{"GET", "/progress", infra.WithHeartbeat(ProgressHandler.HandleProgressStream), nil},
					},
				},
			},
		})

	printRoutes(app, logger)
	return app
}

// Serve start the server, blocks until it is shut down
func Serve(app *echo.Echo, option *infra.AppConfig) error {
	err := app.Start(fmt.Sprintf("%s:%d", option.Host, option.Port))
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func printRoutes(app *echo.Echo, logger *zap.Logger) {
	for _, route := range app.Routes() {
		if !strings.HasPrefix(route.Name, "github.com/labstack/echo") {
			logger.Debug("Registered route", zap.String("method", route.Method), zap.String("path", route.Path))
		}
	}
}

func registerLivenessProbe(app *echo.Echo, deps []Pinger) {
	app.GET("/healthz", func(c echo.Context) error {
		for _, d := range deps {
			if d.Ping() != nil {
				return c.NoContent(http.StatusServiceUnavailable)
			}
		}
		return c.NoContent(http.StatusOK)
	})
}

func registerProfileEndpoints(app *echo.Echo) {
	expvarHandler := expvar.Handler()
	app.GET("/debug/vars", func(c echo.Context) error {
		expvarHandler.ServeHTTP(c.Response().Writer, c.Request())
		return nil
	})
	app.GET("/debug/pprof/", func(c echo.Context) error {
		pprof.Index(c.Response().Writer, c.Request())
		return nil
	})
	app.GET("/debug/pprof/:name", func(c echo.Context) error {
		switch c.Param("name") {
		case "cmdline":
			pprof.Cmdline(c.Response().Writer, c.Request())
		case "profile":
			pprof.Profile(c.Response().Writer, c.Request())
		case "symbol":
			pprof.Symbol(c.Response().Writer, c.Request())
		case "trace":
			pprof.Trace(c.Response().Writer, c.Request())
		default:
			pprof.Handler(c.Param("name")).ServeHTTP(c.Response().Writer, c.Request())
		}
		return nil
	})
}
