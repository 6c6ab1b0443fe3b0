package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIServer hosts the local control surface.
type APIServer struct {
	srv    *http.Server
	logger *zap.SugaredLogger
}

func NewAPIServer(addr string, handler *StatusHandler, logger *zap.SugaredLogger) *APIServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler.SetupRoutes(router)

	return &APIServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: router,
		},
		logger: logger,
	}
}

// Run serves until Shutdown; it returns the listener error, nil on clean
// shutdown.
func (s *APIServer) Run() error {
	s.logger.Infow("api server listening", "address", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
