package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zhengjr9/coze-gateway/internal/adapter/openai"
	"github.com/zhengjr9/coze-gateway/internal/config"
	"github.com/zhengjr9/coze-gateway/internal/coze"
)

const indexPage = `<html>
  <head>
    <title>COZE2OPENAI</title>
  </head>
  <body>
    <h1>Coze2OpenAI</h1>
    <p>Congratulations! Your project has been successfully deployed.</p>
  </body>
</html>`

// Server is the gateway HTTP server.
type Server struct {
	httpServer *http.Server
}

// New constructs a Server from the given config and token source.
func New(cfg *config.Config, tokens *coze.TokenSource) *Server {
	client := coze.NewClient(cfg.APIBase, cfg.RequestTimeout)
	oaHandler := openai.NewHandler(client, tokens, cfg.BotConfig, cfg.DefaultBotID, cfg.RequestTimeout)

	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, indexPage)
	}).Methods(http.MethodGet)
	router.Handle("/v1/chat/completions", oaHandler).Methods(http.MethodPost)

	// CORS sits outside the router so OPTIONS preflights are answered without
	// needing a matching route.
	var handler http.Handler = router
	handler = corsMiddleware(handler)
	handler = loggingMiddleware(handler)
	handler = recoveryMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:        cfg.ListenAddr,
			Handler:     handler,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
	}
}

// Start begins listening and blocks until the server is stopped.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Handler returns the underlying http.Handler (for use in tests with httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
