// Package main is the entry point for the dispatch engine's API server.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"dispatchengine/internal/agent"
	"dispatchengine/internal/agentcache"
	"dispatchengine/internal/auth"
	"dispatchengine/internal/cache"
	"dispatchengine/internal/channel"
	"dispatchengine/internal/config"
	"dispatchengine/internal/convqueue"
	"dispatchengine/internal/database"
	"dispatchengine/internal/dispatch"
	"dispatchengine/internal/filestore"
	"dispatchengine/internal/handlerregistry"
	"dispatchengine/internal/handlers"
	"dispatchengine/internal/historyadapter"
	"dispatchengine/internal/indexer"
	"dispatchengine/internal/knowledge"
	"dispatchengine/internal/llmclient"
	"dispatchengine/internal/msghandler"
	"dispatchengine/internal/retrieval"
	"dispatchengine/internal/sparseembed"
	"dispatchengine/internal/tools"
	"dispatchengine/internal/vectorindex"
	ws "dispatchengine/internal/websocket"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Critical error loading configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Dependency Injection ---
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Critical error! Failed to connect to the database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		log.Fatalf("Critical error during database migration: %v", err)
	}

	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Critical error! Invalid Redis URL: %v", err)
	}
	convCache := cache.New(redisClient)

	authSvc, err := auth.NewAuthService(cfg.SecretKey, cfg.Algorithm, cfg.AccessTokenExpire, cfg.RefreshTokenExpire)
	if err != nil {
		log.Fatalf("Critical error: failed to create authentication service: %v", err)
	}

	files, err := filestore.New(cfg.FileStoreBaseDir, cfg.MaxUploadBytes)
	if err != nil {
		log.Fatalf("Critical error! Failed to initialize file store: %v", err)
	}

	vecIndex, err := vectorindex.New(ctx, vectorindex.Config{
		URL:               cfg.VectorStoreURL,
		APIKey:            cfg.VectorStoreAPIKey,
		Collection:        cfg.VectorCollection,
		Dimension:         cfg.VectorDimension,
		CreateCollections: cfg.QdrantCreateCollections,
	})
	if err != nil {
		log.Fatalf("Critical error! Failed to connect to the vector index: %v", err)
	}

	sparse := sparseembed.New(sparseembed.Config{
		PersistPath: cfg.FileStoreBaseDir + "/sparse_vocab.gob",
	})
	if err := sparse.Load(); err != nil {
		log.Printf("[startup] sparse vocabulary not yet fitted, starting empty: %v", err)
	}

	llm := llmclient.New(cfg.EmbeddingProviderURL, cfg.EmbeddingProviderKey, cfg.HTTPClientTimeout)

	knowledgeRepo := knowledge.New(db)
	idx := indexer.New(knowledgeRepo, vecIndex, llm, sparse, indexer.Config{
		EmbedConcurrency: cfg.EmbeddingConcurrency,
		SofficeAvailable: cfg.SofficeAvailable,
		OCRAvailable:     cfg.OCRAvailable,
	})
	retrievalSvc := retrieval.New(vecIndex, llm, knowledgeRepo)

	history := historyadapter.New(db)

	reg := prometheus.NewRegistry()
	handlerMetrics := msghandler.NewMetrics(reg, "dispatchengine")

	agents := agentcache.New(agentcache.Config{MaxEntries: cfg.MaxAgents, IdleTimeout: cfg.DispatcherIdleEvict})

	hub := ws.NewHub()
	go hub.Run()

	senders := channel.Registry{
		channel.KindWebSocket: channel.NewWebSocketSender(hub),
		// Instagram DM / WhatsApp Business / WhatsApp personal send
		// primitives live in external services; these stubs let the
		// dispatcher route to them uniformly once a deployment wires a
		// real SendFunc/PublishFunc.
		channel.KindInstagramDM:      &channel.StubSender{},
		channel.KindWhatsAppBusiness: &channel.StubSender{},
		channel.KindWhatsAppPersonal: &channel.StubSender{},
	}

	toolRegistry := tools.Registry()
	newAgent := func(businessID, agentID string) dispatch.AgentRunner {
		return agent.New(businessID, agentID, db, history, llm, toolRegistry)
	}

	dispatcher := dispatch.New(agents, newAgent, db, db, convCache, senders, handlerMetrics, retrievalSvc, dispatch.Config{
		InvokeTimeout: cfg.AgentInvokeTimeout,
	})

	newHandler := func(key handlerregistry.Key) *msghandler.Handler {
		sem := semaphore.NewWeighted(int64(cfg.MaxAgentCallsPerHandler))
		return msghandler.New(ctx, msghandler.Config{
			MaxTotalQueues: cfg.MaxTotalQueues,
			QueueConfig: convqueue.Config{
				MaxQueueSize: cfg.MaxQueueSize,
				BatchTimeout: cfg.BatchTimeout,
				IdleTimeout:  cfg.QueueIdleTimeout,
				DispatchSem:  sem,
			},
		}, dispatcher.Handle, db, convCache, history, handlerMetrics)
	}

	registry := handlerregistry.New(handlerregistry.Config{MaxHandlers: cfg.MaxHandlers}, db)

	// --- Background sweeps ---
	// The schedule is cron-shaped (SWEEP_SCHEDULE, validated at startup);
	// a minute tick checks whether the expression is due.
	gron := gronx.New()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if due, err := gron.IsDue(cfg.SweepSchedule, time.Now()); err != nil || !due {
					continue
				}
				if n := agents.SweepIdle(); n > 0 {
					log.Printf("[sweep] evicted %d idle agent instances", n)
				}
				if n := registry.SweepInactive(func(h *msghandler.Handler) bool { return h.IsInactive() }); n > 0 {
					log.Printf("[sweep] evicted %d inactive message handlers", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// --- Router and Server Setup ---
	router := setupRouter(db, cfg, authSvc, hub, registry, newHandler, knowledgeRepo, files, idx, vecIndex, reg)
	srv := &http.Server{Addr: cfg.ServerAddr, Handler: router}

	go func() {
		log.Printf("Server is ready for connections and listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed with error: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("Shutdown signal received. Starting graceful shutdown...")
	registry.StopAll()
	agents.StopAll()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Error during graceful server shutdown: %v", err)
	}

	log.Printf("Server stopped successfully. Background tasks can continue for up to %v.", cfg.ShutdownFinalSleep)
	time.Sleep(cfg.ShutdownFinalSleep)
	log.Println("Exiting.")
}

// setupRouter initializes every handler and registers every route.
func setupRouter(
	db *database.DB,
	cfg *config.AppConfig,
	authSvc *auth.AuthService,
	hub *ws.Hub,
	registry *handlerregistry.Registry,
	newHandler ws.HandlerFactory,
	knowledgeRepo *knowledge.Repository,
	files *filestore.Store,
	idx *indexer.Worker,
	vecIndex *vectorindex.Index,
	promReg *prometheus.Registry,
) *chi.Mux {
	authHandler := &handlers.AuthHandler{DB: db, AuthService: authSvc, GoogleClientID: cfg.GoogleClientID}
	knowledgeHandler := handlers.NewKnowledgeHandler(knowledgeRepo, files, idx, vecIndex)
	channelHandler := handlers.NewChannelHandler(registry, func(key handlerregistry.Key) *msghandler.Handler {
		return newHandler(key)
	})
	wsHandler := handlers.NewWSHandler(hub, registry, newHandler, cfg)

	r := chi.NewRouter()

	setupCORS(r, cfg)
	r.Use(chimiddleware.Logger, chimiddleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/google", authHandler.GoogleLogin)
		r.Post("/auth/refresh", authHandler.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(authHandler.AuthMiddleware)

			r.Get("/me", authHandler.Me)

			r.Route("/knowledge/sources", func(r chi.Router) {
				r.Get("/", knowledgeHandler.List)
				r.Post("/", knowledgeHandler.Create)
				r.Post("/upload", knowledgeHandler.CreateUpload)
				r.Get("/{sourceID}", knowledgeHandler.Get)
				r.Post("/{sourceID}/reindex", knowledgeHandler.Reindex)
				r.Delete("/{sourceID}", knowledgeHandler.Delete)
			})

			r.Get("/ws", wsHandler.ServeWs)
		})
	})

	r.Route("/internal/channels/{channel}/messages", func(r chi.Router) {
		r.Use(authHandler.AuthMiddleware)
		r.Post("/", channelHandler.Inbound)
	})

	return r
}

func setupCORS(r *chi.Mux, cfg *config.AppConfig) {
	allowedOrigins := strings.Split(cfg.CORSAllowedOrigins, ",")
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Origin", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		MaxAge:           cfg.CORSMaxAge,
	}).Handler)
}
