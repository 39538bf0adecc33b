package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"chat_server/server/chat/api"
	"chat_server/server/chat/service"
	"chat_server/server/chat/store"
	commonauth "chat_server/server/common/auth"
	"chat_server/server/common/infra/cache"
	"chat_server/server/common/infra/catalog"
	"chat_server/server/common/infra/db"
	"chat_server/server/common/infra/mq"
	commonlog "chat_server/server/common/log"
)

type Server struct {
	HTTPServer *http.Server
	Hub        *service.Hub
	Bridge     *service.StatusBridge
	Redis      *redis.Client
	MQConn     *amqp.Connection
	DB         *pgxpool.Pool
	Publisher  *service.AMQPPublisher
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var redisClient *redis.Client
	if cfg.UseRedis {
		redisClient = cache.NewClient(cfg.RedisAddr)
		if err := cache.Ping(ctx, redisClient); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	// With no DSN configured the server runs on the in-memory store:
	// single instance, no durability. Useful for dev and demos.
	var (
		sessionStore store.SessionStore
		pool         *pgxpool.Pool
	)
	if cfg.PostgresDSN != "" {
		var err error
		pool, err = db.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		pgStore := store.NewPostgresStore(pool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sessionStore = pgStore
	} else {
		commonlog.Warnf("event=chat_app action=startup status=degraded reason=no_postgres_dsn store=memory")
		sessionStore = store.NewMemoryStore()
	}

	var (
		mqConn    *amqp.Connection
		publisher *service.AMQPPublisher
	)
	if cfg.UseMQ {
		var err error
		mqConn, err = mq.NewConnection(cfg.RabbitMQURL)
		if err != nil {
			return nil, fmt.Errorf("initialize rabbitmq: %w", err)
		}
		publisher, err = service.NewAMQPPublisher(mqConn)
		if err != nil {
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
	}

	hub := service.NewHub()
	if redisClient != nil {
		hub.UseRedis(redisClient)
	}

	donations := service.NewCatalogDirectory(catalog.NewClientWithEndpoints(cfg.CatalogEndpoints...))
	sessions := service.NewSessionService(sessionStore, donations)
	var eventPublisher service.EventPublisher
	if publisher != nil {
		eventPublisher = publisher
	}
	messages := service.NewMessageService(sessionStore, hub, redisClient, eventPublisher)
	readState := service.NewReadStateService(sessionStore, hub)
	authSvc := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	gateway := service.NewGateway(hub, sessions, messages, readState, authSvc)

	bridge := service.NewStatusBridge(sessions, messages, mqConn)

	h := api.NewHandler(sessions, messages, readState, bridge, gateway, authSvc)
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		HTTPServer: httpServer,
		Hub:        hub,
		Bridge:     bridge,
		Redis:      redisClient,
		MQConn:     mqConn,
		DB:         pool,
		Publisher:  publisher,
	}, nil
}

// Start launches the background consumers. The HTTP listener is started by
// the caller so it owns the fatal path.
func (s *Server) Start(ctx context.Context) {
	if s.Redis != nil {
		if err := s.Hub.StartRedisSubscriber(ctx); err != nil {
			commonlog.Errorf("event=chat_app action=start_subscriber status=failed error=%v", err)
		}
	}
	if s.MQConn != nil {
		go func() {
			if err := s.Bridge.Run(ctx); err != nil && ctx.Err() == nil {
				commonlog.Errorf("event=chat_app action=status_bridge status=stopped error=%v", err)
			}
		}()
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Hub.StopRedisSubscriber()
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	return s.HTTPServer.Shutdown(ctx)
}
