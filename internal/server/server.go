package server

import (
	"backend-studiostats/internal/config"
	"backend-studiostats/internal/stream"
	"backend-studiostats/internal/studio"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	App        *fiber.App
	Cfg        config.Config
	Store      studio.Store
	Redis      *redis.Client
	Stream     *stream.Hub
	Aggregator *studio.Aggregator
	Summarizer *studio.Summarizer
}

func NewServer(cfg config.Config, store studio.Store, redisClient *redis.Client) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	settings := studio.Settings{
		StoreTimeout: cfg.StoreTimeout,
		MaxReadings:  cfg.MaxParticipants,
		Location:     cfg.Location(),
	}
	hub := stream.NewHub(redisClient)

	s := &Server{
		App:        app,
		Cfg:        cfg,
		Store:      store,
		Redis:      redisClient,
		Stream:     hub,
		Aggregator: studio.NewAggregator(store, hub, settings),
		Summarizer: studio.NewSummarizer(store, settings),
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	studio.RegisterRoutes(s.App.Group("/studios"), s.Aggregator, s.Summarizer)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}
