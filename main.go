package main

import (
	"context"

	"ChatRelay/global"
	"ChatRelay/logger"
	mid "ChatRelay/middleware"
	midsec "ChatRelay/middleware/security"
	"ChatRelay/module/chat"
	"ChatRelay/service/relay"
	"ChatRelay/service/storage"
	redisstore "ChatRelay/service/storage/redis"
	"ChatRelay/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
)

func main() {
	cfg, err := global.Load()
	if err != nil {
		logger.Errorf("config: %v", err)
		return
	}
	ids.SetNodeID(cfg.NodeID)

	rdb, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Errorf("redis: %v", err)
		return
	}
	defer rdb.Close()

	pool, err := pgxpool.New(context.Background(), cfg.PostgresURL)
	if err != nil {
		logger.Errorf("postgres: %v", err)
		return
	}
	defer pool.Close()

	store := storage.NewMembershipStore(pool)
	limiter := storage.NewLimiter(storage.NewRedisCounters(rdb))
	guard := relay.NewMemberGuard(store)

	// The backplane fabric: Redis pub/sub by default, NATS when configured.
	var dial relay.BackplaneDialer
	var pub relay.Publisher
	switch cfg.BackplaneDriver {
	case "nats":
		nc, err := nats.Connect(cfg.NatsURL, nats.Name(cfg.NatsName), nats.MaxReconnects(-1))
		if err != nil {
			logger.Errorf("nats: %v", err)
			return
		}
		defer nc.Close()
		dial = relay.NatsDialer(nc)
		pub = relay.NewNatsPublisher(nc)
	default:
		dial = relay.RedisDialer(rdb)
		pub = relay.NewRedisPublisher(rdb)
	}

	filter, err := chat.NewFilter(cfg.BannedWordList())
	if err != nil {
		logger.Errorf("moderation filter: %v", err)
		return
	}

	gw := relay.NewGateway(dial, guard, limiter)
	handler := chat.NewHandler(store, limiter, chat.NewEventPublisher(pub), filter)
	auth := midsec.Middleware(midsec.DefaultOptions(cfg.JwtSecret()))

	r := gin.New()
	r.Use(gin.Recovery())

	mid.GET(r, "/socket", gw.HandleWS, mid.RouteOpt{Auth: auth})
	mid.POST(r, "/chat/:id/join", handler.JoinRoom, mid.RouteOpt{Auth: auth})
	mid.POST(r, "/chat/:id/message", handler.SendMessage, mid.RouteOpt{Auth: auth})
	mid.POST(r, "/chat/:id/ban/:user_id", handler.BanUser, mid.RouteOpt{Auth: auth})

	logger.Infof("[HTTP] listening on %s (backplane=%s)", cfg.HTTPAddr, cfg.BackplaneDriver)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		logger.Errorf("http server: %v", err)
	}
}
