package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ms-capacity/internal/capacity"
	capredis "ms-capacity/internal/capacity/redis"
	"ms-capacity/internal/config"
	"ms-capacity/internal/database"
	"ms-capacity/internal/kafka"
	"ms-capacity/internal/logger"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
)

// The sweeper binary runs expiry sweeps outside the API process, either once
// (for cron style scheduling) or on the configured interval.
func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	_ = godotenv.Load() // Loads .env file if present

	cfg := config.Load()
	log := logger.NewLogger("capacity-sweeper")
	defer log.Close()

	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	var opts []capacity.Option
	var sweeperOpts []capacity.SweeperOption

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("REDIS", fmt.Sprintf("Redis unavailable, sweeping without lease or cache: %v", err))
	} else {
		cache := capredis.NewRedis(redisClient, log)
		opts = append(opts, capacity.WithCache(cache))
		if cfg.Capacity.SweepLeaseEnabled {
			sweeperOpts = append(sweeperOpts, capacity.WithLease(cache.NewLease("expiry-sweeper")))
		}
	}

	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics, log)
		defer producer.Close()
		opts = append(opts, capacity.WithPublisher(producer))
	}

	svc := capacity.NewService(bunDB, cfg.Capacity, log, opts...)
	sweeper := capacity.NewSweeper(svc, cfg.Capacity, log, sweeperOpts...)

	if *once {
		result, err := sweeper.RunOnce(ctx)
		if err != nil {
			log.Error("SWEEPER", err.Error())
			os.Exit(1)
		}
		log.LogSweep(fmt.Sprintf("Released %d, failed %d, skipped %t in %s",
			result.Released, result.Failed, result.Skipped, result.Duration))
		return
	}

	if err := sweeper.Start(ctx); err != nil {
		log.Fatal("SWEEPER", err.Error())
	}
	<-ctx.Done()
	sweeper.Stop()
	stats := sweeper.Stats()
	log.LogSweep(fmt.Sprintf("Stopped after %d runs, %d holds released", stats.Runs, stats.TotalReleased))
}
