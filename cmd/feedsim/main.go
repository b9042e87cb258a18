package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shubham-shewale/portfolio-live/cmd/feedsim/internal/server"
	"github.com/shubham-shewale/portfolio-live/cmd/feedsim/internal/simulator"
	"github.com/shubham-shewale/portfolio-live/pkg/config"
)

var basePrices = map[string]float64{
	"BTC": 27500.0, "ETH": 1650.0, "SOL": 21.5, "AAPL": 175.0, "GOOG": 135.0, "TSLA": 250.0,
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := simulator.RealClock{}
	market := simulator.NewMarket(cfg.FeedSim.Tickers, basePrices, clock)

	g, gctx := errgroup.WithContext(ctx)

	switch cfg.FeedSim.Source {
	case "kafka":
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			GroupID:  cfg.Kafka.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  200 * time.Millisecond,
			// Auto-commit; replays are dropped by sequence id
			CommitInterval:    time.Second,
			HeartbeatInterval: 3 * time.Second,
			SessionTimeout:    10 * time.Second,
		})
		defer reader.Close()

		src := simulator.NewKafkaSource(logger, reader, market, cfg.FeedSim.Workers)
		g.Go(func() error { return src.Run(gctx) })

	default:
		sinks := []simulator.Sink{market}
		if cfg.FeedSim.Publish {
			creator := simulator.NewTopicCreator(logger, &simulator.RealKafkaDialer{Dialer: kafka.DefaultDialer}, clock)
			if err := creator.Ensure(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, 4); err != nil {
				logger.Warn("Ticks topic not confirmed", zap.Error(err))
			}

			writer := &kafka.Writer{
				Addr:     kafka.TCP(cfg.Kafka.Brokers...),
				Topic:    cfg.Kafka.Topic,
				Balancer: &kafka.Hash{},
				// Optimization: Send batches to reduce network IO
				BatchSize:    100,
				BatchTimeout: 10 * time.Millisecond,
				Async:        true,
			}
			publisher := simulator.NewKafkaPublisher(writer)
			defer func() {
				// Flush Kafka Buffer
				if err := publisher.Close(); err != nil {
					logger.Error("Error closing Kafka writer", zap.Error(err))
				}
			}()
			sinks = append(sinks, publisher)
		}

		walk := simulator.NewWalk(logger, cfg.FeedSim.Tickers, basePrices, cfg.FeedSim.Interval,
			simulator.NewRealRand(time.Now().UnixNano()), clock, sinks...)
		g.Go(func() error {
			walk.Run(gctx)
			return nil
		})
	}

	srv := &http.Server{
		Addr: cfg.FeedSim.Port,
		Handler: server.New(market, server.Options{
			Token:      cfg.FeedSim.Token,
			ScopeParam: cfg.Stream.ScopeParam,
			Keepalive:  cfg.FeedSim.Keepalive,
		}, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Feed simulator started", zap.String("port", cfg.FeedSim.Port), zap.String("source", cfg.FeedSim.Source))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Feed simulator stopped with error", zap.Error(err))
	}
	logger.Info("Shutdown Complete")
}
