package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/rafaelfvalim/api-rele/internal/api"
	"github.com/rafaelfvalim/api-rele/internal/config"
	"github.com/rafaelfvalim/api-rele/internal/kafka"
	"github.com/rafaelfvalim/api-rele/internal/relay"
	"github.com/rafaelfvalim/api-rele/internal/schedule"
	"github.com/rafaelfvalim/api-rele/internal/storage"
)

type relayStore interface {
	relay.Store
	Close() error
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting %s on port %d", cfg.ServiceName, cfg.Port)

	tp, err := initTracer(cfg)
	if err != nil {
		log.Printf("Failed to initialize tracer: %v", err)
	} else {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Printf("Error shutting down tracer provider: %v", err)
			}
		}()
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	defaultSchedule, err := schedule.Parse(cfg.ScheduleSpec)
	if err != nil {
		return fmt.Errorf("invalid SCHEDULE: %w", err)
	}

	var store relayStore
	if cfg.DatabaseURL != "" {
		store, err = storage.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
	} else {
		log.Println("DATABASE_URL not set, using in-memory store")
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		BootstrapServers: cfg.KafkaBootstrapServers,
		ClientID:         cfg.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	defer producer.Close()

	svc := relay.NewService(relay.ServiceConfig{
		Store:    store,
		Producer: producer,
		Location: loc,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Make sure the relay addressed by the legacy /rele endpoints exists.
	if _, err := svc.RegisterRelay(ctx, relay.RegisterRequest{
		RelayID:  cfg.DefaultRelayID,
		Name:     cfg.DefaultRelayID,
		Schedule: &defaultSchedule,
	}); err != nil {
		return fmt.Errorf("failed to ensure default relay: %w", err)
	}

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		BootstrapServers: cfg.KafkaBootstrapServers,
		GroupID:          cfg.KafkaGroupID,
		Topics:           []string{relay.TopicApplied},
		AutoOffsetReset:  "earliest",
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	defer consumer.Close()

	consumer.RegisterHandler(relay.TopicApplied, svc.HandleAppliedReport)

	consumerErrChan := make(chan error, 1)
	go func() {
		if err := consumer.Start(ctx); err != nil && err != context.Canceled {
			consumerErrChan <- fmt.Errorf("consumer error: %w", err)
		}
	}()

	reconciler := relay.NewReconciler(svc, cfg.ReconcileInterval)
	go func() {
		if err := reconciler.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Reconciler stopped: %v", err)
		}
	}()

	httpServer := api.NewServer(api.ServerConfig{
		Service:        svc,
		Port:           cfg.Port,
		APIKey:         cfg.APIKey,
		DefaultRelayID: cfg.DefaultRelayID,
	})

	serverErrChan := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on :%d", cfg.Port)
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-consumerErrChan:
		return err
	case err := <-serverErrChan:
		return err
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		cancel()
		log.Println("Shutdown complete")
		return nil
	}
}

func initTracer(cfg *config.Config) (*tracesdk.TracerProvider, error) {
	if cfg.JaegerEndpoint == "" {
		return tracesdk.NewTracerProvider(), nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, err
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		)),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}
