package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/remotesensinginfo/eodatadown/internal/ard"
	"github.com/remotesensinginfo/eodatadown/internal/config"
	"github.com/remotesensinginfo/eodatadown/internal/downloader"
	"github.com/remotesensinginfo/eodatadown/internal/models"
	"github.com/remotesensinginfo/eodatadown/internal/poller"
	"github.com/remotesensinginfo/eodatadown/internal/ratelimit"
	"github.com/remotesensinginfo/eodatadown/internal/scheduler"
	"github.com/remotesensinginfo/eodatadown/internal/sensor"
	"github.com/remotesensinginfo/eodatadown/internal/store"
	"github.com/remotesensinginfo/eodatadown/internal/telemetry"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Printf("shutdown signal received")
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	sensors, err := sensor.LoadRegistry(cfg.SensorConfigPath, cfg.Sensors)
	if err != nil {
		log.Fatalf("sensors: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.DownloadRateCapacity, cfg.DownloadRateRefill, time.Hour)

	archiver, err := ard.NewS3Archiver(ctx, cfg)
	if err != nil {
		log.Fatalf("init s3 archiver: %v", err)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	pool := scheduler.New(cfg, st, workerID)
	dl := downloader.New(cfg, st, sensors, limiter)
	inv := ard.New(cfg, st, sensors, archiverOrNil(archiver))
	pool.RegisterHandler(models.KindDownload, dl.Handle)
	pool.RegisterHandler(models.KindProcess, inv.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	var wg sync.WaitGroup
	for name, sn := range sensors {
		wg.Add(1)
		go func(name string, sn sensor.Sensor) {
			defer wg.Done()
			p := poller.New(cfg, st, sn)
			if err := p.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("poller %s stopped: %v", name, err)
			}
		}(name, sn)
	}

	log.Printf("orchestrator started: %d sensors, %d workers, lease=%s poll=%s",
		len(sensors), cfg.WorkerCount, cfg.LeaseDuration, cfg.PollInterval)
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("worker pool stopped: %v", err)
	}
	wg.Wait()
}

// archiverOrNil avoids a typed-nil interface when no bucket is configured.
func archiverOrNil(a *ard.S3Archiver) ard.Archiver {
	if a == nil {
		return nil
	}
	return a
}
