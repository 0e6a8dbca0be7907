package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fielddiag/internal/api"
	"fielddiag/internal/auth"
	"fielddiag/internal/captcha"
	"fielddiag/internal/config"
	"fielddiag/internal/db"
	"fielddiag/internal/diagnostic"
	"fielddiag/internal/events"
	"fielddiag/internal/health"
	"fielddiag/internal/jobs"
	"fielddiag/internal/notify"
	"fielddiag/internal/objectstore"
	"fielddiag/internal/service"
	"fielddiag/internal/store"
	"fielddiag/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	v := version.Current()
	log.Printf("fielddiag starting version=%s commit=%s", v.Version, v.Commit)

	sqdb, err := db.Open(db.Options{
		Driver:      cfg.DBDriver,
		Path:        cfg.DBPath,
		DSN:         cfg.DBDSN,
		MaxOpen:     cfg.DBMaxOpenConns,
		MaxIdle:     cfg.DBMaxIdleConns,
		MaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer sqdb.Close()
	if err := db.ApplyMigrations(sqdb, cfg.DBDriver, db.MigrationsFrom(cfg.MigrationsDir, cfg.DBDriver)); err != nil {
		log.Fatalf("migration: %v", err)
	}
	st := store.NewForDriver(sqdb, cfg.DBDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := auth.NewTokenService(cfg.JWTSecret, auth.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	sender := notify.NewSender(cfg)
	svc := service.New(cfg, st, tokens, notify.NewPasswordResetMailer(sender, cfg.PasswordResetBaseURL))
	if err := svc.EnsureBootstrapAdmin(ctx); err != nil {
		log.Fatalf("bootstrap admin: %v", err)
	}

	checker := health.NewChecker(2 * time.Second)
	checker.Add("database", st.Ping)

	var locker notify.Locker = notify.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		locker = notify.NewRedisLocker(rdb, "")
		checker.Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	if cfg.EmailConfigured() {
		checker.Add("smtp", health.ProbeSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPStartTLS, cfg.SMTPInsecureSkipVerify))
	}
	dispatcher := notify.NewDispatcher(st, sender,
		notify.WithLocker(locker),
		notify.WithTimeout(cfg.SenderTimeout),
		notify.WithLockTTL(cfg.DeliveryLock),
	)

	bus := events.NewBus(cfg.EventBufferSize)
	policy := notify.UrgentPolicy{Limit: cfg.UrgentDailyLimit}
	notify.NewResultAlerter(dispatcher, policy, cfg.AlertSMSRecipients, cfg.AlertEmailRecipients).Register(bus)
	go bus.Run(ctx)

	lifecycle := diagnostic.New(st, diagnostic.WithPublisher(bus), diagnostic.WithAuditor(st))

	objects, err := objectstore.NewLocal(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		log.Fatalf("object store: %v", err)
	}

	if cfg.RetryEnabled {
		job := jobs.NewRetryJob(st, dispatcher, jobs.RetryConfig{
			Interval:    cfg.RetryInterval,
			MaxAttempts: cfg.RetryMaxAttempts,
			BatchSize:   cfg.RetryBatchSize,
			StaleAfter:  cfg.RetryStaleAfter,
		})
		go job.Run(ctx)
	}

	r := api.NewRouter(cfg, api.Deps{
		Accounts:    svc,
		Diagnostics: lifecycle,
		Notifier:    dispatcher,
		Objects:     objects,
		Health:      checker,
		Captcha:     captcha.NewVerifier(cfg),
	})

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		gsrv, hs := health.NewGRPCServer()
		go health.Watch(ctx, checker, hs, 10*time.Second)
		go func() {
			log.Printf("grpc health listening on %s", cfg.GRPCAddr)
			if err := gsrv.Serve(lis); err != nil {
				log.Printf("grpc server: %v", err)
			}
		}()
		defer gsrv.GracefulStop()
	}

	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := hsrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
