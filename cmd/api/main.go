package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/readmark/auth-service/internal/auth"
	"github.com/readmark/auth-service/internal/auth/repo"
	"github.com/readmark/auth-service/internal/blacklist"
	"github.com/readmark/auth-service/internal/lockout"
	"github.com/readmark/auth-service/internal/mail"
	"github.com/readmark/auth-service/internal/router"
	"github.com/readmark/auth-service/internal/token"
	"github.com/readmark/auth-service/pkg/cache"
	"github.com/readmark/auth-service/pkg/database"
	"github.com/readmark/auth-service/pkg/utilities"
)

// lockoutStore joins the user row (lock state) and the attempt log (failure
// counting) behind the lockout.Store interface.
type lockoutStore struct {
	*repo.UserRepo
	*repo.AttemptRepo
}

func main() {
	// load .env file if present so os.Getenv picks values from it
	// this is best-effort: if no .env exists, continue (use defaults or real env)
	_ = godotenv.Load()

	// init logger
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting auth-service")

	// init db
	db, err := database.Connect(database.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// optional redis cache; a configured but unreachable cache is fatal,
	// no REDIS_ADDR at all just means store-only mode
	rdb, err := cache.Connect(cache.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("redis connect: %v", err)
	}
	if rdb != nil {
		defer rdb.Close()
	} else {
		sugar.Info("no REDIS_ADDR configured; blacklist and lockout run store-only")
	}

	users := repo.NewUserRepo(db)
	refresh := repo.NewRefreshRepo(db)
	tokens := repo.NewTokenRepo(db)
	attempts := repo.NewAttemptRepo(db)
	blRepo := repo.NewBlacklistRepo(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	setupCtx, setupCancel := context.WithTimeout(ctx, 30*time.Second)
	defer setupCancel()
	if err := users.EnsureTable(setupCtx); err != nil {
		sugar.Fatalf("ensure users table: %v", err)
	}
	if err := refresh.EnsureTable(setupCtx); err != nil {
		sugar.Fatalf("ensure refresh_tokens table: %v", err)
	}
	if err := tokens.EnsureTables(setupCtx); err != nil {
		sugar.Fatalf("ensure action token tables: %v", err)
	}
	if err := attempts.EnsureTable(setupCtx); err != nil {
		sugar.Fatalf("ensure login_attempts table: %v", err)
	}
	if err := blRepo.EnsureTable(setupCtx); err != nil {
		sugar.Fatalf("ensure token_blacklist table: %v", err)
	}

	signer, err := token.NewSigner(token.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("jwt config: %v", err)
	}

	bl := blacklist.New(rdb, blRepo, sugar)
	lo := lockout.New(rdb, lockoutStore{users, attempts}, lockout.ConfigFromEnv(), sugar)
	mailer := mail.NewSender(mail.ConfigFromEnv(), sugar)

	svc := auth.NewService(users, refresh, tokens, attempts, bl, lo, signer, mailer, sugar, auth.ConfigFromEnv())
	handler := router.RegisterRoutes(sugar, auth.NewHandler(svc, sugar))

	// periodic cleanup of expired rows
	go sweep(ctx, sugar, refresh, tokens, blRepo, attempts)

	addr := "0.0.0.0:" + port()
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		sugar.Infow("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}

func port() string {
	if p := os.Getenv("PORT"); p != "" {
		return p
	}
	return "8431"
}

// sweep prunes expired refresh tokens, blacklist entries, action tokens and
// old login attempts on an hourly tick until ctx is cancelled.
func sweep(
	ctx context.Context,
	logger *zap.SugaredLogger,
	refresh *repo.RefreshRepo,
	tokens *repo.TokenRepo,
	bl *repo.BlacklistRepo,
	attempts *repo.AttemptRepo,
) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		if n, err := refresh.DeleteExpired(sweepCtx); err != nil {
			logger.Warnw("sweep refresh tokens", "error", err)
		} else if n > 0 {
			logger.Infow("swept expired refresh tokens", "count", n)
		}
		if n, err := bl.DeleteExpired(sweepCtx); err != nil {
			logger.Warnw("sweep blacklist", "error", err)
		} else if n > 0 {
			logger.Infow("swept expired blacklist entries", "count", n)
		}
		if n, err := tokens.DeleteExpired(sweepCtx); err != nil {
			logger.Warnw("sweep action tokens", "error", err)
		} else if n > 0 {
			logger.Infow("swept expired action tokens", "count", n)
		}
		if n, err := attempts.DeleteOlderThan(sweepCtx, time.Now().Add(-30*24*time.Hour)); err != nil {
			logger.Warnw("sweep login attempts", "error", err)
		} else if n > 0 {
			logger.Infow("swept old login attempts", "count", n)
		}
		cancel()
	}
}
