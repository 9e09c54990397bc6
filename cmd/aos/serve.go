package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/strongdm/aos/internal/config"
	"github.com/strongdm/aos/internal/llm"
	"github.com/strongdm/aos/internal/queue"
	"github.com/strongdm/aos/internal/runtimeenv"
	"github.com/strongdm/aos/internal/server"
	"github.com/strongdm/aos/internal/store"
	"github.com/strongdm/aos/internal/worker"
)

func cmdServe(args []string) int {
	var configPath, addr string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--addr":
			addr = flagValue(args, &i, "--addr")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, q, code := openBackends(ctx, cfg)
	if code != 0 {
		return code
	}
	defer st.Close()
	defer q.Close()

	srv := server.New(server.Config{Addr: cfg.Server.Addr}, st, q)
	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func cmdWorker(args []string) int {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	client, err := llm.NewFromEnv(cfg.LLM.BaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, q, code := openBackends(ctx, cfg)
	if code != 0 {
		return code
	}
	defer st.Close()
	defer q.Close()

	w := &worker.Worker{
		Store: st,
		Queue: q,
		Gen:   client,
		Env:   runtimeenv.NewManager(),
		Cfg:   cfg,
	}
	if err := w.Loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func cmdMigrate(args []string) int {
	var configPath, databaseURL string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--database-url":
			databaseURL = flagValue(args, &i, "--database-url")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if databaseURL == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		databaseURL = cfg.Database.URL
	}
	if databaseURL == "" {
		fmt.Fprintln(os.Stderr, "database URL is required (--database-url or config)")
		return 1
	}
	if err := store.RunMigrations(databaseURL); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("migrations applied")
	return 0
}

func openBackends(ctx context.Context, cfg *config.Config) (*store.Store, *queue.Queue, int) {
	if cfg.Database.URL == "" {
		fmt.Fprintln(os.Stderr, "database.url is required")
		return nil, nil, 1
	}
	st, err := store.New(ctx, cfg.Database.URL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, 1
	}
	q, err := queue.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		st.Close()
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, 1
	}
	return st, q, 0
}
