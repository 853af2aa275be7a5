package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/coreos/go-systemd/v22/daemon"

	"rolecast/internal/app"
	"rolecast/internal/config"
	"rolecast/internal/httpapi"
)

func main() {
	var (
		cfgPath  string
		envPath  string
		mintSub  string
		tokenTTL time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with secrets (missing file is ignored)")
	flag.StringVar(&mintSub, "mint-token", "", "print an HTTP API token for this subject and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 30*24*time.Hour, "lifetime of a minted token (0 = no expiry)")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if mintSub != "" {
		if err := mintToken(os.Stdout, cfgPath, mintSub, tokenTTL); err != nil {
			fmt.Println("fatal:", err)
			os.Exit(1)
		}
		return
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		stopApp(a, app.StopFatalError)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopApp(a, reason)
	if reason == app.StopFatalError && a.Err() != nil {
		fmt.Println("fatal:", a.Err())
		os.Exit(1)
	}
}

func stopApp(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
}

// mintToken signs an API token with the configured http.jwt_secret and writes it to w.
func mintToken(w io.Writer, cfgPath, subject string, ttl time.Duration) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	tok, err := httpapi.IssueToken(cfg.HTTP.JWTSecret, subject, ttl)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	_, err = fmt.Fprintln(w, tok)
	return err
}
