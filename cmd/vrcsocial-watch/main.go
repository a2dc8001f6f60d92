// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

// vrcsocial-watch runs the browser-side engine headless against a
// running relay server: it logs in, fetches the snapshot, opens the
// push channel, and prints the reconciled instance list every time it
// changes. Durable client state (activity log, location timestamps,
// world cache) lives in a local state directory like it would in
// browser localStorage.
//
// Usage:
//
//	vrcsocial-watch --server http://localhost:8787 --username me
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/S0iRu/vrcsocial/eventlog"
	"github.com/S0iRu/vrcsocial/lib/clock"
	"github.com/S0iRu/vrcsocial/localstore"
	"github.com/S0iRu/vrcsocial/state"
	"github.com/S0iRu/vrcsocial/worlds"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var serverURL string
	var username string
	var stateDir string
	var logLevel string

	flagSet := pflag.NewFlagSet("vrcsocial-watch", pflag.ContinueOnError)
	flagSet.StringVar(&serverURL, "server", "http://localhost:8787", "relay server base URL")
	flagSet.StringVar(&username, "username", "", "platform username (required)")
	flagSet.StringVar(&stateDir, "state-dir", "", "durable client state directory (default: user cache dir)")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if username == "" {
		return fmt.Errorf("--username is required")
	}

	level := slog.LevelWarn
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("unknown log level %q", logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if stateDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("resolving state directory: %w", err)
		}
		stateDir = filepath.Join(cacheDir, "vrcsocial")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := state.NewClient(serverURL, nil)
	if err != nil {
		return err
	}
	if err := login(ctx, client, username); err != nil {
		return err
	}

	store, err := localstore.Open(stateDir)
	if err != nil {
		return err
	}
	realClock := clock.Real()
	cache := worlds.NewCache(store, realClock, logger)
	cache.Prune()

	stateStore := state.NewStore(state.StoreConfig{
		Worlds:    cache,
		Log:       eventlog.New(store, realClock, logger),
		Persister: store,
		Clock:     realClock,
		Logger:    logger,
	})
	engine, err := state.NewEngine(state.EngineConfig{
		Backend: client,
		Store:   stateStore,
		Clock:   realClock,
		OnView:  printView,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// login authenticates, prompting for the password and, if the platform
// demands it, a two-factor code.
func login(ctx context.Context, client *state.Client, username string) error {
	fmt.Fprintf(os.Stderr, "password for %s: ", username)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	result, err := client.Login(ctx, username, string(password))
	if err != nil {
		return err
	}
	if !result.TwoFactorRequired {
		return nil
	}

	method := "totp"
	if len(result.Methods) > 0 {
		method = result.Methods[0]
	}
	fmt.Fprintf(os.Stderr, "two-factor code (%s): ", method)
	reader := bufio.NewReader(os.Stdin)
	code, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading two-factor code: %w", err)
	}
	return client.Verify2FA(ctx, method, strings.TrimSpace(code))
}

// printView renders the reconciled view as plain text, one block per
// refresh.
func printView(view state.View) {
	var out strings.Builder
	fmt.Fprintf(&out, "— %s [%s]\n", view.GeneratedAt.Format(time.Kitchen), view.Status)

	for _, instance := range view.Instances {
		fmt.Fprintf(&out, "  %s\n", instanceTitle(instance))
		for _, member := range instance.Favorites {
			fmt.Fprintf(&out, "    ★ %s\n", memberLine(member, view.GeneratedAt))
		}
		for _, member := range instance.OtherFriends {
			fmt.Fprintf(&out, "      %s\n", memberLine(member, view.GeneratedAt))
		}
	}
	if len(view.OfflineFavorites) > 0 {
		names := make([]string, 0, len(view.OfflineFavorites))
		for _, contact := range view.OfflineFavorites {
			names = append(names, contact.DisplayName)
		}
		fmt.Fprintf(&out, "  offline: %s\n", strings.Join(names, ", "))
	}
	os.Stdout.WriteString(out.String())
}

func instanceTitle(instance state.Instance) string {
	if instance.Pseudo {
		return instance.Key
	}
	name := instance.World.Name
	if name == "" {
		// Unresolved venue: degrade to the raw location string.
		name = instance.Key
	}
	return fmt.Sprintf("%s (%s, %s)", name, instance.Location.Tier.Label(), instance.Location.Region)
}

func memberLine(member state.Member, now time.Time) string {
	line := member.Contact.DisplayName
	if member.Owner {
		line += " [owner]"
	}
	if !member.JoinedAt.IsZero() {
		stay := now.Sub(member.JoinedAt).Round(time.Minute)
		line += fmt.Sprintf(" (%s)", stay)
	}
	return line
}
