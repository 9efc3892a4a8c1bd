package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"besedka/internal/chat"
	"besedka/internal/client"
	"besedka/internal/commands"
	"besedka/internal/config"
	"besedka/internal/storage"
	"besedka/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	envFile := flag.String("env", "", "Optional .env file to load before reading the environment")
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sessions, err := storage.NewBboltStorage(cfg.SessionDB)
	if err != nil {
		return err
	}
	defer func() { _ = sessions.Close() }()

	var app *client.App
	app = client.New(client.Options{
		Connection: ws.Config{
			URL:         cfg.ServerURL,
			ConnectWait: cfg.ConnectWait,
			Reconnect: ws.ReconnectConfig{
				MaxAttempts:   cfg.MaxAttempts,
				InitialDelay:  cfg.InitialDelay,
				MaxDelay:      cfg.MaxDelay,
				BackoffFactor: cfg.BackoffFactor,
			},
		},
		RequestTimeout: cfg.RequestTimeout,
		SendRate:       cfg.SendRate,
		SendBurst:      cfg.SendBurst,
		Sessions:       sessions,
		Logger:         logger,
		OnChange: func(c chat.Change) {
			// Only messages from others are echoed; our own were printed on send.
			if c.Kind == chat.ChangeMessageAdded && c.Message.ID != "" && !chat.IsOptimistic(c.Message) &&
				c.Message.Sender != app.Self() {
				commands.PrintMessage(out, c.Message)
			}
		},
	})
	defer app.Close()

	if err := app.Start(ctx); err != nil {
		return err
	}
	if self := app.Self(); self != "" {
		fmt.Fprintf(out, "welcome back, %s\n", self)
	} else {
		fmt.Fprintln(out, "connected, /login or /register to begin, /help for commands")
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gCtx := errgroup.WithContext(ctx)

	// The scanner cannot be interrupted, so it stays outside the group.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-gCtx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Error("failed to read input", "error", err)
		}
	}()

	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case line, ok := <-lines:
				if !ok {
					stop()
					return nil
				}
				if err := commands.Execute(gCtx, app, out, line); err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
				}
			}
		}
	})

	// Report when the connection gives up for good.
	failed := make(chan struct{}, 1)
	sub := app.Connection().On(ws.EventReconnectionFailed, func(ws.Event) {
		select {
		case failed <- struct{}{}:
		default:
		}
	})
	defer app.Connection().Off(sub)
	subs := []ws.Subscription{
		app.Connection().On(ws.EventReconnecting, func(ev ws.Event) {
			if r, ok := ev.(ws.ReconnectingEvent); ok {
				fmt.Fprintf(out, "connection lost, reconnecting in %s (attempt %d)\n", r.Delay.Round(time.Millisecond), r.Attempt)
			}
		}),
		app.Connection().On(ws.EventOpen, func(ws.Event) {
			fmt.Fprintln(out, "connected")
		}),
	}
	defer func() {
		for _, s := range subs {
			app.Connection().Off(s)
		}
	}()
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return nil
		case <-failed:
			return errors.New("connection lost: reconnection attempts exhausted")
		}
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
