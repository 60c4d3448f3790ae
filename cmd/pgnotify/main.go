// Command pgnotify subscribes to one or more NOTIFY channels and prints
// every event as a JSON line. Useful for watching application events during
// development:
//
//	pgnotify -d postgres://localhost/app orders payments
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pgtools/pgpool"
	"github.com/pgtools/pgpool/pgxconn"
	"github.com/pgtools/pgpool/pubsub"
)

func main() {
	dsn := flag.String("d", os.Getenv("DATABASE_URL"), "connection string (defaults to DATABASE_URL)")
	interval := flag.Duration("poll", 5*time.Second, "readiness poll interval")
	flag.Parse()

	channels := flag.Args()
	if *dsn == "" || len(channels) == 0 {
		fmt.Fprintln(os.Stderr, "usage: pgnotify -d <connstring> <channel> [channel...]")
		os.Exit(2)
	}

	if err := run(*dsn, *interval, channels); err != nil {
		fmt.Fprintln(os.Stderr, "pgnotify:", err)
		os.Exit(1)
	}
}

func run(dsn string, interval time.Duration, channels []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	connector, err := pgxconn.NewConnector(dsn)
	if err != nil {
		return err
	}

	ps, err := pubsub.Connect(ctx, connector, pgpool.NewFDWaiter())
	if err != nil {
		return err
	}
	defer func() { _ = ps.Close(context.Background()) }()

	for _, channel := range channels {
		if err := ps.Listen(ctx, channel); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	for event, err := range ps.Stream(ctx, interval, false) {
		if err != nil {
			return err
		}
		if err := enc.Encode(event); err != nil {
			return err
		}
	}
	return nil
}
