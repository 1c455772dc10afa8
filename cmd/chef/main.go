// cmd/chef runs a chef station: it downloads the roster, validates scanned
// vouchers online or offline, and uploads offline redemptions.
//
// Scanned QR text is read from stdin, one code per line, so any scanner
// that acts as a keyboard can feed it.
//
// Usage:
//
//	chef device            print the device address to register on the server
//	chef download          fetch student keys and today's permissions
//	chef scan              validate codes from stdin; syncs in the background
//	chef sync              upload offline redemptions now
//	chef history [-n 20]   show recent scans
//	chef status            roster date and pending uploads
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/mealvoucher/internal/api"
	"github.com/0gfoundation/mealvoucher/internal/auth"
	"github.com/0gfoundation/mealvoucher/internal/config"
	"github.com/0gfoundation/mealvoucher/internal/ledger"
	"github.com/0gfoundation/mealvoucher/internal/roster"
	"github.com/0gfoundation/mealvoucher/internal/station"
	"github.com/0gfoundation/mealvoucher/internal/syncer"
	"github.com/0gfoundation/mealvoucher/internal/validator"
	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// chef holds the wired station components.
type chef struct {
	cfg     *config.Config
	signer  *auth.RequestSigner
	ledger  *ledger.Store
	cache   *roster.Cache
	station *station.Station
	log     *zap.Logger
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]

	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.RoleStation)
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	c, err := build(ctx, cfg, log)
	if err != nil {
		log.Fatal("station init failed", zap.Error(err))
	}
	defer c.ledger.Close()

	switch cmd {
	case "device":
		fmt.Println(c.signer.Address().Hex())
	case "download":
		err = c.download(ctx)
	case "scan":
		err = c.scan(ctx)
	case "sync":
		err = c.sync(ctx)
	case "history":
		err = c.history(ctx, args)
	case "status":
		err = c.status(ctx)
	default:
		usage()
	}
	if err != nil {
		log.Fatal(cmd+" failed", zap.Error(err))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: chef device|download|scan|sync|history|status")
	os.Exit(2)
}

func build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*chef, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	key, err := voucher.ParsePrivateKey(cfg.Station.DeviceKey)
	if err != nil {
		return nil, fmt.Errorf("parse CHEF_DEVICE_KEY: %w", err)
	}
	signer := auth.NewRequestSigner(key, 0)

	store, err := ledger.Open(ctx, cfg.Station.DBPath, log)
	if err != nil {
		return nil, err
	}

	client := api.NewClient(cfg.Station.ServerURL, signer, cfg.Station.RequestTimeout())
	cache := roster.NewCache(client, store, loc, log)
	if err := cache.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}

	// Commits read-lock the gate; a sync takes it exclusively.
	gate := &sync.RWMutex{}
	val := validator.New(func() validator.Roster { return cache.Current() }, store, validator.Config{
		Tolerance: cfg.Tolerance(),
		Location:  loc,
		Gate:      gate,
		History:   store,
		Offline:   true,
	}, log)
	sy := syncer.New(store, client, gate, log)

	var online station.OnlineValidator
	if cfg.Station.ServerURL != "" {
		online = client
	}
	st := station.New(online, val, cache, sy, station.Config{
		Online:         cfg.Station.Online,
		Debounce:       cfg.Station.Debounce(),
		RequestTimeout: cfg.Station.RequestTimeout(),
		History:        store,
	}, log)

	return &chef{cfg: cfg, signer: signer, ledger: store, cache: cache, station: st, log: log}, nil
}

func (c *chef) download(ctx context.Context) error {
	snap, err := c.station.Refresh(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("roster %s: %d students\n", snap.Date(), snap.StudentCount())
	return nil
}

func (c *chef) scan(ctx context.Context) error {
	if c.cfg.Station.ServerURL != "" {
		go c.station.RunSync(ctx, c.cfg.Station.SyncInterval())
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-lines:
			if !ok {
				return nil
			}
			c.scanOne(ctx, raw)
		}
	}
}

func (c *chef) scanOne(ctx context.Context, raw string) {
	out, err := c.station.Scan(ctx, raw)
	switch {
	case errors.Is(err, station.ErrDuplicateFrame), errors.Is(err, station.ErrBusy):
		return
	case errors.Is(err, station.ErrUnrecognized):
		fmt.Println("?? unrecognized code")
		return
	case err != nil:
		fmt.Printf("!! %v\n", err)
		return
	}

	mode := "online"
	if out.Offline {
		mode = "offline"
	}
	mark := "OK"
	if !out.Valid {
		mark = "NO"
	}
	fmt.Printf("%s [%s] %s %s %s: %s (%s)\n", mark, mode, out.StudentName, out.GroupName, out.MealType, out.Message, out.Code)
}

func (c *chef) sync(ctx context.Context) error {
	res, err := c.station.Sync(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("submitted %d, accepted %d\n", res.Submitted, res.SuccessCount)
	for _, it := range res.Items {
		if it.Status != api.ItemAccepted {
			fmt.Printf("  %s %s\n", it.Status, it.TransactionHash)
		}
	}
	return nil
}

func (c *chef) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	n := fs.Int("n", 20, "number of scans to show")
	fs.Parse(args) //nolint:errcheck

	records, err := c.ledger.RecentHistory(ctx, *n)
	if err != nil {
		return err
	}
	for _, r := range records {
		mode := "online"
		if r.Offline {
			mode = "offline"
		}
		fmt.Printf("%s %-7s %-8s %-8s %-18s %s\n", time.Unix(r.ScannedAt, 0).Format(time.DateTime), mode, r.UserID, r.MealType, r.Code, r.Message)
	}
	return nil
}

func (c *chef) status(ctx context.Context) error {
	pending, err := c.ledger.UnsyncedCount(ctx)
	if err != nil {
		return err
	}
	snap := c.cache.Current()
	date := snap.Date()
	if date == "" {
		date = "none"
	}
	fmt.Printf("device:   %s\n", c.signer.Address().Hex())
	fmt.Printf("roster:   %s (%d students)\n", date, snap.StudentCount())
	fmt.Printf("online:   %v\n", c.station.Online())
	fmt.Printf("pending:  %d\n", pending)
	return nil
}
