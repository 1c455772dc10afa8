// cmd/student is the student side of the meal voucher protocol: it creates
// a key pair and shows the rotating signed voucher.
//
// Usage:
//
//	student keygen
//	STUDENT_ID=S1 STUDENT_PRIVATE_KEY=<hex> student issue --meal lunch
//	STUDENT_ID=S1 STUDENT_PRIVATE_KEY=<hex> student rotate --meal lunch
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/mealvoucher/internal/config"
	"github.com/0gfoundation/mealvoucher/internal/issuer"
	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "keygen":
		keygen()
	case "issue":
		issue(args)
	case "rotate":
		rotate(args)
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: student keygen | issue [--meal M] | rotate [--meal M]")
	os.Exit(2)
}

// keygen prints a fresh private key and the public key to register.
func keygen() {
	key, err := crypto.GenerateKey()
	if err != nil {
		fatalf("generate key: %v", err)
	}
	fmt.Printf("private_key: %s\n", hex.EncodeToString(crypto.FromECDSA(key)))
	fmt.Printf("public_key:  %s\n", voucher.EncodePublicKey(&key.PublicKey))
}

type studentSetup struct {
	cfg  *config.Config
	key  *ecdsa.PrivateKey
	meal voucher.MealType
}

func setup(name string, args []string) studentSetup {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	mealName := fs.String("meal", "lunch", "meal type: breakfast|lunch|dinner|snack|special")
	fs.Parse(args) //nolint:errcheck

	meal, ok := voucher.ParseMealType(*mealName)
	if !ok {
		fatalf("unknown meal type %q", *mealName)
	}
	cfg, err := config.Load(config.RoleStudent)
	if err != nil {
		fatalf("config: %v", err)
	}
	key, err := voucher.ParsePrivateKey(cfg.Student.PrivateKey)
	if err != nil {
		fatalf("parse STUDENT_PRIVATE_KEY: %v", err)
	}
	return studentSetup{cfg: cfg, key: key, meal: meal}
}

func issue(args []string) {
	s := setup("issue", args)
	offset := time.Duration(s.cfg.Student.ServerOffsetSec) * time.Second
	p, err := issuer.New().Issue(s.cfg.Student.UserID, s.meal, s.key, offset)
	if err != nil {
		fatalf("issue: %v", err)
	}
	printVoucher(p)
}

func rotate(args []string) {
	s := setup("rotate", args)
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := issuer.NewRotator(issuer.New(), issuer.RotatorConfig{
		UserID:       s.cfg.Student.UserID,
		PrivateKey:   s.key,
		Meal:         s.meal,
		ServerOffset: time.Duration(s.cfg.Student.ServerOffsetSec) * time.Second,
		Interval:     time.Duration(s.cfg.Student.RotateSec) * time.Second,
		Publish:      printVoucher,
	}, log)
	r.Run(ctx)
}

func printVoucher(p *voucher.Payload) {
	js, err := voucher.EncodeJSON(p)
	if err != nil {
		fatalf("encode: %v", err)
	}
	fmt.Printf("json:    %s\n", js)
	fmt.Printf("compact: %s\n\n", voucher.EncodeCompact(p))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
