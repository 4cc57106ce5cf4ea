// walletctl is the operator front-end: it publishes administrative
// credit/debit commands, reads balances, and queries the audit log.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/park285/coin-bridge/internal/auditclient"
	"github.com/park285/coin-bridge/internal/ledgerstore"
	"github.com/park285/coin-bridge/internal/transport"
	"github.com/park285/coin-bridge/pkg/walletdto"
)

const (
	confirmWindow   = 10 * time.Second
	confirmInterval = 500 * time.Millisecond
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "send":
		cmdSend(os.Args[2:])
	case "balance":
		cmdBalance(os.Args[2:])
	case "log":
		cmdLog(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  walletctl send    -user <id> -delta <n> [-actor <name>] [-reason <text>] [-txn <id>]
  walletctl balance -user <id>
  walletctl log     [-user <id>] [-limit <n>]`)
	os.Exit(2)
}

func redisClient() *redis.Client {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		log.Fatal("REDIS_URL is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping error: %v", err)
	}
	return rdb
}

// cmdSend publishes the command, then polls the persisted profile until the
// transaction shows up. The poll is bounded; timing out does not roll back,
// it only reports the apply as unconfirmed.
func cmdSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	user := fs.String("user", "", "target user id")
	delta := fs.Int64("delta", 0, "signed amount, non-zero")
	actor := fs.String("actor", "walletctl", "acting operator")
	reason := fs.String("reason", "", "optional reason")
	txn := fs.String("txn", "", "transaction id (generated when empty)")
	_ = fs.Parse(args)

	if *user == "" || *delta == 0 {
		usage()
	}
	txnID := *txn
	if txnID == "" {
		txnID = uuid.NewString()
	}

	rdb := redisClient()
	defer func() { _ = rdb.Close() }()
	bus := transport.NewBus(rdb)
	store := ledgerstore.NewStore(rdb)
	ctx := context.Background()

	env := walletdto.CommandEnvelope{
		Type: walletdto.TypeCommand,
		Payload: walletdto.CommandPayload{
			TxnID:    txnID,
			UserID:   *user,
			Delta:    *delta,
			Actor:    *actor,
			Source:   walletdto.SourceDiscord,
			Reason:   *reason,
			IssuedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := bus.Publish(ctx, transport.TopicCommands, env); err != nil {
		log.Fatalf("publish error: %v", err)
	}
	fmt.Printf("sent txn=%s user=%s delta=%+d\n", txnID, *user, *delta)

	deadline := time.Now().Add(confirmWindow)
	for time.Now().Before(deadline) {
		profile, _, err := store.ReadProfile(ctx, *user)
		if err == nil && profile != nil {
			for _, rec := range profile.Processed {
				if rec.TxnID == txnID {
					fmt.Printf("confirmed balance=%d\n", profile.Balance)
					return
				}
			}
		}
		time.Sleep(confirmInterval)
	}
	fmt.Println("unconfirmed (no node picked up the command within the wait window)")
	os.Exit(1)
}

func cmdBalance(args []string) {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	user := fs.String("user", "", "target user id")
	_ = fs.Parse(args)
	if *user == "" {
		usage()
	}

	rdb := redisClient()
	defer func() { _ = rdb.Close() }()
	profile, version, err := ledgerstore.NewStore(rdb).ReadProfile(context.Background(), *user)
	if err != nil {
		log.Fatalf("read error: %v", err)
	}
	if profile == nil {
		fmt.Printf("user=%s balance=0 (no profile)\n", *user)
		return
	}
	fmt.Printf("user=%s balance=%d version=%d processed=%d\n", *user, profile.Balance, version, len(profile.Processed))
}

func cmdLog(args []string) {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	user := fs.String("user", "", "filter by user id")
	limit := fs.Int("limit", 20, "max rows")
	_ = fs.Parse(args)

	baseURL := os.Getenv("AUDIT_BASE_URL")
	if baseURL == "" {
		log.Fatal("AUDIT_BASE_URL is required")
	}

	client := auditclient.NewClient(baseURL, "", "walletctl")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rows, err := client.Query(ctx, *user, *limit)
	if err != nil {
		log.Fatalf("query error: %v", err)
	}
	for _, r := range rows {
		reason := ""
		if r.Reason != "" {
			reason = " reason=" + r.Reason
		}
		fmt.Printf("%s txn=%s user=%s delta=%+d actor=%s source=%s%s\n",
			r.CreatedAt, r.TxnID, r.UserID, r.Delta, r.Actor, r.Source, reason)
	}
}
