package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"safechat/backend/internal/api/handler"
	"safechat/backend/internal/assignment"
	"safechat/backend/internal/config"
	"safechat/backend/internal/escrow"
	"safechat/backend/internal/logger"
	"safechat/backend/internal/models"
	"safechat/backend/internal/storage"

	"go.uber.org/zap"
)

const usage = `Usage: admin <command> [args]

Commands:
  purchase <user_id> <captured_amount> <reference>
  reconcile [user_id]
  assign <item_id> <item_type>
  reassign <assignment_id> <employee_id>
  workload [employee_id]
  link-telegram <user_id> <chat_id>
  token <user_id> <role> [ttl_hours]`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg)
	defer log.Sync()

	ctx := context.Background()
	command, args := os.Args[1], os.Args[2:]

	// token only signs, it needs no database.
	if command == "token" {
		exitOn(log, issueToken(cfg, args))
		return
	}

	db, err := storage.OpenPostgres(cfg, log)
	if err != nil {
		log.Fatal("failed to connect database", zap.Error(err))
	}
	store := storage.NewStorageService(db, nil) // No redis needed for admin CLI
	ledger := escrow.NewLedger(db, log, cfg.Tokens.Rate)
	assigner := assignment.NewService(db, log)

	switch command {
	case "purchase":
		if len(args) != 3 {
			fmt.Println("Usage: admin purchase <user_id> <captured_amount> <reference>")
			os.Exit(1)
		}
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fmt.Println("Invalid amount. Please provide an integer.")
			os.Exit(1)
		}
		tx, err := ledger.Purchase(ctx, escrow.PurchaseRequest{UserID: args[0], CapturedAmount: amount, Reference: args[2]})
		exitOn(log, err)
		printJSON(tx)
	case "reconcile":
		exitOn(log, reconcile(ctx, ledger, args))
	case "assign":
		if len(args) != 2 {
			fmt.Println("Usage: admin assign <item_id> <item_type>")
			os.Exit(1)
		}
		employeeID, err := assigner.AssignWork(ctx, args[0], models.ItemType(args[1]))
		exitOn(log, err)
		fmt.Printf("Item %s assigned to %s.\n", args[0], employeeID)
	case "reassign":
		if len(args) != 2 {
			fmt.Println("Usage: admin reassign <assignment_id> <employee_id>")
			os.Exit(1)
		}
		a, err := assigner.Reassign(ctx, args[0], args[1])
		exitOn(log, err)
		printJSON(a)
	case "workload":
		if len(args) == 1 {
			w, err := assigner.Workload(ctx, args[0])
			exitOn(log, err)
			printJSON(w)
			return
		}
		ws, err := assigner.WorkloadAll(ctx)
		exitOn(log, err)
		printJSON(ws)
	case "link-telegram":
		if len(args) != 2 {
			fmt.Println("Usage: admin link-telegram <user_id> <chat_id>")
			os.Exit(1)
		}
		chatID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fmt.Println("Invalid chat ID. Please provide an integer.")
			os.Exit(1)
		}
		_, err = store.LinkTelegram(ctx, args[0], chatID)
		exitOn(log, err)
		fmt.Printf("User %s now receives alerts in chat %d.\n", args[0], chatID)
	default:
		fmt.Println("Unknown command")
		fmt.Println(usage)
		os.Exit(1)
	}
}

// reconcile checks one wallet, or every wallet, against its ledger rows and
// fails when any of them drifted.
func reconcile(ctx context.Context, ledger *escrow.Ledger, args []string) error {
	var results []escrow.Reconciliation
	if len(args) == 1 {
		r, err := ledger.Reconcile(ctx, args[0])
		if err != nil {
			return err
		}
		results = append(results, *r)
	} else {
		all, err := ledger.ReconcileAll(ctx)
		if err != nil {
			return err
		}
		results = all
	}

	drifted := 0
	for _, r := range results {
		if !r.Balanced() {
			drifted++
			printJSON(r)
		}
	}
	if drifted > 0 {
		return fmt.Errorf("%d of %d wallets do not match their ledger", drifted, len(results))
	}
	fmt.Printf("%d wallets reconciled.\n", len(results))
	return nil
}

func issueToken(cfg *config.Config, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: admin token <user_id> <role> [ttl_hours]")
	}
	ttl := 24 * time.Hour
	if len(args) > 2 {
		hours, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid ttl %q: %w", args[2], err)
		}
		ttl = time.Duration(hours) * time.Hour
	}

	auth := handler.NewAuthenticator(cfg.JWT.Secret, cfg.JWT.Issuer)
	tok, err := auth.IssueToken(args[0], models.Role(args[1]), ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func exitOn(log *zap.Logger, err error) {
	if err != nil {
		log.Fatal("command failed", zap.Error(err))
	}
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(out))
}
