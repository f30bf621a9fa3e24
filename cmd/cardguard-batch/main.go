// Batch runner for CardGuard.
//
// Usage:
//
//	cardguard-batch                      # score every Undetermined transaction
//	cardguard-batch -simulate 50         # record and score 50 random swipes
//	cardguard-batch -notify <customer>   # print a customer's decline notices
//	cardguard-batch -fraud <customer>    # list a customer's flagged charges
//	cardguard-batch -missing             # list charges without a timestamp
//
// Configuration is read from the environment exactly as the server does.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/opensource-finance/cardguard/internal/bus"
	"github.com/opensource-finance/cardguard/internal/cache"
	"github.com/opensource-finance/cardguard/internal/console"
	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/fraud"
	"github.com/opensource-finance/cardguard/internal/history"
	"github.com/opensource-finance/cardguard/internal/repository"
	"github.com/opensource-finance/cardguard/internal/rules"
	"github.com/opensource-finance/cardguard/internal/source"
	"github.com/opensource-finance/cardguard/internal/worker"
)

func main() {
	simulate := flag.Int("simulate", 0, "Record and score this many random swipes")
	seed := flag.Uint64("seed", 0, "Seed for -simulate (0 = random)")
	notify := flag.String("notify", "", "Print decline notices for this customer")
	fraudFor := flag.String("fraud", "", "List flagged charges for this customer")
	missing := flag.Bool("missing", false, "List charges stored without a timestamp")
	workers := flag.Int("workers", 0, "Worker count (default CARDGUARD_WORKERS)")
	quiet := flag.Bool("quiet", false, "Only print the summary")
	noColor := flag.Bool("no-color", false, "Disable coloured output")
	flag.Parse()

	console.Enabled = !*noColor

	cfg, err := domain.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	// Progress goes to stdout; keep logs out of the way.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		fatal("failed to open repository", err)
	}
	defer repo.Close()

	switch {
	case *notify != "":
		err = printDeclined(ctx, os.Stdout, repo, *notify)
	case *fraudFor != "":
		err = printList(ctx, os.Stdout, repo.ListFraudByCustomer, *fraudFor)
	case *missing:
		var txs []*domain.Transaction
		if txs, err = repo.ListMissingTimestamps(ctx); err == nil {
			console.PrintTransactions(os.Stdout, txs)
		}
	default:
		if *workers > 0 {
			cfg.Evaluation.Workers = *workers
		}
		err = runBatch(ctx, cfg, repo, *simulate, *seed, *quiet)
	}

	if err != nil {
		fatal("batch failed", err)
	}
}

func runBatch(ctx context.Context, cfg *domain.Config, repo *repository.SQLRepository, simulate int, seed uint64, quiet bool) error {
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer cacheImpl.Close()

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	defer busImpl.Close()

	engine, err := rules.NewEngine(cfg.Evaluation.Workers)
	if err != nil {
		return fmt.Errorf("init rule engine: %w", err)
	}
	configs, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	if err := engine.ReloadRules(configs); err != nil {
		return err
	}

	lookups := history.NewService(repo, cacheImpl, cfg.Evaluation.LookupTimeout, cfg.Cache.ProfileTTL)
	evaluator := fraud.NewEvaluator(fraud.Deps{
		Stats:      lookups,
		Duplicates: lookups,
		Profiles:   lookups,
		Rules:      engine,
		Writer:     fraud.NewWriter(repo, busImpl),
		Reader:     repo,
		Bus:        busImpl,
	}, cfg.Evaluation)

	var src domain.TransactionSource = source.NewPending(repo, source.DefaultPageSize)
	if simulate > 0 {
		sc := source.DefaultSyntheticConfig()
		sc.Count = simulate
		sc.Seed = seed
		src = source.NewSynthetic(repo, sc)
	}

	pool := worker.NewPool(evaluator, cfg.Evaluation.Workers)
	if !quiet {
		var mu sync.Mutex
		pool.OnResult(func(tx *domain.Transaction, res *domain.EvaluationResult, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fmt.Printf("Transaction %s: %s\n", console.Highlight(console.Info, tx.ID), console.Highlight(console.Warn, err.Error()))
				return
			}
			console.PrintResult(os.Stdout, res)
		})
	}

	summary, err := pool.Run(ctx, src)
	printSummary(os.Stdout, summary)
	if errors.Is(err, context.Canceled) {
		fmt.Println(console.Highlight(console.Warn, "interrupted; committed dispositions are kept, re-run to continue"))
		return nil
	}
	return err
}

func printSummary(w io.Writer, s worker.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Processed %d transactions in %s\n", s.Total, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Fraud:              %s\n", console.Highlight(console.Fraud, fmt.Sprint(s.Fraud)))
	fmt.Fprintf(w, "  Not fraud:          %s\n", console.Highlight(console.Info, fmt.Sprint(s.NotFraud)))
	fmt.Fprintf(w, "  Skipped (declined): %d\n", s.Skipped)
	fmt.Fprintf(w, "  Already determined: %d\n", s.AlreadyDetermined)
	if s.Rejected+s.Failed > 0 {
		fmt.Fprintf(w, "  Rejected / failed:  %s\n", console.Highlight(console.Warn, fmt.Sprintf("%d / %d", s.Rejected, s.Failed)))
	}
}

func printDeclined(ctx context.Context, w io.Writer, repo domain.Repository, customerID string) error {
	c, err := repo.GetCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	txs, err := repo.ListDeclinedByCustomer(ctx, customerID)
	if err != nil {
		return err
	}

	if len(txs) == 0 {
		fmt.Fprintf(w, "%s %s has no declined charges\n", c.FirstName, c.LastName)
		return nil
	}
	for _, tx := range txs {
		fmt.Fprintf(w, "Notice to %s (%s): your charge of $%s at %s was declined: %s\n",
			c.FirstName, c.PhoneNumber, tx.Amount.StringFixed(2), tx.MerchantName,
			console.Highlight(console.Warn, tx.Note))
	}
	return nil
}

func printList(ctx context.Context, w io.Writer, list func(context.Context, string) ([]*domain.Transaction, error), customerID string) error {
	txs, err := list(ctx, customerID)
	if err != nil {
		return err
	}
	console.PrintTransactions(w, txs)
	return nil
}

func fatal(msg string, err error) {
	fmt.Fprintln(os.Stderr, console.Highlight(console.Fraud, msg+": "+err.Error()))
	os.Exit(1)
}
