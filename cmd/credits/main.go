package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"batchgen/internal/adapter/repo"
	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/ledger"
)

// credits is the operator tool for plans and balances. Each invocation
// applies at most one plan change and one ledger mutation, then prints the
// resulting balance.
func main() {
	_ = godotenv.Load()

	var (
		userFlag   string
		planFlag   string
		grantFlag  int64
		adjustFlag int64
		refFlag    string
		reasonFlag string
	)
	flag.StringVar(&userFlag, "user", "", "user ID to update")
	flag.StringVar(&planFlag, "plan", "", "plan to assign (free, starter, pro, enterprise)")
	flag.Int64Var(&grantFlag, "grant", 0, "credits to grant (earn)")
	flag.Int64Var(&adjustFlag, "adjust", 0, "signed admin adjustment")
	flag.StringVar(&refFlag, "ref", "", "idempotency reference (random when empty)")
	flag.StringVar(&reasonFlag, "reason", "operator", "source or reason recorded on the transaction")
	flag.Parse()

	userID := strings.TrimSpace(userFlag)
	if userID == "" {
		exitWithError(errors.New("-user is required"))
	}
	if grantFlag != 0 && adjustFlag != 0 {
		exitWithError(errors.New("use either -grant or -adjust, not both"))
	}
	if grantFlag < 0 {
		exitWithError(errors.New("-grant must be positive, use -adjust for debits"))
	}
	plan := strings.TrimSpace(strings.ToLower(planFlag))
	if plan != "" && domain.ParsePlanTier(plan) != domain.PlanTier(plan) {
		exitWithError(fmt.Errorf("unsupported plan %q", planFlag))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "credits").Logger()
	runner := infra.NewSQLRunner(pool, logger)
	book := ledger.NewPostgres(runner, logger)

	if plan != "" {
		if err := repo.NewPlanRepository(runner).SetPlan(ctx, userID, domain.PlanTier(plan)); err != nil {
			exitWithError(fmt.Errorf("failed to update plan: %w", err))
		}
		fmt.Printf("User %s updated to plan %s\n", userID, plan)
	}

	ref := strings.TrimSpace(refFlag)
	if ref == "" {
		ref = "admin:" + uuid.NewString()
	}
	var receipt ledger.Receipt
	switch {
	case grantFlag > 0:
		receipt, err = book.Earn(ctx, userID, grantFlag, ref, reasonFlag)
	case adjustFlag != 0:
		receipt, err = book.Adjust(ctx, userID, adjustFlag, ref, reasonFlag)
	}
	if err != nil {
		exitWithError(fmt.Errorf("failed to apply ledger change: %w", err))
	}
	if receipt.TransactionID != "" {
		fmt.Printf("transaction=%s type=%s amount=%d replayed=%t\n", receipt.TransactionID, receipt.Type, receipt.Amount, receipt.Replayed)
	}

	bal, err := book.Balance(ctx, userID)
	if err != nil {
		exitWithError(fmt.Errorf("failed to load balance: %w", err))
	}
	fmt.Printf("available=%d frozen=%d total_earned=%d total_spent=%d\n", bal.Available, bal.Frozen, bal.TotalEarned, bal.TotalSpent)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
