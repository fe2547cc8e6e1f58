package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"batchgen/internal/migrations"
)

func main() {
	_ = godotenv.Load()

	var dirFlag string
	flag.StringVar(&dirFlag, "dir", "up", "migration direction: up, down or status")
	flag.Parse()

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(fmt.Errorf("DATABASE_URL is required"))
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to open database: %w", err))
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		exitWithError(fmt.Errorf("failed to reach database: %w", err))
	}

	switch strings.ToLower(strings.TrimSpace(dirFlag)) {
	case "up":
		err = migrations.Up(db)
	case "down":
		err = migrations.Down(db)
	case "status":
		err = migrations.Status(db)
	default:
		err = fmt.Errorf("unsupported direction %q", dirFlag)
	}
	if err != nil {
		exitWithError(err)
	}
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
