package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/hackgods/ledger-appointment-portal/internal/db"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [up|down|version|force N|list]")
	}
	flag.Parse()

	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL")).With("service", "migrate")

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}

	if cmd == "list" {
		files, err := db.MigrationFiles()
		if err != nil {
			logger.Error("list migrations", "error", err)
			os.Exit(1)
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return
	}

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Error("POSTGRES_DSN is required")
		os.Exit(1)
	}

	mg, err := db.NewMigrator(dsn)
	if err != nil {
		logger.Error("open migrator", "error", err)
		os.Exit(1)
	}
	defer mg.Close()

	switch cmd {
	case "up":
		err = mg.Up()
	case "down":
		err = mg.Down()
	case "force":
		var v int
		v, err = strconv.Atoi(flag.Arg(1))
		if err == nil {
			err = mg.Force(v)
		}
	case "version":
		var (
			v     uint
			dirty bool
		)
		v, dirty, err = mg.Version()
		if err == nil {
			logger.Info("schema version", "version", v, "dirty", dirty)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("migrate "+cmd+" failed", "error", err)
		mg.Close()
		os.Exit(1)
	}
	logger.Info("migrate " + cmd + " done")
}
