package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"ms-capacity/internal/capacity"
	"ms-capacity/internal/config"
	"ms-capacity/internal/database"
	"ms-capacity/internal/database/migrations"
	"ms-capacity/internal/logger"

	"github.com/joho/godotenv"
)

type variantTotal struct {
	variantID string
	total     int
}

// parseVariants reads "adult:40,child:20".
func parseVariants(s string) ([]variantTotal, error) {
	var out []variantTotal
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, totalStr, ok := strings.Cut(part, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid variant %q, want id:total", part)
		}
		total, err := strconv.Atoi(totalStr)
		if err != nil {
			return nil, fmt.Errorf("invalid total for %s: %w", id, err)
		}
		out = append(out, variantTotal{variantID: id, total: total})
	}
	return out, nil
}

func main() {
	schedules := flag.String("schedules", "demo-schedule-1", "comma separated schedule ids")
	variants := flag.String("variants", "adult:40,child:20", "comma separated variant:total pairs")
	migrate := flag.Bool("migrate", true, "apply migrations before seeding")
	down := flag.Bool("down", false, "roll back all migrations and exit")
	flag.Parse()

	_ = godotenv.Load() // Loads .env file if present

	cfg := config.Load()
	log := logger.NewLogger("capacity-seed")
	defer log.Close()
	ctx := context.Background()

	if *migrate || *down {
		runner, err := migrations.Open(cfg.Database.DSN, log)
		if err != nil {
			log.Fatal("MIGRATION", err.Error())
		}
		if *down {
			err = runner.MigrateDown()
		} else {
			err = runner.MigrateUp()
		}
		runner.Close()
		if err != nil {
			log.Fatal("MIGRATION", err.Error())
		}
		if *down {
			log.Info("MIGRATION", "All migrations rolled back")
			return
		}
	}

	totals, err := parseVariants(*variants)
	if err != nil {
		log.Fatal("SEED", err.Error())
	}

	bunDB, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	svc := capacity.NewService(bunDB, cfg.Capacity, log)

	created := 0
	for _, scheduleID := range strings.Split(*schedules, ",") {
		scheduleID = strings.TrimSpace(scheduleID)
		if scheduleID == "" {
			continue
		}
		for _, v := range totals {
			_, err := svc.CreateCapacity(ctx, scheduleID, v.variantID, v.total)
			switch {
			case errors.Is(err, capacity.ErrLedgerExists):
				log.Info("SEED", fmt.Sprintf("%s/%s already exists, skipping", scheduleID, v.variantID))
			case err != nil:
				log.Fatal("SEED", fmt.Sprintf("Failed to create %s/%s: %v", scheduleID, v.variantID, err))
			default:
				created++
				log.LogLedger("SEED", scheduleID, v.variantID, fmt.Sprintf("total %d", v.total))
			}
		}
	}
	log.Info("SEED", fmt.Sprintf("✅ Seeding complete, %d rows created", created))
}
