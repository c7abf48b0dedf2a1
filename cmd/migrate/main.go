// Package main provides a database migration runner.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/viper"

	"github.com/cory-johannsen/campus/internal/config"
)

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	sourceDir := flag.String("migrations", "migrations", "path to migration files")
	direction := flag.String("direction", "up", "migration direction: up or down")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	flag.Parse()

	if err := run(*configPath, *sourceDir, *direction, *steps); err != nil {
		log.Fatal(err)
	}
}

func run(configPath, sourceDir, direction string, steps int) error {
	start := time.Now()

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	var dbCfg config.DatabaseConfig
	if err := v.Sub("database").Unmarshal(&dbCfg); err != nil {
		return fmt.Errorf("parsing database config: %w", err)
	}

	m, err := migrate.New("file://"+sourceDir, dbCfg.DSN())
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("invalid direction %q: must be 'up' or 'down'", direction)
	}
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, _ := m.Version()
	if err == migrate.ErrNoChange {
		fmt.Printf("no changes (version=%d dirty=%v) [%s]\n", version, dirty, time.Since(start))
	} else {
		fmt.Printf("migrated %s to version=%d dirty=%v [%s]\n", direction, version, dirty, time.Since(start))
	}
	return nil
}
