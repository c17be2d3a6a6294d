// Command depot is the operator CLI for a depot directory: create a new
// depot, ingest and restore backups, and run the verifier/cleaner/health
// report against it.
//
// Grounded on _examples/gloudx-ues/cmd/ds/ds.go's urfave/cli/v2 shape: a
// single global --dir flag, a package-level store handle opened in each
// command's Before and closed in its After, and one cli.Command per
// operation.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"depot/internal/clean"
	"depot/internal/datastore"
	"depot/internal/health"
	"depot/internal/humantime"
	"depot/internal/ingest"
	"depot/internal/logging"
	"depot/internal/metadata"
	"depot/internal/restore"
	"depot/internal/verify"
)

var (
	store *datastore.Datastore
	log   = logging.New("depot")
)

func openStore(c *cli.Context) error {
	dir := c.String("dir")
	if dir == "" {
		return fmt.Errorf("--dir is required")
	}
	ds, err := datastore.Open(dir, log)
	if err != nil {
		return err
	}
	store = ds
	return nil
}

func closeStore(c *cli.Context) error {
	if store != nil {
		return store.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "depot",
		Usage: "content-addressed, deduplicating backup depot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "path to the depot directory",
				EnvVars: []string{"DEPOT_DIR"},
			},
		},
		Commands: []*cli.Command{
			createCommand,
			ingestCommand,
			restoreCommand,
			listBackupsCommand,
			listHashesCommand,
			verifyCommand,
			cleanCommand,
			healthCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}
}

var createCommand = &cli.Command{
	Name:  "create",
	Usage: "initialize a new depot directory",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "blocksize",
			Usage:    "fixed uncompressed block size, e.g. 4MiB, 65536",
			Required: true,
		},
	},
	Action: func(c *cli.Context) error {
		dir := c.String("dir")
		if dir == "" {
			return fmt.Errorf("--dir is required")
		}
		blockSize, err := humanize.ParseBytes(c.String("blocksize"))
		if err != nil {
			return fmt.Errorf("--blocksize: %w", err)
		}
		ds, err := datastore.Create(dir, int64(blockSize), log)
		if err != nil {
			return err
		}
		defer ds.Close()
		fmt.Printf("created depot at %s (blocksize=%s)\n", dir, humanize.Bytes(blockSize))
		return nil
	},
}

var ingestCommand = &cli.Command{
	Name:  "ingest",
	Usage: "ingest a TAR backup stream read from stdin",
	Before: openStore,
	After:  closeStore,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "host", Required: true},
		&cli.StringFlag{Name: "name", Required: true},
		&cli.BoolFlag{Name: "verify-hashes", Usage: "recompute and check every block hash instead of trusting the client"},
	},
	Action: func(c *cli.Context) error {
		eng := ingest.New(store, log)
		if c.Bool("verify-hashes") {
			eng.SkipVerifyingBlocks = false
		}
		return eng.Ingest(context.Background(), os.Stdin, c.String("host"), c.String("name"))
	},
}

var restoreCommand = &cli.Command{
	Name:  "restore",
	Usage: "restore a ready backup to stdout",
	Before: openStore,
	After:  closeStore,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "host", Required: true},
		&cli.StringFlag{Name: "name", Required: true},
	},
	Action: func(c *cli.Context) error {
		_, err := restore.Restore(context.Background(), store, c.String("host"), c.String("name"), os.Stdout)
		return err
	},
}

var listBackupsCommand = &cli.Command{
	Name:  "list-backups",
	Usage: "list backups, optionally filtered by host or state",
	Before: openStore,
	After:  closeStore,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "host", Usage: "filter by host"},
		&cli.StringFlag{Name: "state", Usage: "filter by lifecycle state (pending|ready|failed|broken|deleted)"},
		&cli.StringFlag{Name: "format", Value: "cli", Usage: "output format: cli|csv|json"},
	},
	Action: func(c *cli.Context) error {
		ctx := context.Background()
		var backups []metadata.Backup
		var err error
		if state := c.String("state"); state != "" {
			backups, err = store.ListBackupsByState(ctx, metadata.BackupState(state))
			if c.String("host") != "" {
				backups = filterByHost(backups, c.String("host"))
			}
		} else {
			backups, err = store.ListBackups(ctx, c.String("host"))
		}
		if err != nil {
			return err
		}
		return printBackups(backups, c.String("format"))
	},
}

func filterByHost(in []metadata.Backup, host string) []metadata.Backup {
	var out []metadata.Backup
	for _, b := range in {
		if b.Host == host {
			out = append(out, b)
		}
	}
	return out
}

func printBackups(backups []metadata.Backup, format string) error {
	switch format {
	case "json":
		return json.NewEncoder(os.Stdout).Encode(backups)
	case "csv":
		w := csv.NewWriter(os.Stdout)
		defer w.Flush()
		if err := w.Write([]string{"id", "host", "name", "device", "size", "time_created", "time_imported", "state"}); err != nil {
			return err
		}
		for _, b := range backups {
			if err := w.Write([]string{
				strconv.FormatInt(b.ID, 10),
				b.Host,
				b.Name,
				b.Device,
				strconv.FormatInt(b.Size.Int64, 10),
				strconv.FormatInt(b.TimeCreated, 10),
				strconv.FormatInt(b.TimeImported, 10),
				string(b.State),
			}); err != nil {
				return err
			}
		}
		return nil
	default:
		// grouped by host, matching the teacher's grouped listing style
		byHost := map[string][]metadata.Backup{}
		var hosts []string
		for _, b := range backups {
			if _, ok := byHost[b.Host]; !ok {
				hosts = append(hosts, b.Host)
			}
			byHost[b.Host] = append(byHost[b.Host], b)
		}
		for _, h := range hosts {
			fmt.Printf("%s:\n", h)
			for _, b := range byHost[h] {
				fmt.Printf("  %-30s %-8s size=%s created=%d\n", b.Name, b.State, humanize.Bytes(uint64(b.Size.Int64)), b.TimeCreated)
			}
		}
		return nil
	}
}

var listHashesCommand = &cli.Command{
	Name:  "list-hashes",
	Usage: "list every block hash in the depot",
	Before: openStore,
	After:  closeStore,
	Action: func(c *cli.Context) error {
		hashes, err := store.ListHashes(context.Background())
		if err != nil {
			return err
		}
		for _, h := range hashes {
			fmt.Println(h)
		}
		return nil
	},
}

var verifyCommand = &cli.Command{
	Name:  "verify",
	Usage: "recompute block hashes and re-check backup continuity",
	Before: openStore,
	After:  closeStore,
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "dry", Usage: "report only, do not quarantine or mark backups failed"},
		&cli.BoolFlag{Name: "skip-blocks"},
		&cli.BoolFlag{Name: "skip-backups"},
	},
	Action: func(c *cli.Context) error {
		res, err := verify.Run(context.Background(), store, log, verify.Options{
			SkipBlocks:  c.Bool("skip-blocks"),
			SkipBackups: c.Bool("skip-backups"),
			Dry:         c.Bool("dry"),
		})
		if err != nil {
			return err
		}
		fmt.Printf("blocks checked: %d, damaged: %d\n", res.BlocksChecked, len(res.BlocksDamaged))
		fmt.Printf("backups checked: %d, failed: %d\n", res.BackupsChecked, len(res.BackupsFailed))
		if len(res.BlocksDamaged) > 0 || len(res.BackupsFailed) > 0 {
			return fmt.Errorf("verify found damaged blocks or failed backups")
		}
		return nil
	},
}

var cleanCommand = &cli.Command{
	Name:  "clean",
	Usage: "fail stale pending backups, drop unreferenced links, reap orphan block rows and files",
	Before: openStore,
	After:  closeStore,
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "dry"},
		&cli.StringFlag{Name: "fail-after", Value: "24h", Usage: "age after which a pending backup is marked failed"},
		&cli.StringFlag{Name: "orphan-grace", Value: "1h", Usage: "age after which an unreferenced block row is reaped"},
		&cli.BoolFlag{Name: "skip-failafter"},
		&cli.BoolFlag{Name: "skip-unreferenced"},
		&cli.BoolFlag{Name: "skip-orphaned"},
		&cli.BoolFlag{Name: "skip-orphaned-files"},
	},
	Action: func(c *cli.Context) error {
		failAfter, err := humantime.ParseDuration(c.String("fail-after"))
		if err != nil {
			return fmt.Errorf("--fail-after: %w", err)
		}
		orphanGrace, err := humantime.ParseDuration(c.String("orphan-grace"))
		if err != nil {
			return fmt.Errorf("--orphan-grace: %w", err)
		}

		res, err := clean.Run(context.Background(), store, log, clean.Options{
			SkipFailAfter:      c.Bool("skip-failafter"),
			SkipUnreferenced:   c.Bool("skip-unreferenced"),
			SkipOrphanBlocks:   c.Bool("skip-orphaned"),
			SkipOrphanFiles:    c.Bool("skip-orphaned-files"),
			Dry:                c.Bool("dry"),
			FailAfterSeconds:   int64(failAfter.Seconds()),
			OrphanGraceSeconds: int64(orphanGrace.Seconds()),
		})
		if err != nil {
			return err
		}
		fmt.Printf("failed pending: %d, removed links: %d, removed block rows: %d, removed block files: %d\n",
			res.FailedPending, res.RemovedLinks, res.RemovedBlockRows, res.RemovedBlockFiles)
		return nil
	},
}

var healthCommand = &cli.Command{
	Name:  "health",
	Usage: "report damaged blocks and failed/broken backups",
	Before: openStore,
	After:  closeStore,
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "skip-blocks"},
		&cli.BoolFlag{Name: "skip-backups"},
	},
	Action: func(c *cli.Context) error {
		rep, err := health.Run(context.Background(), store, health.Options{
			SkipBlocks:  c.Bool("skip-blocks"),
			SkipBackups: c.Bool("skip-backups"),
		})
		if err != nil {
			return err
		}
		if rep.Healthy() {
			fmt.Println("healthy")
			return nil
		}
		fmt.Println("unhealthy")
		if len(rep.DamagedBlocks) > 0 {
			fmt.Printf("  damaged blocks: %d\n", len(rep.DamagedBlocks))
		}
		if len(rep.FailedBackups) > 0 {
			fmt.Printf("  failed backups: %d\n", len(rep.FailedBackups))
		}
		if len(rep.BrokenBackups) > 0 {
			fmt.Printf("  broken backups: %d\n", len(rep.BrokenBackups))
		}
		return fmt.Errorf("depot is unhealthy")
	},
}
