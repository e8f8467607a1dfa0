package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/imgbak/imgbak/internal/backup"
	"github.com/imgbak/imgbak/internal/config"
	"github.com/imgbak/imgbak/internal/logx"
	"github.com/imgbak/imgbak/internal/provider"
	"github.com/imgbak/imgbak/internal/scheduler"
	"github.com/imgbak/imgbak/internal/version"
)

// describeTimeout bounds one connectivity probe in test/info.
const describeTimeout = 15 * time.Second

func newApp() *cli.App {
	// -v belongs to --verbose here.
	cli.VersionFlag = &cli.BoolFlag{
		Name:  "version",
		Usage: "print the version",
	}

	return &cli.App{
		Name:                 "imgbak",
		Usage:                "back up images from hosting providers to local disk",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				logx.SetVerbose()
			}
			return nil
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return usageErrorf("%v", err)
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.ShowAppHelp(c)
			}
			return usageErrorf("unknown command %q", c.Args().First())
		},
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a configuration template with every variable imgbak reads",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "path",
						Value: ".env",
						Usage: "template destination",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "overwrite an existing file",
					},
				},
				Action: initAction,
			},
			{
				Name:      "backup",
				Usage:     "Back up one provider's remote images",
				ArgsUsage: "<provider>",
				Flags:     append(backupFlags(), quietFlag()),
				Action:    backupAction,
			},
			{
				Name:   "backup-all",
				Usage:  "Back up every enabled provider, one after another",
				Flags:  append(backupFlags(), quietFlag()),
				Action: backupAllAction,
			},
			{
				Name:      "upload",
				Usage:     "Upload local image files to a provider",
				ArgsUsage: "<provider> <file> [file...]",
				Flags:     append(uploadFlags(), quietFlag()),
				Action:    uploadAction,
			},
			{
				Name:      "upload-all",
				Usage:     "Upload every matching image under a directory",
				ArgsUsage: "<provider> <dir>",
				Flags: append(uploadFlags(),
					&cli.StringFlag{
						Name:  "pattern",
						Value: "*",
						Usage: "glob matched against file names under dir",
					},
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"l"},
						Usage:   "upload at most this many files (0 = all)",
					},
					quietFlag(),
				),
				Action: uploadAllAction,
			},
			{
				Name:   "list",
				Usage:  "Show configured providers and their capabilities",
				Action: listAction,
			},
			{
				Name:      "test",
				Usage:     "Probe provider connectivity",
				ArgsUsage: "[provider]",
				Action:    testAction,
			},
			{
				Name:      "info",
				Usage:     "Show one provider's description and manifest footprint",
				ArgsUsage: "<provider>",
				Action:    infoAction,
			},
			{
				Name:   "stats",
				Usage:  "Show manifest totals",
				Action: statsAction,
			},
			{
				Name:      "history",
				Usage:     "Show recent transfer records",
				ArgsUsage: "[provider]",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"l"},
						Value:   20,
						Usage:   "most recent records to show (0 = all)",
					},
				},
				Action: historyAction,
			},
			{
				Name:   "duplicates",
				Usage:  "Group manifest records sharing the same content fingerprint",
				Action: duplicatesAction,
			},
			{
				Name:  "cleanup",
				Usage: "Remove manifest records whose local file is gone",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "report orphans without deleting records",
					},
				},
				Action: cleanupAction,
			},
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(*cli.Context) error {
					fmt.Println("imgbak " + version.Info())
					return nil
				},
			},
		},
	}
}

func backupFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "destination root (default: IMGBAK_OUTPUT)",
		},
		&cli.StringFlag{
			Name:  "prefix",
			Usage: "only objects under this remote prefix",
		},
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"l"},
			Usage:   "stop after this many objects (0 = all)",
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Aliases: []string{"c"},
			Usage:   "parallel transfers (default: IMGBAK_CONCURRENCY)",
		},
		&cli.BoolFlag{
			Name:  "skip-existing",
			Usage: "skip objects already backed up (default: IMGBAK_SKIP_EXISTING)",
		},
	}
}

func uploadFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "remote-prefix",
			Usage: "key prefix for uploaded files",
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Aliases: []string{"c"},
			Usage:   "parallel transfers (default: IMGBAK_CONCURRENCY)",
		},
	}
}

func quietFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "quiet",
		Aliases: []string{"q"},
		Usage:   "suppress the progress bar",
	}
}

func backupAction(c *cli.Context) error {
	kind, err := providerArg(c)
	if err != nil {
		return err
	}
	if c.NArg() > 1 {
		return usageErrorf("unexpected argument %q", c.Args().Get(1))
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := buildProvider(cfg, kind)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.ManifestPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	prog := newProgress(c.Bool("quiet"))
	sum := backup.New(cfg, store).Backup(c.Context, p, backupOptions(c, cfg, prog))
	prog.Finish()

	renderSummaries(os.Stdout, []backup.Summary{sum})
	return errFromSummaries([]backup.Summary{sum})
}

func backupAllAction(c *cli.Context) error {
	if c.NArg() > 0 {
		return usageErrorf("backup-all takes no arguments (got %q)", c.Args().First())
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	kinds := enabledKinds(cfg)
	if len(kinds) == 0 {
		return errors.New(`no providers enabled; run "imgbak init" and fill in the template`)
	}
	store, err := openStore(cfg.ManifestPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	prog := newProgress(c.Bool("quiet"))
	sums := backup.New(cfg, store).BackupAll(c.Context, kinds, backupOptions(c, cfg, prog))
	prog.Finish()

	renderSummaries(os.Stdout, sums)
	return errFromSummaries(sums)
}

func uploadAction(c *cli.Context) error {
	kind, err := providerArg(c)
	if err != nil {
		return err
	}
	files := c.Args().Tail()
	if len(files) == 0 {
		return usageErrorf("upload needs at least one file")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := buildProvider(cfg, kind)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.ManifestPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	prog := newProgress(c.Bool("quiet"))
	sum := backup.New(cfg, store).Upload(c.Context, p, files, uploadOptions(c, prog))
	prog.Finish()

	renderSummaries(os.Stdout, []backup.Summary{sum})
	return errFromSummaries([]backup.Summary{sum})
}

func uploadAllAction(c *cli.Context) error {
	kind, err := providerArg(c)
	if err != nil {
		return err
	}
	if c.NArg() != 2 {
		return usageErrorf("upload-all needs a provider and a directory")
	}
	dir := c.Args().Get(1)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := buildProvider(cfg, kind)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.ManifestPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	prog := newProgress(c.Bool("quiet"))
	sum, err := backup.New(cfg, store).UploadAll(
		c.Context, p, dir, c.String("pattern"), c.Int("limit"), uploadOptions(c, prog),
	)
	prog.Finish()
	if err != nil {
		return err
	}

	renderSummaries(os.Stdout, []backup.Summary{sum})
	return errFromSummaries([]backup.Summary{sum})
}

func listAction(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(provider.Kinds()))
	for _, k := range provider.Kinds() {
		enabled := cfg.ProviderEnabled(k.String())
		caps := "-"
		if enabled {
			// Constructors are offline; a failure here means bad config,
			// which is worth surfacing in the table rather than aborting.
			if p, err := newProvider(k, cfg); err != nil {
				caps = "error: " + err.Error()
			} else {
				caps = p.Capabilities().String()
			}
		}
		rows = append(rows, []string{k.String(), yesNo(enabled), caps})
	}
	renderTable(os.Stdout, []string{"PROVIDER", "ENABLED", "CAPABILITIES"}, rows)
	return nil
}

func testAction(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	kinds := enabledKinds(cfg)
	if c.NArg() > 0 {
		if c.NArg() > 1 {
			return usageErrorf("unexpected argument %q", c.Args().Get(1))
		}
		kind, err := provider.ParseKind(c.Args().First())
		if err != nil {
			return usageErrorf("%v", err)
		}
		kinds = []provider.Kind{kind}
	}
	if len(kinds) == 0 {
		return errors.New("no providers enabled")
	}

	unreachable := 0
	rows := make([][]string, 0, len(kinds))
	for _, k := range kinds {
		p, err := newProvider(k, cfg)
		if err != nil {
			unreachable++
			rows = append(rows, []string{k.String(), "error", err.Error()})
			continue
		}
		probeCtx, cancel := context.WithTimeout(c.Context, describeTimeout)
		d := p.Describe(probeCtx)
		cancel()

		status := "ok"
		if !d.Reachable {
			status = "unreachable"
			unreachable++
		}
		rows = append(rows, []string{d.Name, status, d.Detail})
	}
	renderTable(os.Stdout, []string{"PROVIDER", "STATUS", "DETAIL"}, rows)
	if unreachable > 0 {
		return fmt.Errorf("%d of %d providers unreachable", unreachable, len(kinds))
	}
	return nil
}

func infoAction(c *cli.Context) error {
	kind, err := providerArg(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := buildProvider(cfg, kind)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.ManifestPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	probeCtx, cancel := context.WithTimeout(c.Context, describeTimeout)
	d := p.Describe(probeCtx)
	cancel()

	st, err := store.Stats()
	if err != nil {
		return err
	}
	renderDescription(os.Stdout, d, st.ByProvider[d.Name])
	return nil
}

func statsAction(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg.ManifestPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	st, err := store.Stats()
	if err != nil {
		return err
	}
	renderStats(os.Stdout, st)
	return nil
}

func historyAction(c *cli.Context) error {
	name := ""
	if c.NArg() > 0 {
		if c.NArg() > 1 {
			return usageErrorf("unexpected argument %q", c.Args().Get(1))
		}
		kind, err := provider.ParseKind(c.Args().First())
		if err != nil {
			return usageErrorf("%v", err)
		}
		name = kind.String()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg.ManifestPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	recs, err := store.History(name, c.Int("limit"))
	if err != nil {
		return err
	}
	renderHistory(os.Stdout, recs)
	return nil
}

func duplicatesAction(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg.ManifestPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	groups, err := store.FindDuplicates()
	if err != nil {
		return err
	}
	renderDuplicates(os.Stdout, groups)
	return nil
}

func cleanupAction(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg.ManifestPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	dryRun := c.Bool("dry-run")
	orphans, err := store.Cleanup(dryRun)
	if err != nil {
		return err
	}
	renderCleanup(os.Stdout, orphans, dryRun)
	return nil
}

// providerArg parses the first positional argument as a provider kind.
func providerArg(c *cli.Context) (provider.Kind, error) {
	if c.NArg() < 1 {
		return "", usageErrorf("missing provider argument (known: %s)", kindNames())
	}
	kind, err := provider.ParseKind(c.Args().First())
	if err != nil {
		return "", usageErrorf("%v", err)
	}
	return kind, nil
}

// buildProvider constructs the provider after checking it is enabled, so
// the error names the exact switch to flip.
func buildProvider(cfg config.Config, kind provider.Kind) (provider.Provider, error) {
	if !cfg.ProviderEnabled(kind.String()) {
		return nil, fmt.Errorf("provider %s is not enabled; set %s_ENABLED=true",
			kind, strings.ToUpper(kind.String()))
	}
	return newProvider(kind, cfg)
}

func enabledKinds(cfg config.Config) []provider.Kind {
	var kinds []provider.Kind
	for _, k := range provider.Kinds() {
		if cfg.ProviderEnabled(k.String()) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func kindNames() string {
	names := make([]string, 0, len(provider.Kinds()))
	for _, k := range provider.Kinds() {
		names = append(names, k.String())
	}
	return strings.Join(names, ", ")
}

func backupOptions(c *cli.Context, cfg config.Config, prog *progress) backup.Options {
	skip := cfg.SkipExisting
	if c.IsSet("skip-existing") {
		skip = c.Bool("skip-existing")
	}
	return backup.Options{
		OutputDir:    c.String("output"),
		Prefix:       c.String("prefix"),
		Limit:        c.Int("limit"),
		SkipExisting: skip,
		Concurrency:  c.Int("concurrency"),
		OnSchedule:   prog.StartSegment,
		OnTaskDone:   func(scheduler.Result) { prog.Tick() },
	}
}

func uploadOptions(c *cli.Context, prog *progress) backup.UploadOptions {
	return backup.UploadOptions{
		RemotePrefix: c.String("remote-prefix"),
		Concurrency:  c.Int("concurrency"),
		OnSchedule:   prog.StartSegment,
		OnTaskDone:   func(scheduler.Result) { prog.Tick() },
	}
}

// errFromSummaries decides the process outcome after tables are rendered.
// Segment errors win over individual task failures.
func errFromSummaries(sums []backup.Summary) error {
	for _, s := range sums {
		if s.Err != nil {
			return fmt.Errorf("%s %s: %w", s.Provider, s.Operation, s.Err)
		}
	}
	if backup.AnyFailed(sums) {
		return errors.New("finished with failed transfers")
	}
	return nil
}
