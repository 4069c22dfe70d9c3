package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/chanfetch/chanfetch/internal/daemon"
	"github.com/chanfetch/chanfetch/internal/httpsource"
	"github.com/chanfetch/chanfetch/pkg/logger"
)

var (
	version = "dev"
	commit  string
)

var (
	dbPath       string
	mediaDir     string
	listenAddr   string
	schedEvery   time.Duration
	syncBatch    int
	transferWait time.Duration
)

var daemonFlags = []cli.Flag{
	cli.StringFlag{
		Name:        "db",
		Usage:       "path to the sqlite database file",
		EnvVar:      "CHANFETCH_DB",
		Value:       "chanfetch.db",
		Destination: &dbPath,
	},
	cli.StringFlag{
		Name:        "media-dir, m",
		Usage:       "directory where fetched media is stored",
		EnvVar:      "CHANFETCH_MEDIA_DIR",
		Value:       "media",
		Destination: &mediaDir,
	},
	cli.StringFlag{
		Name:        "listen, l",
		Usage:       "address for the control websocket server (empty disables it)",
		EnvVar:      "CHANFETCH_LISTEN",
		Value:       "127.0.0.1:4290",
		Destination: &listenAddr,
	},
	cli.DurationFlag{
		Name:        "schedule-interval",
		Usage:       "how often due tasks are checked",
		Value:       time.Minute,
		Destination: &schedEvery,
	},
	cli.IntFlag{
		Name:        "sync-batch",
		Usage:       "number of messages pulled per sync cycle",
		Value:       100,
		Destination: &syncBatch,
	},
	cli.DurationFlag{
		Name:        "transfer-timeout",
		Usage:       "per-transfer deadline",
		Value:       10 * time.Minute,
		Destination: &transferWait,
	},
}

func main() {
	app := cli.App{
		Name:      "chanfetchd",
		HelpName:  "chanfetchd",
		Usage:     "a scheduled media fetch daemon",
		Version:   fmt.Sprintf("%s %s", version, commit),
		UsageText: "chanfetchd <command> [arguments...]",
		Commands: []cli.Command{
			{
				Name:   "daemon",
				Usage:  "run the fetch daemon in the foreground",
				Action: runDaemon,
				Flags:  daemonFlags,
			},
			{
				Name:    "version",
				Aliases: []string{"v"},
				Usage:   "prints the installed version",
				Action: func(_ *cli.Context) {
					fmt.Printf("chanfetchd %s %s\n", version, commit)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Printf("chanfetchd: %s\n", err.Error())
		os.Exit(1)
	}
}

func runDaemon(_ *cli.Context) error {
	l := logger.NewStandardLogger(log.New(os.Stderr, "chanfetchd ", log.LstdFlags))
	defer l.Close()

	d, err := daemon.New(daemon.Config{
		DBPath:            dbPath,
		MediaDir:          mediaDir,
		ListenAddr:        listenAddr,
		SchedulerInterval: schedEvery,
		SyncBatchLimit:    syncBatch,
		TransferTimeout:   transferWait,
	}, daemon.Dependencies{
		Provider: httpsource.New(&http.Client{Timeout: transferWait}),
		Logger:   l,
	})
	if err != nil {
		return err
	}
	if err := d.Start(context.Background()); err != nil {
		return err
	}
	l.Info("daemon started, listening on %s", listenAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	l.Info("shutting down")
	return d.Shutdown()
}
