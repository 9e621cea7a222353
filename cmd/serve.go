package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/culpritdev/culprit/internal/server"
	"github.com/culpritdev/culprit/pkg/culprit"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve job.yml",
	Short: "Bisect with verdicts supplied over HTTP instead of an automated oracle",
	Long: `Bisect with verdicts supplied over HTTP instead of an automated oracle.

The engine checks out each candidate commit and then waits. GET /candidate
returns the commit and its working directory; after testing it by hand (or
from your own tooling), POST /verdict/<candidateId> with a body of
{"verdict": "good"|"bad"|"skip"} to let the search continue.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		file, err := os.Open(args[0])
		if err != nil {
			logrus.Fatalf("Failed to open job yaml - %v", err)
		}
		job, err := culprit.GetJobFromConfig(file)
		file.Close()
		if err != nil {
			logrus.Fatalf("Failed to read job config from yaml - %v", err)
		}

		oracle := server.NewInteractiveOracle()
		if _, err := server.NewServer(server.HTTP, servePort, oracle); err != nil {
			logrus.Fatalf("Failed to start server - %v", err)
		}

		job.Oracle = oracle
		job.Log = newLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		results, err := job.Run(ctx)
		if err != nil {
			logrus.Errorf("Failed to run job - %v", err)
			os.Exit(exitCode(err))
		}

		log := logrus.New()
		log.SetLevel(logrus.InfoLevel)
		reporter := &culprit.LogReporter{Log: log}

		code := 0
		for _, res := range results {
			if err := reporter.Report(res); err != nil {
				logrus.Errorf("Failed to report result for bug %s - %v", res.Bug, err)
			}
			if res.Err != nil && code == 0 {
				code = exitCode(res.Err)
			}
		}
		os.Exit(code)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 40032, "The port on which to serve candidates")
}
