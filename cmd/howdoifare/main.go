// Command howdoifare runs the GitHub and Jira sync worker and its operator
// commands.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return runWorker()
	}

	switch args[0] {
	case "worker":
		return runWorker()
	case "migrate":
		return runMigrate(args[1:])
	case "schedule":
		return runSchedule(args[1:])
	case "trigger":
		return runTrigger(args[1:])
	case "cancel":
		return runCancel(args[1:])
	case "status":
		return runStatus(args[1:])
	case "jobs":
		return runJobs(args[1:])
	case "interval":
		return runInterval(args[1:])
	case "credential":
		return runCredential(args[1:])
	case "help", "--help", "-h":
		printHelp()
		return nil
	default:
		printHelp()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: howdoifare [command] [options]

Commands:
  worker                               Run the sync worker (default)
  migrate [--down n] [--version]       Apply or roll back database migrations
  schedule                             Rebuild recurring sync schedules now
  trigger <github|jira> <credentialId> Queue a manual sync
  cancel <jobId>                       Cancel a pending or running job
  status <github|jira> <credentialId>  Show the latest job of a credential
  jobs [--limit n]                     List recent jobs
  interval [hours]                     Show or set the sync interval
  credential add <github|jira>         Store a new credential
  help                                 Show this help message

Examples:
  howdoifare trigger github gcred_1f0c... --orgs 3,7
  howdoifare trigger jira jcred_9ab2... --projects ENG,OPS
  howdoifare interval 12
  howdoifare credential add jira --user u_42 --domain acme.atlassian.net --email dev@acme.test
`)
}
