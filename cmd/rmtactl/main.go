// Command rmtactl is the administration CLI for relaymtad: a thin client
// over the admin HTTP API from spec.md §6 ("CLI (kcli) binds to the HTTP
// API above; exit code 0 on success, non-zero otherwise"), grounded on
// foxcpp-maddy/cmd/maddyctl/main.go's cli.NewApp()/nested-Subcommands
// structure.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "rmtactl"
	app.Usage = "relaymta administration utility"
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			cli.OsExiter(1)
		}
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "Base URL of the relaymtad admin API",
			EnvVars: []string{"RMTACTL_ADDR"},
			Value:   "http://127.0.0.1:8080",
		},
		&cli.StringFlag{
			Name:    "user",
			Usage:   "Admin API basic auth username",
			EnvVars: []string{"RMTACTL_USER"},
		},
		&cli.StringFlag{
			Name:    "password",
			Usage:   "Admin API basic auth password",
			EnvVars: []string{"RMTACTL_PASSWORD"},
		},
	}

	app.Commands = []*cli.Command{
		bounceCommand(),
		suspendCommand(),
		suspendReadyQCommand(),
		rebindCommand(),
		xferCommand(),
		inspectMessageCommand(),
		inspectSchedQCommand(),
		livenessCommand(),
		logfilterCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func client(ctx *cli.Context) *apiClient {
	return newAPIClient(ctx.String("addr"), ctx.String("user"), ctx.String("password"))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var matchFlags = []cli.Flag{
	&cli.StringFlag{Name: "campaign", Usage: "Restrict to this campaign (empty matches any)"},
	&cli.StringFlag{Name: "tenant", Usage: "Restrict to this tenant (empty matches any)"},
	&cli.StringFlag{Name: "domain", Usage: "Restrict to this recipient domain (empty matches any)"},
	&cli.StringFlag{Name: "reason", Usage: "Reason recorded against the rule"},
	&cli.Int64Flag{Name: "duration", Usage: "Rule lifetime in seconds (0 uses the admin API's default)"},
}

func bounceCommand() *cli.Command {
	return &cli.Command{
		Name:  "bounce",
		Usage: "Manage Bounce rules (spec.md §4.7)",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Add a Bounce rule",
				Flags: matchFlags,
				Action: func(c *cli.Context) error {
					var out map[string]string
					body := map[string]interface{}{
						"campaign": c.String("campaign"), "tenant": c.String("tenant"),
						"domain": c.String("domain"), "reason": c.String("reason"),
						"duration": c.Int64("duration"),
					}
					if err := client(c).do(c.Context, "POST", "/api/admin/bounce/v1", body, &out); err != nil {
						return cli.Exit(err, 1)
					}
					return printJSON(out)
				},
			},
			{
				Name:  "list",
				Usage: "List active Bounce rules",
				Action: func(c *cli.Context) error {
					var out interface{}
					if err := client(c).do(c.Context, "GET", "/api/admin/bounce/v1", nil, &out); err != nil {
						return cli.Exit(err, 1)
					}
					return printJSON(out)
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a Bounce rule by id",
				ArgsUsage: "ID",
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if id == "" {
						return cli.Exit("Error: ID is required", 2)
					}
					if err := client(c).do(c.Context, "DELETE", "/api/admin/bounce/v1/"+id, nil, nil); err != nil {
						return cli.Exit(err, 1)
					}
					return nil
				},
			},
		},
	}
}

func suspendCommand() *cli.Command {
	return &cli.Command{
		Name:  "suspend",
		Usage: "Manage scheduled-queue Suspend rules (spec.md §4.7)",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Add a Suspend rule",
				Flags: matchFlags,
				Action: func(c *cli.Context) error {
					var out map[string]string
					body := map[string]interface{}{
						"campaign": c.String("campaign"), "tenant": c.String("tenant"),
						"domain": c.String("domain"), "reason": c.String("reason"),
						"duration": c.Int64("duration"),
					}
					if err := client(c).do(c.Context, "POST", "/api/admin/suspend/v1", body, &out); err != nil {
						return cli.Exit(err, 1)
					}
					return printJSON(out)
				},
			},
			{
				Name:  "list",
				Usage: "List active Suspend rules",
				Action: func(c *cli.Context) error {
					var out interface{}
					if err := client(c).do(c.Context, "GET", "/api/admin/suspend/v1", nil, &out); err != nil {
						return cli.Exit(err, 1)
					}
					return printJSON(out)
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a Suspend rule by id",
				ArgsUsage: "ID",
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if id == "" {
						return cli.Exit("Error: ID is required", 2)
					}
					if err := client(c).do(c.Context, "DELETE", "/api/admin/suspend/v1/"+id, nil, nil); err != nil {
						return cli.Exit(err, 1)
					}
					return nil
				},
			},
		},
	}
}

func suspendReadyQCommand() *cli.Command {
	return &cli.Command{
		Name:  "suspend-ready-q",
		Usage: "Manage Suspend-Ready-Q rules, halting an entire egress path (spec.md §4.7)",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Suspend a ready queue",
				ArgsUsage: "READY_QUEUE_NAME",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Usage: "Reason recorded against the rule"},
					&cli.Int64Flag{Name: "duration", Usage: "Rule lifetime in seconds (0 uses the admin API's default)"},
				},
				Action: func(c *cli.Context) error {
					name := c.Args().First()
					if name == "" {
						return cli.Exit("Error: READY_QUEUE_NAME is required", 2)
					}
					var out map[string]string
					body := map[string]interface{}{
						"ready_queue_name": name, "reason": c.String("reason"), "duration": c.Int64("duration"),
					}
					if err := client(c).do(c.Context, "POST", "/api/admin/suspend-ready-q/v1", body, &out); err != nil {
						return cli.Exit(err, 1)
					}
					return printJSON(out)
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a Suspend-Ready-Q rule by id",
				ArgsUsage: "ID",
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if id == "" {
						return cli.Exit("Error: ID is required", 2)
					}
					if err := client(c).do(c.Context, "DELETE", "/api/admin/suspend-ready-q/v1/"+id, nil, nil); err != nil {
						return cli.Exit(err, 1)
					}
					return nil
				},
			},
		},
	}
}

func rebindCommand() *cli.Command {
	return &cli.Command{
		Name:  "rebind",
		Usage: "Move every scheduled message matching a campaign/tenant/domain triple to a new queue (spec.md §4.7)",
		Flags: append(matchFlags, &cli.StringFlag{Name: "new-queue-name", Required: true, Usage: "Queue name to move matching messages into"}),
		Action: func(c *cli.Context) error {
			var out map[string]int
			body := map[string]interface{}{
				"campaign": c.String("campaign"), "tenant": c.String("tenant"),
				"domain": c.String("domain"), "reason": c.String("reason"),
				"new_queue_name": c.String("new-queue-name"),
			}
			if err := client(c).do(c.Context, "POST", "/api/admin/rebind/v1", body, &out); err != nil {
				return cli.Exit(err, 1)
			}
			return printJSON(out)
		},
	}
}

func xferCommand() *cli.Command {
	return &cli.Command{
		Name:      "xfer",
		Usage:     "Move specific messages by id to a new queue, per SPEC_FULL.md's supplemented xfer-cancel feature",
		ArgsUsage: "MESSAGE_ID...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "new-queue-name", Required: true, Usage: "Queue name to move the messages into"},
			&cli.StringFlag{Name: "reason", Usage: "Reason recorded against the move"},
		},
		Action: func(c *cli.Context) error {
			ids := c.Args().Slice()
			if len(ids) == 0 {
				return cli.Exit("Error: at least one MESSAGE_ID is required", 2)
			}
			var out map[string]int
			body := map[string]interface{}{
				"message_ids": ids, "new_queue_name": c.String("new-queue-name"), "reason": c.String("reason"),
			}
			if err := client(c).do(c.Context, "POST", "/api/admin/xfer/v1", body, &out); err != nil {
				return cli.Exit(err, 1)
			}
			return printJSON(out)
		},
	}
}

var wantBodyFlag = &cli.BoolFlag{Name: "want-body", Usage: "Include the message body bytes in the response"}

func inspectMessageCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect-message",
		Usage:     "Show a single message's envelope and scheduling state by id",
		ArgsUsage: "MESSAGE_ID",
		Flags:     []cli.Flag{wantBodyFlag},
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return cli.Exit("Error: MESSAGE_ID is required", 2)
			}
			path := "/api/admin/inspect-message/v1?id=" + id
			if c.Bool("want-body") {
				path += "&want_body=true"
			}
			var out interface{}
			if err := client(c).do(c.Context, "GET", path, nil, &out); err != nil {
				return cli.Exit(err, 1)
			}
			return printJSON(out)
		},
	}
}

func inspectSchedQCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect-sched-q",
		Usage:     "List scheduled queue names, or sample one queue's pending messages",
		ArgsUsage: "[QUEUE_NAME]",
		Flags:     []cli.Flag{wantBodyFlag},
		Action: func(c *cli.Context) error {
			path := "/api/admin/inspect-sched-q/v1"
			if name := c.Args().First(); name != "" {
				path += "?queue_name=" + strings.ReplaceAll(name, " ", "%20")
				if c.Bool("want-body") {
					path += "&want_body=true"
				}
			}
			var out interface{}
			if err := client(c).do(c.Context, "GET", path, nil, &out); err != nil {
				return cli.Exit(err, 1)
			}
			return printJSON(out)
		},
	}
}

func logfilterCommand() *cli.Command {
	return &cli.Command{
		Name:      "logfilter",
		Usage:     "Change the running daemon's diagnostic log level",
		ArgsUsage: "LEVEL",
		Action: func(c *cli.Context) error {
			level := c.Args().First()
			if level == "" {
				return cli.Exit("Error: LEVEL is required (debug, info, warn, error)", 2)
			}
			if err := client(c).do(c.Context, "POST", "/api/admin/set-diagnostic-log-filter/v1", map[string]string{"filter": level}, nil); err != nil {
				return cli.Exit(err, 1)
			}
			fmt.Println(level)
			return nil
		},
	}
}

func livenessCommand() *cli.Command {
	return &cli.Command{
		Name:  "liveness",
		Usage: "Query /api/check-liveness/v1",
		Action: func(c *cli.Context) error {
			var out map[string]string
			if err := client(c).do(c.Context, "GET", "/api/check-liveness/v1", nil, &out); err != nil {
				return cli.Exit(err, 1)
			}
			return printJSON(out)
		},
	}
}
