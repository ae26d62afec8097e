package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"chanbridge/internal/bridge"
	"chanbridge/internal/bus"
	"chanbridge/internal/config"
	"chanbridge/internal/scheduler"
)

// adminClient talks to the admin API of a running bridge.
type adminClient struct {
	http *resty.Client
}

const adminClientTimeout = time.Minute

func newAdminClient(cfg *config.Config) (*adminClient, error) {
	if !cfg.Admin.Enabled {
		return nil, errors.New("admin API is disabled; set admin.enabled to true")
	}
	base := "http://" + cfg.Admin.Listen
	c := resty.New().
		SetBaseURL(base).
		SetTimeout(adminClientTimeout).
		SetHeader("Accept", "application/json")
	if cfg.Admin.Token != "" {
		c.SetAuthToken(cfg.Admin.Token)
	}
	return &adminClient{http: c}, nil
}

type apiError struct {
	Error string `json:"error"`
}

func (a *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var apiErr apiError
	req := a.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("admin API: %w", err)
	}
	if resp.IsError() {
		if apiErr.Error != "" {
			return fmt.Errorf("admin API %s: %s", resp.Status(), apiErr.Error)
		}
		return fmt.Errorf("admin API %s", resp.Status())
	}
	return nil
}

func loadAdminClient() (*adminClient, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	return newAdminClient(cfg)
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection status of the running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := loadAdminClient()
			if err != nil {
				return err
			}
			var snaps []bridge.ConnectionSnapshot
			if err := client.do(cmd.Context(), "GET", "/connections", nil, &snaps); err != nil {
				return err
			}
			if asJSON {
				return printJSON(snaps)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONNECTION\tSTATUS\tATTEMPTS\tLAST ERROR")
			for _, s := range snaps {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Key, s.Status, s.Attempts, s.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func sendCmd() *cobra.Command {
	var (
		connection string
		targets    []string
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a proactive message through a running connection",
		Long: "Targets are \"direct:<id>\" or \"group:<id>\". Without --to the connection's\n" +
			"owner targets are used, then its most recent conversations.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := loadAdminClient()
			if err != nil {
				return err
			}
			var res bridge.ProactiveResult
			err = client.do(cmd.Context(), "POST", "/proactive", map[string]any{
				"connection": connection,
				"targets":    targets,
				"text":       strings.Join(args, " "),
			}, &res)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&connection, "connection", "", "connection key (assistantId:platform)")
	cmd.Flags().StringSliceVar(&targets, "to", nil, "target, repeatable")
	cmd.MarkFlagRequired("connection")
	return cmd
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart [connection]",
		Short: "Rebuild a connection that gave up reconnecting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := loadAdminClient()
			if err != nil {
				return err
			}
			if err := client.do(cmd.Context(), "POST", "/connections/"+args[0]+"/restart", nil, nil); err != nil {
				return err
			}
			fmt.Println("restarted", args[0])
			return nil
		},
	}
}

func schedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List cron schedules of the running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := loadAdminClient()
			if err != nil {
				return err
			}
			var jobs []scheduler.JobStatus
			if err := client.do(cmd.Context(), "GET", "/schedules", nil, &jobs); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCONNECTION\tCRON\tNEXT\tLAST ERROR")
			for _, j := range jobs {
				next := "-"
				if !j.Next.IsZero() {
					next = j.Next.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Connection, j.Cron, next, j.LastError)
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run [id]",
		Short: "Fire a schedule now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := loadAdminClient()
			if err != nil {
				return err
			}
			return client.do(cmd.Context(), "POST", "/schedules/"+args[0]+"/run", nil, nil)
		},
	})
	return cmd
}

func eventsCmd() *cobra.Command {
	var pattern, since string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent bridge events",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := loadAdminClient()
			if err != nil {
				return err
			}
			var events []bus.Event
			path := "/events?type=" + url.QueryEscape(pattern) + "&since=" + url.QueryEscape(since)
			if err := client.do(cmd.Context(), "GET", path, nil, &events); err != nil {
				return err
			}
			for _, e := range events {
				line := fmt.Sprintf("%s  %-22s %s", e.Timestamp.Format(time.TimeOnly), e.Type, e.Source)
				if len(e.Payload) > 0 {
					payload, _ := json.Marshal(e.Payload)
					line += "  " + string(payload)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pattern, "type", "*", `event pattern, e.g. "proactive.*"`)
	cmd.Flags().StringVar(&since, "since", "15m", "duration or RFC 3339 time")
	return cmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
