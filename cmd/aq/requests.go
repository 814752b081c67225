package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"approvalq/internal/domain"
	"approvalq/internal/engine"
	"approvalq/internal/repo"
)

func definitionCmd() *cobra.Command {
	def := &cobra.Command{
		Use:     "definition",
		Aliases: []string{"def", "auth-list"},
		Short:   "Manage approval chains per request type",
	}
	def.AddCommand(definitionListCmd())
	def.AddCommand(definitionShowCmd())
	def.AddCommand(definitionSetCmd())
	def.AddCommand(definitionDeleteCmd())
	return def
}

func definitionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defs, err := e.ListDefinitions(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(defs))
				for _, d := range defs {
					rows = append(rows, table.Row{d.RequestType, strings.Join(d.Levels, " -> "), d.UpdatedAt})
				}
				return printTable(defs, table.Row{"Request Type", "Chain", "Updated"}, rows)
			})
		},
	}
}

func definitionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-type>",
		Short: "Show a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDefinition(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func definitionSetCmd() *cobra.Command {
	var levels []string
	cmd := &cobra.Command{
		Use:     "set <request-type>",
		Short:   "Create or replace the approval chain of a request type",
		Example: `  aq definition set "Card Request" --level role_branch_manager --level role_super_admin`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.SaveDefinition(ctx, args[0], levels, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringArrayVar(&levels, "level", nil, "approver role for the next level (repeatable, in order)")
	_ = cmd.MarkFlagRequired("level")
	return cmd
}

func definitionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <request-type>",
		Short: "Delete a workflow definition with no pending requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteDefinition(ctx, args[0], actorID()); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": args[0]})
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:     "request",
		Aliases: []string{"req"},
		Short:   "Submit and act on change requests",
	}
	req.AddCommand(requestSubmitCmd())
	req.AddCommand(requestActionCmd("approve", "Approve a request at its current level", engine.Engine.Approve))
	req.AddCommand(requestActionCmd("decline", "Decline a request", engine.Engine.Decline))
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestHistoryCmd())
	req.AddCommand(requestStatsCmd())
	return req
}

func requestSubmitCmd() *cobra.Command {
	var requestType, payload, payloadFile string
	cmd := &cobra.Command{
		Use:     "submit",
		Short:   "Submit a request",
		Example: "  aq request submit --type \"Card Request\" --payload '{\"customer_name\":\"John Doe\"}'\n  aq request submit --type \"User Creation\" --payload-file new-user.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(payload)
			if payloadFile != "" {
				b, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				raw = b
			}
			if len(raw) > 0 && !json.Valid(raw) {
				return fmt.Errorf("payload is not valid JSON")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Submit(ctx, requestType, raw, actorID())
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
	cmd.Flags().StringVar(&requestType, "type", "", "request type")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read payload JSON from file")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

type actionFunc func(engine.Engine, context.Context, engine.ActionOptions) (engine.ActionResult, error)

func requestActionCmd(use, short string, act actionFunc) *cobra.Command {
	var expected int
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := viper.GetString("role-id")
			if role == "" {
				return fmt.Errorf("--role-id (or APPROVALQ_ROLE_ID) is required to %s", use)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				current, err := e.Authorize(ctx, role, args[0])
				if err != nil {
					return err
				}
				opts := engine.ActionOptions{RequestID: args[0], ActorID: actorID(), ExpectedLevel: expected}
				if opts.ExpectedLevel == 0 {
					opts.ExpectedLevel = current.CurrentLevel
				}
				res, err := act(e, ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					res.Request.Payload = domain.RedactPayload(res.Request.Type, res.Request.Payload)
					return printJSON(res)
				}
				switch {
				case res.Completed && res.Execution != nil:
					fmt.Printf("%s approved; executed %s", res.Request.ID, res.Execution.Kind)
					if res.Execution.Target != "" {
						fmt.Printf(" (%s)", res.Execution.Target)
					}
					fmt.Println()
				case res.Request.Status == domain.StatusDeclined:
					fmt.Printf("%s declined at level %d\n", res.Request.ID, res.Request.CurrentLevel)
				default:
					fmt.Printf("%s moved to level %d\n", res.Request.ID, res.Request.CurrentLevel)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&expected, "expected-level", 0, "fail if the request is no longer at this level")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
}

func requestListCmd() *cobra.Command {
	var status, requestType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRequests(ctx, repo.RequestFilters{Status: status, Type: requestType, Limit: limit})
				if err != nil {
					return err
				}
				return printRequests(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Pending, Approved or Declined")
	cmd.Flags().StringVar(&requestType, "type", "", "request type")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func requestHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List approved and declined requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.History(ctx, limit)
				if err != nil {
					return err
				}
				return printRequests(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func requestStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count requests per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.RequestCounts(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(counts))
				for _, s := range []domain.RequestStatus{domain.StatusPending, domain.StatusApproved, domain.StatusDeclined} {
					rows = append(rows, table.Row{s, counts[string(s)]})
				}
				return printTable(counts, table.Row{"Status", "Requests"}, rows)
			})
		},
	}
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Requests waiting on a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			role := viper.GetString("role-id")
			if role == "" {
				return fmt.Errorf("--role-id (or APPROVALQ_ROLE_ID) is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.PendingFor(ctx, role)
				if err != nil {
					return err
				}
				return printRequests(items)
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the activity log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var action, actor, target string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest activity entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Activity.Latest(ctx, repo.ActivityFilters{
					Action: strings.ToUpper(action), ActorID: actor, Target: target, Limit: n,
				})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(entries))
				for _, a := range entries {
					rows = append(rows, table.Row{a.ID, a.TS, a.Action, a.ActorID, a.Target, a.Details})
				}
				return printTable(entries, table.Row{"ID", "Time", "Action", "Actor", "Target", "Details"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&action, "action", "", "action filter, e.g. APPROVE_REQUEST")
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	cmd.Flags().StringVar(&target, "target", "", "target filter")
	return cmd
}

func printRequest(r domain.Request) error {
	r.Payload = domain.RedactPayload(r.Type, r.Payload)
	if viper.GetBool("json") {
		return printJSON(r)
	}
	fmt.Printf("%s  %s  %s  level %d\n", r.ID, r.Type, r.Status, r.CurrentLevel)
	fmt.Printf("customer: %s  branch: %s  submitted by: %s\n", r.CustomerName, r.Branch, r.SubmittedBy)
	fmt.Printf("payload: %s\n", string(r.Payload))
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Level", "Action", "Actor", "Time"})
	for _, h := range r.History {
		tw.AppendRow(table.Row{h.Level, h.Action, h.ActorID, h.TS})
	}
	tw.Render()
	return nil
}

func printRequests(items []domain.Request) error {
	rows := make([]table.Row, 0, len(items))
	for i := range items {
		items[i].Payload = domain.RedactPayload(items[i].Type, items[i].Payload)
		r := items[i]
		rows = append(rows, table.Row{r.ID, r.Type, r.Status, r.CurrentLevel, r.CustomerName, r.Branch, r.CreatedAt})
	}
	return printTable(items, table.Row{"ID", "Type", "Status", "Level", "Customer", "Branch", "Created"}, rows)
}
