package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmosphere-mesh/atmosphere/internal/approval"
	"github.com/atmosphere-mesh/atmosphere/internal/config"
	"github.com/atmosphere-mesh/atmosphere/internal/identity"
	"github.com/atmosphere-mesh/atmosphere/pkg/sdk"
)

func newInitCmd(opts *globalOpts) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create this node's identity and default config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := opts.paths()
			if err := paths.Ensure(); err != nil {
				return err
			}

			id, created, err := identity.LoadOrCreate(paths.IdentityKey())
			if err != nil {
				return err
			}

			displayName := name
			cfg, err := config.Load(paths.ConfigFile())
			switch {
			case os.IsNotExist(err):
				cfg = config.Default()
				cfg.Node.DisplayName = name
				if err := cfg.Save(paths.ConfigFile()); err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				displayName = cfg.Node.DisplayName
			}

			if _, err := approval.LoadConfig(paths.ApprovalFile()); os.IsNotExist(err) {
				if err := approval.SaveConfig(paths.ApprovalFile(), approval.DefaultConfig()); err != nil {
					return err
				}
			}

			if opts.jsonOut {
				return printJSON(map[string]any{
					"node_id":      id.NodeID(),
					"public_key":   id.PublicKeyBase64(),
					"display_name": displayName,
					"home":         paths.Home,
					"created":      created,
				})
			}
			if created {
				fmt.Printf("✓ identity created: %s\n", id.NodeID())
			} else {
				fmt.Printf("identity already present: %s\n", id.NodeID())
			}
			if displayName != "" {
				fmt.Printf("name: %s\n", displayName)
			}
			fmt.Printf("home: %s\n", paths.Home)
			fmt.Println("next: atmosphere mesh create --name <name>, then atmosphere serve")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name for this node")
	return cmd
}

func newScanCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Probe local runtimes and register what they offer",
		Long:  "Asks the daemon to re-probe Ollama and the built-in handlers. Needs the daemon running.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Scan(cmd.Context())
			if err != nil {
				if daemonDown(err) {
					return fmt.Errorf("scanning needs the daemon running (atmosphere serve): %w", err)
				}
				return err
			}
			if opts.jsonOut {
				return printJSON(res)
			}
			if len(res.Registered) == 0 {
				fmt.Println("nothing found to register")
			}
			for _, c := range res.Registered {
				fmt.Printf("✓ %-40s %s\n", c.CapID, c.Type)
			}
			for _, p := range res.Problems {
				fmt.Println("! " + p)
			}
			return nil
		},
	}
	return cmd
}

func newApproveCmd(opts *globalOpts) *cobra.Command {
	var (
		show        bool
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Review or edit what this node shares with the mesh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive {
				return approveInteractive(cmd, opts)
			}
			return approveShow(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&show, "show", false, "print the active policy (default)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "walk through the policy question by question")
	return cmd
}

func approveShow(cmd *cobra.Command, opts *globalOpts) error {
	raw, err := opts.client().ApprovalConfig(cmd.Context())
	if err != nil {
		if !daemonDown(err) {
			return err
		}
		raw, err = os.ReadFile(opts.paths().ApprovalFile())
		if err != nil {
			return fmt.Errorf("no approval policy found, run: atmosphere init")
		}
	}
	if opts.jsonOut {
		cfg, err := approval.ParseConfig(raw)
		if err != nil {
			return err
		}
		return printJSON(cfg)
	}
	fmt.Print(string(raw))
	return nil
}

// approveInteractive rebuilds the policy from prompts rather than
// patching it, so every answer is explicit and nothing stale rides
// along.
func approveInteractive(cmd *cobra.Command, opts *globalOpts) error {
	in := bufio.NewScanner(os.Stdin)
	cfg := approval.DefaultConfig()

	fmt.Println("capability sharing for this node (enter keeps the default)")

	models := prompt(in, "model globs to share, comma separated (e.g. llama*,qwen*)", "")
	if models != "" {
		for _, g := range strings.Split(models, ",") {
			if g = strings.TrimSpace(g); g != "" {
				cfg.Share.Models = append(cfg.Share.Models, g)
			}
		}
	}
	cfg.Share.Hardware.GPU = promptBool(in, "share GPU compute", cfg.Share.Hardware.GPU)
	cfg.Share.Hardware.BatteryOK = promptBool(in, "serve work while on battery", cfg.Share.Hardware.BatteryOK)
	cfg.Share.Sensors["camera"] = promptBool(in, "share camera", false)
	cfg.Share.Sensors["microphone"] = promptBool(in, "share microphone", false)
	cfg.Limits.PerNodeRPM = promptInt(in, "per-node rate limit (requests/min)", cfg.Limits.PerNodeRPM)
	cfg.Limits.PerMeshRPM = promptInt(in, "whole-mesh rate limit (requests/min)", cfg.Limits.PerMeshRPM)
	cfg.RequireTokenAuth = promptBool(in, "require mesh session auth on remote calls", cfg.RequireTokenAuth)

	if err := cfg.Validate(); err != nil {
		return err
	}

	raw, err := approval.EncodeConfig(cfg)
	if err != nil {
		return err
	}
	if err := opts.client().SetApprovalConfig(cmd.Context(), raw); err == nil {
		fmt.Println("✓ policy applied")
		return nil
	} else if !daemonDown(err) {
		return err
	}

	notifyOffline("saving policy")
	if err := approval.SaveConfig(opts.paths().ApprovalFile(), cfg); err != nil {
		return err
	}
	fmt.Println("✓ policy saved; the daemon reloads it when it starts (or immediately if running)")
	return nil
}

func prompt(in *bufio.Scanner, q, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", q, def)
	} else {
		fmt.Printf("%s: ", q)
	}
	if !in.Scan() {
		return def
	}
	if s := strings.TrimSpace(in.Text()); s != "" {
		return s
	}
	return def
}

func promptBool(in *bufio.Scanner, q string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	switch strings.ToLower(prompt(in, q+" ("+hint+")", "")) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def
	}
}

func promptInt(in *bufio.Scanner, q string, def int) int {
	s := prompt(in, q, strconv.Itoa(def))
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}

func newRouteCmd(opts *globalOpts) *cobra.Command {
	var (
		execute   bool
		payload   string
		timeoutMS int
		capType   string
		tool      string
		hint      string
	)

	cmd := &cobra.Command{
		Use:   "route <intent>",
		Short: "Ask the router where a request would land",
		Long: `Scores the registered capabilities against free-text intent and prints
the decision. An explicit cap_id (node-id:label) skips scoring. With
--execute the winning capability is actually invoked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// a bare cap_id (node:label, no spaces) skips scoring
			req := sdk.RouteRequest{Type: capType, Tool: tool, RouteHint: hint}
			if strings.Contains(args[0], ":") && !strings.Contains(args[0], " ") {
				req.Path = args[0]
			} else {
				req.Intent = args[0]
			}

			client := opts.client()
			if !execute {
				dec, err := client.Route(cmd.Context(), req)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(dec)
				}
				printDecision(dec)
				return nil
			}

			exec := sdk.ExecuteRequest{RouteRequest: req, TimeoutMS: timeoutMS}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				exec.Payload = json.RawMessage(payload)
			}
			res, err := client.Execute(cmd.Context(), exec)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(res)
			}
			printDecision(res.Decision)
			fmt.Println()
			for _, a := range res.Result.Attempts {
				mark := "✓"
				if a.Error != "" {
					mark = "✗"
				}
				fmt.Printf("%s %s on %s (%s, %dms)", mark, a.CapID, a.NodeID, a.Placement, a.ElapsedMS)
				if a.Error != "" {
					fmt.Printf(": %s", a.Error)
				}
				fmt.Println()
			}
			if len(res.Result.Payload) > 0 {
				var pretty map[string]any
				if json.Unmarshal(res.Result.Payload, &pretty) == nil {
					return printJSON(pretty)
				}
				fmt.Println(string(res.Result.Payload))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&execute, "execute", "x", false, "invoke the winner, not just score it")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload for --execute")
	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "overall budget for --execute")
	cmd.Flags().StringVar(&capType, "type", "", "restrict to a capability type")
	cmd.Flags().StringVar(&tool, "tool", "", "tool the capability must serve")
	cmd.Flags().StringVar(&hint, "hint", "", "route hint to boost matches")
	return cmd
}

func printDecision(dec *sdk.Decision) {
	placement := "remote"
	if dec.Local {
		placement = "local"
	}
	fmt.Printf("→ %s on %s (%s", dec.CapID, dec.NodeID, placement)
	if dec.Explicit {
		fmt.Print(", explicit")
	}
	fmt.Printf(") score %.3f\n", dec.Winner.Combined)
	for _, r := range dec.Reasoning {
		fmt.Println("  " + r)
	}
	for _, alt := range dec.Alternatives {
		fmt.Printf("  also considered %s on %s (%.3f)\n", alt.CapID, alt.NodeID, alt.Combined)
	}
}

func newCostCmd(opts *globalOpts) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Show this node's load cost, or the whole mesh's",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			if all {
				rows, err := client.CostTable(cmd.Context())
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(rows)
				}
				sort.Slice(rows, func(i, j int) bool { return rows[i].Cost < rows[j].Cost })
				fmt.Printf("%-18s %-8s %s\n", "NODE", "COST", "AGE")
				for _, r := range rows {
					age := "-"
					if !r.ReceivedAt.IsZero() {
						age = fmt.Sprintf("%ds", int(time.Since(r.ReceivedAt).Seconds()))
					}
					flag := ""
					if r.LowConfidence {
						flag = " (low confidence)"
					}
					fmt.Printf("%-18s %-8.2f %s%s\n", r.NodeID, r.Cost, age, flag)
				}
				return nil
			}

			rep, err := client.CostCurrent(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(rep)
			}
			fmt.Printf("cost %.2f", rep.Cost)
			if rep.LowConfidence {
				fmt.Print(" (low confidence)")
			}
			fmt.Println()
			keys := make([]string, 0, len(rep.Breakdown))
			for k := range rep.Breakdown {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %-12s %+.2f\n", k, rep.Breakdown[k])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "show every node's gossiped cost")
	return cmd
}

func newNetworkCmd(opts *globalOpts) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "network",
		Short: "Show the mesh topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			topo, err := client.Topology(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOut && !watch {
				return printJSON(topo)
			}
			printTopology(topo)
			if st, err := client.Status(cmd.Context()); err == nil {
				for _, ep := range st.Endpoints {
					fmt.Printf("  advertising %-7s %s\n", ep.Kind, ep.URL)
				}
			}
			if !watch {
				return nil
			}

			events, err := client.Events(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println("\nwatching (ctrl-c to stop)")
			for ev := range events {
				if opts.jsonOut {
					if err := printJSON(ev); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("%s  %-18s %s\n", ev.TS.Format("15:04:05"), ev.Type, renderEventData(ev.Data))
			}
			return cmd.Context().Err()
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep streaming mesh events after the dump")
	return cmd
}

func printTopology(topo *sdk.Topology) {
	for _, n := range topo.Nodes {
		marker := " "
		switch {
		case n.Self:
			marker = "*"
		case n.Connected:
			marker = "+"
		}
		name := n.DisplayName
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%s %-18s %-16s %-10s %d caps\n", marker, n.NodeID, trunc(name, 16), n.Platform, n.Capabilities)
	}
	for _, e := range topo.Edges {
		rtt := ""
		if e.RTTMS > 0 {
			rtt = fmt.Sprintf(" %.1fms", e.RTTMS)
		}
		fmt.Printf("  %s ↔ %s via %s%s\n", e.From, e.To, e.Via, rtt)
	}
}

func renderEventData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}
