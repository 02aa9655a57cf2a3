package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/atmosphere-mesh/atmosphere/internal/config"
	"github.com/atmosphere-mesh/atmosphere/internal/core"
	"github.com/atmosphere-mesh/atmosphere/internal/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
)

func newMeshCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mesh",
		Short: "Create, join and inspect the mesh",
	}
	cmd.AddCommand(
		newMeshCreateCmd(opts),
		newMeshJoinCmd(opts),
		newMeshInviteCmd(opts),
		newMeshPeersCmd(opts),
		newMeshStatusCmd(opts),
	)
	return cmd
}

func newMeshCreateCmd(opts *globalOpts) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a new mesh with this node as its first member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}

			mesh, err := opts.client().CreateMesh(cmd.Context(), name)
			if err == nil {
				if opts.jsonOut {
					return printJSON(mesh)
				}
				fmt.Printf("✓ mesh %q created (%s)\n", mesh.MeshName, mesh.MeshID)
				fmt.Println("invite other devices with: atmosphere mesh invite")
				return nil
			}
			if !daemonDown(err) {
				return err
			}

			// offline: stamp the mesh into config; the daemon picks it
			// up on next start
			notifyOffline("creating mesh")
			paths := opts.paths()
			cfg, err := config.LoadOrDefault(paths.ConfigFile())
			if err != nil {
				return err
			}
			if cfg.Mesh.MeshID != "" {
				return fmt.Errorf("already in mesh %q (%s)", cfg.Mesh.MeshName, cfg.Mesh.MeshID)
			}
			cfg.Mesh = config.MeshConfig{
				MeshID:    uuid.NewString(),
				MeshName:  strings.TrimSpace(name),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if err := paths.Ensure(); err != nil {
				return err
			}
			if err := cfg.Save(paths.ConfigFile()); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cfg.Mesh)
			}
			fmt.Printf("✓ mesh %q created (%s)\n", cfg.Mesh.MeshName, cfg.Mesh.MeshID)
			fmt.Println("start the daemon to bring it up: atmosphere serve")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "mesh display name")
	return cmd
}

func newMeshJoinCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <token|uri>",
		Short: "Join a mesh with an invite token",
		Long:  "Redeems an invite token or atmosphere:// URI. The daemon must be running; joining dials the inviter directly.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Join(cmd.Context(), args[0])
			if err != nil {
				if daemonDown(err) {
					return fmt.Errorf("joining needs the daemon running (atmosphere serve): %w", err)
				}
				return err
			}
			if opts.jsonOut {
				return printJSON(res)
			}
			fmt.Printf("✓ joined %q (%s)\n", res.MeshName, res.MeshID)
			fmt.Printf("  connected to %s (%s) via %s\n", res.Peer.DisplayName, res.Peer.NodeID, res.ConnectedVia)
			return nil
		},
	}
	return cmd
}

func newMeshInviteCmd(opts *globalOpts) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Mint an invite token for this mesh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := opts.client().CreateToken(cmd.Context(), ttl)
			if err == nil {
				if opts.jsonOut {
					return printJSON(tok)
				}
				fmt.Println("invite token (share with the joining device):")
				fmt.Println()
				fmt.Println("  " + tok.Token)
				fmt.Println()
				fmt.Println("or as a URI: " + tok.QRData)
				fmt.Println("expires: " + tok.ExpiresAt)
				return nil
			}
			if !daemonDown(err) {
				return err
			}

			// offline: sign a token from the on-disk identity. Only
			// endpoints configured explicitly make it in; the daemon
			// adds autodetected LAN addresses when it mints.
			notifyOffline("minting invite")
			return inviteOffline(opts, ttl)
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default 24h)")
	return cmd
}

func inviteOffline(opts *globalOpts, ttl time.Duration) error {
	paths := opts.paths()
	id, err := identity.Load(paths.IdentityKey())
	if err != nil {
		return fmt.Errorf("no identity at %s, run: atmosphere init", paths.IdentityKey())
	}
	cfg, err := config.Load(paths.ConfigFile())
	if err != nil {
		return err
	}
	if cfg.Mesh.MeshID == "" {
		return fmt.Errorf("not in a mesh, run: atmosphere mesh create --name <name>")
	}

	mesh := core.MeshInfo{MeshID: cfg.Mesh.MeshID, MeshName: cfg.Mesh.MeshName}
	if cfg.Mesh.CreatedAt != "" {
		if at, err := time.Parse(time.RFC3339, cfg.Mesh.CreatedAt); err == nil {
			mesh.CreatedAt = at
		}
	}

	var endpoints []core.Endpoint
	if cfg.Transport.AdvertiseLocal != "" {
		endpoints = append(endpoints, core.Endpoint{Kind: core.EndpointLocal, URL: cfg.Transport.AdvertiseLocal})
	}
	if cfg.Transport.AdvertisePublic != "" {
		endpoints = append(endpoints, core.Endpoint{Kind: core.EndpointPublic, URL: cfg.Transport.AdvertisePublic})
	}
	if cfg.Transport.RelayURL != "" {
		endpoints = append(endpoints, core.Endpoint{Kind: core.EndpointRelay, URL: cfg.Transport.RelayURL})
	}

	tok, err := token.Issue(id, mesh, endpoints, ttl, nil)
	if err != nil {
		return err
	}
	encoded, err := tok.Encode()
	if err != nil {
		return err
	}
	uri, err := tok.JoinURI()
	if err != nil {
		return err
	}

	if opts.jsonOut {
		return printJSON(map[string]any{
			"token_id":   tok.TokenID,
			"token":      encoded,
			"qr_data":    uri,
			"endpoints":  endpoints,
			"expires_at": time.Unix(tok.ExpiresAt, 0).UTC().Format(time.RFC3339),
		})
	}
	fmt.Println("invite token (share with the joining device):")
	fmt.Println()
	fmt.Println("  " + encoded)
	fmt.Println()
	fmt.Println("or as a URI: " + uri)
	fmt.Printf("expires: %s\n", time.Unix(tok.ExpiresAt, 0).UTC().Format(time.RFC3339))
	if len(endpoints) == 0 {
		fmt.Println("note: no endpoints configured; joiners will need the relay")
	}
	return nil
}

func newMeshPeersCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List live peer sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, err := opts.client().Peers(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(peers)
			}
			if len(peers) == 0 {
				fmt.Println("no live peers")
				return nil
			}
			fmt.Printf("%-18s %-16s %-7s %-9s %-12s %s\n", "NODE", "NAME", "VIA", "RTT", "STATE", "LAST HEARTBEAT")
			for _, p := range peers {
				rtt := "-"
				if p.RTTMS > 0 {
					rtt = fmt.Sprintf("%.1fms", p.RTTMS)
				}
				hb := "-"
				if !p.LastHeartbeat.IsZero() {
					hb = fmt.Sprintf("%ds ago", int(time.Since(p.LastHeartbeat).Seconds()))
				}
				fmt.Printf("%-18s %-16s %-7s %-9s %-12s %s\n",
					p.Node.NodeID, trunc(p.Node.DisplayName, 16), p.Via, rtt, p.State, hb)
			}
			return nil
		},
	}
	return cmd
}

func newMeshStatusCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node and mesh health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(st)
			}

			fmt.Printf("node      %s (%s, %s) v%s\n", st.DisplayName, st.NodeID, st.Platform, st.Version)
			fmt.Printf("uptime    %s\n", (time.Duration(st.UptimeS) * time.Second).String())
			if st.Mesh != nil {
				fmt.Printf("mesh      %q (%s)\n", st.Mesh.MeshName, st.Mesh.MeshID)
			} else {
				fmt.Println("mesh      none (create or join one)")
			}
			fmt.Printf("peers     %d live, %d known nodes\n", st.Peers, st.Nodes)
			fmt.Printf("caps      %d total, %d local\n", st.Capabilities, st.LocalCaps)
			fmt.Printf("cost      %.2f", st.Cost.Cost)
			if st.Cost.LowConfidence {
				fmt.Print(" (low confidence)")
			}
			fmt.Println()
			fmt.Printf("gossip    %d published, %d received, %d forwarded, %d deduped\n",
				st.Gossip.Published, st.Gossip.Received, st.Gossip.Forwarded, st.Gossip.Deduped)
			for _, ep := range st.Endpoints {
				fmt.Printf("endpoint  %-7s %s\n", ep.Kind, ep.URL)
			}
			return nil
		},
	}
	return cmd
}

func trunc(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
