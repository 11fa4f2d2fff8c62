// Command pmctl is the CLI client for the post-mortem debugging daemon: it
// talks to pmd over the same HTTP API a remote caller would use, never
// touching the dump store or session manager directly.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/coredump-labs/postmortem/internal/transport"
)

func decodeRow(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}

func clientFromEnv() *transport.Client {
	baseURL := envOr("PMCTL_SERVER", "http://localhost:8080")
	apiKey := os.Getenv("PMCTL_API_KEY")
	return transport.NewClient(baseURL, apiKey)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	root := &cobra.Command{
		Use:   "pmctl",
		Short: "pmctl — post-mortem debugging client",
		Long:  "Uploads dumps and drives remote debugging sessions against a pmd server.",
	}

	root.AddCommand(
		uploadCmd(),
		sessionCmd(),
		execCmd(),
		transcriptCmd(),
		adminCmd(),
		compareCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func uploadCmd() *cobra.Command {
	var userID, description string
	cmd := &cobra.Command{
		Use:   "upload [path]",
		Short: "Upload a dump file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			dumpID, err := c.UploadDump(args[0], userID, description)
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			fmt.Printf("uploaded: %s\n", dumpID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user id")
	cmd.Flags().StringVar(&description, "description", "", "optional description")
	cmd.MarkFlagRequired("user")
	return cmd
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{
		Use:   "session",
		Short: "Manage debugging sessions",
	}

	var userID string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			s, err := c.CreateSession(userID)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			fmt.Printf("created: %s\n", s.ID)
			return nil
		},
	}
	createCmd.Flags().StringVar(&userID, "user", "", "owning user id")
	createCmd.MarkFlagRequired("user")

	var getUserID string
	getCmd := &cobra.Command{
		Use:   "get [session-id]",
		Short: "Show session status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			s, err := c.GetSession(getUserID, args[0])
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			fmt.Printf("id:             %s\n", s.ID)
			fmt.Printf("user:           %s\n", s.UserID)
			fmt.Printf("current dump:   %s\n", s.CurrentDumpID)
			fmt.Printf("last accessed:  %s\n", s.LastAccessedAt)
			fmt.Printf("debugger:       %s\n", s.DebuggerKind)
			return nil
		},
	}
	getCmd.Flags().StringVar(&getUserID, "user", "", "owning user id")
	getCmd.MarkFlagRequired("user")

	closeCmd := &cobra.Command{
		Use:   "close [session-id]",
		Short: "Close a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			if err := c.CloseSession(args[0]); err != nil {
				return fmt.Errorf("close session: %w", err)
			}
			fmt.Printf("closed: %s\n", args[0])
			return nil
		},
	}

	var openUserID, dumpID, executableOverride string
	openCmd := &cobra.Command{
		Use:   "open-dump [session-id]",
		Short: "Attach a dump to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			s, err := c.OpenDump(openUserID, args[0], dumpID, executableOverride)
			if err != nil {
				return fmt.Errorf("open dump: %w", err)
			}
			fmt.Printf("dump attached: %s (debugger: %s)\n", s.CurrentDumpID, s.DebuggerKind)
			return nil
		},
	}
	openCmd.Flags().StringVar(&openUserID, "user", "", "owning user id")
	openCmd.Flags().StringVar(&dumpID, "dump", "", "dump id to attach")
	openCmd.Flags().StringVar(&executableOverride, "executable", "", "override the host binary used for symbolication")
	openCmd.MarkFlagRequired("user")
	openCmd.MarkFlagRequired("dump")

	sess.AddCommand(createCmd, getCmd, closeCmd, openCmd)
	return sess
}

func execCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "exec [session-id] [command...]",
		Short: "Run a debugger command in a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			command := joinArgs(args[1:])
			out, err := c.Execute(userID, args[0], command)
			if err != nil {
				return fmt.Errorf("exec: %w", err)
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user id")
	cmd.MarkFlagRequired("user")
	return cmd
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

func transcriptCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "transcript [session-id]",
		Short: "Tail a session's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			entries, err := c.TranscriptTail(args[0], n)
			if err != nil {
				return fmt.Errorf("transcript: %w", err)
			}
			for _, raw := range entries {
				fmt.Println(string(raw))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of entries to show")
	return cmd
}

func compareCmd() *cobra.Command {
	var userA, dumpA, userB, dumpB string
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare two dumps side by side",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			result, err := c.Compare(userA, dumpA, userB, dumpB)
			if err != nil {
				return fmt.Errorf("compare: %w", err)
			}
			fmt.Printf("threads: %d vs %d\n", result.ThreadCountA, result.ThreadCountB)
			fmt.Println("modules only in A:")
			for _, m := range result.Modules.OnlyInA {
				fmt.Println("  " + m)
			}
			fmt.Println("modules only in B:")
			for _, m := range result.Modules.OnlyInB {
				fmt.Println("  " + m)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userA, "user-a", "", "owning user id for dump A")
	cmd.Flags().StringVar(&dumpA, "dump-a", "", "dump id A")
	cmd.Flags().StringVar(&userB, "user-b", "", "owning user id for dump B")
	cmd.Flags().StringVar(&dumpB, "dump-b", "", "dump id B")
	cmd.MarkFlagRequired("user-a")
	cmd.MarkFlagRequired("dump-a")
	cmd.MarkFlagRequired("user-b")
	cmd.MarkFlagRequired("dump-b")
	return cmd
}

func adminCmd() *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Query the metaindex",
	}

	var dumpsUser string
	dumpsCmd := &cobra.Command{
		Use:   "dumps",
		Short: "List dumps for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			rows, err := c.ListDumps(dumpsUser)
			if err != nil {
				return fmt.Errorf("list dumps: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DUMP ID\tFORMAT\tSIZE\tUPLOADED")
			for _, raw := range rows {
				var row struct {
					DumpID     string `json:"dump_id"`
					Format     string `json:"format"`
					ByteSize   int64  `json:"byte_size"`
					UploadedAt string `json:"uploaded_at"`
				}
				if err := decodeRow(raw, &row); err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", row.DumpID, row.Format, strconv.FormatInt(row.ByteSize, 10), row.UploadedAt)
			}
			w.Flush()
			return nil
		},
	}
	dumpsCmd.Flags().StringVar(&dumpsUser, "user", "", "owning user id")
	dumpsCmd.MarkFlagRequired("user")

	var sessionsUser string
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFromEnv()
			rows, err := c.ListSessions(sessionsUser)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION ID\tCURRENT DUMP\tLAST ACCESSED")
			for _, raw := range rows {
				var row struct {
					SessionID      string `json:"session_id"`
					CurrentDumpID  string `json:"current_dump_id"`
					LastAccessedAt string `json:"last_accessed_at"`
				}
				if err := decodeRow(raw, &row); err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", row.SessionID, row.CurrentDumpID, row.LastAccessedAt)
			}
			w.Flush()
			return nil
		},
	}
	sessionsCmd.Flags().StringVar(&sessionsUser, "user", "", "owning user id")
	sessionsCmd.MarkFlagRequired("user")

	admin.AddCommand(dumpsCmd, sessionsCmd)
	return admin
}
