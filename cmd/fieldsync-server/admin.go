package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/api"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/output"
	"github.com/marcus/fieldsync/internal/serverdb"
)

// seedEntry is one element of a seed file.
type seedEntry struct {
	WorkerID   int64             `json:"workerId"`
	Assignment models.Assignment `json:"assignment"`
}

func openDB() (*serverdb.ServerDB, error) {
	cfg := loadConfig()
	store, err := serverdb.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

// userCode normalizes a user code typed by an operator.
func userCode(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
}

func parseWorker(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid worker id %q", s)
	}
	return id, nil
}

var tokenCmd = &cobra.Command{
	Use:   "token <worker-id>",
	Short: "Mint an access token for a worker",
	Long: `Prints a signed access token for the worker. The server must run with the
same FIELDSYNC_SERVER_JWT_SECRET for the token to be accepted. Store it on a
device with: fieldsync auth token <token>`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		worker, err := parseWorker(args[0])
		if err != nil {
			return err
		}
		cfg := loadConfig()
		if cfg.JWTSecret == "" {
			return errors.New("FIELDSYNC_SERVER_JWT_SECRET is not set; a minted token would not verify")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		srv, err := api.NewServer(cfg, nil)
		if err != nil {
			return err
		}
		tok, exp, err := srv.MintToken(worker, ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		fmt.Fprintf(os.Stderr, "expires %s\n", exp.Local().Format(time.DateTime))
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.json>",
	Short: "Load assignments from a JSON file",
	Long: `Loads a JSON array of {"workerId": N, "assignment": {...}} objects.
Existing assignments with the same id are replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var entries []seedEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		for i, e := range entries {
			if e.WorkerID <= 0 {
				return fmt.Errorf("entry %d: workerId is required", i)
			}
			if err := store.UpsertAssignment(cmd.Context(), e.WorkerID, e.Assignment); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
		output.Success("Loaded %d assignment(s)", len(entries))
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List device logins waiting for approval",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		reqs, err := store.ListPendingAuthRequests(cmd.Context())
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			fmt.Println("No pending logins")
			return nil
		}
		for _, ar := range reqs {
			fmt.Printf("%s  %-16s  started %s, expires %s\n",
				ar.UserCode, ar.ClientID, output.FormatTimeAgo(ar.CreatedAt), ar.ExpiresAt.Local().Format(time.TimeOnly))
		}
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <user-code> <worker-id>",
	Short: "Approve a device login for a worker",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		worker, err := parseWorker(args[1])
		if err != nil {
			return err
		}
		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		code := userCode(args[0])
		if err := store.VerifyAuthRequest(cmd.Context(), code, worker); err != nil {
			return err
		}
		output.Success("Approved %s for worker %d", code, worker)
		return nil
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <user-code>",
	Short: "Deny a device login",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		code := userCode(args[0])
		if err := store.DenyAuthRequest(cmd.Context(), code); err != nil {
			return err
		}
		output.Success("Denied %s", code)
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <worker-id>",
	Short: "Revoke every refresh token of a worker",
	Long: `Revokes the worker's refresh tokens. Access tokens already issued stay
valid until they expire.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		worker, err := parseWorker(args[0])
		if err != nil {
			return err
		}
		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.RevokeRefreshTokens(cmd.Context(), worker)
		if err != nil {
			return err
		}
		output.Success("Revoked %d refresh token(s) of worker %d", n, worker)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stored assignment and submission counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		assignments, err := store.CountAssignments(ctx)
		if err != nil {
			return err
		}
		submissions, err := store.CountSubmissions(ctx)
		if err != nil {
			return err
		}
		schema, err := store.SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Printf("Database:    %s\n", store.Path())
		fmt.Printf("Schema:      %d\n", schema)
		fmt.Printf("Assignments: %d\n", assignments)
		fmt.Printf("Submissions: %d\n", submissions)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default: FIELDSYNC_SERVER_TOKEN_TTL or 1h)")

	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(denyCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(statsCmd)
}
