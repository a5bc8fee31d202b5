package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/term"

	"github.com/marcus/fieldsync/internal/auth"
	"github.com/marcus/fieldsync/internal/config"
	"github.com/marcus/fieldsync/internal/output"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Manage the server credential",
	GroupID: "system",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with a device code",
	Long: `Starts a device login. Open the printed address on any device, enter the
code and approve it; the command waits for the approval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := openApp(ctx, nil)
		defer a.Close()

		tok, err := a.auth.Login(ctx, func(resp *oauth2.DeviceAuthResponse) {
			uri := resp.VerificationURI
			if resp.VerificationURIComplete != "" {
				uri = resp.VerificationURIComplete
			}
			fmt.Printf("Open %s and enter code: %s\n", uri, resp.UserCode)
			fmt.Println("Waiting for approval...")
		})
		if err != nil {
			if tok != nil {
				output.Warning("logged in, but the credential could not be saved: %v", err)
				return nil
			}
			output.Error("%v", err)
			return err
		}

		info, _ := a.auth.Status(ctx)
		if info.Subject != "" {
			output.Success("Logged in as %s", info.Subject)
		} else {
			output.Success("Logged in")
		}
		if info.WorkerID != 0 && info.WorkerID != cfg.WorkerID {
			if err := saveWorkerID(info.WorkerID); err != nil {
				output.Warning("could not save worker id: %v", err)
			} else {
				output.Info("Worker id set to %d", info.WorkerID)
			}
		}
		return nil
	},
}

// saveWorkerID records the worker the credential belongs to in the config
// file.
func saveWorkerID(id int64) error {
	fileCfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return err
	}
	fileCfg.WorkerID = id
	return config.Save(cfgPath, fileCfg)
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := openApp(ctx, nil)
		defer a.Close()

		if err := a.auth.Logout(ctx); err != nil {
			output.Error("logout: %v", err)
			return err
		}
		fmt.Println("Logged out.")
		if os.Getenv(auth.EnvToken) != "" {
			output.Warning("%s is still set and will be used", auth.EnvToken)
		}
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := openApp(ctx, nil)
		defer a.Close()

		info, err := a.auth.Status(ctx)
		if err != nil {
			output.Error("load credential: %v", err)
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(info)
		}
		if !info.LoggedIn {
			fmt.Println("Not logged in.")
			return nil
		}
		fmt.Printf("Server:  %s\n", cfg.ServerURL)
		fmt.Printf("Login:   %s\n", loginLine(info))
		if info.Subject != "" {
			fmt.Printf("Subject: %s\n", info.Subject)
		}
		if info.Refreshing {
			fmt.Println("Refresh: enabled")
		}
		return nil
	},
}

var authTokenCmd = &cobra.Command{
	Use:   "token [token]",
	Short: "Store a bearer token issued by the server",
	Long: `Stores a bearer token, for example one minted with
fieldsync-server token. Without an argument the token is read from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		raw, err := tokenArg(args)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		a := openApp(ctx, nil)
		defer a.Close()

		if err := a.auth.SetToken(ctx, raw); err != nil {
			output.Error("store token: %v", err)
			return err
		}
		info, _ := a.auth.Status(ctx)
		output.Success("Token stored (%s)", loginLine(info))
		return nil
	},
}

func tokenArg(args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Token: ")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return "", errors.New("token required")
	}
	return line, nil
}

func init() {
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authTokenCmd)
	rootCmd.AddCommand(authCmd)

	authStatusCmd.Flags().Bool("json", false, "JSON output")
}
