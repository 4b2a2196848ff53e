package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const accountHeader = "X-Account-ID"

var (
	ServerURL = "http://localhost:8080"
	Account   string

	client = &http.Client{Timeout: 10 * time.Second}
)

var rootCmd = &cobra.Command{
	Use:   "pixelctl",
	Short: "Talk to a pixel war node",
	Long: `pixelctl is a command line client for the pixel war HTTP API.

Buy a pixel
	pixelctl --account alice set 3 4 0xff0000 --deposit 2

Collect your reward once the round is over
	pixelctl --account alice withdraw
`,
	SilenceUsage: true,
}

var getCmd = &cobra.Command{
	Use:   "get <x> <y>",
	Short: "Show one pixel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRequest(cmd.OutOrStdout(), "GET", "/api/pixel/"+args[0]+"/"+args[1], nil)
	},
}

var rowCmd = &cobra.Command{
	Use:   "row <y>",
	Short: "List the owned pixels of a row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRequest(cmd.OutOrStdout(), "GET", "/api/row/"+args[0], nil)
	},
}

var deposit uint64

var setCmd = &cobra.Command{
	Use:   "set <x> <y> <color>",
	Short: "Claim or recolor a pixel",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		x, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("x: %w", err)
		}
		y, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("y: %w", err)
		}
		color, err := parseColor(args[2])
		if err != nil {
			return err
		}
		payload := map[string]uint64{"x": x, "y": y, "color": uint64(color), "deposit": deposit}
		return doRequest(cmd.OutOrStdout(), "POST", "/api/pixel", payload)
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Collect the reward for your pixels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRequest(cmd.OutOrStdout(), "POST", "/api/withdraw", nil)
	},
}

var roundCmd = &cobra.Command{
	Use:   "round",
	Short: "Show round timing and the reward pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRequest(cmd.OutOrStdout(), "GET", "/api/round", nil)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRequest(cmd.OutOrStdout(), "GET", "/api/status", nil)
	},
}

// parseColor accepts decimal or 0x-prefixed hex.
func parseColor(s string) (uint32, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "#") {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "#")
		base = 16
	}
	c, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, fmt.Errorf("color: %w", err)
	}
	return uint32(c), nil
}

func doRequest(out io.Writer, method, path string, payload interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(ServerURL, "/")+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if Account != "" {
		req.Header.Set(accountHeader, Account)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		data = pretty.Bytes()
	}
	fmt.Fprintln(out, strings.TrimSpace(string(data)))
	return nil
}

func init() {
	if url := os.Getenv("PIXELWAR_SERVER"); url != "" {
		ServerURL = url
	}

	rootCmd.PersistentFlags().StringVarP(&ServerURL, "server", "s", ServerURL, "Node to talk to (env PIXELWAR_SERVER)")
	rootCmd.PersistentFlags().StringVarP(&Account, "account", "a", os.Getenv("PIXELWAR_ACCOUNT"), "Account sent as "+accountHeader)
	setCmd.Flags().Uint64VarP(&deposit, "deposit", "d", 0, "Amount attached to the claim")

	rootCmd.AddCommand(getCmd, rowCmd, setCmd, withdrawCmd, roundCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
