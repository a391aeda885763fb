package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/sitesync/internal/engine"
	"github.com/BadgerOps/sitesync/internal/safety"
)

const controlTimeout = 10 * time.Second

var (
	controlServer string
	pauseProject  string
	pauseItem     string
	pauseSite     string
)

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&controlServer, "server", "", "control API base URL (default http://<server.listen>)")
}

// serverURL returns the control API base URL of the running sync service.
func serverURL() (string, error) {
	raw := controlServer
	if raw == "" {
		listen := "127.0.0.1:8089"
		if globalCfg != nil && globalCfg.Server.Listen != "" {
			listen = globalCfg.Server.Listen
		}
		raw = "http://" + listen
	}
	u, err := safety.ValidateHTTPURL(raw)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// callControl sends a request to the control API and decodes the reply into out.
func callControl(method, path string, body, out any) error {
	base, err := serverURL()
	if err != nil {
		return err
	}

	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, base+path, &reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := safety.NewHTTPClient(controlTimeout).Do(req)
	if err != nil {
		return fmt.Errorf("sync service not reachable at %s: %w", base, err)
	}
	defer resp.Body.Close()

	data, err := safety.ReadAllWithLimit(resp.Body, 8<<20)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func newResetTimerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-timer",
		Short: "Start the next sync cycle of a running service now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := callControl(http.MethodPost, "/api/reset_timer", nil, nil); err != nil {
				return err
			}
			fmt.Println("Timer reset")
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}

func newPauseCmd(paused bool) *cobra.Command {
	use, short, path := "pause", "Pause syncing in a running service", "/api/pause"
	if !paused {
		use, short, path = "unpause", "Resume syncing in a running service", "/api/unpause"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: `Without flags the whole server is affected. --project and --item narrow the
scope; --item together with --site sets the pause marker stored on the record.`,
		Example: fmt.Sprintf(`  sitesync %[1]s
  sitesync %[1]s --project show
  sitesync %[1]s --project show --item rep-1 --site studio`, use),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"project": pauseProject, "item_id": pauseItem, "site": pauseSite}
			var snap engine.PauseSnapshot
			if err := callControl(http.MethodPost, path, body, &snap); err != nil {
				return err
			}
			printPauses(snap)
			return nil
		},
	}
	addServerFlag(cmd)
	cmd.Flags().StringVar(&pauseProject, "project", "", "project to (un)pause")
	cmd.Flags().StringVar(&pauseItem, "item", "", "item to (un)pause (needs --project)")
	cmd.Flags().StringVar(&pauseSite, "site", "", "site whose stored record gets the pause marker (needs --project and --item)")
	return cmd
}

func printPauses(snap engine.PauseSnapshot) {
	fmt.Printf("Server paused:   %t\n", snap.Server)
	fmt.Printf("Paused projects: %s\n", listOrNone(snap.Projects))
	fmt.Printf("Paused items:    %s\n", listOrNone(snap.Items))
}

func listOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}
