package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlsys/pvgate/internal/gateway"
)

func statusCmd() *cobra.Command {
	var level int
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running gateway's channel cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = "http://localhost" + portSuffix(cfg.Server.Listen)
			}
			url := fmt.Sprintf("%s/status?level=%d", strings.TrimRight(addr, "/"), level)

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("querying status: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading status: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status query failed: %d: %s", resp.StatusCode, string(body))
			}

			var st gateway.Status
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("decoding status: %w", err)
			}

			fmt.Printf("Provider: %s\n", st.Provider)
			fmt.Printf("Cache has %d channels\n", st.Channels)
			fmt.Printf("Live: %d channel entries, %d monitors, %d subscribers, %d client channels\n",
				st.Live.ChannelEntries, st.Live.MonitorEntries, st.Live.MonitorUsers, st.Live.GWChannels)
			for _, e := range st.Entries {
				fmt.Printf("%s Channel '%s' with %d clients, %d monitors, %d subscribers\n",
					e.State, e.Name, e.Clients, e.Monitors, e.Subscribers)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&level, "level", "l", 0, "detail level (>=1 lists channels)")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "gateway base URL (default from config listen port)")
	return cmd
}

func portSuffix(listen string) string {
	if i := strings.LastIndex(listen, ":"); i >= 0 {
		return listen[i:]
	}
	return ":" + listen
}
