package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/registry"
	"github.com/BioHazard786/huddle/internal/ui"
)

var flagRoomsServer string

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the rooms open on a server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(config.Options{ServerURL: flagRoomsServer})
		if err != nil {
			return err
		}
		rooms, err := fetchRooms(cmd.Context(), cfg.ServerURL)
		if err != nil {
			return err
		}
		fmt.Println(ui.RoomsTable(rooms))
		return nil
	},
}

func fetchRooms(ctx context.Context, serverURL string) ([]registry.RoomInfo, error) {
	endpoint, err := httpEndpoint(serverURL, "/rooms")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list rooms: server answered %s", resp.Status)
	}

	var rooms []registry.RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

func init() {
	rootCmd.AddCommand(roomsCmd)

	roomsCmd.Flags().StringVar(&flagRoomsServer, "server", "", "Signaling server URL (default ws://localhost:8080/ws)")
}
