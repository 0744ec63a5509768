package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/epics-go/pvaccess/pkg/client"
)

var getCmd = &cobra.Command{
	Use:   "get <channel-name>",
	Short: "Fetch a channel's current value",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	name := args[0]

	cx, err := client.NewContext(client.Config{
		BroadcastPort: broadcastPort,
		SearchTimeout: searchTimeout,
	})
	if err != nil {
		return fmt.Errorf("pvaclient: %w", err)
	}
	defer cx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), searchTimeout)
	defer cancel()

	ch, err := cx.Find(ctx, name)
	if err != nil {
		return fmt.Errorf("pvaclient: find %q: %w", name, err)
	}
	defer ch.Destroy()

	value, err := ch.Get(ctx)
	if err != nil {
		return fmt.Errorf("pvaclient: get %q: %w", name, err)
	}

	fmt.Println(formatValue(value))
	return nil
}
