package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/epics-go/pvaccess/pkg/client"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <channel-name>",
	Short: "Stream a channel's value changes until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) error {
	name := args[0]

	cx, err := client.NewContext(client.Config{
		BroadcastPort: broadcastPort,
		SearchTimeout: searchTimeout,
	})
	if err != nil {
		return fmt.Errorf("pvaclient: %w", err)
	}
	defer cx.Close()

	findCtx, cancelFind := context.WithTimeout(context.Background(), searchTimeout)
	ch, err := cx.Find(findCtx, name)
	cancelFind()
	if err != nil {
		return fmt.Errorf("pvaclient: find %q: %w", name, err)
	}
	defer ch.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, unsubscribe, err := ch.Monitor(ctx)
	if err != nil {
		return fmt.Errorf("pvaclient: monitor %q: %w", name, err)
	}
	defer unsubscribe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	fmt.Printf("Monitoring %q. Press Ctrl+C to stop.\n", name)
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			fmt.Println(formatValue(update.Value))
		case <-sigChan:
			return nil
		}
	}
}
