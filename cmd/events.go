package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/agentmon/internal/cli"
	"github.com/theirongolddev/agentmon/internal/ipc"
	"github.com/theirongolddev/agentmon/internal/model"
)

var (
	flagEventsSession string
	flagEventsAgent   string
	flagEventsType    string
	flagEventsLimit   int
	flagEventsFollow  bool
	flagEventsJSON    bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent events or follow the live stream",
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().StringVarP(&flagEventsSession, "session", "s", "", "Show one session's event history")
	eventsCmd.Flags().StringVarP(&flagEventsAgent, "agent", "a", "", "Filter by agent type")
	eventsCmd.Flags().StringVarP(&flagEventsType, "type", "t", "", "Filter by event type")
	eventsCmd.Flags().IntVarP(&flagEventsLimit, "limit", "n", 50, "Max events to show")
	eventsCmd.Flags().BoolVarP(&flagEventsFollow, "follow", "f", false, "Stream live events until interrupted")
	eventsCmd.Flags().BoolVar(&flagEventsJSON, "json", false, "Emit events as JSON lines")
	rootCmd.AddCommand(eventsCmd)
}

func eventFilter() model.EventFilter {
	var f model.EventFilter
	if flagEventsAgent != "" {
		f.AgentTypes = []model.AgentType{model.AgentType(flagEventsAgent)}
	}
	if flagEventsType != "" {
		f.EventTypes = []model.EventType{model.EventType(flagEventsType)}
	}
	if flagEventsSession != "" {
		f.SessionIDs = []string{flagEventsSession}
	}
	return f
}

func runEvents(_ *cobra.Command, _ []string) error {
	client, _, err := dialDaemon()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if flagEventsFollow {
		return followEvents(client)
	}

	var events []*model.Event
	if flagEventsSession != "" {
		events, err = client.SessionEvents(flagEventsSession, flagEventsLimit)
	} else {
		events, err = client.RecentEvents(eventFilter(), flagEventsLimit)
	}
	if err != nil {
		return err
	}

	for _, ev := range events {
		printEvent(ev)
	}
	return nil
}

func followEvents(client *ipc.Client) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var lastDropped uint64
	err := client.SubscribeEvents(ctx, eventFilter(), func(f ipc.Frame) error {
		if f.Dropped > lastDropped {
			fmt.Fprintf(os.Stderr, "  ... %d events dropped (stream fell behind)\n", f.Dropped-lastDropped)
			lastDropped = f.Dropped
		}
		if f.Event != nil {
			printEvent(f.Event)
		}
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func printEvent(ev *model.Event) {
	if flagEventsJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Println(string(data))
		return
	}

	detail := ""
	switch {
	case ev.Tool != nil:
		detail = ev.Tool.Name
	case ev.File != nil:
		detail = ev.File.Operation + " " + ev.File.Path
	case ev.Error != nil:
		detail = ev.Error.Kind + ": " + ev.Error.Message
	case ev.Lifecycle != nil:
		detail = string(ev.Lifecycle.From) + " -> " + string(ev.Lifecycle.To)
		if ev.Lifecycle.Cause != "" {
			detail += " (" + string(ev.Lifecycle.Cause) + ")"
		}
	case ev.Tokens != nil:
		detail = fmt.Sprintf("%s in / %s out",
			cli.FormatTokens(ev.Tokens.Input), cli.FormatTokens(ev.Tokens.Output))
	}

	fmt.Printf("  %s  %-10s %-20s %s\n",
		ev.Timestamp.Local().Format(time.TimeOnly),
		shortID(ev.SessionID),
		ev.Type,
		detail)
}
