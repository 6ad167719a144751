package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/psantana5/yolotrain/pkg/models"
	"github.com/psantana5/yolotrain/pkg/retry"
)

var showLogs bool

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job's progress live",
	Long: `Stream status, epoch metrics and errors of a job over WebSocket until it
reaches a terminal state. Dropped connections are re-established.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		return watchJob(cmd.Context(), client, args[0])
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&showLogs, "logs", false, "also print trainer log lines")
}

type frame struct {
	Type  models.MessageType `json:"type"`
	JobID string             `json:"job_id"`
	Data  json.RawMessage    `json:"data"`
}

// errJobFinished ends the stream once a terminal status arrived
var errJobFinished = errors.New("job finished")

func watchJob(ctx context.Context, client *Client, id string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !IsJSONOutput() {
		fmt.Printf("Following job %s (press Ctrl+C to stop)...\n\n", id)
	}

	cfg := retry.Config{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: 15 * time.Second, Multiplier: 2}
	err := retry.Do(ctx, cfg, func() error {
		conn, err := client.Dial(ctx, id, nil)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
				return retry.Permanent(err)
			}
			return err
		}
		defer conn.Close()

		err = stream(ctx, conn)
		if errors.Is(err, errJobFinished) || ctx.Err() != nil {
			return retry.Permanent(err)
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
			return retry.Permanent(fmt.Errorf("job %s: %s", id, ce.Text))
		}
		return err
	})
	switch {
	case errors.Is(err, errJobFinished):
		return nil
	case ctx.Err() != nil:
		fmt.Println("\nStopped watching")
		return nil
	default:
		return err
	}
}

func stream(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if IsJSONOutput() {
			raw, _ := json.Marshal(f)
			fmt.Println(string(raw))
		}
		finished, err := render(f)
		if err != nil {
			return err
		}
		if finished {
			return errJobFinished
		}
	}
}

// render prints one frame and reports whether the job has finished
func render(f frame) (bool, error) {
	quiet := IsJSONOutput()
	switch f.Type {
	case models.MessageStatus:
		var u models.StatusUpdate
		if err := json.Unmarshal(f.Data, &u); err != nil {
			return false, fmt.Errorf("bad status frame: %w", err)
		}
		if !quiet {
			fmt.Printf("[%s] status=%s progress=%.1f%%\n", time.Now().Format("15:04:05"), u.Status, u.Progress)
		}
		return models.IsTerminalState(u.Status), nil
	case models.MessageMetrics:
		var u models.EpochUpdate
		if err := json.Unmarshal(f.Data, &u); err != nil {
			return false, fmt.Errorf("bad metrics frame: %w", err)
		}
		if !quiet {
			fmt.Printf("[%s] epoch %d/%d  loss=%.4f  val_loss=%.4f  mAP50=%.4f  mAP50-95=%.4f\n",
				time.Now().Format("15:04:05"), u.Epoch, u.TotalEpochs,
				u.Metrics.TrainLoss, u.Metrics.ValLoss, u.Metrics.MAP50, u.Metrics.MAP50_95)
		}
	case models.MessageError:
		var u models.ErrorUpdate
		if err := json.Unmarshal(f.Data, &u); err == nil && !quiet {
			fmt.Printf("[%s] error: %s\n", time.Now().Format("15:04:05"), u.Error)
		}
	case models.MessageLog:
		var line string
		if err := json.Unmarshal(f.Data, &line); err == nil && showLogs && !quiet {
			fmt.Printf("  %s\n", line)
		}
	}
	return false, nil
}
