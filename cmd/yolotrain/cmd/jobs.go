package cmd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/yolotrain/pkg/models"
)

var (
	// submit flags
	trainConfigFile string
	jobName         string
	datasetID       string
	epochs          int
	batchSize       int
	imageSize       int
	modelSize       string
	yoloVersion     string
	device          string
	watchAfter      bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <dataset.zip>",
	Short: "Submit a dataset for training",
	Long: `Upload a zipped YOLO dataset and start a training job on it.

The training config is read from --train-config (YAML) when given; flags
override individual fields.

Example:
  yolotrain submit helmets.zip --name helmets --dataset-id ds-1 --epochs 50
  yolotrain submit helmets.zip --train-config train.yaml --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List training jobs",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var stopCmd = &cobra.Command{
	Use:   "stop <job-id>",
	Short: "Stop a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job and its files",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var resultsCmd = &cobra.Command{
	Use:   "results <job-id>",
	Short: "Show epoch metrics and output files of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runResults,
}

func init() {
	rootCmd.AddCommand(submitCmd, statusCmd, listCmd, stopCmd, deleteCmd, resultsCmd)

	f := submitCmd.Flags()
	f.StringVar(&trainConfigFile, "train-config", "", "YAML training config")
	f.StringVar(&jobName, "name", "", "job name")
	f.StringVar(&datasetID, "dataset-id", "", "dataset identifier")
	f.IntVar(&epochs, "epochs", 0, "number of epochs")
	f.IntVar(&batchSize, "batch", 0, "batch size")
	f.IntVar(&imageSize, "imgsz", 0, "image size")
	f.StringVar(&modelSize, "model-size", "", "model size: n, s, m, l or x")
	f.StringVar(&yoloVersion, "yolo-version", "", "YOLO version: v5, v8 or v11")
	f.StringVar(&device, "device", "", "training device, e.g. auto, cpu, 0")
	f.BoolVar(&watchAfter, "watch", false, "follow the job after submitting")
}

// loadTrainingConfig merges the YAML file and changed flags onto the defaults
func loadTrainingConfig(cmd *cobra.Command) (models.TrainingConfig, error) {
	cfg := models.DefaultTrainingConfig()
	if trainConfigFile != "" {
		raw, err := os.ReadFile(trainConfigFile)
		if err != nil {
			return cfg, fmt.Errorf("failed to read training config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse training config: %w", err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Name = jobName
	}
	if flags.Changed("dataset-id") {
		cfg.DatasetID = datasetID
	}
	if flags.Changed("epochs") {
		cfg.Epochs = epochs
	}
	if flags.Changed("batch") {
		cfg.BatchSize = batchSize
	}
	if flags.Changed("imgsz") {
		cfg.ImageSize = imageSize
	}
	if flags.Changed("model-size") {
		cfg.ModelSize = modelSize
	}
	if flags.Changed("yolo-version") {
		cfg.YOLOVersion = yoloVersion
	}
	if flags.Changed("device") {
		cfg.Device = device
	}
	return cfg, cfg.Validate()
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadTrainingConfig(cmd)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read dataset: %w", err)
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	resp, err := client.Start(cmd.Context(), cfg, base64.StdEncoding.EncodeToString(data))
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		if err := printJSON(resp); err != nil {
			return err
		}
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Job ID", resp.JobID)
		table.Append("Name", cfg.Name)
		table.Append("Model", cfg.ModelName())
		table.Append("Epochs", fmt.Sprintf("%d", cfg.Epochs))
		table.Render()
		fmt.Printf("\n%s\n", resp.Message)
	}

	if watchAfter {
		return watchJob(cmd.Context(), client, resp.JobID)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	job, err := client.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	displayJob(job)
	return nil
}

func displayJob(job *models.Job) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", job.ID)
	table.Append("Name", job.Name)
	table.Append("Status", string(job.Status))
	table.Append("Progress", fmt.Sprintf("%.1f%%", job.Progress))
	table.Append("Epoch", fmt.Sprintf("%d/%d", job.CurrentEpoch, job.TotalEpochs))
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		table.Append("Started At", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		table.Append("Completed At", job.CompletedAt.Format(time.RFC3339))
	}
	if len(job.Metrics) > 0 {
		last := job.Metrics[len(job.Metrics)-1]
		table.Append("mAP50-95", fmt.Sprintf("%.4f", last.MAP50_95))
	}
	if job.Error != "" {
		table.Append("Error", job.Error)
	}
	table.Render()
}

func runList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	list, err := client.List(cmd.Context())
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(list)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Name", "Status", "Progress", "Epoch", "Started")
	for _, j := range list.Jobs {
		started := "-"
		if j.StartedAt != nil {
			started = j.StartedAt.Format(time.RFC3339)
		}
		table.Append(j.ID, j.Name, string(j.Status), fmt.Sprintf("%.1f%%", j.Progress),
			fmt.Sprintf("%d/%d", j.CurrentEpoch, j.TotalEpochs), started)
	}
	table.Render()
	fmt.Printf("\nTotal: %d jobs\n", list.Total)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	msg, err := client.Stop(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	msg, err := client.Delete(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}

func runResults(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	res, err := client.Results(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(res)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Epoch", "Train Loss", "Val Loss", "mAP50", "mAP50-95", "Precision", "Recall")
	for _, m := range res.Metrics {
		table.Append(fmt.Sprintf("%d", m.Epoch),
			fmt.Sprintf("%.4f", m.TrainLoss), fmt.Sprintf("%.4f", m.ValLoss),
			fmt.Sprintf("%.4f", m.MAP50), fmt.Sprintf("%.4f", m.MAP50_95),
			fmt.Sprintf("%.4f", m.Precision), fmt.Sprintf("%.4f", m.Recall))
	}
	table.Render()

	fmt.Printf("\nStatus: %s", res.Status)
	if res.BestEpoch > 0 {
		fmt.Printf("  Best epoch: %d (mAP50-95 %.4f)", res.BestEpoch, res.BestMAP50_95)
	}
	fmt.Println()
	files := []struct {
		name string
		ok   bool
	}{
		{"weights/best.pt", res.Files.BestModel},
		{"weights/last.pt", res.Files.LastModel},
		{"results.csv", res.Files.ResultsCSV},
		{"results.png", res.Files.ResultsChart},
		{"confusion_matrix.png", res.Files.ConfusionMatrix},
	}
	for _, f := range files {
		mark := "✗"
		if f.ok {
			mark = "✓"
		}
		fmt.Printf("  %s %s\n", mark, f.name)
	}
	return nil
}
