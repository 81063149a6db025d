// enqueue is an operator tool: it publishes a study-processing job from a
// directory of files, or a patient-report job.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"

	"github.com/you-humble/dicomproc/internal/domain"
	"github.com/you-humble/dicomproc/internal/infra/config"
	"github.com/you-humble/dicomproc/internal/infra/queue"
	natsq "github.com/you-humble/dicomproc/internal/libs/nats"
)

func main() {
	var (
		cfgPath   = flag.String("config", "./configs/local.yaml", "path to config file")
		studyID   = flag.Int64("study", 0, "study id to process")
		dir       = flag.String("dir", "", "directory with files to process")
		patientID = flag.Int64("patient", 0, "patient id to generate a report for")
		callerID  = flag.String("caller", "cli", "caller identifier for the audit trail")
	)
	flag.Parse()

	if err := run(*cfgPath, *studyID, *dir, *patientID, *callerID); err != nil {
		log.Fatalln("enqueue:", err)
	}
}

func run(cfgPath string, studyID int64, dir string, patientID int64, callerID string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	nc, err := natsq.NewConnect(cfg.NATS.URL, natsq.Config{
		Name:          cfg.NATS.QueueName,
		MaxReconnects: cfg.NATS.MaxReconnects,
	})
	if err != nil {
		return fmt.Errorf("NATS connect: %w", err)
	}
	defer nc.Close()

	js, err := natsq.NewJetStream(nc, &nats.StreamConfig{
		Name:     "DICOM_JOBS",
		Subjects: []string{cfg.NATS.Subject, cfg.NATS.ReportSubject},
		Storage:  nats.FileStorage,
		Replicas: 1,
	})
	if err != nil {
		return fmt.Errorf("JetStream: %w", err)
	}

	q := queue.New(js, cfg.NATS.Subject, cfg.NATS.ReportSubject)
	ctx := context.Background()

	switch {
	case studyID > 0:
		items, err := readBatch(dir)
		if err != nil {
			return err
		}
		jobID, err := q.EnqueueProcess(ctx, studyID, items, callerID)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued processing job %s for study %d (%d items)\n", jobID, studyID, len(items))
		return nil

	case patientID > 0:
		jobID, err := q.EnqueueReport(ctx, patientID, callerID)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued report job %s for patient %d\n", jobID, patientID)
		return nil

	default:
		return fmt.Errorf("either -study with -dir or -patient is required")
	}
}

func readBatch(dir string) ([]domain.BatchItem, error) {
	if dir == "" {
		return nil, fmt.Errorf("-dir is required with -study")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var items []domain.BatchItem
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read file %s: %w", e.Name(), err)
		}
		items = append(items, domain.BatchItem{Filename: e.Name(), Content: content})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no files in %s", dir)
	}
	return items, nil
}
